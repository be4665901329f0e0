package storage

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreWithDB(db), mock
}

func TestPostgresStorePutAgent(t *testing.T) {
	store, mock := newTestPostgresStore(t)

	mock.ExpectExec(`INSERT INTO agents`).
		WithArgs("worker-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.PutAgent(&types.AgentRecord{Name: "worker-1"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetAgentNotFound(t *testing.T) {
	store, mock := newTestPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM agents`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetAgent("ghost")
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreListAgents(t *testing.T) {
	store, mock := newTestPostgresStore(t)

	rows := sqlmock.NewRows([]string{"data"}).
		AddRow([]byte(`{"Name":"a"}`)).
		AddRow([]byte(`{"Name":"b"}`))
	mock.ExpectQuery(`SELECT data FROM agents`).WillReturnRows(rows)

	agents, err := store.ListAgents()
	require.NoError(t, err)
	require.Len(t, agents, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreInTransactionRollsBackOnError(t *testing.T) {
	store, mock := newTestPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO agents`).WillReturnError(errors.New("exec failed"))
	mock.ExpectRollback()

	err := store.InTransaction(func(tx Transaction) error {
		return tx.PutAgent(&types.AgentRecord{Name: "x"})
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreInTransactionCommits(t *testing.T) {
	store, mock := newTestPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO agents`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.InTransaction(func(tx Transaction) error {
		return tx.PutAgent(&types.AgentRecord{Name: "x"})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
