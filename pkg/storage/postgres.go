package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/types"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// PostgresStore implements Store over a shared Postgres database, for
// deployments that run the core against a networked store instead of a
// local BoltDB file. It drives the pgx stdlib driver through database/sql
// so the same code path is exercisable in tests with DATA-DOG/go-sqlmock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against dsn (a Postgres
// connection string) and ensures the schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB wraps an already-open *sql.DB, used by tests to
// substitute a sqlmock connection for a live database.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (name TEXT PRIMARY KEY, data JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS sessions (token_id TEXT PRIMARY KEY, data JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS roles (role TEXT PRIMARY KEY, bitmask BIGINT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS security_events (id BIGSERIAL PRIMARY KEY, data JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (plan_id TEXT NOT NULL, task_id TEXT NOT NULL, data JSONB NOT NULL, PRIMARY KEY (plan_id, task_id))`,
		`CREATE TABLE IF NOT EXISTS ca_data (id INT PRIMARY KEY DEFAULT 1, data BYTEA NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) PutAgent(agent *types.AgentRecord) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO agents (name, data) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data`,
		agent.Name, data,
	)
	return err
}

func (s *PostgresStore) GetAgent(name string) (*types.AgentRecord, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM agents WHERE name = $1`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent not found: %s: %w", name, coreerr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var agent types.AgentRecord
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *PostgresStore) ListAgents() ([]*types.AgentRecord, error) {
	rows, err := s.db.Query(`SELECT data FROM agents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*types.AgentRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var agent types.AgentRecord
		if err := json.Unmarshal(data, &agent); err != nil {
			return nil, err
		}
		agents = append(agents, &agent)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) DeleteAgent(name string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE name = $1`, name)
	return err
}

func (s *PostgresStore) PutSession(session *types.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (token_id, data) VALUES ($1, $2)
		 ON CONFLICT (token_id) DO UPDATE SET data = EXCLUDED.data`,
		session.TokenID, data,
	)
	return err
}

func (s *PostgresStore) GetSession(tokenID string) (*types.Session, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE token_id = $1`, tokenID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s: %w", tokenID, coreerr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var session types.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *PostgresStore) RevokeSession(tokenID string) error {
	session, err := s.GetSession(tokenID)
	if err != nil {
		return err
	}
	session.Revoked = true
	return s.PutSession(session)
}

func (s *PostgresStore) ListActiveSessions() ([]*types.Session, error) {
	rows, err := s.db.Query(`SELECT data FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var session types.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return nil, err
		}
		if !session.Revoked {
			sessions = append(sessions, &session)
		}
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) DeleteExpiredSessions(before int64) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM sessions WHERE (data->>'ExpiresAt')::timestamptz < to_timestamp($1)`,
		before,
	)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func (s *PostgresStore) PutRolePermission(role types.Role, bitmask uint64) error {
	_, err := s.db.Exec(
		`INSERT INTO roles (role, bitmask) VALUES ($1, $2)
		 ON CONFLICT (role) DO UPDATE SET bitmask = EXCLUDED.bitmask`,
		string(role), int64(bitmask),
	)
	return err
}

func (s *PostgresStore) GetRolePermission(role types.Role) (uint64, bool, error) {
	var bitmask int64
	err := s.db.QueryRow(`SELECT bitmask FROM roles WHERE role = $1`, string(role)).Scan(&bitmask)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(bitmask), true, nil
}

func (s *PostgresStore) AppendEvent(event *types.SecurityEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO security_events (data) VALUES ($1)`, data)
	return err
}

func (s *PostgresStore) ListEvents(limit int) ([]*types.SecurityEvent, error) {
	query := `SELECT data FROM security_events ORDER BY id DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT $1`, limit)
	} else {
		rows, err = s.db.Query(query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*types.SecurityEvent
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var event types.SecurityEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, err
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

func (s *PostgresStore) PutCheckpoint(c *Checkpoint) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO checkpoints (plan_id, task_id, data) VALUES ($1, $2, $3)
		 ON CONFLICT (plan_id, task_id) DO UPDATE SET data = EXCLUDED.data`,
		c.PlanID, c.TaskID, data,
	)
	return err
}

func (s *PostgresStore) GetCheckpoint(planID, taskID string) (*Checkpoint, bool, error) {
	var data []byte
	err := s.db.QueryRow(
		`SELECT data FROM checkpoints WHERE plan_id = $1 AND task_id = $2`,
		planID, taskID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

func (s *PostgresStore) ListCheckpoints(planID string) ([]*Checkpoint, error) {
	rows, err := s.db.Query(`SELECT data FROM checkpoints WHERE plan_id = $1`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c Checkpoint
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, &c)
	}
	return checkpoints, rows.Err()
}

func (s *PostgresStore) SaveCA(data []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO ca_data (id, data) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`,
		data,
	)
	return err
}

func (s *PostgresStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM ca_data WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ca not found: %w", coreerr.ErrNotFound)
	}
	return data, err
}

// InTransaction runs fn inside a single SQL transaction, committing on a
// nil return and rolling back otherwise.
func (s *PostgresStore) InTransaction(fn func(tx Transaction) error) error {
	sqlTx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&postgresTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return sqlTx.Commit()
}

// postgresTx adapts a live *sql.Tx to the Transaction interface.
type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) PutAgent(agent *types.AgentRecord) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(
		`INSERT INTO agents (name, data) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data`,
		agent.Name, data,
	)
	return err
}

func (t *postgresTx) GetAgent(name string) (*types.AgentRecord, error) {
	var data []byte
	err := t.tx.QueryRow(`SELECT data FROM agents WHERE name = $1`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent not found: %s: %w", name, coreerr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var agent types.AgentRecord
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (t *postgresTx) PutCheckpoint(c *Checkpoint) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(
		`INSERT INTO checkpoints (plan_id, task_id, data) VALUES ($1, $2, $3)
		 ON CONFLICT (plan_id, task_id) DO UPDATE SET data = EXCLUDED.data`,
		c.PlanID, c.TaskID, data,
	)
	return err
}

func (t *postgresTx) GetCheckpoint(planID, taskID string) (*Checkpoint, bool, error) {
	var data []byte
	err := t.tx.QueryRow(
		`SELECT data FROM checkpoints WHERE plan_id = $1 AND task_id = $2`,
		planID, taskID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, false, err
	}
	return &c, true, nil
}
