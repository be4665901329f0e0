package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStorePutGetAgent(t *testing.T) {
	store := newTestBoltStore(t)

	agent := &types.AgentRecord{
		Name:      "worker-1",
		UUID:      uuid.New(),
		Role:      types.RoleUser,
		Status:    types.StatusIdle,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.PutAgent(agent))

	got, err := store.GetAgent("worker-1")
	require.NoError(t, err)
	require.Equal(t, agent.Name, got.Name)
	require.Equal(t, agent.Role, got.Role)
}

func TestBoltStoreGetAgentNotFound(t *testing.T) {
	store := newTestBoltStore(t)

	_, err := store.GetAgent("ghost")
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.ErrNotFound))
}

func TestBoltStoreListAgentsAndDelete(t *testing.T) {
	store := newTestBoltStore(t)

	require.NoError(t, store.PutAgent(&types.AgentRecord{Name: "a"}))
	require.NoError(t, store.PutAgent(&types.AgentRecord{Name: "b"}))

	agents, err := store.ListAgents()
	require.NoError(t, err)
	require.Len(t, agents, 2)

	require.NoError(t, store.DeleteAgent("a"))
	agents, err = store.ListAgents()
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Equal(t, "b", agents[0].Name)
}

func TestBoltStoreSessionRevokeAndExpire(t *testing.T) {
	store := newTestBoltStore(t)

	session := &types.Session{
		TokenID:   "tok-1",
		AgentName: "worker-1",
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.PutSession(session))

	active, err := store.ListActiveSessions()
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, store.RevokeSession("tok-1"))
	got, err := store.GetSession("tok-1")
	require.NoError(t, err)
	require.True(t, got.Revoked)

	active, err = store.ListActiveSessions()
	require.NoError(t, err)
	require.Len(t, active, 0)

	n, err := store.DeleteExpiredSessions(time.Now().Unix())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestBoltStoreRolePermission(t *testing.T) {
	store := newTestBoltStore(t)

	_, found, err := store.GetRolePermission(types.RoleOperator)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.PutRolePermission(types.RoleOperator, 0xFF))
	bitmask, found, err := store.GetRolePermission(types.RoleOperator)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(0xFF), bitmask)
}

func TestBoltStoreSecurityEventsOrderedNewestFirst(t *testing.T) {
	store := newTestBoltStore(t)

	require.NoError(t, store.AppendEvent(&types.SecurityEvent{Type: "register", Agent: "a"}))
	require.NoError(t, store.AppendEvent(&types.SecurityEvent{Type: "unauthorized", Agent: "b"}))

	events, err := store.ListEvents(0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "unauthorized", events[0].Type)
}

func TestBoltStoreCheckpoints(t *testing.T) {
	store := newTestBoltStore(t)

	cp := &Checkpoint{PlanID: "plan-1", TaskID: "task-1", Status: types.TaskCompleted, ResultHash: "abc"}
	require.NoError(t, store.PutCheckpoint(cp))

	got, found, err := store.GetCheckpoint("plan-1", "task-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "abc", got.ResultHash)

	require.NoError(t, store.PutCheckpoint(&Checkpoint{PlanID: "plan-1", TaskID: "task-2"}))
	require.NoError(t, store.PutCheckpoint(&Checkpoint{PlanID: "plan-2", TaskID: "task-1"}))

	all, err := store.ListCheckpoints("plan-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestBoltStoreCertificateAuthority(t *testing.T) {
	store := newTestBoltStore(t)

	_, err := store.GetCA()
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.ErrNotFound))

	require.NoError(t, store.SaveCA([]byte("root-ca-der")))
	data, err := store.GetCA()
	require.NoError(t, err)
	require.Equal(t, []byte("root-ca-der"), data)
}

func TestBoltStoreInTransaction(t *testing.T) {
	store := newTestBoltStore(t)

	err := store.InTransaction(func(tx Transaction) error {
		if err := tx.PutAgent(&types.AgentRecord{Name: "txn-agent"}); err != nil {
			return err
		}
		return tx.PutCheckpoint(&Checkpoint{PlanID: "p", TaskID: "t"})
	})
	require.NoError(t, err)

	agent, err := store.GetAgent("txn-agent")
	require.NoError(t, err)
	require.Equal(t, "txn-agent", agent.Name)
}
