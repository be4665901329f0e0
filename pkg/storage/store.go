package storage

import (
	"github.com/cuemby/agentmesh/pkg/types"
)

// Checkpoint is one recorded task outcome in a plan's checkpoint log,
// written by the planner as it replays or resumes a plan after a restart.
type Checkpoint struct {
	PlanID     string
	TaskID     string
	Status     types.TaskStatus
	ResultHash string
}

// Store defines the persistence surface shared by the registry, the auth
// gate, and the planner. Every method is safe for concurrent use.
type Store interface {
	// Agents
	PutAgent(agent *types.AgentRecord) error
	GetAgent(name string) (*types.AgentRecord, error)
	ListAgents() ([]*types.AgentRecord, error)
	DeleteAgent(name string) error

	// Sessions
	PutSession(session *types.Session) error
	GetSession(tokenID string) (*types.Session, error)
	RevokeSession(tokenID string) error
	ListActiveSessions() ([]*types.Session, error)
	DeleteExpiredSessions(before int64) (int, error)

	// Roles (bitmask overrides beyond the built-in RolePermissions table)
	PutRolePermission(role types.Role, bitmask uint64) error
	GetRolePermission(role types.Role) (uint64, bool, error)

	// Security events
	AppendEvent(event *types.SecurityEvent) error
	ListEvents(limit int) ([]*types.SecurityEvent, error)

	// Planner checkpoints
	PutCheckpoint(c *Checkpoint) error
	GetCheckpoint(planID, taskID string) (*Checkpoint, bool, error)
	ListCheckpoints(planID string) ([]*Checkpoint, error)

	// Certificate authority (stream-socket tier mTLS)
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	// InTransaction runs fn atomically; fn's error aborts the transaction.
	InTransaction(fn func(tx Transaction) error) error

	Close() error
}

// Transaction is the subset of Store usable inside InTransaction. Both
// BoltStore and PostgresStore hand fn a transaction-scoped value that
// implements this interface.
type Transaction interface {
	PutAgent(agent *types.AgentRecord) error
	GetAgent(name string) (*types.AgentRecord, error)
	PutCheckpoint(c *Checkpoint) error
	GetCheckpoint(planID, taskID string) (*Checkpoint, bool, error)
}
