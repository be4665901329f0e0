package types

import (
	"time"

	"github.com/google/uuid"
)

// Role defines the permission tier an agent or session operates under.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleUser     Role = "user"
	RoleObserver Role = "observer"
)

// Permission bits. A session's bitmask is the OR of the bits its role
// grants; authorize() checks required permissions with a plain AND.
const (
	PermRegister uint64 = 1 << iota
	PermDeregister
	PermSend
	PermBroadcast
	PermSubscribe
	PermPlanSubmit
	PermPlanCancel
	PermAdmin
)

// RolePermissions is the default bitmask granted to each role at token
// issuance time. A bitmask stored for a role with Store.PutRolePermission
// takes the place of this table's entry when a session is issued.
var RolePermissions = map[Role]uint64{
	RoleAdmin:    PermRegister | PermDeregister | PermSend | PermBroadcast | PermSubscribe | PermPlanSubmit | PermPlanCancel | PermAdmin,
	RoleOperator: PermRegister | PermDeregister | PermSend | PermBroadcast | PermSubscribe | PermPlanSubmit | PermPlanCancel,
	RoleUser:     PermRegister | PermSend | PermSubscribe | PermPlanSubmit,
	RoleObserver: PermSubscribe,
}

// Status is the lifecycle state of a registered agent.
type Status string

const (
	StatusRegistering Status = "registering"
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusBlocked     Status = "blocked"
	StatusFailed      Status = "failed"
	StatusCompleted   Status = "completed"
	StatusEvicted     Status = "evicted"
)

// Tier identifies one level of the layered transport stack, in descending
// preference order. Lower numeric value = stronger/faster tier.
type Tier int

const (
	TierSharedMemory Tier = iota
	TierAsyncIO
	TierStreamSocket
	TierMmapFile
	TierFlatFile
)

func (t Tier) String() string {
	switch t {
	case TierSharedMemory:
		return "shared-memory"
	case TierAsyncIO:
		return "async-io"
	case TierStreamSocket:
		return "stream-socket"
	case TierMmapFile:
		return "mmap-file"
	case TierFlatFile:
		return "flat-file"
	default:
		return "unknown"
	}
}

// TransportEndpoint describes how to reach an agent on a given tier.
type TransportEndpoint struct {
	Tier    Tier
	Address string // shm segment id, ring-buffer id, socket path, or file path
}

// AgentRecord is the Registry's durable view of one live agent.
type AgentRecord struct {
	Name               string // unique, case-insensitive
	UUID               uuid.UUID
	Role               Role
	PermissionBitmask  uint64
	Capabilities       []string
	Status             Status
	TransportEndpoints map[Tier]TransportEndpoint
	PreferredTier      Tier
	LastHeartbeatAt    time.Time
	InflightTasks      int
	CreatedAt          time.Time
}

// HasCapability reports whether the agent declares the given tag.
func (a *AgentRecord) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Pattern is the semantic shape of a message exchange.
type Pattern uint16

const (
	PatternRequestResponse Pattern = 1
	PatternPublish         Pattern = 2
	PatternWorkQueue       Pattern = 3
	PatternBroadcast       Pattern = 4
	PatternMulticast       Pattern = 5
)

func (p Pattern) String() string {
	switch p {
	case PatternRequestResponse:
		return "request-response"
	case PatternPublish:
		return "publish"
	case PatternWorkQueue:
		return "work-queue"
	case PatternBroadcast:
		return "broadcast"
	case PatternMulticast:
		return "multicast"
	default:
		return "unknown"
	}
}

// Priority is the delivery class of a message; it governs queueing,
// backpressure, and tier ceiling.
type Priority uint16

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
	PriorityBatch    Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// MaxTier is the strongest (fastest) transport tier a priority class may
// start a delivery attempt on; it participates in tier selection as
// tier = max(source.preferred, target.preferred, priority.MaxTier()).
// Critical, high, and normal priority may reach all the way to
// shared-memory; low and batch are capped further down the tier list so
// a flood of low-value traffic can't exhaust the fast tiers' limited
// capacity at the expense of latency-sensitive messages.
func (p Priority) MaxTier() Tier {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal:
		return TierSharedMemory
	case PriorityLow:
		return TierStreamSocket
	case PriorityBatch:
		return TierMmapFile
	default:
		return TierMmapFile
	}
}

// DeliveryState is the router's per-message state machine.
type DeliveryState string

const (
	DeliveryAccepted  DeliveryState = "accepted"
	DeliveryEnqueued  DeliveryState = "enqueued"
	DeliveryInFlight  DeliveryState = "in-flight"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryRetrying  DeliveryState = "retrying"
	DeliveryCancelled DeliveryState = "cancelled"
)

// Message is a single routed unit of work.
type Message struct {
	ID            string // 128-bit ULID, time-ordered
	SourceName    string
	TargetNames   []string
	Pattern       Pattern
	Priority      Priority
	CorrelationID string // ULID, empty if absent
	RequiresAck   bool
	Deadline      time.Time // zero value == never
	ContentType   string
	Payload       []byte
	IntegrityTag  []byte // HMAC-SHA256 over Payload, checked at admission; wire frames carry their own tag over header+payload
	EnqueuedAt    time.Time
	State         DeliveryState
	Retries       int
}

// HasDeadline reports whether the message carries a bounded deadline.
func (m *Message) HasDeadline() bool {
	return !m.Deadline.IsZero()
}

// TaskStatus is the lifecycle state of one plan task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskCancelled TaskStatus = "cancelled"
	TaskDeferred  TaskStatus = "deferred" // THERMAL_DEFERRED
)

// FailurePolicy controls how the planner reacts when a task fails.
type FailurePolicy string

const (
	FailurePolicyFailFast FailurePolicy = "fail-fast"
	FailurePolicySkip     FailurePolicy = "skip"
	FailurePolicyRetry    FailurePolicy = "retry"
)

// TaskNode is one node of a plan's dependency DAG.
type TaskNode struct {
	ID            string
	Action        string
	AssignedAgent string // explicit agent name, or empty to use Capability
	Capability    string // used when AssignedAgent is empty
	Priority      Priority // zero value is PriorityCritical; it is the only class dispatched while the host reports thermal-critical
	Inputs        map[string]any
	DependsOn     []string
	Status        TaskStatus
	Result        map[string]any
	ResultHash    string
	Retries       int
	MaxAttempts   int
	StartedAt     time.Time
	FinishedAt    time.Time
	Error         string
}

// PlanStatusValue is the overall status of a plan execution.
type PlanStatusValue string

const (
	PlanPending   PlanStatusValue = "pending"
	PlanRunning   PlanStatusValue = "running"
	PlanCompleted PlanStatusValue = "completed"
	PlanPartial   PlanStatusValue = "partial"
	PlanFailed    PlanStatusValue = "failed"
	PlanCancelled PlanStatusValue = "cancelled"
)

// PlanSpec is the submission payload for plan_submit.
type PlanSpec struct {
	ID                   string
	Name                 string
	Tasks                []*TaskNode
	AgentSelectionPolicy string
	FailurePolicy        FailurePolicy
	RetryMaxAttempts     int
	RetryBackoff         time.Duration
	CreatedAt            time.Time
}

// PlanStatus is the result of a plan_status query.
type PlanStatus struct {
	PlanID    string
	Name      string
	Status    PlanStatusValue
	Tasks     []*TaskNode
	Waves     int
	UpdatedAt time.Time
}

// Session is an admission context derived from a validated bearer token.
type Session struct {
	TokenID           string // JWT jti
	AgentName         string
	Role              Role
	PermissionBitmask uint64
	ExpiresAt         time.Time
	Revoked           bool
}

// Permits reports whether the session's bitmask grants the given
// permission bit.
func (s *Session) Permits(perm uint64) bool {
	return s.PermissionBitmask&perm == perm
}

// Valid reports whether the session can still be used for admission.
func (s *Session) Valid(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

// SecurityEvent is an append-only audit record.
type SecurityEvent struct {
	Timestamp time.Time
	Type      string
	Severity  string // info, warning, error
	Agent     string
	Details   map[string]string
}

// Secret is a named value encrypted by security.SecretsManager.
type Secret struct {
	ID   string
	Name string
	Data []byte // nonce || ciphertext || tag
}
