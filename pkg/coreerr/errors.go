// Package coreerr defines the stable error taxonomy used across the
// agentmesh core. Callers match on these sentinels with errors.Is; every
// call site wraps one of them with local context via fmt.Errorf("...: %w").
package coreerr

import "errors"

// Admission errors.
var (
	ErrInvalidToken = errors.New("INVALID_TOKEN")
	ErrExpiredToken = errors.New("EXPIRED_TOKEN")
	ErrRevoked      = errors.New("REVOKED_TOKEN")
	ErrUnauthorized = errors.New("UNAUTHORIZED")
	ErrRateLimited  = errors.New("RATE_LIMITED")
)

// Validation errors.
var (
	ErrMalformedMessage = errors.New("MALFORMED_MESSAGE")
	ErrUnknownPattern   = errors.New("UNKNOWN_PATTERN")
	ErrInvalidDAG       = errors.New("PLAN_INVALID")
	ErrDeadlineInPast   = errors.New("DEADLINE_EXCEEDED")
)

// Capacity errors.
var (
	ErrQueueFull       = errors.New("QUEUE_FULL")
	ErrBackpressure    = errors.New("BACKPRESSURE")
	ErrCircuitOpen     = errors.New("CIRCUIT_OPEN")
	ErrRegistryFull    = errors.New("REGISTRY_FULL")
)

// Timing errors.
var (
	ErrDeadlineExceeded = errors.New("DEADLINE_EXCEEDED")
	ErrCancelled        = errors.New("CANCELLED")
)

// Integrity errors.
var (
	ErrHMACFailure    = errors.New("HMAC_FAILURE")
	ErrVersionMismatch = errors.New("MAGIC_VERSION_MISMATCH")
)

// Discovery errors.
var (
	ErrNoTarget         = errors.New("NO_TARGET")
	ErrNoCapableAgent   = errors.New("NO_CAPABLE_AGENT")
	ErrConflict         = errors.New("CONFLICT")
	ErrNotFound         = errors.New("NOT_FOUND")
)

// Transport errors.
var ErrTransportFailed = errors.New("TRANSPORT_FAILED")

// Persistence errors.
var (
	ErrStoreUnavailable   = errors.New("STORE_UNAVAILABLE")
	ErrConstraintViolation = errors.New("CONSTRAINT_VIOLATION")
)

// Planner errors.
var (
	ErrPlanInvalid   = errors.New("PLAN_INVALID")
	ErrPlanCancelled = errors.New("PLAN_CANCELLED")
	ErrPlanNotFound  = errors.New("PLAN_NOT_FOUND")
	ErrNoReply       = errors.New("NO_REPLY")
)
