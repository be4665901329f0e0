package events

import (
	"time"

	"github.com/cuemby/agentmesh/pkg/types"
)

// Recorder persists security events; the storage package's Store
// satisfies this with AppendEvent.
type Recorder interface {
	AppendEvent(event *types.SecurityEvent) error
}

// Audit emits security_events through a Recorder and fans a copy out to
// any live "security" topic subscribers on the broker, so an operator can
// tail admission/integrity failures without polling the store.
type Audit struct {
	store  Recorder
	broker *Broker
}

// NewAudit creates an audit sink writing through store and fanning out on
// broker's "security" topic.
func NewAudit(store Recorder, broker *Broker) *Audit {
	return &Audit{store: store, broker: broker}
}

// Record appends a security event and notifies subscribers. Store errors
// are swallowed to a best-effort log line by the caller; audit recording
// must never block the admission path it observes.
func (a *Audit) Record(eventType, severity, agent string, details map[string]string) error {
	event := &types.SecurityEvent{
		Timestamp: time.Now(),
		Type:      eventType,
		Severity:  severity,
		Agent:     agent,
		Details:   details,
	}
	err := a.store.AppendEvent(event)
	if a.broker != nil {
		a.broker.Publish("security", &types.Message{
			ID:          eventType + "-" + agent,
			Pattern:     types.PatternPublish,
			ContentType: "application/vnd.agentmesh.security-event",
			Payload:     encodeEvent(event),
			EnqueuedAt:  event.Timestamp,
		})
	}
	return err
}

func encodeEvent(e *types.SecurityEvent) []byte {
	b := []byte(e.Type + "|" + e.Severity + "|" + e.Agent)
	return b
}
