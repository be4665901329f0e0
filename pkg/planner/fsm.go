package planner

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/agentmesh/pkg/storage"
	"github.com/hashicorp/raft"
)

// checkpointFSM implements the Raft finite-state machine backing the
// planner's checkpoint log. Raft runs single-node here purely to get a
// durable, ordered, replayable append log with crash-safe fsync
// semantics via raft-boltdb; there is no cross-host consensus, which the
// runtime's concurrency model explicitly excludes.
type checkpointFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

func newCheckpointFSM(store storage.Store) *checkpointFSM {
	return &checkpointFSM{store: store}
}

// Command is one entry in the checkpoint log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opCheckpoint   = "checkpoint"
	opPlanCreated  = "plan_created"
	opPlanTerminal = "plan_terminal"
)

// Apply applies one committed log entry to the FSM.
func (f *checkpointFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal checkpoint command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opCheckpoint:
		var c storage.Checkpoint
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.store.PutCheckpoint(&c)

	case opPlanCreated, opPlanTerminal:
		// No durable side effect beyond the log entry itself; these ops
		// exist so a replay can reconstruct plan lifecycle timestamps.
		return nil

	default:
		return fmt.Errorf("unknown checkpoint command: %s", cmd.Op)
	}
}

// Snapshot returns an empty snapshot: checkpoints live in the Store, not
// in the FSM's own state, so the snapshot carries no data.
func (f *checkpointFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &checkpointSnapshot{}, nil
}

// Restore is a no-op: checkpoints live in the Store, not in the FSM's own
// state, so there is nothing to rebuild from a snapshot blob.
func (f *checkpointFSM) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

type checkpointSnapshot struct{}

func (s *checkpointSnapshot) Persist(sink raft.SnapshotSink) error {
	return sink.Close()
}

func (s *checkpointSnapshot) Release() {}
