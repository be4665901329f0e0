package planner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/agentmesh/pkg/storage"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// checkpointLog wraps a single-node Raft instance used purely as a
// durable, ordered, replayable append log for plan checkpoints: there is
// no cluster membership, no leader election across hosts, and no
// networked transport.
type checkpointLog struct {
	raft *raft.Raft
}

// newCheckpointLog bootstraps (or rejoins, on restart) a single-node Raft
// log rooted at dataDir, backed by raft-boltdb for the log/stable stores
// and a file-based snapshot store.
func newCheckpointLog(dataDir, nodeID string, store storage.Store) (*checkpointLog, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raft data dir: %w", err)
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(nodeID)
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond

	_, transport := raft.NewInmemTransport(raft.ServerAddress(nodeID))

	snapshotStore, err := raft.NewFileSnapshotStore(dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "checkpoint-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "checkpoint-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint stable store: %w", err)
	}

	fsm := newCheckpointFSM(store)

	r, err := raft.NewRaft(cfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint raft instance: %w", err)
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect existing raft state: %w", err)
	}
	if !hasState {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: cfg.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("failed to bootstrap checkpoint log: %w", err)
		}
	}

	return &checkpointLog{raft: r}, nil
}

// Append commits cmd to the checkpoint log, blocking until applied.
func (l *checkpointLog) Append(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint command: %w", err)
	}
	future := l.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to append checkpoint log entry: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

func (l *checkpointLog) Shutdown() error {
	return l.raft.Shutdown().Error()
}
