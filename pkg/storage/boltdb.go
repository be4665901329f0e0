package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketAgents         = []byte("agents")
	bucketSessions       = []byte("sessions")
	bucketRoles          = []byte("roles")
	bucketSecurityEvents = []byte("security_events")
	bucketCheckpoints    = []byte("checkpoints")
	bucketCA             = []byte("ca")

	caKey = []byte("root")
)

// BoltStore implements Store using an embedded BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "agentmesh.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketAgents,
			bucketSessions,
			bucketRoles,
			bucketSecurityEvents,
			bucketCheckpoints,
			bucketCA,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Agents

func (s *BoltStore) PutAgent(agent *types.AgentRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putAgentTx(tx, agent)
	})
}

func putAgentTx(tx *bolt.Tx, agent *types.AgentRecord) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketAgents).Put([]byte(agent.Name), data)
}

func (s *BoltStore) GetAgent(name string) (*types.AgentRecord, error) {
	var agent types.AgentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return getAgentTx(tx, name, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func getAgentTx(tx *bolt.Tx, name string, out *types.AgentRecord) error {
	data := tx.Bucket(bucketAgents).Get([]byte(name))
	if data == nil {
		return fmt.Errorf("agent not found: %s: %w", name, coreerr.ErrNotFound)
	}
	return json.Unmarshal(data, out)
}

func (s *BoltStore) ListAgents() ([]*types.AgentRecord, error) {
	var agents []*types.AgentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var agent types.AgentRecord
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			agents = append(agents, &agent)
			return nil
		})
	})
	return agents, err
}

func (s *BoltStore) DeleteAgent(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Delete([]byte(name))
	})
}

// Sessions

func (s *BoltStore) PutSession(session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).Put([]byte(session.TokenID), data)
	})
}

func (s *BoltStore) GetSession(tokenID string) (*types.Session, error) {
	var session types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(tokenID))
		if data == nil {
			return fmt.Errorf("session not found: %s: %w", tokenID, coreerr.ErrNotFound)
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *BoltStore) RevokeSession(tokenID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(tokenID))
		if data == nil {
			return fmt.Errorf("session not found: %s: %w", tokenID, coreerr.ErrNotFound)
		}
		var session types.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return err
		}
		session.Revoked = true
		out, err := json.Marshal(&session)
		if err != nil {
			return err
		}
		return b.Put([]byte(tokenID), out)
	})
}

func (s *BoltStore) ListActiveSessions() ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			if !session.Revoked {
				sessions = append(sessions, &session)
			}
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) DeleteExpiredSessions(before int64) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			if session.ExpiresAt.Unix() < before {
				expired = append(expired, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// Roles

func (s *BoltStore) PutRolePermission(role types.Role, bitmask uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, bitmask)
		return tx.Bucket(bucketRoles).Put([]byte(role), buf)
	})
}

func (s *BoltStore) GetRolePermission(role types.Role) (uint64, bool, error) {
	var bitmask uint64
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRoles).Get([]byte(role))
		if data == nil {
			return nil
		}
		found = true
		bitmask = binary.BigEndian.Uint64(data)
		return nil
	})
	return bitmask, found, err
}

// Security events

func (s *BoltStore) AppendEvent(event *types.SecurityEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecurityEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListEvents(limit int) ([]*types.SecurityEvent, error) {
	var events []*types.SecurityEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSecurityEvents).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var event types.SecurityEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
		return nil
	})
	return events, err
}

// Checkpoints

func checkpointKey(planID, taskID string) []byte {
	return []byte(planID + "/" + taskID)
}

func (s *BoltStore) PutCheckpoint(c *Checkpoint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putCheckpointTx(tx, c)
	})
}

func putCheckpointTx(tx *bolt.Tx, c *Checkpoint) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketCheckpoints).Put(checkpointKey(c.PlanID, c.TaskID), data)
}

func (s *BoltStore) GetCheckpoint(planID, taskID string) (*Checkpoint, bool, error) {
	var c Checkpoint
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		return getCheckpointTx(tx, planID, taskID, &c, &found)
	})
	if err != nil {
		return nil, false, err
	}
	return &c, found, nil
}

func getCheckpointTx(tx *bolt.Tx, planID, taskID string, out *Checkpoint, found *bool) error {
	data := tx.Bucket(bucketCheckpoints).Get(checkpointKey(planID, taskID))
	if data == nil {
		return nil
	}
	*found = true
	return json.Unmarshal(data, out)
}

func (s *BoltStore) ListCheckpoints(planID string) ([]*Checkpoint, error) {
	var checkpoints []*Checkpoint
	prefix := []byte(planID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCheckpoints).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var cp Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			checkpoints = append(checkpoints, &cp)
		}
		return nil
	})
	return checkpoints, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Certificate authority

func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCA).Put(caKey, data)
	})
}

func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCA).Get(caKey)
		if v == nil {
			return fmt.Errorf("ca not found: %w", coreerr.ErrNotFound)
		}
		data = append([]byte{}, v...)
		return nil
	})
	return data, err
}

// InTransaction runs fn inside a single bbolt read-write transaction.
func (s *BoltStore) InTransaction(fn func(tx Transaction) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

// boltTx adapts a live *bolt.Tx to the Transaction interface.
type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) PutAgent(agent *types.AgentRecord) error {
	return putAgentTx(t.tx, agent)
}

func (t *boltTx) GetAgent(name string) (*types.AgentRecord, error) {
	var agent types.AgentRecord
	if err := getAgentTx(t.tx, name, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (t *boltTx) PutCheckpoint(c *Checkpoint) error {
	return putCheckpointTx(t.tx, c)
}

func (t *boltTx) GetCheckpoint(planID, taskID string) (*Checkpoint, bool, error) {
	var c Checkpoint
	found := false
	if err := getCheckpointTx(t.tx, planID, taskID, &c, &found); err != nil {
		return nil, false, err
	}
	return &c, found, nil
}
