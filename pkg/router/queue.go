package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/metrics"
	"github.com/cuemby/agentmesh/pkg/types"
)

// backpressureBudget is how long Push blocks a critical/high priority
// sender against a full bucket before failing fast.
const backpressureBudget = time.Millisecond

const backpressureRetryInterval = 100 * time.Microsecond

// agingThreshold is how long a message may sit in one priority bucket
// before Pop promotes it to the next bucket up, so low priority traffic
// is never starved outright by a steady stream of higher priority work.
const agingThreshold = 2 * time.Second

// agingCheckInterval bounds how long a blocked Pop waits before it
// rechecks the queue for newly-aged messages.
const agingCheckInterval = 250 * time.Millisecond

type queuedMessage struct {
	msg        *types.Message
	enqueuedAt time.Time
}

// Queue is a bounded, per-target priority queue with five buckets, one
// per types.Priority level. Push enforces priority-specific backpressure:
// critical and high priority senders block for up to backpressureBudget
// before failing fast, normal and low fail fast immediately on a full
// bucket, and batch traffic spills to a caller-supplied overflow sink
// (the mmap file transport tier) instead of blocking at all.
type Queue struct {
	mu       sync.Mutex
	buckets  [5][]*queuedMessage
	capacity int
	target   string
	wake     chan struct{}
	spill    func(*types.Message) error
}

// NewQueue creates a queue for target with capacity slots per priority
// bucket. spill, if non-nil, is called for batch messages once the batch
// bucket is full instead of rejecting them outright.
func NewQueue(target string, capacity int, spill func(*types.Message) error) *Queue {
	return &Queue{
		capacity: capacity,
		target:   target,
		wake:     make(chan struct{}, 1),
		spill:    spill,
	}
}

// Push enqueues msg, applying this target's backpressure policy when its
// priority bucket is full.
func (q *Queue) Push(msg *types.Message) error {
	var deadline time.Time
	blocking := msg.Priority == types.PriorityCritical || msg.Priority == types.PriorityHigh
	if blocking {
		deadline = time.Now().Add(backpressureBudget)
	}

	for {
		q.mu.Lock()
		bucket := msg.Priority
		if len(q.buckets[bucket]) < q.capacity {
			q.buckets[bucket] = append(q.buckets[bucket], &queuedMessage{msg: msg, enqueuedAt: time.Now()})
			depth := len(q.buckets[bucket])
			q.mu.Unlock()
			q.notify()
			metrics.QueueDepth.WithLabelValues(q.target, msg.Priority.String()).Set(float64(depth))
			return nil
		}
		q.mu.Unlock()

		if msg.Priority == types.PriorityBatch {
			if q.spill != nil {
				return q.spill(msg)
			}
			return fmt.Errorf("batch queue full for %q: %w", q.target, coreerr.ErrQueueFull)
		}
		if !blocking || time.Now().After(deadline) {
			if blocking {
				return fmt.Errorf("backpressure budget exceeded for %q: %w", q.target, coreerr.ErrBackpressure)
			}
			return fmt.Errorf("queue full for %q: %w", q.target, coreerr.ErrQueueFull)
		}
		time.Sleep(backpressureRetryInterval)
	}
}

// Pop removes and returns the highest priority message available,
// promoting aged messages across buckets first. It blocks until a
// message is available or ctx is cancelled.
func (q *Queue) Pop(ctx context.Context) (*types.Message, error) {
	for {
		q.mu.Lock()
		q.promoteAged()
		for p := types.PriorityCritical; p <= types.PriorityBatch; p++ {
			if len(q.buckets[p]) == 0 {
				continue
			}
			qm := q.buckets[p][0]
			q.buckets[p] = q.buckets[p][1:]
			depth := len(q.buckets[p])
			q.mu.Unlock()
			metrics.QueueDepth.WithLabelValues(q.target, p.String()).Set(float64(depth))
			return qm.msg, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		case <-time.After(agingCheckInterval):
		}
	}
}

// Len returns the total number of messages queued across all buckets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, bucket := range q.buckets {
		total += len(bucket)
	}
	return total
}

// promoteAged moves messages that have waited past agingThreshold into
// the next more urgent bucket. Must be called with q.mu held.
func (q *Queue) promoteAged() {
	now := time.Now()
	for p := types.PriorityBatch; p > types.PriorityCritical; p-- {
		var remain []*queuedMessage
		for _, qm := range q.buckets[p] {
			if now.Sub(qm.enqueuedAt) >= agingThreshold {
				q.buckets[p-1] = append(q.buckets[p-1], qm)
			} else {
				remain = append(remain, qm)
			}
		}
		q.buckets[p] = remain
	}
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
