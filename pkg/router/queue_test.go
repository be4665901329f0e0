package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/stretchr/testify/require"
)

func msgWithPriority(priority types.Priority) *types.Message {
	return &types.Message{ID: "m", Priority: priority, EnqueuedAt: time.Now()}
}

func TestQueuePushPopOrdersByPriority(t *testing.T) {
	q := NewQueue("worker-1", 4, nil)

	require.NoError(t, q.Push(msgWithPriority(types.PriorityNormal)))
	require.NoError(t, q.Push(msgWithPriority(types.PriorityCritical)))
	require.NoError(t, q.Push(msgWithPriority(types.PriorityHigh)))

	ctx := context.Background()
	first, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, types.PriorityCritical, first.Priority)

	second, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, types.PriorityHigh, second.Priority)

	third, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, types.PriorityNormal, third.Priority)
}

func TestQueueNormalFailsFastWhenFull(t *testing.T) {
	q := NewQueue("worker-1", 1, nil)

	require.NoError(t, q.Push(msgWithPriority(types.PriorityNormal)))
	err := q.Push(msgWithPriority(types.PriorityNormal))
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.ErrQueueFull))
}

func TestQueueCriticalBlocksThenFailsFast(t *testing.T) {
	q := NewQueue("worker-1", 1, nil)

	require.NoError(t, q.Push(msgWithPriority(types.PriorityCritical)))
	start := time.Now()
	err := q.Push(msgWithPriority(types.PriorityCritical))
	elapsed := time.Since(start)

	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.ErrBackpressure))
	require.GreaterOrEqual(t, elapsed, backpressureBudget)
}

func TestQueueBatchSpillsOnOverflow(t *testing.T) {
	var spilled *types.Message
	q := NewQueue("worker-1", 1, func(msg *types.Message) error {
		spilled = msg
		return nil
	})

	require.NoError(t, q.Push(msgWithPriority(types.PriorityBatch)))
	overflow := msgWithPriority(types.PriorityBatch)
	require.NoError(t, q.Push(overflow))
	require.Same(t, overflow, spilled)
}

func TestQueueBatchFullWithoutSpillFails(t *testing.T) {
	q := NewQueue("worker-1", 1, nil)

	require.NoError(t, q.Push(msgWithPriority(types.PriorityBatch)))
	err := q.Push(msgWithPriority(types.PriorityBatch))
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.ErrQueueFull))
}

func TestQueuePopPromotesAgedMessages(t *testing.T) {
	q := NewQueue("worker-1", 4, nil)

	q.mu.Lock()
	q.buckets[types.PriorityLow] = []*queuedMessage{
		{msg: msgWithPriority(types.PriorityLow), enqueuedAt: time.Now().Add(-agingThreshold * 2)},
	}
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, types.PriorityLow, msg.Priority)
}

func TestQueuePopBlocksUntilPushed(t *testing.T) {
	q := NewQueue("worker-1", 4, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan *types.Message, 1)
	go func() {
		msg, err := q.Pop(ctx)
		require.NoError(t, err)
		done <- msg
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Push(msgWithPriority(types.PriorityNormal)))

	select {
	case msg := <-done:
		require.Equal(t, types.PriorityNormal, msg.Priority)
	case <-ctx.Done():
		t.Fatal("pop did not receive pushed message")
	}
}

func TestQueuePopRespectsContextCancellation(t *testing.T) {
	q := NewQueue("worker-1", 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Pop(ctx)
	require.Error(t, err)
}
