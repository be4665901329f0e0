package integration

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/cuemby/agentmesh/test/framework"
	"github.com/stretchr/testify/require"
)

// TestWorkQueueDeliversBeforeConsumerPolls confirms a work-queue message
// sent while its chosen worker isn't yet polling for it is still
// delivered once that worker calls Recv: the per-target queue backing a
// message's delivery tier retains it rather than dropping it on the
// floor, the durability a dependency-ordered plan relies on between one
// task finishing and the next one's agent picking up its dispatch.
func TestWorkQueueDeliversBeforeConsumerPolls(t *testing.T) {
	h := framework.New(t)
	h.RegisterAgent("worker-a", "build")
	caller, _ := h.Session("caller-1", types.RoleUser)

	reply, err := caller.Send(context.Background(), &types.Message{
		ID:          "wq-1",
		Pattern:     types.PatternWorkQueue,
		Priority:    types.PriorityNormal,
		ContentType: "build",
		Payload:     []byte(`{"job":"compile"}`),
	})
	require.NoError(t, err)
	require.Nil(t, reply)

	worker, _ := h.Session("worker-a-conn", types.RoleOperator)
	msg, err := worker.Recv(context.Background(), "worker-a", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, "wq-1", msg.ID)
}

// TestWorkQueueNoCapableAgentIsRejected confirms a work-queue message
// naming a capability nothing has registered fails fast instead of
// queuing forever.
func TestWorkQueueNoCapableAgentIsRejected(t *testing.T) {
	h := framework.New(t)
	caller, _ := h.Session("caller-2", types.RoleUser)

	_, err := caller.Send(context.Background(), &types.Message{
		ID:          "wq-2",
		Pattern:     types.PatternWorkQueue,
		Priority:    types.PriorityNormal,
		ContentType: "nonexistent-capability",
		Payload:     []byte(`{}`),
	})
	require.Error(t, err)
}

// TestWorkQueuePrefersLeastLoadedWorker confirms that among two eligible
// workers, the one with fewer inflight tasks is chosen.
func TestWorkQueuePrefersLeastLoadedWorker(t *testing.T) {
	h := framework.New(t)
	h.RegisterAgent("worker-busy", "build")
	h.RegisterAgent("worker-idle", "build")
	h.Core.Registry.IncrementInflight("worker-busy", 5)

	caller, _ := h.Session("caller-3", types.RoleUser)
	reply, err := caller.Send(context.Background(), &types.Message{
		ID:          "wq-3",
		Pattern:     types.PatternWorkQueue,
		Priority:    types.PriorityNormal,
		ContentType: "build",
		Payload:     []byte(`{}`),
	})
	require.NoError(t, err)
	require.Nil(t, reply)

	idleWorker, _ := h.Session("worker-idle-conn", types.RoleOperator)
	msg, err := idleWorker.Recv(context.Background(), "worker-idle", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, "wq-3", msg.ID)
}
