package integration

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/cuemby/agentmesh/test/framework"
	"github.com/stretchr/testify/require"
)

// TestRequestResponseHappyPath drives a full round trip across the
// registry, auth gate, and router: a caller sends a request-response
// message to a registered agent, the agent receives it over its own
// Recv call, and replies by correlation ID, which unblocks the
// caller's still-pending Send.
func TestRequestResponseHappyPath(t *testing.T) {
	h := framework.New(t)

	worker := h.RegisterAgent("worker-1", "lint")
	caller, _ := h.Session("caller-1", types.RoleUser)

	replyCh := make(chan *types.Message, 1)
	go func() {
		msg, err := worker.Recv(context.Background(), "worker-1", 2*time.Second)
		if err != nil || msg == nil {
			replyCh <- nil
			return
		}
		reply, err := worker.Send(context.Background(), &types.Message{
			ID:            "reply-1",
			CorrelationID: msg.ID,
			Pattern:       types.PatternRequestResponse,
			Priority:      types.PriorityNormal,
			ContentType:   "application/json",
			Payload:       []byte(`{"status":"ok"}`),
		})
		require.NoError(t, err)
		require.Nil(t, reply)
		replyCh <- msg
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	reply, err := caller.Send(ctx, &types.Message{
		ID:          "req-1",
		TargetNames: []string{"worker-1"},
		Pattern:     types.PatternRequestResponse,
		Priority:    types.PriorityNormal,
		RequiresAck: true,
		ContentType: "application/json",
		Payload:     []byte(`{"action":"lint"}`),
	})
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.Equal(t, "reply-1", reply.ID)

	received := <-replyCh
	require.NotNil(t, received)
	require.Equal(t, "req-1", received.ID)
}

// TestRequestResponseUnknownTarget confirms a request-response message
// aimed at a name the registry has never seen is rejected rather than
// left to hang, since nothing will ever deliver it.
func TestRequestResponseUnknownTarget(t *testing.T) {
	h := framework.New(t)
	caller, _ := h.Session("caller-2", types.RoleUser)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := caller.Send(ctx, &types.Message{
		ID:          "req-2",
		TargetNames: []string{"ghost"},
		Pattern:     types.PatternRequestResponse,
		Priority:    types.PriorityNormal,
		RequiresAck: true,
		ContentType: "application/json",
		Payload:     []byte(`{}`),
	})
	require.Error(t, err)
}
