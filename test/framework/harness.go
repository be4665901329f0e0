// Package framework provides a reusable in-process agentmesh node for
// integration tests: a real Core wired exactly the way cmd/agentmesh
// serve wires one, fronted by an httptest.Server instead of a real
// listener, so tests exercise the full HTTP-to-storage path without a
// subprocess or a network port.
package framework

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/agentmesh/pkg/api"
	"github.com/cuemby/agentmesh/pkg/client"
	"github.com/cuemby/agentmesh/pkg/config"
	"github.com/cuemby/agentmesh/pkg/core"
	"github.com/cuemby/agentmesh/pkg/security"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/stretchr/testify/require"
)

// Harness is one running agentmesh node.
type Harness struct {
	t      *testing.T
	Core   *core.Core
	Server *httptest.Server
}

// Option customizes the Config a Harness builds before starting a node.
type Option func(*config.Config)

// WithMaxAgents caps the registry below its 1024 default, so a capacity
// boundary test doesn't need to register a thousand agents to reach it.
func WithMaxAgents(n int) Option {
	return func(cfg *config.Config) { cfg.MaxAgents = n }
}

// WithSessionTTL overrides the default one-hour session lifetime, for
// tests that need a token to expire or be revoked mid-flight.
func WithSessionTTL(d time.Duration) Option {
	return func(cfg *config.Config) { cfg.SessionTTLSeconds = int(d.Seconds()) }
}

// New starts an in-process node and its admin API, torn down via
// t.Cleanup in the order Stop expects: router, then planner/registry,
// then the store.
func New(t *testing.T, opts ...Option) *Harness {
	t.Helper()

	cfg := &config.Config{
		ListenPath:        filepath.Join(t.TempDir(), "agentmesh.sock"),
		MaxAgents:         1024,
		DefaultDeadlineMS: 5000,
		SessionTTLSeconds: 3600,
		StoreURL:          "bolt://" + t.TempDir(),
		ClusterID:         "harness-cluster",
		SweepInterval:     50 * time.Millisecond,
		ReconcileInterval: time.Hour,
		HeartbeatBlockedS: 30,
		HeartbeatEvictedS: 120,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	c, err := core.New(cfg)
	require.NoError(t, err)
	c.Start()
	t.Cleanup(c.Stop)

	srv := api.NewServer(c)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &Harness{t: t, Core: c, Server: ts}
}

// ClusterID returns the node's cluster ID, needed to derive the
// bootstrap secret IssueSession and Session require.
func (h *Harness) ClusterID() string { return h.Core.ClusterID() }

// Client returns an unauthenticated client bound to this node.
func (h *Harness) Client() *client.Client {
	return client.NewClient(h.Server.URL)
}

// Session issues a session token for agentName under role and returns an
// authenticated client plus the session record, the way a parent runtime
// bootstraps a child agent process it is spawning.
func (h *Harness) Session(agentName string, role types.Role) (*client.Client, *types.Session) {
	h.t.Helper()
	c := h.Client()
	session, err := c.IssueSession(context.Background(), agentName, role, string(security.BootstrapKey(h.ClusterID())))
	require.NoError(h.t, err)
	return c, session
}

// RegisterAgent issues a session for name, registers it with the given
// capabilities, and returns the authenticated client so the caller can
// immediately act as that agent (e.g. call Recv for its own work).
func (h *Harness) RegisterAgent(name string, capabilities ...string) *client.Client {
	h.t.Helper()
	c, _ := h.Session(name, types.RoleOperator)
	_, err := c.RegisterAgent(context.Background(), &types.AgentRecord{
		Name:         name,
		Capabilities: capabilities,
		Status:       types.StatusIdle,
	})
	require.NoError(h.t, err)
	return c
}
