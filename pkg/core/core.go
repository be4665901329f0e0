// Package core wires together the registry, router, planner, auth gate,
// and their shared storage/event/metrics plumbing into one runnable
// process, the way pkg/manager assembled a Warren cluster node.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/agentmesh/pkg/config"
	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/events"
	"github.com/cuemby/agentmesh/pkg/log"
	"github.com/cuemby/agentmesh/pkg/planner"
	"github.com/cuemby/agentmesh/pkg/registry"
	"github.com/cuemby/agentmesh/pkg/router"
	"github.com/cuemby/agentmesh/pkg/security"
	"github.com/cuemby/agentmesh/pkg/storage"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/rs/zerolog"
)

// Core is one agentmesh node: everything needed to serve the admin API
// and run agent traffic end to end.
type Core struct {
	cfg *config.Config

	Store    storage.Store
	Broker   *events.Broker
	Audit    *events.Audit
	Registry *registry.Registry
	AuthGate *security.AuthGate
	CA       *security.CertAuthority
	Router   *router.Router
	Planner  *planner.Planner

	logger zerolog.Logger
}

// New opens the configured store, builds every subsystem, and wires them
// together. It does not start any background loop; call Start for that.
func New(cfg *config.Config) (*Core, error) {
	logger := log.WithComponent("core")

	store, err := openStore(cfg.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	broker := events.NewBroker()
	audit := events.NewAudit(store, broker)

	regCfg := registry.DefaultConfig()
	regCfg.MaxAgents = cfg.MaxAgents
	regCfg.SweepInterval = cfg.SweepInterval
	regCfg.BlockedAfter = time.Duration(cfg.HeartbeatBlockedS) * time.Second
	regCfg.EvictedAfter = time.Duration(cfg.HeartbeatEvictedS) * time.Second
	reg, err := registry.New(store, audit, regCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry: %w", err)
	}

	authGate := security.NewAuthGate(store, cfg.ClusterID, cfg.SessionTTL())

	clusterKey := security.DeriveKeyFromClusterID(cfg.ClusterID)
	if err := security.SetClusterEncryptionKey(clusterKey); err != nil {
		return nil, fmt.Errorf("failed to set cluster encryption key: %w", err)
	}

	ca := security.NewCertAuthority(store)
	if err := ca.LoadFromStore(); err != nil {
		if err := ca.Initialize(); err != nil {
			return nil, fmt.Errorf("failed to initialize certificate authority: %w", err)
		}
		if err := ca.SaveToStore(); err != nil {
			return nil, fmt.Errorf("failed to persist certificate authority: %w", err)
		}
	}

	tiers, err := buildTiers(cfg, ca)
	if err != nil {
		return nil, fmt.Errorf("failed to build transport tiers: %w", err)
	}

	rtr := router.New(reg, audit, broker, tiers, security.IntegrityKey(cfg.ClusterID), router.DefaultConfig())

	dispatcher := &routerDispatcher{router: rtr, defaultDeadline: cfg.DefaultDeadline()}

	plannerCfg := planner.DefaultConfig()
	plannerCfg.DataDir = filepath.Join(storeDataDir(cfg.StoreURL), "checkpoints")
	plannerCfg.NodeID = cfg.ClusterID
	plannerCfg.ReconcileInterval = cfg.ReconcileInterval
	pln, err := planner.New(store, reg, dispatcher, nil, plannerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build planner: %w", err)
	}

	return &Core{
		cfg:      cfg,
		Store:    store,
		Broker:   broker,
		Audit:    audit,
		Registry: reg,
		AuthGate: authGate,
		CA:       ca,
		Router:   rtr,
		Planner:  pln,
		logger:   logger,
	}, nil
}

// ClusterID returns the node's configured cluster ID, used by the admin
// API to derive its bootstrap secret the same way New derives the
// encryption and integrity keys.
func (c *Core) ClusterID() string {
	return c.cfg.ClusterID
}

// Start begins every subsystem's background loop.
func (c *Core) Start() {
	c.Registry.Start()
	c.Planner.Start()
	c.logger.Info().Str("cluster_id", c.cfg.ClusterID).Msg("core started")
}

// Stop halts every subsystem's background loop and closes the store.
// Callers that need an in-flight drain window should stop accepting new
// admin requests before calling Stop.
func (c *Core) Stop() {
	c.Planner.Stop()
	c.Registry.Stop()
	c.Router.Stop()
	if err := c.Store.Close(); err != nil {
		c.logger.Error().Err(err).Msg("failed to close store")
	}
	c.logger.Info().Msg("core stopped")
}

func storeDataDir(storeURL string) string {
	if dir, ok := strings.CutPrefix(storeURL, "bolt://"); ok {
		return dir
	}
	return "./data"
}

func openStore(storeURL string) (storage.Store, error) {
	switch {
	case strings.HasPrefix(storeURL, "bolt://"):
		dir := strings.TrimPrefix(storeURL, "bolt://")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewBoltStore(dir)
	case strings.HasPrefix(storeURL, "postgres://"), strings.HasPrefix(storeURL, "postgresql://"):
		return storage.NewPostgresStore(storeURL)
	default:
		return nil, fmt.Errorf("unsupported store URL %q", storeURL)
	}
}

// buildTiers assembles the five transport tiers in types.Tier order. The
// async I/O tier is epoll-only (see pkg/router/transport.go); a platform
// that can't open an epoll instance runs with that tier disabled rather
// than failing startup, since shared memory and the file-backed tiers
// below it still cover delivery.
func buildTiers(cfg *config.Config, ca *security.CertAuthority) ([5]router.Tier, error) {
	var tiers [5]router.Tier

	tiers[types.TierSharedMemory] = router.NewSharedMemoryTier()

	if asyncTier, err := router.NewAsyncIOTier(); err == nil {
		tiers[types.TierAsyncIO] = asyncTier
	}

	tiers[types.TierStreamSocket] = router.NewStreamSocketTier(ca)

	dataDir := storeDataDir(cfg.StoreURL)
	mmapTier, err := router.NewMmapFileTier(filepath.Join(dataDir, "mmap-queue"))
	if err != nil {
		return tiers, fmt.Errorf("failed to open mmap file tier: %w", err)
	}
	tiers[types.TierMmapFile] = mmapTier

	flatTier, err := router.NewFlatFileTier(filepath.Join(dataDir, "flat-queue"))
	if err != nil {
		return tiers, fmt.Errorf("failed to open flat file tier: %w", err)
	}
	tiers[types.TierFlatFile] = flatTier

	return tiers, nil
}

// routerDispatcher adapts the router's Send path to the planner's narrow
// Dispatcher contract: a task dispatch is a request-response message sent
// with no session (internal, unauthenticated traffic from the planner
// itself never goes through the auth gate) that blocks for the agent's
// reply.
type routerDispatcher struct {
	router          *router.Router
	defaultDeadline time.Duration
}

func (d *routerDispatcher) Dispatch(ctx context.Context, agentName string, task *types.TaskNode) (map[string]any, error) {
	payload, err := json.Marshal(map[string]any{
		"task_id": task.ID,
		"action":  task.Action,
		"inputs":  task.Inputs,
	})
	if err != nil {
		return nil, err
	}

	msg := &types.Message{
		ID:          task.ID,
		TargetNames: []string{agentName},
		Pattern:     types.PatternRequestResponse,
		Priority:    types.PriorityNormal,
		RequiresAck: true,
		Deadline:    time.Now().Add(d.defaultDeadline),
		ContentType: "application/vnd.agentmesh.task",
		Payload:     payload,
	}

	reply, err := d.router.Send(ctx, nil, msg)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("task %q: %w", task.ID, coreerr.ErrNoReply)
	}

	var result map[string]any
	if err := json.Unmarshal(reply.Payload, &result); err != nil {
		return nil, fmt.Errorf("task %q: malformed agent reply: %w", task.ID, err)
	}
	return result, nil
}
