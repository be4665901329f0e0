package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the agentmesh core's complete environment-variable surface.
type Config struct {
	ListenPath         string        `env:"CORE_LISTEN_PATH,default=/tmp/agentmesh.sock"`
	ShmSizeMB          int           `env:"CORE_SHM_SIZE_MB,default=64"`
	MaxAgents          int           `env:"CORE_MAX_AGENTS,default=1024"`
	DefaultDeadlineMS  int           `env:"CORE_DEFAULT_DEADLINE_MS,default=5000"`
	SessionTTLSeconds  int           `env:"CORE_SESSION_TTL_S,default=3600"`
	LogLevel           string        `env:"CORE_LOG_LEVEL,default=info"`
	LogJSON            bool          `env:"CORE_LOG_JSON,default=true"`
	StoreURL           string        `env:"CORE_STORE_URL,default=bolt://./data"`
	ClusterID          string        `env:"CORE_CLUSTER_ID,default=default"`
	AdminListenAddr    string        `env:"CORE_ADMIN_ADDR,default=:8642"`
	SweepInterval      time.Duration `env:"CORE_SWEEP_INTERVAL,default=5s"`
	ReconcileInterval  time.Duration `env:"CORE_RECONCILE_INTERVAL,default=10s"`
	HeartbeatBlockedS  int           `env:"CORE_HEARTBEAT_BLOCKED_S,default=30"`
	HeartbeatEvictedS  int           `env:"CORE_HEARTBEAT_EVICTED_S,default=120"`
}

// DefaultDeadline returns the configured default message deadline as a
// time.Duration, applied when a message omits one.
func (c *Config) DefaultDeadline() time.Duration {
	return time.Duration(c.DefaultDeadlineMS) * time.Millisecond
}

// SessionTTL returns the configured session token TTL.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// Load reads a .env file (if present) then decodes the process
// environment into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	return cfg, nil
}
