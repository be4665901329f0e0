package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/agentmesh/pkg/config"
	"github.com/cuemby/agentmesh/pkg/core"
	"github.com/stretchr/testify/require"
)

func testCore(t *testing.T) *core.Core {
	t.Helper()
	cfg := &config.Config{
		ListenPath:        filepath.Join(t.TempDir(), "agentmesh.sock"),
		MaxAgents:         64,
		DefaultDeadlineMS: 5000,
		SessionTTLSeconds: 3600,
		StoreURL:          "bolt://" + t.TempDir(),
		ClusterID:         "test-cluster",
		SweepInterval:     time.Minute,
		ReconcileInterval: time.Hour,
		HeartbeatBlockedS: 30,
		HeartbeatEvictedS: 120,
	}
	c, err := core.New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func TestHealthHandlerReturnsHealthy(t *testing.T) {
	s := NewServer(testCore(t))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "healthy", resp.Status)
	require.False(t, resp.Timestamp.IsZero())
}

func TestReadyHandlerReportsReadyOnFreshCore(t *testing.T) {
	s := NewServer(testCore(t))

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "ready", resp.Status)
	require.Equal(t, "ok", resp.Checks["store"])
	require.Equal(t, "ok", resp.Checks["certificate_authority"])
}

func TestMetricsEndpointServesPrometheusExposition(t *testing.T) {
	s := NewServer(testCore(t))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestUnknownRouteReturns404(t *testing.T) {
	s := NewServer(testCore(t))

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpointConcurrency(t *testing.T) {
	s := NewServer(testCore(t))

	done := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		go func() {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)
			done <- w.Code == http.StatusOK
		}()
	}
	for i := 0; i < 20; i++ {
		require.True(t, <-done)
	}
}
