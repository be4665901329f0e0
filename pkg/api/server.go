package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/agentmesh/pkg/core"
	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/log"
	"github.com/cuemby/agentmesh/pkg/metrics"
	"github.com/cuemby/agentmesh/pkg/security"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Server is the admin HTTP API: bearer-JWT authenticated JSON routes over
// the Core's registry, router, and planner, mounted at /v1, plus
// unauthenticated /health, /ready, and /metrics probes. It replaces the
// gRPC+mTLS surface a container orchestrator needs with the plainer HTTP
// surface an agent-mesh operator needs.
type Server struct {
	core   *core.Core
	router chi.Router
	logger zerolog.Logger
}

// sessionCtxKey is the context key the auth middleware stores the
// validated Session under.
type sessionCtxKey struct{}

// NewServer builds the admin API router for c. Call Handler to obtain the
// http.Handler to serve.
func NewServer(c *core.Core) *Server {
	s := &Server{core: c, logger: log.WithComponent("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Bootstrap-Secret"},
	}).Handler)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/v1/sessions", s.handleIssueSession)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/v1/agents", s.requirePerm(types.PermRegister, s.handleRegister))
		r.Get("/v1/agents", s.requirePerm(types.PermSubscribe, s.handleListAgents))
		r.Get("/v1/agents/{name}", s.requirePerm(types.PermSubscribe, s.handleLookupAgent))
		r.Delete("/v1/agents/{name}", s.requirePerm(types.PermDeregister, s.handleDeregister))

		r.Post("/v1/messages", s.requirePerm(types.PermSend, s.handleSend))
		r.Get("/v1/messages/{target}", s.requirePerm(types.PermSubscribe, s.handleRecv))

		r.Post("/v1/subscriptions/{topic}", s.requirePerm(types.PermSubscribe, s.handleSubscribe))
		r.Get("/v1/subscriptions/{topic}/stream", s.requirePerm(types.PermSubscribe, s.handleSubscribeStream))
		r.Delete("/v1/subscriptions/{topic}/{id}", s.requirePerm(types.PermSubscribe, s.handleUnsubscribe))

		r.Post("/v1/plans", s.requirePerm(types.PermPlanSubmit, s.handlePlanSubmit))
		r.Get("/v1/plans/{id}", s.requirePerm(types.PermSubscribe, s.handlePlanStatus))
		r.Post("/v1/plans/{id}/cancel", s.requirePerm(types.PermPlanCancel, s.handlePlanCancel))

		r.Post("/v1/shutdown", s.requirePerm(types.PermAdmin, s.handleShutdown))
	})

	s.router = r
	return s
}

// Handler returns the http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the admin API on addr until the process exits; it blocks
// like http.ListenAndServe.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv.ListenAndServe()
}

// StartLocalSocket serves the same routes, bearer token and all, over a
// Unix domain socket at path, but rejects any mutating method outright:
// even a local, trusted caller on this socket can only read state.
func (s *Server) StartLocalSocket(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      readOnlyMiddleware(s.router),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv.Serve(ln)
}

// requestMetrics records agentmesh_api_requests_total and
// agentmesh_api_request_duration_seconds for every request, keyed by
// route pattern rather than raw path so templated routes don't blow up
// cardinality.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
	})
}

// authenticate extracts and validates the bearer token, storing the
// resulting Session in the request context for downstream handlers.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, coreerr.ErrUnauthorized, "missing bearer token")
			return
		}

		session, err := s.core.AuthGate.Authenticate(token)
		if err != nil {
			metrics.AuthFailuresTotal.WithLabelValues(reasonFor(err)).Inc()
			writeError(w, statusFor(err), err, "authentication failed")
			return
		}

		ctx := context.WithValue(r.Context(), sessionCtxKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePerm wraps handler so it only runs once the authenticated
// session carries perm, per authorize(session, required_permission).
func (s *Server) requirePerm(perm uint64, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := sessionFrom(r)
		if err := s.core.AuthGate.Authorize(session, perm); err != nil {
			writeError(w, http.StatusForbidden, err, "permission denied")
			return
		}
		handler(w, r)
	}
}

func sessionFrom(r *http.Request) *types.Session {
	session, _ := r.Context().Value(sessionCtxKey{}).(*types.Session)
	return session
}

// handleIssueSession is the HTTP edge of the trusted in-process issue
// path: a caller that knows the cluster's bootstrap secret (derived from
// the cluster ID the same way the encryption and integrity keys are,
// never transmitted over the wire otherwise) may mint a session for an
// agent it is bringing up, mirroring a parent runtime bootstrapping a
// child agent process.
func (s *Server) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentName string     `json:"agent_name"`
		Role      types.Role `json:"role"`
		Secret    string     `json:"bootstrap_secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err, "malformed request body")
		return
	}
	if req.AgentName == "" {
		writeError(w, http.StatusBadRequest, coreerr.ErrMalformedMessage, "agent_name required")
		return
	}
	if req.Secret != string(security.BootstrapKey(s.core.ClusterID())) {
		writeError(w, http.StatusUnauthorized, coreerr.ErrUnauthorized, "invalid bootstrap secret")
		return
	}

	token, session, err := s.core.AuthGate.Issue(req.AgentName, req.Role)
	if err != nil {
		writeError(w, statusFor(err), err, "failed to issue session")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"token": token, "session": session})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var agent types.AgentRecord
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		writeError(w, http.StatusBadRequest, err, "malformed agent record")
		return
	}
	if err := s.core.Registry.Register(sessionFrom(r), &agent); err != nil {
		writeError(w, statusFor(err), err, "register failed")
		return
	}
	writeJSON(w, http.StatusCreated, &agent)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.core.Registry.Deregister(sessionFrom(r), name); err != nil {
		writeError(w, statusFor(err), err, "deregister failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	agents := s.core.Registry.Query(func(a *types.AgentRecord) bool {
		return capability == "" || a.HasCapability(capability)
	})
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleLookupAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	agent, err := s.core.Registry.Lookup(name)
	if err != nil {
		writeError(w, statusFor(err), err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var msg types.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, err, "malformed message")
		return
	}
	reply, err := s.core.Router.Send(r.Context(), sessionFrom(r), &msg)
	if err != nil {
		writeError(w, statusFor(err), err, "send rejected")
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// handleRecv performs one blocking receive for the named target, bounded
// by a "?timeout=" query parameter (default five seconds). It returns 204
// on a timed-out receive rather than an error, since "no message yet" is
// not a failure.
func (s *Server) handleRecv(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	timeout := 5 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	msg, err := s.core.Router.Recv(ctx, target)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, statusFor(err), err, "recv failed")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	_, id := s.core.Broker.Subscribe(topic)
	writeJSON(w, http.StatusCreated, map[string]string{"topic": topic, "subscription_id": id})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	id := chi.URLParam(r, "id")
	if !s.core.Broker.Unsubscribe(topic, id) {
		writeError(w, http.StatusNotFound, coreerr.ErrNotFound, "subscription not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubscribeStream upgrades to a websocket and forwards every
// message published to topic until the client disconnects, for remote
// operators that want to tail event-broker traffic live instead of
// polling recv.
func (s *Server) handleSubscribeStream(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	ch, id := s.core.Broker.Subscribe(topic)
	defer s.core.Broker.Unsubscribe(topic, id)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("topic", topic).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}

func (s *Server) handlePlanSubmit(w http.ResponseWriter, r *http.Request) {
	var spec types.PlanSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, err, "malformed plan spec")
		return
	}
	status, err := s.core.Planner.Submit(&spec)
	if err != nil {
		writeError(w, statusFor(err), err, "plan rejected")
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

func (s *Server) handlePlanStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.core.Planner.Status(id)
	if err != nil {
		writeError(w, statusFor(err), err, "plan not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePlanCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.core.Planner.Cancel(id); err != nil {
		writeError(w, statusFor(err), err, "cancel failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleShutdown responds before Stop returns so the caller sees the
// request accepted rather than hanging on the connection the server is
// about to close. The drain query parameter is only logged: Stop runs
// immediately and does not wait for in-flight plans.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	drain := r.URL.Query().Get("drain") == "true"
	s.logger.Info().Bool("drain", drain).Msg("shutdown requested via admin API")
	w.WriteHeader(http.StatusAccepted)
	go s.core.Stop()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, err error, message string) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Message: message})
}

// statusFor maps the coreerr taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coreerr.ErrInvalidToken), errors.Is(err, coreerr.ErrExpiredToken),
		errors.Is(err, coreerr.ErrRevoked), errors.Is(err, coreerr.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, coreerr.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, coreerr.ErrMalformedMessage), errors.Is(err, coreerr.ErrUnknownPattern),
		errors.Is(err, coreerr.ErrInvalidDAG), errors.Is(err, coreerr.ErrDeadlineInPast),
		errors.Is(err, coreerr.ErrPlanInvalid):
		return http.StatusBadRequest
	case errors.Is(err, coreerr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, coreerr.ErrNotFound), errors.Is(err, coreerr.ErrNoTarget),
		errors.Is(err, coreerr.ErrNoCapableAgent), errors.Is(err, coreerr.ErrPlanNotFound):
		return http.StatusNotFound
	case errors.Is(err, coreerr.ErrQueueFull), errors.Is(err, coreerr.ErrBackpressure),
		errors.Is(err, coreerr.ErrCircuitOpen), errors.Is(err, coreerr.ErrRegistryFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, coreerr.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, coreerr.ErrPlanCancelled), errors.Is(err, coreerr.ErrCancelled):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, coreerr.ErrExpiredToken):
		return "expired"
	case errors.Is(err, coreerr.ErrRevoked):
		return "revoked"
	case errors.Is(err, coreerr.ErrInvalidToken):
		return "invalid"
	default:
		return "other"
	}
}
