/*
Package api implements the agentmesh admin HTTP API.

The api package is the externally reachable surface of one agentmesh
node: a chi-routed, bearer-JWT-authenticated JSON API over the agent
registry, message router, and plan scheduler owned by pkg/core, plus an
unauthenticated health/readiness/metrics surface for orchestrators and a
read-only Unix-socket listener for local CLI use.

# Architecture

	┌─────────────── CLIENT (CLI / operator / dashboard) ───────────────┐
	│                                                                     │
	│   HTTPS + Bearer JWT                 Unix socket (read-only)       │
	└────────────┬─────────────────────────────────┬────────────────────┘
	             │                                  │
	┌────────────▼──────────────────────────────────▼───────────────────┐
	│                         api.Server (pkg/api)                      │
	│   - chi router, CORS, request-ID, recoverer, metrics middleware    │
	│   - bearer-token auth + permission-bitmask authorization           │
	│   - websocket streaming for subscribe/recv                         │
	└────────────┬────────────────────────────────────────────────────── ┘
	             │
	┌────────────▼────────────────────────────────────────────────────────┐
	│                           core.Core                                 │
	│   Registry · Router · Planner · AuthGate · CertAuthority · Store    │
	└──────────────────────────────────────────────────────────────────────┘

# Routes

Session:
  - POST /v1/sessions — issue a session token (bootstrap-secret gated)

Registry:
  - POST   /v1/agents          — register
  - GET    /v1/agents          — query (optional ?capability=)
  - GET    /v1/agents/{name}   — lookup
  - DELETE /v1/agents/{name}   — deregister

Router:
  - POST /v1/messages                     — send
  - GET  /v1/messages/{target}            — recv (long-poll, ?timeout=)
  - POST /v1/subscriptions/{topic}        — subscribe
  - GET  /v1/subscriptions/{topic}/stream — subscribe over websocket
  - DELETE /v1/subscriptions/{topic}/{id} — unsubscribe

Planner:
  - POST /v1/plans              — plan_submit
  - GET  /v1/plans/{id}         — plan_status
  - POST /v1/plans/{id}/cancel  — plan_cancel

Operations:
  - POST /v1/shutdown — begin shutdown (?drain=true is logged only; in-flight plans are not waited for)
  - GET  /health       — liveness
  - GET  /ready        — readiness (store + CA)
  - GET  /metrics      — Prometheus exposition

# Authentication and authorization

Every /v1 route except /v1/sessions requires "Authorization: Bearer
<token>". The token is a session minted by AuthGate.Issue and validated
on every request by AuthGate.Authenticate; each route additionally checks
the session's permission bitmask via AuthGate.Authorize before its
handler runs — mirroring authorize(session, required_permission) from the
registry and router contracts.

# Errors

Handlers map the coreerr sentinel taxonomy to HTTP status codes (see
statusFor): unauthorized/expired/revoked tokens to 401, malformed input
to 400, not-found lookups to 404, capacity/backpressure to 503, and
cancelled operations to 410. Responses are a small {"error", "message"}
JSON object, never a bare string.

# Metrics

Every request increments agentmesh_api_requests_total{route,status} and
observes agentmesh_api_request_duration_seconds{route}, labeled by the
matched chi route pattern rather than the raw path.

# See also

  - pkg/core for subsystem wiring
  - pkg/security for the auth gate and certificate authority
  - pkg/client for the corresponding Go client
*/
package api
