/*
Package metrics exposes the agentmesh core's Prometheus metric stream.

The core only exposes the metric stream — dashboards and alerting live
outside the core. Metrics cover the registry (agent
counts by role/status), the router (deliveries, retries, tier downgrades,
HMAC failures, circuit-breaker state), and the planner (wave latency,
task outcomes, replans).
*/
package metrics
