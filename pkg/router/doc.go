/*
Package router implements the message router: admission, tier selection,
and delivery of typed messages between registered agents.

A message is admitted (deadline and HMAC checked), wire-encoded per the
fixed "PLAN" header layout in codec.go, and handed to one of five
transport tiers in descending preference: shared-memory ring, async I/O
ring, stream socket, memory-mapped file queue, flat file. Per-target
queues are bounded and priority-ordered with an aging promotion so low
priority traffic is never starved outright. A hand-rolled circuit
breaker opens for five seconds once every tier has failed a target on
three consecutive delivery attempts.
*/
package router
