/*
Package registry implements the agent registry and discovery subsystem: a
process-wide directory mapping agent names to their live lifecycle state,
role, declared capabilities, and transport endpoints.

Registry holds the directory as a single map guarded by an RWMutex.
A background sweeper, on a 5-second ticker by default, transitions stale
entries to blocked (30s without a heartbeat) and then evicted (120s), and
persists every mutation through the storage package so a restart can
reload the directory from durable agent records.
*/
package registry
