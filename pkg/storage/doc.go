/*
Package storage persists agents, sessions, roles, security events and
planner checkpoints.

BoltStore is the primary implementation, embedding go.etcd.io/bbolt with one
bucket per entity. PostgresStore is a secondary implementation over
database/sql using the jackc/pgx/v5 stdlib driver, for deployments that want
a shared, networked store instead of a single local file. Both satisfy the
same Store interface so the rest of the core is storage-agnostic.
*/
package storage
