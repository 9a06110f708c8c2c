// Package store provides SQLite-backed durable storage for execution
// records.
//
// The store keeps two tables:
//   - executions: the latest snapshot of every command invocation
//   - attempts: one row per executor call
//
// *Store implements coordinator.Recorder. Snapshots are upserted by record
// id and only replace a stored row with a lower seq, so late or repeated
// writes never move a record backwards. Attempts are append-only and
// idempotent on (execution_id, number).
//
// A partial unique index allows at most one pending or retrying row per
// (correlation_id, command_id), mirroring the coordinator's coalescing
// rule.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// All list queries order by seq ASC, id ASC COLLATE BINARY.
package store
