/*
Package storage provides relational persistence for Burrow's orchestrator
state.

The package implements the Store interface over sqlx, targeting postgres in
production (pgx stdlib driver, optional read replica) and sqlite for embedded
deployments and tests. All SQL is kept compatible with both dialects; goose
migrations embedded in the binary create the schema.

# Tables

jobs, webhook_events, runners, containers, container_health,
security_profiles, security_violations, security_scans, audit_entries,
alerts, metrics_snapshots. Timestamps are stored as epoch milliseconds,
booleans as 0/1 integers, list fields as JSON text. The jobs table carries an
optimistic version column; every queue-engine transition is a compare-and-set
on (id, version), and reservations are an atomic queued to active update.

The queue engine's recovery path rehydrates directly from the jobs table, so
no separate persisted-jobs mirror exists in SQL; the file-based journal lives
in the queue package.

# Concurrency

Reads go through the pooled connection freely. Job writes use the version
column; audit appends are serialized in-process so each entry's hash covers
its exact predecessor. PromoteReplica swaps the replica connection in as
primary during store failover.

# Audit chain

audit_entries is append-only. Each row stores a SHA-256 over
(prev_hash, actor, action, resource, outcome, ts); VerifyAuditChain walks the
chain and reports the first sequence that fails to verify.
*/
package storage
