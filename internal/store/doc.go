// Package store provides SQLite-backed durable storage for idempotency keys
// and the domain records written by the ride phases.
//
// Tables:
//   - idempotency_keys: one row per client key; recovery point, lease and
//     cached response live here and nowhere else
//   - rides: created by the first phase, charged by the second
//   - staged_jobs: background jobs staged inside a phase transaction and
//     drained by the job enqueuer
//
// # Transactions
//
// Every operation is available on *Store (autocommit) and on *Tx (inside
// WithTx). The guard and every phase run their reads and writes in one
// WithTx call so a crash cannot separate a phase's side effects from its
// recovery point.
//
// # Guarded updates
//
// Advance and Finish take the recovery point the caller observed and only
// match rows still at that point. A mismatch returns ErrStaleRecoveryPoint,
// which keeps recovery points moving forward even when two attempts race
// past an expired lease.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout (BusyTimeout): Wait for another process's write lock up to 60 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Timestamps are stored as INTEGER unix nanoseconds (UTC).
package store
