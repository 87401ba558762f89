// Package engine implements the idempotent execution engine.
//
// A client retries a multi-step, side-effecting operation under one
// idempotency key. The engine makes each step happen once per key, even
// across crashes, restarts and overlapping retries.
//
// ARCHITECTURE:
//
// Guard:
// Runs once per request inside one transaction. It creates the key record on
// first sight, rejects a reused key with a different payload (Conflict),
// rejects a key whose lease is still fresh (Locked), and otherwise takes the
// lease so the request may drive the key.
//
// Registry:
// The operation's phases as ordered data. Each phase binds an Action to the
// recovery point it starts from. Adding a step means inserting a phase.
//
// Executor:
// Runs one Action and persists its Outcome in the same transaction, so a
// crash never separates local side effects from recovery bookkeeping.
// Failures roll back, release the lease and propagate unchanged.
//
// Recovery loop:
// Engine.Resume re-reads the record before every phase and stops at the
// terminal point. Engine.Execute wraps Guard, loop and the response cache.
//
// CRITICAL PATTERNS:
//
// Forward-only recovery:
// Advance and Finish are conditional on the expected current point. A
// mismatch means another attempt made progress; the loop re-reads instead
// of overwriting it.
//
// Persisted lease:
// Mutual exclusion per key is the locked_at column, not an in-memory lock,
// so several processes may share one database. A lease older than the
// window is treated as abandoned.
//
// External calls:
// An Action that calls a remote system cannot be rolled back. It must pass
// a stable idempotency token to that system so a re-run after a lost commit
// is harmless.
package engine
