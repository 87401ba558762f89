package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/ridekey/internal/ir"
	"github.com/roach88/ridekey/internal/store"
)

// Request is one attempt of an operation, as seen by the engine.
// The payload has already been validated by the request boundary.
type Request struct {
	Key     string
	Method  string
	Path    string
	Payload ir.IRObject
	UserID  int64
}

// PhaseEvent describes one executor run, reported to the phase hook.
type PhaseEvent struct {
	KeyID   string
	Point   ir.RecoveryPoint
	Outcome Outcome
	Err     error
}

// Engine drives idempotency keys through a fixed sequence of phases.
//
// Thread-safety model:
//   - Execute() and Resume(): safe from any goroutine
//   - Mutual exclusion per key comes from the persisted lease, never from
//     in-memory locks, so several processes may share one store
type Engine struct {
	store    *store.Store
	registry *Registry
	clock    Clock
	ids      IDGenerator
	window   time.Duration
	phaseTTL time.Duration
	logger   *slog.Logger
	hook     func(PhaseEvent)

	guard    *Guard
	executor *Executor
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithLeaseWindow sets how long a lease blocks other attempts.
//
// Default: 90 seconds (DefaultLeaseWindow).
func WithLeaseWindow(d time.Duration) Option {
	return func(e *Engine) {
		e.window = d
	}
}

// WithPhaseTimeout bounds each phase, including any external call it makes.
// Zero disables the bound.
//
// Default: 45 seconds (DefaultPhaseTimeout).
func WithPhaseTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.phaseTTL = d
	}
}

// WithClock sets the clock used for leases and timestamps.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator sets the generator for new record ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithPhaseHook registers fn to be called after every executor run.
// Used by the conformance harness to record traces.
func WithPhaseHook(fn func(PhaseEvent)) Option {
	return func(e *Engine) {
		e.hook = fn
	}
}

// New creates an Engine over an open store and a phase registry.
// The store's lifecycle belongs to the caller.
func New(s *store.Store, registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		registry: registry,
		clock:    SystemClock{},
		ids:      UUIDv7Generator{},
		window:   DefaultLeaseWindow,
		phaseTTL: DefaultPhaseTimeout,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.guard = NewGuard(e.store, e.clock, e.ids, e.window)
	e.executor = NewExecutor(e.store, e.clock, e.phaseTTL, e.logger)
	return e
}

// Execute runs req to completion and returns the cached response.
//
// A retry with the same key and payload resumes from the last committed
// recovery point, or returns the cached response if the key is finished.
// Errors are Conflict, Locked, UnknownKey, UnsupportedRecoveryPoint,
// InconsistentState, or the error a phase action returned.
func (e *Engine) Execute(ctx context.Context, req Request) (ir.Response, error) {
	rec, err := e.guard.Check(ctx, req)
	if err != nil {
		return ir.Response{}, err
	}

	if !rec.Finished() {
		e.logger.Debug("driving key",
			"key", req.Key,
			"key_id", rec.ID,
			"recovery_point", rec.RecoveryPoint,
		)
	}

	if err := e.Resume(ctx, rec.ID); err != nil {
		return ir.Response{}, err
	}

	resp, ok, err := e.store.CachedResponse(ctx, rec.ID)
	if errors.Is(err, store.ErrNotFound) {
		return ir.Response{}, NewUnknownKeyError(rec.ID)
	}
	if err != nil {
		return ir.Response{}, fmt.Errorf("execute: %w", err)
	}
	if !ok {
		return ir.Response{}, NewInconsistentStateError(rec.ID)
	}
	return resp, nil
}

// Resume drives the record with the given id until it is finished.
//
// Each iteration re-reads the record, so progress committed by another
// attempt is picked up. The caller must hold the lease, normally by
// having passed the Guard.
func (e *Engine) Resume(ctx context.Context, keyID string) error {
	maxIterations := e.registry.Len() + 1

	var (
		lastPoint ir.RecoveryPoint
		lastNoOp  bool
	)
	for i := 0; ; i++ {
		rec, err := e.store.FindByID(ctx, keyID)
		if errors.Is(err, store.ErrNotFound) {
			return NewUnknownKeyError(keyID)
		}
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		if rec.Finished() {
			return nil
		}

		if i >= maxIterations || (lastNoOp && rec.RecoveryPoint == lastPoint) {
			e.abandon(ctx, rec)
			return NewUnsupportedRecoveryPointError(rec.ID, rec.RecoveryPoint)
		}

		action, err := e.registry.ActionFor(rec.ID, rec.RecoveryPoint)
		if err != nil {
			e.abandon(ctx, rec)
			return err
		}

		out, err := e.executor.Run(ctx, rec, action)
		e.report(PhaseEvent{KeyID: rec.ID, Point: rec.RecoveryPoint, Outcome: out, Err: err})
		if err != nil {
			e.logger.Warn("phase failed",
				"key_id", rec.ID,
				"recovery_point", rec.RecoveryPoint,
				"error", err,
			)
			return err
		}

		e.logger.Info("phase committed",
			"key_id", rec.ID,
			"recovery_point", rec.RecoveryPoint,
			"outcome", out.String(),
		)

		lastPoint = rec.RecoveryPoint
		lastNoOp = out.Kind == OutcomeNoOp
	}
}

// abandon releases the lease on a record the loop cannot advance.
func (e *Engine) abandon(ctx context.Context, rec ir.IdempotencyKey) {
	e.logger.Error("no phase can advance key",
		"key_id", rec.ID,
		"recovery_point", rec.RecoveryPoint,
	)
	if err := e.store.ReleaseLease(context.WithoutCancel(ctx), rec.ID); err != nil {
		e.logger.Error("release lease failed", "key_id", rec.ID, "error", err)
	}
}

func (e *Engine) report(ev PhaseEvent) {
	if e.hook != nil {
		e.hook(ev)
	}
}

// LeaseWindow returns the configured lease window.
func (e *Engine) LeaseWindow() time.Duration {
	return e.window
}
