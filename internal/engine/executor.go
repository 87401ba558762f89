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

// errSuperseded aborts a phase transaction when the record is no longer at
// the point the phase was chosen for.
var errSuperseded = errors.New("recovery point moved by another attempt")

// DefaultPhaseTimeout bounds one phase, its external call included. A phase
// holds the store's write lock, so it must end before another process sharing
// the database gives up waiting (store.BusyTimeout).
const DefaultPhaseTimeout = 45 * time.Second

// Executor runs one phase action and persists its outcome atomically.
type Executor struct {
	store   *store.Store
	clock   Clock
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecutor creates an executor. A positive timeout bounds every phase;
// zero leaves phases bounded only by the caller's context.
func NewExecutor(s *store.Store, clock Clock, timeout time.Duration, logger *slog.Logger) *Executor {
	return &Executor{store: s, clock: clock, timeout: timeout, logger: logger}
}

// Run executes action for rec's current recovery point.
//
// Within one transaction the executor:
//  1. Re-reads the record and checks it is still at rec.RecoveryPoint
//  2. Refreshes the lease
//  3. Runs the action against the transaction
//  4. Applies the outcome (Advance, Complete or NoOp)
//
// If the action or the outcome fails, the transaction rolls back, the lease is
// released so a retry can proceed at once, and the error is returned unchanged.
//
// If another attempt moved the record first, the transaction rolls back and
// Run returns a NoOp outcome with a nil error; the caller re-reads the record.
//
// An action that advances to its own point or an earlier one is a registry
// bug and yields an UnsupportedRecoveryPoint error.
func (x *Executor) Run(ctx context.Context, rec ir.IdempotencyKey, action Action) (Outcome, error) {
	phaseCtx, cancel := x.phaseContext(ctx)
	defer cancel()

	var out Outcome
	err := x.store.WithTx(phaseCtx, func(tx *store.Tx) error {
		cur, err := tx.FindByID(phaseCtx, rec.ID)
		if errors.Is(err, store.ErrNotFound) {
			return NewUnknownKeyError(rec.ID)
		}
		if err != nil {
			return fmt.Errorf("execute %s: %w", rec.RecoveryPoint, err)
		}
		if cur.RecoveryPoint != rec.RecoveryPoint {
			return errSuperseded
		}

		cur, err = tx.AcquireLease(phaseCtx, cur.ID, x.clock.Now())
		if err != nil {
			return fmt.Errorf("execute %s: %w", rec.RecoveryPoint, err)
		}

		out, err = action(phaseCtx, tx, cur)
		if err != nil {
			return err
		}

		switch out.Kind {
		case OutcomeAdvance:
			return tx.Advance(phaseCtx, cur.ID, cur.RecoveryPoint, out.Next)
		case OutcomeComplete:
			return tx.Finish(phaseCtx, cur.ID, cur.RecoveryPoint, out.Response)
		case OutcomeNoOp:
			return nil
		default:
			return fmt.Errorf("execute %s: unknown outcome kind %v", cur.RecoveryPoint, out.Kind)
		}
	})

	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, errSuperseded), errors.Is(err, store.ErrStaleRecoveryPoint):
		x.logger.Info("phase superseded",
			"key_id", rec.ID,
			"recovery_point", rec.RecoveryPoint,
		)
		return NoOp(), nil
	case IsUnknownKey(err):
		return Outcome{}, err
	case errors.Is(err, store.ErrRecoveryRegression):
		x.logger.Error("phase moved recovery point backwards",
			"key_id", rec.ID,
			"recovery_point", rec.RecoveryPoint,
			"next", out.Next,
		)
		err = NewUnsupportedRecoveryPointError(rec.ID, rec.RecoveryPoint)
	case errors.Is(phaseCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		err = fmt.Errorf("execute %s: phase exceeded %s: %w", rec.RecoveryPoint, x.timeout, err)
	}

	x.release(ctx, rec, err)
	return Outcome{}, err
}

func (x *Executor) phaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if x.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, x.timeout)
}

// release clears the lease after a failed phase. The release outlives
// cancellation of ctx so a cancelled request does not leave the key locked.
func (x *Executor) release(ctx context.Context, rec ir.IdempotencyKey, cause error) {
	if err := x.store.ReleaseLease(context.WithoutCancel(ctx), rec.ID); err != nil {
		x.logger.Error("release lease failed",
			"key_id", rec.ID,
			"recovery_point", rec.RecoveryPoint,
			"cause", cause,
			"error", err,
		)
	}
}
