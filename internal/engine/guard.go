package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ridekey/internal/ir"
	"github.com/roach88/ridekey/internal/store"
)

// DefaultLeaseWindow is how long a lease blocks other attempts on the same key.
// After it elapses the lease is considered abandoned and a retry may resume.
const DefaultLeaseWindow = 90 * time.Second

// Guard decides, once per incoming request, whether the request may drive the
// key's phases. All of its reads and writes happen in one transaction so two
// first-time requests for the same key cannot both create a record.
type Guard struct {
	store  *store.Store
	clock  Clock
	ids    IDGenerator
	window time.Duration
}

// NewGuard creates a guard with the given lease window.
func NewGuard(s *store.Store, clock Clock, ids IDGenerator, window time.Duration) *Guard {
	return &Guard{store: s, clock: clock, ids: ids, window: window}
}

// Check finds or creates the record for req and returns it.
//
// Decision order:
//  1. Absent: create at the first recovery point, take the lease, proceed
//  2. Payload differs from the stored one: Conflict error
//  3. Lease held and younger than the window: Locked error
//  4. Not finished: take the lease, proceed (resume)
//  5. Finished: return as is; the caller serves the cached response
func (g *Guard) Check(ctx context.Context, req Request) (ir.IdempotencyKey, error) {
	canonical, fingerprint, err := ir.Fingerprint(req.Payload)
	if err != nil {
		return ir.IdempotencyKey{}, fmt.Errorf("guard: %w", err)
	}

	var rec ir.IdempotencyKey
	err = g.store.WithTx(ctx, func(tx *store.Tx) error {
		now := g.clock.Now()

		existing, err := tx.FindByKey(ctx, req.Key)
		if errors.Is(err, store.ErrNotFound) {
			created, err := g.create(ctx, tx, req, now)
			if err == nil {
				rec = created
				return nil
			}
			if !errors.Is(err, store.ErrDuplicateKey) {
				return err
			}
			// Another writer inserted the key first; judge their record.
			existing, err = tx.FindByKey(ctx, req.Key)
		}
		if err != nil {
			return fmt.Errorf("guard: %w", err)
		}

		if existing.RequestFingerprint != fingerprint {
			return NewConflictError(req.Key, existing.ID)
		}
		stored, err := ir.MarshalCanonical(existing.RequestParams)
		if err != nil {
			return fmt.Errorf("guard: %w", err)
		}
		if !bytes.Equal(stored, canonical) {
			return NewConflictError(req.Key, existing.ID)
		}
		if existing.Finished() {
			rec = existing
			return nil
		}
		if existing.LeaseHeld(now, g.window) {
			return NewLockedError(req.Key, existing.ID)
		}

		leased, err := tx.AcquireLease(ctx, existing.ID, now)
		if err != nil {
			return fmt.Errorf("guard: %w", err)
		}
		rec = leased
		return nil
	})
	if err != nil {
		return ir.IdempotencyKey{}, err
	}
	return rec, nil
}

func (g *Guard) create(ctx context.Context, tx *store.Tx, req Request, now time.Time) (ir.IdempotencyKey, error) {
	created, err := tx.Create(ctx, ir.NewKey{
		ID:            g.ids.Generate(),
		Key:           req.Key,
		RequestMethod: req.Method,
		RequestPath:   req.Path,
		RequestParams: req.Payload,
		UserID:        req.UserID,
		Now:           now,
	})
	if err != nil {
		return ir.IdempotencyKey{}, err
	}

	leased, err := tx.AcquireLease(ctx, created.ID, now)
	if err != nil {
		return ir.IdempotencyKey{}, fmt.Errorf("guard: %w", err)
	}
	return leased, nil
}
