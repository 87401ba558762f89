package engine

import (
	"context"
	"fmt"

	"github.com/roach88/ridekey/internal/ir"
	"github.com/roach88/ridekey/internal/store"
)

// Action is the business logic bound to one recovery point.
//
// It runs inside the executor's transaction and must write local state only
// through tx. It may make at most one external call, and must be safe to run
// again for the same record and point: a crash after the external call but
// before the commit re-runs it on the next attempt.
type Action func(ctx context.Context, tx *store.Tx, rec ir.IdempotencyKey) (Outcome, error)

// Phase binds an action to the recovery point it executes from.
type Phase struct {
	Point  ir.RecoveryPoint
	Action Action
}

// Registry is the fixed, ordered list of phases for one operation.
//
// INVARIANTS:
//   - Points are strictly ascending in recovery order
//   - The terminal point is never bound
//   - Registry is immutable after construction
type Registry struct {
	phases []Phase
}

// NewRegistry validates and copies phases.
func NewRegistry(phases ...Phase) (*Registry, error) {
	if len(phases) == 0 {
		return nil, fmt.Errorf("registry: no phases")
	}

	copied := make([]Phase, len(phases))
	for i, p := range phases {
		if !p.Point.Valid() {
			return nil, fmt.Errorf("registry: phase %d: unknown recovery point %q", i, p.Point)
		}
		if p.Point == ir.RecoveryFinished {
			return nil, fmt.Errorf("registry: phase %d: %q is terminal and cannot have an action", i, p.Point)
		}
		if p.Action == nil {
			return nil, fmt.Errorf("registry: phase %d (%s): nil action", i, p.Point)
		}
		if i > 0 && !phases[i-1].Point.Before(p.Point) {
			return nil, fmt.Errorf("registry: phase %d (%s) must come after %s", i, p.Point, phases[i-1].Point)
		}
		copied[i] = p
	}
	return &Registry{phases: copied}, nil
}

// MustRegistry is like NewRegistry but panics on error.
func MustRegistry(phases ...Phase) *Registry {
	r, err := NewRegistry(phases...)
	if err != nil {
		panic(err)
	}
	return r
}

// ActionFor returns the action bound to point.
// Returns an UnsupportedRecoveryPoint error when nothing is bound.
func (r *Registry) ActionFor(keyID string, point ir.RecoveryPoint) (Action, error) {
	for _, p := range r.phases {
		if p.Point == point {
			return p.Action, nil
		}
	}
	return nil, NewUnsupportedRecoveryPointError(keyID, point)
}

// Len returns the number of phases.
func (r *Registry) Len() int {
	return len(r.phases)
}

// Points returns the bound recovery points in order.
func (r *Registry) Points() []ir.RecoveryPoint {
	points := make([]ir.RecoveryPoint, len(r.phases))
	for i, p := range r.phases {
		points[i] = p.Point
	}
	return points
}
