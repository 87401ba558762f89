package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ridekey/internal/ir"
	"github.com/roach88/ridekey/internal/store"
	"github.com/roach88/ridekey/internal/testutil"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(dir + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// testPhases is a ride-shaped registry that counts action invocations and
// can fail a phase on demand.
type testPhases struct {
	mu    sync.Mutex
	calls map[ir.RecoveryPoint]int
	fail  map[ir.RecoveryPoint]error
}

func newTestPhases() *testPhases {
	return &testPhases{
		calls: make(map[ir.RecoveryPoint]int),
		fail:  make(map[ir.RecoveryPoint]error),
	}
}

// failOnce makes the next run of point return err.
func (p *testPhases) failOnce(point ir.RecoveryPoint, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[point] = err
}

func (p *testPhases) count(point ir.RecoveryPoint) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[point]
}

func (p *testPhases) enter(point ir.RecoveryPoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[point]++
	if err, ok := p.fail[point]; ok {
		delete(p.fail, point)
		return err
	}
	return nil
}

func (p *testPhases) registry() *Registry {
	return MustRegistry(
		Phase{Point: ir.RecoveryStarted, Action: p.createRide},
		Phase{Point: ir.RecoveryRideCreated, Action: p.charge},
		Phase{Point: ir.RecoveryChargeCreated, Action: p.sendReceipt},
	)
}

func (p *testPhases) createRide(ctx context.Context, tx *store.Tx, rec ir.IdempotencyKey) (Outcome, error) {
	lat, _ := ir.Number(rec.RequestParams["originLat"])
	if _, err := tx.InsertRide(ctx, ir.Ride{
		IdempotencyKeyID: rec.ID,
		OriginLat:        lat,
		UserID:           rec.UserID,
		CreatedAt:        rec.LastRunAt,
	}); err != nil {
		return Outcome{}, err
	}
	if err := p.enter(ir.RecoveryStarted); err != nil {
		return Outcome{}, err
	}
	return Advance(ir.RecoveryRideCreated), nil
}

func (p *testPhases) charge(ctx context.Context, tx *store.Tx, rec ir.IdempotencyKey) (Outcome, error) {
	if err := p.enter(ir.RecoveryRideCreated); err != nil {
		return Outcome{}, err
	}
	ride, err := tx.RideByKeyID(ctx, rec.ID)
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.SetRideCharge(ctx, ride.ID, "ch_"+rec.ID); err != nil {
		return Outcome{}, err
	}
	return Advance(ir.RecoveryChargeCreated), nil
}

func (p *testPhases) sendReceipt(ctx context.Context, tx *store.Tx, rec ir.IdempotencyKey) (Outcome, error) {
	if err := p.enter(ir.RecoveryChargeCreated); err != nil {
		return Outcome{}, err
	}
	if _, err := tx.StageJob(ctx, "send_ride_receipt", ir.IRObject{
		"amount":   ir.IRInt(20),
		"currency": ir.IRString("USD"),
		"userID":   ir.IRInt(rec.UserID),
	}, rec.LastRunAt); err != nil {
		return Outcome{}, err
	}
	return Complete(201, ir.IRObject{"message": ir.IRString("ride created")}), nil
}

// rideRequest builds the request from the abc123 walkthrough.
func rideRequest(key string, originLat int64) Request {
	return Request{
		Key:    key,
		Method: "POST",
		Path:   "/rides",
		Payload: ir.IRObject{
			"originLat": ir.IRInt(originLat),
			"originLon": ir.IRInt(2),
			"targetLat": ir.IRInt(3),
			"targetLon": ir.IRInt(4),
		},
		UserID: 1,
	}
}

var rideCreated = ir.Response{Status: 201, Body: ir.IRObject{"message": ir.IRString("ride created")}}

type testEngine struct {
	*Engine
	store  *store.Store
	phases *testPhases
	clock  *testutil.FakeClock
}

func setupTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()
	s := setupTestStore(t)
	phases := newTestPhases()
	clock := testutil.NewFakeClock(testutil.Epoch)

	all := append([]Option{
		WithClock(clock),
		WithIDGenerator(testutil.NewSequentialIDs("key")),
	}, opts...)

	return &testEngine{
		Engine: New(s, phases.registry(), all...),
		store:  s,
		phases: phases,
		clock:  clock,
	}
}

func countRows(t *testing.T, s *store.Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.DB().QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n))
	return n
}
