package rides

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ridekey/internal/engine"
	"github.com/roach88/ridekey/internal/ir"
	"github.com/roach88/ridekey/internal/payments"
	"github.com/roach88/ridekey/internal/store"
	"github.com/roach88/ridekey/internal/testutil"
)

// fakeProvider records charges and can fail on demand. Charges are
// deduplicated by idempotency key, as a real provider would.
type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	charges map[string]string
	next    []error
	emptyID bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{charges: make(map[string]string)}
}

func (p *fakeProvider) CreateCharge(ctx context.Context, req payments.ChargeRequest) (payments.Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.next) > 0 {
		err := p.next[0]
		p.next = p.next[1:]
		return payments.Charge{}, err
	}
	if p.emptyID {
		return payments.Charge{}, nil
	}
	id, ok := p.charges[req.IdempotencyKey]
	if !ok {
		id = fmt.Sprintf("ch_%d", len(p.charges)+1)
		p.charges[req.IdempotencyKey] = id
	}
	return payments.Charge{ID: id}, nil
}

func setup(t *testing.T, provider payments.Provider) (*engine.Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/rides.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	svc := NewService(provider)
	e := engine.New(s, svc.Registry(),
		engine.WithClock(testutil.NewFakeClock(testutil.Epoch)),
		engine.WithIDGenerator(testutil.NewSequentialIDs("key")),
	)
	return e, s
}

func request(key string) engine.Request {
	return engine.Request{
		Key:    key,
		Method: "POST",
		Path:   "/rides",
		Payload: ir.IRObject{
			"originLat": ir.IRInt(1),
			"originLon": ir.IRInt(2),
			"targetLat": ir.IRInt(3),
			"targetLon": ir.IRInt(4),
		},
		UserID: 1,
	}
}

func TestRidePhases_HappyPath(t *testing.T) {
	provider := newFakeProvider()
	e, s := setup(t, provider)
	ctx := context.Background()

	resp, err := e.Execute(ctx, request("abc123"))
	require.NoError(t, err)
	assert.Equal(t, ir.Response{Status: 201, Body: ir.IRObject{"message": ir.IRString("ride created")}}, resp)

	ride, err := s.RideByKeyID(ctx, "key-0001")
	require.NoError(t, err)
	assert.Equal(t, 1.0, ride.OriginLat)
	assert.Equal(t, 4.0, ride.TargetLon)
	assert.Equal(t, int64(1), ride.UserID)
	assert.Equal(t, "ch_1", ride.StripeChargeID)
	assert.Equal(t, testutil.Epoch, ride.CreatedAt)

	jobs, err := s.StagedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobSendRideReceipt, jobs[0].JobName)
	assert.Equal(t, ir.IRObject{
		"amount":   ir.IRInt(20),
		"currency": ir.IRString("USD"),
		"userID":   ir.IRString("1"),
	}, jobs[0].JobArgs)

	assert.Equal(t, 1, provider.calls)
}

func TestRidePhases_ReplayDoesNotCharge(t *testing.T) {
	provider := newFakeProvider()
	e, _ := setup(t, provider)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.Execute(ctx, request("abc123"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, provider.calls)
}

func TestRidePhases_ProviderRejection(t *testing.T) {
	provider := newFakeProvider()
	provider.next = []error{fmt.Errorf("%w: card declined", payments.ErrRejected)}
	e, s := setup(t, provider)
	ctx := context.Background()

	_, err := e.Execute(ctx, request("abc123"))
	ae, ok := engine.AsActionError(err)
	require.True(t, ok)
	assert.Equal(t, 402, ae.Status)
	assert.Equal(t, "Stripe rejected payment", ae.Message)

	rec, err := s.FindByKey(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, ir.RecoveryRideCreated, rec.RecoveryPoint)

	// The ride survives; a retry resumes at the charge.
	resp, err := e.Execute(ctx, request("abc123"))
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, 2, provider.calls)
}

func TestRidePhases_EmptyChargeID(t *testing.T) {
	provider := newFakeProvider()
	provider.emptyID = true
	e, s := setup(t, provider)
	ctx := context.Background()

	_, err := e.Execute(ctx, request("abc123"))
	ae, ok := engine.AsActionError(err)
	require.True(t, ok)
	assert.Equal(t, 402, ae.Status)

	ride, err := s.RideByKeyID(ctx, "key-0001")
	require.NoError(t, err)
	assert.Empty(t, ride.StripeChargeID)
}

func TestRidePhases_ProviderOutage(t *testing.T) {
	provider := newFakeProvider()
	outage := errors.New("connection refused")
	provider.next = []error{outage}
	e, _ := setup(t, provider)

	_, err := e.Execute(context.Background(), request("abc123"))
	require.ErrorIs(t, err, outage)
	_, isAction := engine.AsActionError(err)
	assert.False(t, isAction, "transient failures are generic errors")
}

func TestRidePhases_ChargeReentrant(t *testing.T) {
	provider := newFakeProvider()
	_, s := setup(t, provider)
	svc := NewService(provider)
	ctx := context.Background()

	rec, err := s.Create(ctx, ir.NewKey{
		ID: "key-1", Key: "abc123", RequestParams: request("abc123").Payload, UserID: 1, Now: testutil.Epoch,
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		out, err := svc.CreateRide(ctx, tx, rec)
		require.NoError(t, err)
		assert.Equal(t, engine.Advance(ir.RecoveryRideCreated), out)

		// Running a phase twice is harmless.
		out, err = svc.CreateRide(ctx, tx, rec)
		require.NoError(t, err)
		assert.Equal(t, engine.Advance(ir.RecoveryRideCreated), out)

		out, err = svc.CreateCharge(ctx, tx, rec)
		require.NoError(t, err)
		assert.Equal(t, engine.Advance(ir.RecoveryChargeCreated), out)

		out, err = svc.CreateCharge(ctx, tx, rec)
		require.NoError(t, err)
		assert.Equal(t, engine.Advance(ir.RecoveryChargeCreated), out)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, provider.calls)
	ride, err := s.RideByKeyID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "ch_1", ride.StripeChargeID)
}

func TestRidePhases_CustomFare(t *testing.T) {
	var got payments.ChargeRequest
	provider := payments.ProviderFunc(func(ctx context.Context, req payments.ChargeRequest) (payments.Charge, error) {
		got = req
		return payments.Charge{ID: "ch_eur"}, nil
	})

	s, err := store.Open(t.TempDir() + "/rides.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	svc := NewService(provider, WithFare(Fare{Amount: 35, Currency: "EUR"}))
	e := engine.New(s, svc.Registry(), engine.WithIDGenerator(engine.NewFixedGenerator("key-eur")))
	ctx := context.Background()

	_, err = e.Execute(ctx, request("eur"))
	require.NoError(t, err)
	assert.Equal(t, payments.ChargeRequest{IdempotencyKey: "key-eur", Amount: 35, Currency: "EUR", UserID: 1}, got)

	jobs, err := s.StagedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, ir.IRInt(35), jobs[0].JobArgs["amount"])
	assert.Equal(t, ir.IRString("EUR"), jobs[0].JobArgs["currency"])
}

func TestRidePhases_InvalidStoredPayload(t *testing.T) {
	e, _ := setup(t, newFakeProvider())
	req := request("abc123")
	req.Payload = ir.IRObject{"originLat": ir.IRInt(1)}

	_, err := e.Execute(context.Background(), req)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}
