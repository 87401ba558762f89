// Package rides holds the business phases of the ride creation operation:
// insert the ride, charge the rider, stage the receipt job.
package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/roach88/ridekey/internal/engine"
	"github.com/roach88/ridekey/internal/ir"
	"github.com/roach88/ridekey/internal/payments"
	"github.com/roach88/ridekey/internal/store"
)

// JobSendRideReceipt is the staged job written by the last phase.
const JobSendRideReceipt = "send_ride_receipt"

// Fare is what a ride costs the rider.
type Fare struct {
	Amount   int64
	Currency string
}

// DefaultFare matches the receipt the service has always sent.
var DefaultFare = Fare{Amount: 20, Currency: "USD"}

// Service builds the phase registry for ride creation.
type Service struct {
	provider payments.Provider
	fare     Fare
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithFare sets the charged and receipted amount.
func WithFare(f Fare) Option {
	return func(s *Service) {
		s.fare = f
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService creates a Service that charges through provider.
func NewService(provider payments.Provider, opts ...Option) *Service {
	s := &Service{
		provider: provider,
		fare:     DefaultFare,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the ride phases in order:
// started -> ride_created -> charge_created -> finished.
func (s *Service) Registry() *engine.Registry {
	return engine.MustRegistry(
		engine.Phase{Point: ir.RecoveryStarted, Action: s.CreateRide},
		engine.Phase{Point: ir.RecoveryRideCreated, Action: s.CreateCharge},
		engine.Phase{Point: ir.RecoveryChargeCreated, Action: s.SendReceipt},
	)
}

// CreateRide inserts the ride owned by the key.
func (s *Service) CreateRide(ctx context.Context, tx *store.Tx, rec ir.IdempotencyKey) (engine.Outcome, error) {
	params, err := ParseParams(rec.RequestParams)
	if err != nil {
		return engine.Outcome{}, fmt.Errorf("create ride: %w", err)
	}

	_, err = tx.RideByKeyID(ctx, rec.ID)
	switch {
	case err == nil:
		// Already inserted by a run whose bookkeeping was lost.
		return engine.Advance(ir.RecoveryRideCreated), nil
	case !errors.Is(err, store.ErrNotFound):
		return engine.Outcome{}, fmt.Errorf("create ride: %w", err)
	}

	id, err := tx.InsertRide(ctx, ir.Ride{
		IdempotencyKeyID: rec.ID,
		OriginLat:        params.OriginLat,
		OriginLon:        params.OriginLon,
		TargetLat:        params.TargetLat,
		TargetLon:        params.TargetLon,
		UserID:           rec.UserID,
		CreatedAt:        rec.LastRunAt,
	})
	if err != nil {
		return engine.Outcome{}, fmt.Errorf("create ride: %w", err)
	}

	s.logger.Debug("ride inserted", "key_id", rec.ID, "ride_id", id)
	return engine.Advance(ir.RecoveryRideCreated), nil
}

// CreateCharge charges the rider and records the charge id on the ride.
//
// The key's record id is the provider idempotency token, so re-running this
// phase after a lost commit returns the original charge.
func (s *Service) CreateCharge(ctx context.Context, tx *store.Tx, rec ir.IdempotencyKey) (engine.Outcome, error) {
	ride, err := tx.RideByKeyID(ctx, rec.ID)
	if err != nil {
		return engine.Outcome{}, fmt.Errorf("create charge: %w", err)
	}
	if ride.StripeChargeID != "" {
		return engine.Advance(ir.RecoveryChargeCreated), nil
	}

	charge, err := s.provider.CreateCharge(ctx, payments.ChargeRequest{
		IdempotencyKey: rec.ID,
		Amount:         s.fare.Amount,
		Currency:       s.fare.Currency,
		UserID:         ride.UserID,
	})
	if errors.Is(err, payments.ErrRejected) {
		return engine.Outcome{}, engine.NewActionError(http.StatusPaymentRequired, "Stripe rejected payment", err)
	}
	if err != nil {
		return engine.Outcome{}, fmt.Errorf("create charge: %w", err)
	}
	if charge.ID == "" {
		return engine.Outcome{}, engine.NewActionError(http.StatusPaymentRequired, "Stripe rejected payment", nil)
	}

	if err := tx.SetRideCharge(ctx, ride.ID, charge.ID); err != nil {
		return engine.Outcome{}, fmt.Errorf("create charge: %w", err)
	}

	s.logger.Info("ride charged", "key_id", rec.ID, "ride_id", ride.ID, "charge_id", charge.ID)
	return engine.Advance(ir.RecoveryChargeCreated), nil
}

// SendReceipt stages the receipt job and completes the operation. The job
// is only visible once this phase commits.
func (s *Service) SendReceipt(ctx context.Context, tx *store.Tx, rec ir.IdempotencyKey) (engine.Outcome, error) {
	ride, err := tx.RideByKeyID(ctx, rec.ID)
	if err != nil {
		return engine.Outcome{}, fmt.Errorf("send receipt: %w", err)
	}

	if _, err := tx.StageJob(ctx, JobSendRideReceipt, ir.IRObject{
		"amount":   ir.IRInt(s.fare.Amount),
		"currency": ir.IRString(s.fare.Currency),
		"userID":   ir.IRString(strconv.FormatInt(ride.UserID, 10)),
	}, rec.LastRunAt); err != nil {
		return engine.Outcome{}, fmt.Errorf("send receipt: %w", err)
	}

	return engine.Complete(http.StatusCreated, ir.IRObject{"message": ir.IRString("ride created")}), nil
}
