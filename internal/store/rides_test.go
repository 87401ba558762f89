package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ridekey/internal/ir"
)

func TestRides_InsertAndCharge(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, createTestKey("id-1", "abc123"))
	require.NoError(t, err)

	_, err = s.RideByKeyID(ctx, rec.ID)
	require.ErrorIs(t, err, ErrNotFound)

	rideID, err := s.InsertRide(ctx, ir.Ride{
		IdempotencyKeyID: rec.ID,
		OriginLat:        37.7749,
		OriginLon:        -122.4194,
		TargetLat:        37.8044,
		TargetLon:        -122.2712,
		UserID:           1,
		CreatedAt:        testNow,
	})
	require.NoError(t, err)

	require.NoError(t, s.SetRideCharge(ctx, rideID, "ch_123"))

	ride, err := s.RideByKeyID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rideID, ride.ID)
	assert.Equal(t, 37.7749, ride.OriginLat)
	assert.Equal(t, -122.2712, ride.TargetLon)
	assert.Equal(t, "ch_123", ride.StripeChargeID)
	assert.Equal(t, testNow, ride.CreatedAt)
}

func TestRides_OnePerKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, createTestKey("id-1", "abc123"))
	require.NoError(t, err)

	ride := ir.Ride{IdempotencyKeyID: rec.ID, UserID: 1, CreatedAt: testNow}
	_, err = s.InsertRide(ctx, ride)
	require.NoError(t, err)

	_, err = s.InsertRide(ctx, ride)
	require.Error(t, err, "a key owns at most one ride")
}

func TestRides_ForeignKey(t *testing.T) {
	s := createTestStore(t)
	_, err := s.InsertRide(context.Background(), ir.Ride{IdempotencyKeyID: "missing", UserID: 1, CreatedAt: testNow})
	require.Error(t, err)
}

func TestSetRideCharge_Missing(t *testing.T) {
	s := createTestStore(t)
	err := s.SetRideCharge(context.Background(), 42, "ch_123")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStagedJobs_OldestFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.StageJob(ctx, "send_ride_receipt", ir.IRObject{"amount": ir.IRInt(20)}, testNow.Add(time.Second))
	require.NoError(t, err)
	firstID, err := s.StageJob(ctx, "send_ride_receipt", ir.IRObject{"amount": ir.IRInt(10)}, testNow)
	require.NoError(t, err)

	jobs, err := s.StagedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, firstID, jobs[0].ID)
	assert.Equal(t, ir.IRObject{"amount": ir.IRInt(10)}, jobs[0].JobArgs)
	assert.Equal(t, "send_ride_receipt", jobs[0].JobName)

	limited, err := s.StagedJobs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, s.DeleteStagedJob(ctx, firstID))
	assert.ErrorIs(t, s.DeleteStagedJob(ctx, firstID), ErrNotFound)

	remaining, err := s.StagedJobs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestStagedJobs_EmptyNotNil(t *testing.T) {
	s := createTestStore(t)
	jobs, err := s.StagedJobs(context.Background(), 10)
	require.NoError(t, err)
	assert.NotNil(t, jobs)
	assert.Empty(t, jobs)
}

func TestStageJob_RolledBackWithPhase(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_ = s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.StageJob(ctx, "send_ride_receipt", ir.IRObject{}, testNow); err != nil {
			return err
		}
		return assert.AnError
	})

	jobs, err := s.StagedJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "jobs staged in a failed phase never become visible")
}

func TestStagedJobs_FilterByName(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.StageJob(ctx, "unknown_job", ir.IRObject{}, testNow)
	require.NoError(t, err)
	wantID, err := s.StageJob(ctx, "send_ride_receipt", ir.IRObject{}, testNow.Add(time.Second))
	require.NoError(t, err)
	_, err = s.StageJob(ctx, "other_job", ir.IRObject{}, testNow.Add(2*time.Second))
	require.NoError(t, err)

	jobs, err := s.StagedJobs(ctx, 10, "send_ride_receipt")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, wantID, jobs[0].ID)

	jobs, err = s.StagedJobs(ctx, 10, "send_ride_receipt", "other_job")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	counts, err := s.CountStagedJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"unknown_job": 1, "send_ride_receipt": 1, "other_job": 1}, counts)
}
