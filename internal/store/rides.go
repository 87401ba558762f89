package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/ridekey/internal/ir"
)

// InsertRide creates the ride owned by an idempotency key and returns its id.
// A key owns at most one ride (UNIQUE idempotency_key_id).
func (q queries) InsertRide(ctx context.Context, ride ir.Ride) (int64, error) {
	result, err := q.q.ExecContext(ctx, `
		INSERT INTO rides
		(idempotency_key_id, origin_lat, origin_lon, target_lat, target_lon, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		ride.IdempotencyKeyID,
		ride.OriginLat,
		ride.OriginLon,
		ride.TargetLat,
		ride.TargetLon,
		ride.UserID,
		toUnix(ride.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert ride: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert ride: last insert id: %w", err)
	}
	return id, nil
}

// RideByKeyID returns the ride created for an idempotency key.
// Returns ErrNotFound if the ride phase has not committed.
func (q queries) RideByKeyID(ctx context.Context, keyID string) (ir.Ride, error) {
	var (
		ride      ir.Ride
		chargeID  sql.NullString
		createdAt int64
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT id, idempotency_key_id, origin_lat, origin_lon, target_lat, target_lon,
		       user_id, stripe_charge_id, created_at
		FROM rides
		WHERE idempotency_key_id = ?
	`, keyID).Scan(
		&ride.ID, &ride.IdempotencyKeyID, &ride.OriginLat, &ride.OriginLon,
		&ride.TargetLat, &ride.TargetLon, &ride.UserID, &chargeID, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Ride{}, fmt.Errorf("ride for key %s: %w", keyID, ErrNotFound)
	}
	if err != nil {
		return ir.Ride{}, fmt.Errorf("ride for key %s: %w", keyID, err)
	}

	ride.StripeChargeID = chargeID.String
	ride.CreatedAt = fromUnix(createdAt)
	return ride, nil
}

// SetRideCharge records the payment provider's charge id on a ride.
func (q queries) SetRideCharge(ctx context.Context, rideID int64, chargeID string) error {
	return q.execOne(ctx, "set ride charge", `
		UPDATE rides SET stripe_charge_id = ? WHERE id = ?
	`, chargeID, rideID)
}

// StageJob writes a background job in the caller's transaction so it only
// becomes visible if the phase that requested it commits.
func (q queries) StageJob(ctx context.Context, name string, args ir.IRObject, now time.Time) (int64, error) {
	argsJSON, err := marshalBody(args)
	if err != nil {
		return 0, fmt.Errorf("stage job %s: %w", name, err)
	}

	result, err := q.q.ExecContext(ctx, `
		INSERT INTO staged_jobs (job_name, job_args, created_at)
		VALUES (?, ?, ?)
	`, name, argsJSON, toUnix(now))
	if err != nil {
		return 0, fmt.Errorf("stage job %s: %w", name, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("stage job %s: last insert id: %w", name, err)
	}
	return id, nil
}

// StagedJobs returns up to limit staged jobs, oldest first. When names are
// given only jobs with those names are returned.
// Returns an empty slice (not nil) when nothing is staged.
func (q queries) StagedJobs(ctx context.Context, limit int, names ...string) ([]ir.StagedJob, error) {
	query := `
		SELECT id, job_name, job_args, created_at
		FROM staged_jobs`
	args := make([]any, 0, len(names)+1)
	if len(names) > 0 {
		query += `
		WHERE job_name IN (?` + strings.Repeat(", ?", len(names)-1) + `)`
		for _, name := range names {
			args = append(args, name)
		}
	}
	query += `
		ORDER BY created_at ASC, id ASC
		LIMIT ?`
	args = append(args, limit)

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query staged jobs: %w", err)
	}
	defer rows.Close()

	jobs := []ir.StagedJob{}
	for rows.Next() {
		var (
			job       ir.StagedJob
			argsJSON  string
			createdAt int64
		)
		if err := rows.Scan(&job.ID, &job.JobName, &argsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan staged job: %w", err)
		}
		job.JobArgs, err = unmarshalBody(argsJSON)
		if err != nil {
			return nil, fmt.Errorf("staged job %d: %w", job.ID, err)
		}
		job.CreatedAt = fromUnix(createdAt)
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate staged jobs: %w", err)
	}
	return jobs, nil
}

// DeleteStagedJob removes a job once it has been handed off.
func (q queries) DeleteStagedJob(ctx context.Context, id int64) error {
	return q.execOne(ctx, "delete staged job", `
		DELETE FROM staged_jobs WHERE id = ?
	`, id)
}

// CountStagedJobs returns the number of staged jobs per job name.
func (q queries) CountStagedJobs(ctx context.Context) (map[string]int, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT job_name, COUNT(*) FROM staged_jobs GROUP BY job_name
	`)
	if err != nil {
		return nil, fmt.Errorf("count staged jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan staged job count: %w", err)
		}
		counts[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate staged job counts: %w", err)
	}
	return counts, nil
}
