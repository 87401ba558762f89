package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ridekey/internal/ir"
)

// Sentinel errors returned by key operations. Callers match them with errors.Is.
var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("store: record not found")

	// ErrDuplicateKey is returned by Create when another insert for the same
	// idempotency key won the race. The caller should re-read.
	ErrDuplicateKey = errors.New("store: duplicate idempotency key")

	// ErrStaleRecoveryPoint is returned when the row is no longer at the
	// recovery point the caller expected, because another attempt moved it.
	ErrStaleRecoveryPoint = errors.New("store: recovery point moved")

	// ErrRecoveryRegression is returned for a transition that would not move
	// the recovery point forward.
	ErrRecoveryRegression = errors.New("store: recovery point may only move forward")

	// ErrResponseImmutable is returned when finishing an already finished key
	// with a different response.
	ErrResponseImmutable = errors.New("store: cached response is immutable")
)

const keyColumns = `
	id, idempotency_key, request_method, request_path, request_params,
	request_fingerprint, user_id, recovery_point, locked_at, last_run_at,
	created_at, response_code, response_body`

// FindByKey returns the record for a client-supplied idempotency key.
// Returns ErrNotFound if the key has never been seen.
func (q queries) FindByKey(ctx context.Context, key string) (ir.IdempotencyKey, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+keyColumns+`
		FROM idempotency_keys
		WHERE idempotency_key = ?
	`, key)

	rec, err := scanKey(row)
	if err != nil {
		return ir.IdempotencyKey{}, fmt.Errorf("find key %q: %w", key, err)
	}
	return rec, nil
}

// FindByID returns the record with the given id.
// Returns ErrNotFound if no such record exists.
func (q queries) FindByID(ctx context.Context, id string) (ir.IdempotencyKey, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+keyColumns+`
		FROM idempotency_keys
		WHERE id = ?
	`, id)

	rec, err := scanKey(row)
	if err != nil {
		return ir.IdempotencyKey{}, fmt.Errorf("find key id %s: %w", id, err)
	}
	return rec, nil
}

// Create inserts a new record at the first recovery point with no lease.
//
// The payload is stored as canonical JSON together with its fingerprint.
// Returns ErrDuplicateKey if a record for nk.Key already exists.
func (q queries) Create(ctx context.Context, nk ir.NewKey) (ir.IdempotencyKey, error) {
	canonical, fingerprint, err := ir.Fingerprint(nk.RequestParams)
	if err != nil {
		return ir.IdempotencyKey{}, fmt.Errorf("create key: %w", err)
	}

	now := toUnix(nk.Now)
	result, err := q.q.ExecContext(ctx, `
		INSERT INTO idempotency_keys
		(id, idempotency_key, request_method, request_path, request_params,
		 request_fingerprint, user_id, recovery_point, locked_at, last_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`,
		nk.ID,
		nk.Key,
		nk.RequestMethod,
		nk.RequestPath,
		string(canonical),
		fingerprint,
		nk.UserID,
		string(ir.RecoveryStarted),
		now,
		now,
	)
	if err != nil {
		return ir.IdempotencyKey{}, fmt.Errorf("create key: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return ir.IdempotencyKey{}, fmt.Errorf("create key: rows affected: %w", err)
	}
	if n == 0 {
		return ir.IdempotencyKey{}, fmt.Errorf("create key %q: %w", nk.Key, ErrDuplicateKey)
	}

	return q.FindByID(ctx, nk.ID)
}

// AcquireLease stamps locked_at and last_run_at with now and returns the
// updated record. It does not check whether a lease is already held; that
// decision belongs to the caller. Finished keys cannot be leased and report
// ErrNotFound.
func (q queries) AcquireLease(ctx context.Context, id string, now time.Time) (ir.IdempotencyKey, error) {
	ts := toUnix(now)
	if err := q.execOne(ctx, "acquire lease", `
		UPDATE idempotency_keys
		SET locked_at = ?, last_run_at = ?
		WHERE id = ? AND recovery_point != 'finished'
	`, ts, ts, id); err != nil {
		return ir.IdempotencyKey{}, err
	}
	return q.FindByID(ctx, id)
}

// ReleaseLease clears locked_at so a retry can proceed immediately.
// Releasing an unlocked or finished key is a no-op.
func (q queries) ReleaseLease(ctx context.Context, id string) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE idempotency_keys SET locked_at = NULL WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Advance moves a key from one recovery point to a later one. The lease
// fields are left untouched.
//
// Returns ErrRecoveryRegression if next is not after from or is the terminal
// point (use Finish), and ErrStaleRecoveryPoint if the row is no longer at from.
func (q queries) Advance(ctx context.Context, id string, from, next ir.RecoveryPoint) error {
	if next == ir.RecoveryFinished || !from.Before(next) {
		return fmt.Errorf("advance %s -> %s: %w", from, next, ErrRecoveryRegression)
	}

	result, err := q.q.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET recovery_point = ?
		WHERE id = ? AND recovery_point = ?
	`, string(next), id, string(from))
	if err != nil {
		return fmt.Errorf("advance %s -> %s: %w", from, next, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance: rows affected: %w", err)
	}
	if n == 0 {
		return q.missedUpdate(ctx, id, fmt.Sprintf("advance %s -> %s", from, next))
	}
	return nil
}

// Finish moves a key from `from` to the terminal point, clears the lease and
// caches the response in one statement.
//
// Calling Finish again with an identical response is a no-op. A different
// response returns ErrResponseImmutable.
func (q queries) Finish(ctx context.Context, id string, from ir.RecoveryPoint, resp ir.Response) error {
	body, err := marshalBody(resp.Body)
	if err != nil {
		return fmt.Errorf("finish: %w", err)
	}

	result, err := q.q.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET recovery_point = 'finished', locked_at = NULL,
		    response_code = ?, response_body = ?
		WHERE id = ? AND recovery_point = ?
	`, resp.Status, body, id, string(from))
	if err != nil {
		return fmt.Errorf("finish: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	rec, err := q.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("finish: %w", err)
	}
	if !rec.Finished() {
		return fmt.Errorf("finish from %s (at %s): %w", from, rec.RecoveryPoint, ErrStaleRecoveryPoint)
	}
	existing, err := marshalBody(rec.Response.Body)
	if err != nil {
		return fmt.Errorf("finish: %w", err)
	}
	if rec.Response.Status != resp.Status || existing != body {
		return fmt.Errorf("finish %s: %w", id, ErrResponseImmutable)
	}
	return nil
}

// CachedResponse returns the response stored by Finish. The boolean is
// false when the key has not finished yet.
func (q queries) CachedResponse(ctx context.Context, id string) (ir.Response, bool, error) {
	var code sql.NullInt64
	var body sql.NullString
	err := q.q.QueryRowContext(ctx, `
		SELECT response_code, response_body FROM idempotency_keys WHERE id = ?
	`, id).Scan(&code, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Response{}, false, fmt.Errorf("cached response %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.Response{}, false, fmt.Errorf("cached response: %w", err)
	}
	if !code.Valid || !body.Valid {
		return ir.Response{}, false, nil
	}

	obj, err := unmarshalBody(body.String)
	if err != nil {
		return ir.Response{}, false, fmt.Errorf("cached response: %w", err)
	}
	return ir.Response{Status: int(code.Int64), Body: obj}, true, nil
}

// execOne runs an UPDATE that must touch exactly one row.
func (q queries) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// missedUpdate explains why a guarded UPDATE matched no rows.
func (q queries) missedUpdate(ctx context.Context, id, op string) error {
	rec, err := q.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s (at %s): %w", op, rec.RecoveryPoint, ErrStaleRecoveryPoint)
}
