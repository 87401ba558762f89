package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ridekey/internal/ir"
)

// marshalBody converts a response body or job args to canonical JSON TEXT.
func marshalBody(obj ir.IRObject) (string, error) {
	if obj == nil {
		obj = ir.IRObject{}
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}
	return string(data), nil
}

// unmarshalBody parses JSON TEXT written by marshalBody.
func unmarshalBody(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	obj, err := ir.ParseObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal body: %w", err)
	}
	return obj, nil
}

// Timestamps are stored as INTEGER unix nanoseconds in UTC.
func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanKey scans keyColumns into an IdempotencyKey.
// sql.ErrNoRows is translated to ErrNotFound.
func scanKey(row rowScanner) (ir.IdempotencyKey, error) {
	var (
		rec       ir.IdempotencyKey
		params    string
		point     string
		lockedAt  sql.NullInt64
		lastRunAt int64
		createdAt int64
		respCode  sql.NullInt64
		respBody  sql.NullString
	)

	err := row.Scan(
		&rec.ID, &rec.Key, &rec.RequestMethod, &rec.RequestPath, &params,
		&rec.RequestFingerprint, &rec.UserID, &point, &lockedAt, &lastRunAt,
		&createdAt, &respCode, &respBody,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.IdempotencyKey{}, ErrNotFound
	}
	if err != nil {
		return ir.IdempotencyKey{}, fmt.Errorf("scan key: %w", err)
	}

	rec.RequestParams, err = unmarshalBody(params)
	if err != nil {
		return ir.IdempotencyKey{}, fmt.Errorf("scan key params: %w", err)
	}

	rec.RecoveryPoint, err = ir.ParseRecoveryPoint(point)
	if err != nil {
		return ir.IdempotencyKey{}, fmt.Errorf("scan key: %w", err)
	}

	if lockedAt.Valid {
		t := fromUnix(lockedAt.Int64)
		rec.LockedAt = &t
	}
	rec.LastRunAt = fromUnix(lastRunAt)
	rec.CreatedAt = fromUnix(createdAt)

	if respCode.Valid && respBody.Valid {
		body, err := unmarshalBody(respBody.String)
		if err != nil {
			return ir.IdempotencyKey{}, fmt.Errorf("scan key response: %w", err)
		}
		rec.Response = &ir.Response{Status: int(respCode.Int64), Body: body}
	}

	return rec, nil
}
