package ir

import (
	"fmt"
	"time"
)

// RecoveryPoint names the next phase to execute for an idempotency key, or
// Finished once the operation has a cached response.
type RecoveryPoint string

// Recovery points in execution order. The order is fixed; extending the
// operation means inserting a point between two existing ones.
const (
	RecoveryStarted       RecoveryPoint = "started"
	RecoveryRideCreated   RecoveryPoint = "ride_created"
	RecoveryChargeCreated RecoveryPoint = "charge_created"
	RecoveryFinished      RecoveryPoint = "finished"
)

// RecoveryPoints lists every point in order.
var RecoveryPoints = []RecoveryPoint{
	RecoveryStarted,
	RecoveryRideCreated,
	RecoveryChargeCreated,
	RecoveryFinished,
}

// Rank returns the position of p in RecoveryPoints, or -1 if p is unknown.
func (p RecoveryPoint) Rank() int {
	for i, rp := range RecoveryPoints {
		if rp == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a member of the enumeration.
func (p RecoveryPoint) Valid() bool {
	return p.Rank() >= 0
}

// Before reports whether p precedes other. Unknown points precede nothing.
func (p RecoveryPoint) Before(other RecoveryPoint) bool {
	a, b := p.Rank(), other.Rank()
	return a >= 0 && b >= 0 && a < b
}

// ParseRecoveryPoint validates a stored recovery point.
func ParseRecoveryPoint(s string) (RecoveryPoint, error) {
	p := RecoveryPoint(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown recovery point %q", s)
	}
	return p, nil
}

// IdempotencyKey is the persisted record for one client-supplied key.
type IdempotencyKey struct {
	ID                 string        `json:"id"`
	Key                string        `json:"idempotency_key"`
	RequestMethod      string        `json:"request_method"`
	RequestPath        string        `json:"request_path"`
	RequestParams      IRObject      `json:"request_params"`
	RequestFingerprint string        `json:"request_fingerprint"`
	UserID             int64         `json:"user_id"`
	RecoveryPoint      RecoveryPoint `json:"recovery_point"`
	LockedAt           *time.Time    `json:"locked_at,omitempty"`
	LastRunAt          time.Time     `json:"last_run_at"`
	CreatedAt          time.Time     `json:"created_at"`
	Response           *Response     `json:"response,omitempty"`
}

// Finished reports whether the record reached the terminal recovery point.
func (k IdempotencyKey) Finished() bool {
	return k.RecoveryPoint == RecoveryFinished
}

// LeaseHeld reports whether the lease is set and younger than window at now.
func (k IdempotencyKey) LeaseHeld(now time.Time, window time.Duration) bool {
	if k.LockedAt == nil {
		return false
	}
	return k.LockedAt.After(now.Add(-window))
}

// NewKey holds the immutable fields captured when a key is first seen.
type NewKey struct {
	ID            string
	Key           string
	RequestMethod string
	RequestPath   string
	RequestParams IRObject
	UserID        int64
	Now           time.Time
}

// Response is the terminal, user-visible result cached on a finished key.
type Response struct {
	Status int      `json:"status"`
	Body   IRObject `json:"body"`
}

// Ride is the domain record created by the first phase.
type Ride struct {
	ID               int64     `json:"id"`
	IdempotencyKeyID string    `json:"idempotency_key_id"`
	OriginLat        float64   `json:"origin_lat"`
	OriginLon        float64   `json:"origin_lon"`
	TargetLat        float64   `json:"target_lat"`
	TargetLon        float64   `json:"target_lon"`
	UserID           int64     `json:"user_id"`
	StripeChargeID   string    `json:"stripe_charge_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// StagedJob is a background job written in the same transaction as the
// phase that requested it and drained later by the job enqueuer.
type StagedJob struct {
	ID        int64     `json:"id"`
	JobName   string    `json:"job_name"`
	JobArgs   IRObject  `json:"job_args"`
	CreatedAt time.Time `json:"created_at"`
}
