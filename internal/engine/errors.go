package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/ridekey/internal/ir"
)

// EngineError represents a failure detected by the guard or the recovery loop.
//
// Engine errors fall into two groups:
//   - Client-visible: Conflict (same key, different payload) and Locked
//     (another attempt holds a fresh lease)
//   - Internal: UnknownKey, UnsupportedRecoveryPoint and InconsistentState,
//     which indicate a bug or a store that was modified out of band
//
// EngineError includes structured fields for diagnostics.
type EngineError struct {
	// Code identifies the error category.
	Code EngineErrorCode

	// Message is the user-visible description.
	Message string

	// Key is the client-supplied idempotency key, when known.
	Key string

	// KeyID identifies the persisted record, when known.
	KeyID string

	// Point is the recovery point the record was at, when relevant.
	Point ir.RecoveryPoint
}

// EngineErrorCode categorizes engine errors.
type EngineErrorCode string

const (
	// ErrCodeConflict indicates the key was reused with a different payload.
	ErrCodeConflict EngineErrorCode = "CONFLICT"

	// ErrCodeLocked indicates another attempt holds a fresh lease on the key.
	ErrCodeLocked EngineErrorCode = "LOCKED"

	// ErrCodeUnknownKey indicates the record vanished between iterations.
	ErrCodeUnknownKey EngineErrorCode = "UNKNOWN_KEY"

	// ErrCodeUnsupportedRecoveryPoint indicates no phase advances the record
	// from its current point.
	ErrCodeUnsupportedRecoveryPoint EngineErrorCode = "UNSUPPORTED_RECOVERY_POINT"

	// ErrCodeInconsistentState indicates a finished record with no cached response.
	ErrCodeInconsistentState EngineErrorCode = "INCONSISTENT_STATE"
)

// Error implements the error interface.
func (e *EngineError) Error() string {
	switch {
	case e.Key != "" && e.Point != "":
		return fmt.Sprintf("%s: %s (key=%s, point=%s)", e.Code, e.Message, e.Key, e.Point)
	case e.Key != "":
		return fmt.Sprintf("%s: %s (key=%s)", e.Code, e.Message, e.Key)
	case e.KeyID != "":
		return fmt.Sprintf("%s: %s (key_id=%s)", e.Code, e.Message, e.KeyID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewConflictError creates an EngineError for a payload mismatch.
func NewConflictError(key, keyID string) *EngineError {
	return &EngineError{
		Code:    ErrCodeConflict,
		Message: "Different params used",
		Key:     key,
		KeyID:   keyID,
	}
}

// NewLockedError creates an EngineError for a key whose lease is still fresh.
func NewLockedError(key, keyID string) *EngineError {
	return &EngineError{
		Code:    ErrCodeLocked,
		Message: "Key locked",
		Key:     key,
		KeyID:   keyID,
	}
}

// NewUnknownKeyError creates an EngineError for a record that disappeared.
func NewUnknownKeyError(keyID string) *EngineError {
	return &EngineError{
		Code:    ErrCodeUnknownKey,
		Message: "idempotency key record vanished",
		KeyID:   keyID,
	}
}

// NewUnsupportedRecoveryPointError creates an EngineError for a point that
// no registered phase handles or advances.
func NewUnsupportedRecoveryPointError(keyID string, point ir.RecoveryPoint) *EngineError {
	return &EngineError{
		Code:    ErrCodeUnsupportedRecoveryPoint,
		Message: fmt.Sprintf("no phase advances recovery point %q", point),
		KeyID:   keyID,
		Point:   point,
	}
}

// NewInconsistentStateError creates an EngineError for a finished record
// without a cached response.
func NewInconsistentStateError(keyID string) *EngineError {
	return &EngineError{
		Code:    ErrCodeInconsistentState,
		Message: "finished key has no cached response",
		KeyID:   keyID,
		Point:   ir.RecoveryFinished,
	}
}

func hasCode(err error, code EngineErrorCode) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsConflict returns true if the error is a payload conflict.
// Uses errors.As to handle wrapped errors.
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
}

// IsLocked returns true if the error reports a fresh lease held elsewhere.
func IsLocked(err error) bool {
	return hasCode(err, ErrCodeLocked)
}

// IsUnknownKey returns true if the record vanished mid-run.
func IsUnknownKey(err error) bool {
	return hasCode(err, ErrCodeUnknownKey)
}

// IsUnsupportedRecoveryPoint returns true for registry programming errors.
func IsUnsupportedRecoveryPoint(err error) bool {
	return hasCode(err, ErrCodeUnsupportedRecoveryPoint)
}

// IsInconsistentState returns true for a finished record with no response.
func IsInconsistentState(err error) bool {
	return hasCode(err, ErrCodeInconsistentState)
}

// ActionError is returned by a phase action that wants the caller to see a
// specific status, such as a payment rejection. The engine treats it like any
// other action error: the phase rolls back, the lease is released and the
// error propagates. It is never cached, so a retry re-runs the phase.
type ActionError struct {
	// Status is the response status the request boundary should use.
	Status int

	// Message is the user-visible description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("action failed (%d): %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("action failed (%d): %s", e.Status, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ActionError) Unwrap() error {
	return e.Err
}

// NewActionError creates an ActionError with the given status and message.
func NewActionError(status int, message string, err error) *ActionError {
	return &ActionError{Status: status, Message: message, Err: err}
}

// AsActionError extracts an ActionError from err's chain.
func AsActionError(err error) (*ActionError, bool) {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
