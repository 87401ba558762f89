package engine

import (
	"fmt"

	"github.com/roach88/ridekey/internal/ir"
)

// OutcomeKind tags the variant held by an Outcome.
type OutcomeKind int

const (
	// OutcomeNoOp persists nothing.
	OutcomeNoOp OutcomeKind = iota
	// OutcomeAdvance moves the record to Next.
	OutcomeAdvance
	// OutcomeComplete finishes the record with Response.
	OutcomeComplete
)

// String returns the variant name used in logs and traces.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeNoOp:
		return "noop"
	case OutcomeAdvance:
		return "advance"
	case OutcomeComplete:
		return "complete"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome is what a phase action asks the executor to persist.
// Construct it with Advance, Complete or NoOp; the zero value is NoOp.
type Outcome struct {
	Kind     OutcomeKind
	Next     ir.RecoveryPoint
	Response ir.Response
}

// Advance returns an outcome that moves the record to next.
func Advance(next ir.RecoveryPoint) Outcome {
	return Outcome{Kind: OutcomeAdvance, Next: next}
}

// Complete returns an outcome that finishes the record and caches the response.
func Complete(status int, body ir.IRObject) Outcome {
	if body == nil {
		body = ir.IRObject{}
	}
	return Outcome{Kind: OutcomeComplete, Response: ir.Response{Status: status, Body: body}}
}

// NoOp returns an outcome that leaves the record unchanged.
func NoOp() Outcome {
	return Outcome{Kind: OutcomeNoOp}
}

// String describes the outcome for logs.
func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeAdvance:
		return fmt.Sprintf("advance(%s)", o.Next)
	case OutcomeComplete:
		return fmt.Sprintf("complete(%d)", o.Response.Status)
	}
	return o.Kind.String()
}
