package harness

import "github.com/roach88/ridekey/internal/ir"

// Trace event types.
const (
	EventRequest  = "request"
	EventPhase    = "phase"
	EventCharge   = "charge"
	EventResponse = "response"
	EventJobs     = "jobs"
)

// TraceEvent is one observable step of a scenario run. Only the fields
// relevant to Type are set.
type TraceEvent struct {
	Seq      int64       `json:"seq"`
	Type     string      `json:"type"`
	Key      string      `json:"key,omitempty"`
	KeyID    string      `json:"key_id,omitempty"`
	Point    string      `json:"point,omitempty"`
	Outcome  string      `json:"outcome,omitempty"`
	ChargeID string      `json:"charge_id,omitempty"`
	Status   int         `json:"status,omitempty"`
	Body     ir.IRObject `json:"body,omitempty"`
	Error    string      `json:"error,omitempty"`
	Count    int         `json:"count,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses and assertions match.
	Pass bool `json:"pass"`

	// Trace contains every request, phase run, charge and response in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Charges maps provider idempotency tokens to the charge id issued.
	Charges map[string]string `json:"charges,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Charges: make(map[string]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addEvent appends ev with the next sequence number.
func (r *Result) addEvent(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}

// Events returns the trace events of the given type.
func (r *Result) Events(eventType string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
