package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ridekey/internal/ir"
)

// Scenario defines a conformance test scenario: a sequence of ride requests
// against a fresh store, with faults injected between or inside phases, and
// assertions on the resulting trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// LeaseWindow overrides the engine's lease window. Zero means the default.
	LeaseWindow time.Duration `yaml:"lease_window,omitempty"`

	// Steps are executed in order, each as one request attempt.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state, charge_count
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one request attempt.
type Step struct {
	// Key is the client-supplied idempotency key.
	Key string `yaml:"key"`

	// Payload is the ride request body.
	Payload map[string]any `yaml:"payload"`

	// AdvanceClock moves the fake clock forward before the request.
	AdvanceClock time.Duration `yaml:"advance_clock,omitempty"`

	// FailAt names the recovery point whose phase fails during this step,
	// after its action has done its work. The phase transaction rolls back.
	FailAt string `yaml:"fail_at,omitempty"`

	// CrashAt names the recovery point whose phase aborts the attempt the
	// way a dying process would: nothing after it runs and the lease is
	// left in place.
	CrashAt string `yaml:"crash_at,omitempty"`

	// DeclineCharge makes the payment provider reject charges in this step.
	DeclineCharge bool `yaml:"decline_charge,omitempty"`

	// DrainJobs runs one job enqueuer drain after the request.
	DrainJobs bool `yaml:"drain_jobs,omitempty"`

	// Expect specifies the expected response.
	// If nil, no validation is performed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies the expected result of a step.
type Expect struct {
	// Status is the expected response status (also set for ACTION_FAILED).
	Status int `yaml:"status,omitempty"`

	// Body is the expected response body, compared exactly.
	Body map[string]any `yaml:"body,omitempty"`

	// Error is the expected error code, such as CONFLICT or LOCKED.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a phase ran at Point (with Outcome, if set)
	// - "trace_order": phases ran at Points in this order
	// - "trace_count": exactly Count events of Event (default phase) at Point
	// - "final_state": query Table and verify expected values
	// - "charge_count": exactly Count distinct charges were issued
	Type string `yaml:"type"`

	// Point is the recovery point (used by trace_contains, trace_count).
	Point string `yaml:"point,omitempty"`

	// Outcome is the expected outcome string, e.g. "advance(ride_created)".
	Outcome string `yaml:"outcome,omitempty"`

	// Points is the expected phase order (used by trace_order).
	Points []string `yaml:"points,omitempty"`

	// Event is the trace event type (used by trace_count).
	Event string `yaml:"event,omitempty"`

	// Count is the expected number of occurrences.
	Count int `yaml:"count,omitempty"`

	// Table is the table name (used by final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (used by final_state).
	// All fields must match exactly.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected column values (used by final_state).
	// Subset match - only specified columns are validated.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertChargeCount   = "charge_count"
)

// Error codes recorded on response events that are not engine error codes.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeActionFailed   = "ACTION_FAILED"
	CodeInternal       = "INTERNAL"
	CodeCrashed        = "CRASHED"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.LeaseWindow < 0 {
		return fmt.Errorf("lease_window must not be negative")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, step *Step) error {
	if step.Key == "" {
		return fmt.Errorf("steps[%d]: key is required", index)
	}
	if step.Payload == nil {
		return fmt.Errorf("steps[%d]: payload is required (use empty map if no fields)", index)
	}
	if step.AdvanceClock < 0 {
		return fmt.Errorf("steps[%d]: advance_clock must not be negative", index)
	}
	if step.FailAt != "" && step.CrashAt != "" {
		return fmt.Errorf("steps[%d]: fail_at and crash_at are mutually exclusive", index)
	}
	for field, point := range map[string]string{"fail_at": step.FailAt, "crash_at": step.CrashAt} {
		if point == "" {
			continue
		}
		if err := validatePhasePoint(point); err != nil {
			return fmt.Errorf("steps[%d]: %s: %w", index, field, err)
		}
	}
	if step.Expect != nil && step.Expect.Error == "" && step.Expect.Status == 0 {
		return fmt.Errorf("steps[%d].expect: status or error is required", index)
	}
	return nil
}

// validatePhasePoint accepts recovery points a phase runs from.
func validatePhasePoint(point string) error {
	p, err := ir.ParseRecoveryPoint(point)
	if err != nil {
		return err
	}
	if p == ir.RecoveryFinished {
		return fmt.Errorf("no phase runs at %q", point)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Point == "" {
			return fmt.Errorf("assertions[%d]: point is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Points) == 0 {
			return fmt.Errorf("assertions[%d]: points list is required for trace_order", index)
		}
	case AssertTraceCount:
		validEvents := []string{"", EventRequest, EventPhase, EventCharge, EventResponse, EventJobs}
		if !slices.Contains(validEvents, a.Event) {
			return fmt.Errorf("assertions[%d]: unknown event type %q for trace_count", index, a.Event)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertChargeCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for charge_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
