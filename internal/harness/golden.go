package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/ridekey/internal/ir"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// It is serialized as canonical JSON for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toIR converts the snapshot to an IRObject, omitting unset event fields.
func (s *TraceSnapshot) toIR() ir.IRObject {
	trace := make(ir.IRArray, len(s.Trace))
	for i, event := range s.Trace {
		obj := ir.IRObject{
			"seq":  ir.IRInt(event.Seq),
			"type": ir.IRString(event.Type),
		}
		setString(obj, "key", event.Key)
		setString(obj, "key_id", event.KeyID)
		setString(obj, "point", event.Point)
		setString(obj, "outcome", event.Outcome)
		setString(obj, "charge_id", event.ChargeID)
		setString(obj, "error", event.Error)
		if event.Status != 0 {
			obj["status"] = ir.IRInt(event.Status)
		}
		if event.Body != nil {
			obj["body"] = event.Body
		}
		if event.Type == EventJobs {
			obj["count"] = ir.IRInt(event.Count)
		}
		trace[i] = obj
	}

	return ir.IRObject{
		"scenario_name": ir.IRString(s.ScenarioName),
		"trace":         trace,
	}
}

func setString(obj ir.IRObject, key, value string) {
	if value != "" {
		obj[key] = ir.IRString(value)
	}
}

// MarshalTrace returns the canonical JSON form of a scenario trace.
func MarshalTrace(scenarioName string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
	}
	return ir.MarshalCanonical(snapshot.toIR())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can check Pass, or an error if the scenario
// could not be executed. A trace mismatch fails t via goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}

	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}
