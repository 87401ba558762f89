// Package harness provides conformance testing for the ride engine.
//
// The harness runs YAML scenarios against the real engine and ride phases
// over a fresh in-memory store, injects faults between and inside phases,
// and validates the resulting trace and final state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	lease_window: 90s
//	steps:
//	  - key: abc123
//	    payload: { originLat: 0, originLon: 0, targetLat: 0, targetLon: 0 }
//	    fail_at: ride_created
//	    expect:
//	      status: 500
//	      error: INTERNAL
//	  - key: abc123
//	    advance_clock: 91s
//	    payload: { originLat: 0, originLon: 0, targetLat: 0, targetLon: 0 }
//	    drain_jobs: true
//	    expect:
//	      status: 201
//	      body: { message: ride created }
//	assertions:
//	  - type: trace_count
//	    point: started
//	    count: 1
//	  - type: final_state
//	    table: rides
//	    where: { idempotency_key_id: key-0001 }
//	    expect: { stripe_charge_id: ch_0001 }
//
// # Fault Injection
//
//   - fail_at: the phase at that recovery point returns an error after its
//     action ran; the phase rolls back and the lease is released
//   - crash_at: the phase aborts as if the process died; the lease stays
//     held until the lease window passes
//   - decline_charge: the payment provider rejects charges for the step
//
// # Assertion Types
//
//   - trace_contains: a phase ran at a point, optionally with an outcome
//   - trace_order: phases ran at the listed points in order
//   - trace_count: exactly N events of a type (default phase), optionally at a point
//   - final_state: queries a table and verifies expected column values
//   - charge_count: exactly N distinct charges were issued
//
// # Deterministic Testing
//
// Every run uses a fake clock starting at testutil.Epoch, sequential record
// ids ("key-0001", ...) and sequential charge ids ("ch_0001", ...), so the
// same scenario always produces a byte-identical trace for golden file
// comparison.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/ride_created.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
