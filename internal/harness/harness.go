package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/roach88/ridekey/internal/engine"
	"github.com/roach88/ridekey/internal/ir"
	"github.com/roach88/ridekey/internal/jobs"
	"github.com/roach88/ridekey/internal/payments"
	"github.com/roach88/ridekey/internal/rides"
	"github.com/roach88/ridekey/internal/store"
	"github.com/roach88/ridekey/internal/testutil"
)

// riderID is the user every scenario request is attributed to.
const riderID = 1

// errInjected is returned by a phase named in a step's fail_at.
var errInjected = errors.New("injected failure")

// crash is the panic value a phase named in crash_at aborts with.
type crash struct {
	point ir.RecoveryPoint
}

// Harness is the test execution engine.
// It drives the real engine and ride phases with a fake clock, sequential
// record ids and a fake payment provider, so traces are reproducible.
type Harness struct {
	store    *store.Store
	engine   *engine.Engine
	jobs     *jobs.Enqueuer
	clock    *testutil.FakeClock
	provider *fakeProvider
	result   *Result

	// Fault injection for the current step.
	failAt  ir.RecoveryPoint
	crashAt ir.RecoveryPoint
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Create fresh in-memory database and wire the engine
// 2. Execute steps, recording requests, phases, charges and responses
// 3. Validate expect clauses as each step finishes
// 4. Evaluate assertions against the trace and the final state
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests
	result := NewResult()

	h := &Harness{
		store:    st,
		clock:    testutil.NewFakeClock(testutil.Epoch),
		provider: &fakeProvider{result: result},
		result:   result,
	}

	svc := rides.NewService(h.provider, rides.WithLogger(logger))
	registry, err := h.instrument(svc.Registry())
	if err != nil {
		return nil, fmt.Errorf("failed to instrument phases: %w", err)
	}

	opts := []engine.Option{
		engine.WithClock(h.clock),
		engine.WithIDGenerator(testutil.NewSequentialIDs("")),
		engine.WithLogger(logger),
		engine.WithPhaseHook(h.recordPhase),
	}
	if scenario.LeaseWindow > 0 {
		opts = append(opts, engine.WithLeaseWindow(scenario.LeaseWindow))
	}
	h.engine = engine.New(st, registry, opts...)

	h.jobs = jobs.NewEnqueuer(st, jobs.WithLogger(logger))
	h.jobs.Handle(rides.JobSendRideReceipt, jobs.LogReceipt(logger))

	ctx := context.Background()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step); err != nil {
			return nil, fmt.Errorf("failed to execute step %d: %w", i, err)
		}
	}

	actx := &AssertionContext{
		Store: st,
		Ctx:   ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

// instrument rebuilds reg with every action wrapped for fault injection.
func (h *Harness) instrument(reg *engine.Registry) (*engine.Registry, error) {
	points := reg.Points()
	phases := make([]engine.Phase, 0, len(points))
	for _, point := range points {
		action, err := reg.ActionFor("", point)
		if err != nil {
			return nil, err
		}
		phases = append(phases, engine.Phase{Point: point, Action: h.inject(point, action)})
	}
	return engine.NewRegistry(phases...)
}

// inject runs action and then, once per step, fails or crashes the phase
// at point. The action's work happens first so the fault lands after it,
// before the phase commits.
func (h *Harness) inject(point ir.RecoveryPoint, action engine.Action) engine.Action {
	return func(ctx context.Context, tx *store.Tx, rec ir.IdempotencyKey) (engine.Outcome, error) {
		out, err := action(ctx, tx, rec)
		if err != nil {
			return out, err
		}
		switch point {
		case h.crashAt:
			h.crashAt = ""
			panic(crash{point: point})
		case h.failAt:
			h.failAt = ""
			return engine.Outcome{}, fmt.Errorf("%w at %s", errInjected, point)
		}
		return out, nil
	}
}

// executeStep runs one request attempt and checks its expect clause.
func (h *Harness) executeStep(ctx context.Context, index int, step Step) error {
	h.clock.Advance(step.AdvanceClock)
	h.failAt = ir.RecoveryPoint(step.FailAt)
	h.crashAt = ir.RecoveryPoint(step.CrashAt)
	h.provider.decline = step.DeclineCharge
	defer func() {
		h.failAt, h.crashAt, h.provider.decline = "", "", false
	}()

	payload, err := toIRObject(step.Payload)
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}

	h.result.addEvent(TraceEvent{Type: EventRequest, Key: step.Key})
	resp := h.execute(ctx, step.Key, payload)
	h.result.addEvent(resp)

	if step.Expect != nil {
		if err := checkExpect(step.Expect, resp); err != nil {
			h.result.AddError(fmt.Sprintf("step %d (key %s): %v", index, step.Key, err))
		}
	}

	if step.DrainJobs {
		n, err := h.jobs.DrainOnce(ctx)
		if err != nil {
			return fmt.Errorf("drain jobs: %w", err)
		}
		h.result.addEvent(TraceEvent{Type: EventJobs, Count: n})
	}

	return nil
}

// execute runs one attempt the way the request boundary does and describes
// the response. A crash is recovered here, leaving the store as a dying
// process would.
func (h *Harness) execute(ctx context.Context, key string, payload ir.IRObject) (ev TraceEvent) {
	ev = TraceEvent{Type: EventResponse, Key: key}

	if _, err := rides.ParseParams(payload); err != nil {
		ev.Status = http.StatusBadRequest
		ev.Error = CodeInvalidRequest
		return ev
	}

	defer func() {
		if r := recover(); r != nil {
			c, ok := r.(crash)
			if !ok {
				panic(r)
			}
			ev.Status = 0
			ev.Body = nil
			ev.Error = CodeCrashed
			ev.Point = string(c.point)
		}
	}()

	resp, err := h.engine.Execute(ctx, engine.Request{
		Key:     key,
		Method:  http.MethodPost,
		Path:    "/rides",
		Payload: payload,
		UserID:  riderID,
	})
	if err != nil {
		ev.Status, ev.Error = describeError(err)
		return ev
	}
	ev.Status = resp.Status
	ev.Body = resp.Body
	return ev
}

// recordPhase is the engine's phase hook.
func (h *Harness) recordPhase(pe engine.PhaseEvent) {
	ev := TraceEvent{
		Type:  EventPhase,
		KeyID: pe.KeyID,
		Point: string(pe.Point),
	}
	if pe.Err != nil {
		ev.Error = pe.Err.Error()
	} else {
		ev.Outcome = pe.Outcome.String()
	}
	h.result.addEvent(ev)
}

// describeError maps an Execute error to the status and code the request
// boundary would report.
func describeError(err error) (int, string) {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		switch ee.Code {
		case engine.ErrCodeConflict, engine.ErrCodeLocked:
			return http.StatusConflict, string(ee.Code)
		}
		return http.StatusInternalServerError, string(ee.Code)
	}
	if ae, ok := engine.AsActionError(err); ok {
		return ae.Status, CodeActionFailed
	}
	return http.StatusInternalServerError, CodeInternal
}

// checkExpect compares a response event with an expect clause.
func checkExpect(want *Expect, got TraceEvent) error {
	if want.Error != got.Error {
		return fmt.Errorf("expected error %q, got %q", want.Error, got.Error)
	}
	if want.Status != 0 && want.Status != got.Status {
		return fmt.Errorf("expected status %d, got %d", want.Status, got.Status)
	}
	if want.Body != nil {
		body, err := toIRObject(want.Body)
		if err != nil {
			return fmt.Errorf("expect.body: %w", err)
		}
		wantJSON, err := ir.MarshalCanonical(body)
		if err != nil {
			return fmt.Errorf("expect.body: %w", err)
		}
		gotJSON, err := ir.MarshalCanonical(got.Body)
		if err != nil {
			return fmt.Errorf("response body: %w", err)
		}
		if string(wantJSON) != string(gotJSON) {
			return fmt.Errorf("expected body %s, got %s", wantJSON, gotJSON)
		}
	}
	return nil
}

// toIRObject converts a YAML-parsed map to an IRObject.
func toIRObject(m map[string]any) (ir.IRObject, error) {
	if m == nil {
		return ir.IRObject{}, nil
	}
	v, err := ir.FromAny(m)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %T", v)
	}
	return obj, nil
}

// fakeProvider issues one charge per idempotency token, like the real
// provider, and records every call in the trace.
type fakeProvider struct {
	result  *Result
	decline bool
	issued  int
}

func (p *fakeProvider) CreateCharge(ctx context.Context, req payments.ChargeRequest) (payments.Charge, error) {
	ev := TraceEvent{Type: EventCharge, KeyID: req.IdempotencyKey}
	if p.decline {
		ev.Error = "card declined"
		p.result.addEvent(ev)
		return payments.Charge{}, fmt.Errorf("%w: card declined", payments.ErrRejected)
	}

	id, ok := p.result.Charges[req.IdempotencyKey]
	if !ok {
		p.issued++
		id = fmt.Sprintf("ch_%04d", p.issued)
		p.result.Charges[req.IdempotencyKey] = id
	}
	ev.ChargeID = id
	p.result.addEvent(ev)
	return payments.Charge{ID: id}, nil
}
