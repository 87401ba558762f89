package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ridekey/internal/engine"
	"github.com/roach88/ridekey/internal/payments"
	"github.com/roach88/ridekey/internal/rides"
	"github.com/roach88/ridekey/internal/store"
	"github.com/roach88/ridekey/internal/testutil"
)

const ridePayload = `{"originLat":1,"originLon":2,"targetLat":3,"targetLon":4}`

type testServer struct {
	handler  http.Handler
	store    *store.Store
	charges  atomic.Int32
	notified atomic.Int32
	reject   atomic.Bool
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/api.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ts := &testServer{store: s}
	provider := payments.ProviderFunc(func(ctx context.Context, req payments.ChargeRequest) (payments.Charge, error) {
		ts.charges.Add(1)
		if ts.reject.Load() {
			return payments.Charge{}, fmt.Errorf("%w: declined", payments.ErrRejected)
		}
		return payments.Charge{ID: "ch_" + req.IdempotencyKey}, nil
	})

	e := engine.New(s, rides.NewService(provider).Registry(),
		engine.WithClock(testutil.NewFakeClock(testutil.Epoch)),
		engine.WithIDGenerator(testutil.NewSequentialIDs("key")),
	)
	ts.handler = NewRouter(NewHandler(e, s, nil, func() { ts.notified.Add(1) }))
	return ts
}

func (ts *testServer) post(key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/rides", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateRide_Created(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.post("abc123", ridePayload)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"message":"ride created"}`, rec.Body.String())
	assert.Equal(t, int32(1), ts.notified.Load())
}

func TestCreateRide_ReplayIsByteIdentical(t *testing.T) {
	ts := setupTestServer(t)

	first := ts.post("abc123", ridePayload)
	second := ts.post("abc123", `{"targetLon":4,"targetLat":3,"originLon":2,"originLat":1.0}`)

	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int32(1), ts.charges.Load())
}

func TestCreateRide_Conflict(t *testing.T) {
	ts := setupTestServer(t)

	require.Equal(t, http.StatusCreated, ts.post("abc123", ridePayload).Code)

	rec := ts.post("abc123", `{"originLat":9,"originLon":2,"targetLat":3,"targetLon":4}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, `{"error":"Different params used"}`, rec.Body.String())
}

func TestCreateRide_MissingKey(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.post("", ridePayload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, `{"error":"Idempotency-Key header required"}`, rec.Body.String())
}

func TestCreateRide_InvalidBody(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"not json", `nope`, "request body must be a JSON object"},
		{"array", `[1,2]`, "request body must be a JSON object"},
		{"missing field", `{"originLat":1,"originLon":2,"targetLat":3}`, "targetLon must be numbers"},
		{"wrong type", `{"originLat":"1","originLon":2,"targetLat":3,"targetLon":4}`, "originLat must be numbers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.post("key-"+tt.name, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}

	_, err := ts.store.FindByKey(context.Background(), "key-not json")
	assert.ErrorIs(t, err, store.ErrNotFound, "invalid requests never reach the engine")
}

func TestCreateRide_PaymentRejected(t *testing.T) {
	ts := setupTestServer(t)
	ts.reject.Store(true)

	rec := ts.post("abc123", ridePayload)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, `{"error":"Stripe rejected payment"}`, rec.Body.String())
	assert.Equal(t, int32(0), ts.notified.Load())

	// Not cached: a retry after the card is fixed succeeds.
	ts.reject.Store(false)
	rec = ts.post("abc123", ridePayload)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestGetKey(t *testing.T) {
	ts := setupTestServer(t)
	require.Equal(t, http.StatusCreated, ts.post("abc123", ridePayload).Code)

	req := httptest.NewRequest(http.MethodGet, "/keys/abc123", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "key-0001", got["id"])
	assert.Equal(t, "abc123", got["idempotency_key"])
	assert.Equal(t, "finished", got["recovery_point"])
	assert.Equal(t, map[string]any{"status": float64(201), "body": map[string]any{"message": "ride created"}}, got["response"])
	assert.NotContains(t, got, "locked_at")
}

func TestGetKey_NotFound(t *testing.T) {
	ts := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/keys/missing", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, `{"error":"key not found"}`, rec.Body.String())
}

func TestHealthz(t *testing.T) {
	ts := setupTestServer(t)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"conflict", engine.NewConflictError("k", "id"), 409, "Different params used"},
		{"locked", engine.NewLockedError("k", "id"), 409, "Key locked"},
		{"wrapped locked", fmt.Errorf("x: %w", engine.NewLockedError("k", "id")), 409, "Key locked"},
		{"unknown key", engine.NewUnknownKeyError("id"), 500, "error occurred"},
		{"unsupported", engine.NewUnsupportedRecoveryPointError("id", "started"), 500, "error occurred"},
		{"inconsistent", engine.NewInconsistentStateError("id"), 500, "error occurred"},
		{"action", engine.NewActionError(402, "Stripe rejected payment", nil), 402, "Stripe rejected payment"},
		{"other", errors.New("disk full"), 500, "error occurred"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, message := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.message, message)
		})
	}
}
