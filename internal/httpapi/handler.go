// Package httpapi is the HTTP request boundary: it parses and validates
// requests, hands them to the engine and maps engine errors to statuses.
package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/ridekey/internal/engine"
	"github.com/roach88/ridekey/internal/ir"
	"github.com/roach88/ridekey/internal/rides"
	"github.com/roach88/ridekey/internal/store"
)

// HeaderIdempotencyKey carries the client's idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

// DefaultUserID is the rider every request is attributed to. The service
// has no authentication layer.
const DefaultUserID = 1

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the ride API.
type Handler struct {
	engine *engine.Engine
	store  *store.Store
	logger *slog.Logger

	// jobsStaged is called after a request finishes so the enqueuer can
	// pick up the receipt without waiting for its next poll.
	jobsStaged func()
}

// NewHandler creates a Handler. jobsStaged may be nil.
func NewHandler(e *engine.Engine, s *store.Store, logger *slog.Logger, jobsStaged func()) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: e, store: s, logger: logger, jobsStaged: jobsStaged}
}

// CreateRide handles POST /rides.
func (h *Handler) CreateRide(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key == "" {
		writeError(w, http.StatusBadRequest, "Idempotency-Key header required")
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	if len(data) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	payload, err := ir.ParseObject(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}
	if _, err := rides.ParseParams(payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.engine.Execute(r.Context(), engine.Request{
		Key:     key,
		Method:  r.Method,
		Path:    r.URL.Path,
		Payload: payload,
		UserID:  DefaultUserID,
	})
	if err != nil {
		status, message := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("ride request failed", "key", key, "error", err)
		} else {
			h.logger.Info("ride request rejected", "key", key, "status", status, "error", err)
		}
		writeError(w, status, message)
		return
	}

	if h.jobsStaged != nil {
		h.jobsStaged()
	}
	writeBody(w, resp.Status, resp.Body)
}

// GetKey handles GET /keys/{key}: the persisted record, for operators.
func (h *Handler) GetKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rec, err := h.store.FindByKey(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	if err != nil {
		h.logger.Error("key lookup failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "error occurred")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// statusFor maps an engine error to a status and user-visible message.
// Anything outside the error taxonomy is an opaque 500.
func statusFor(err error) (int, string) {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		switch ee.Code {
		case engine.ErrCodeConflict, engine.ErrCodeLocked:
			return http.StatusConflict, ee.Message
		}
		return http.StatusInternalServerError, "error occurred"
	}
	if ae, ok := engine.AsActionError(err); ok {
		return ae.Status, ae.Message
	}
	return http.StatusInternalServerError, "error occurred"
}
