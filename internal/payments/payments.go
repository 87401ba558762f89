// Package payments is the client for the external payment provider.
//
// The provider is the one non-transactional system the ride operation
// touches. Every charge carries the caller's idempotency token so a charge
// repeated after a lost local commit is deduplicated by the provider.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrRejected is returned when the provider declines the charge.
var ErrRejected = errors.New("payments: charge rejected")

var errMalformed = errors.New("payments: malformed provider response")

// ChargeRequest describes one charge.
type ChargeRequest struct {
	// IdempotencyKey is forwarded verbatim as the Idempotency-Key header.
	IdempotencyKey string
	Amount         int64
	Currency       string
	UserID         int64
}

// Charge is the provider's record of a charge. ID is empty when the provider
// accepted the request but did not create a charge.
type Charge struct {
	ID string `json:"chargeID"`
}

// Provider creates charges.
type Provider interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req ChargeRequest) (Charge, error)

// CreateCharge calls f.
func (f ProviderFunc) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	return f(ctx, req)
}

// StatusError reports a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("payments: provider returned %d: %s", e.StatusCode, e.Body)
}

// Defaults for Client.
const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxElapsed = 30 * time.Second
)

// Client is an HTTP Provider. Transient failures (network errors, 429 and
// 5xx) are retried with exponential backoff; other responses are final.
type Client struct {
	baseURL    string
	http       *http.Client
	maxElapsed time.Duration
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithMaxElapsed bounds the total time spent retrying one charge. Zero or
// less keeps DefaultMaxElapsed, since backoff treats zero as "retry forever".
func WithMaxElapsed(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.maxElapsed = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a client for the provider at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: DefaultTimeout},
		maxElapsed: DefaultMaxElapsed,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newBackoff returns a fresh policy; BackOff implementations are stateful.
func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = c.maxElapsed
	return backoff.WithContext(bo, ctx)
}

// CreateCharge posts the charge to {baseURL}/charges.
//
// Returns ErrRejected (wrapped) when the provider answers 402, and a
// *StatusError for any other final non-2xx response.
func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	payload, err := json.Marshal(map[string]any{
		"amount":   req.Amount,
		"currency": req.Currency,
		"user_id":  req.UserID,
	})
	if err != nil {
		return Charge{}, fmt.Errorf("payments: encode charge: %w", err)
	}

	var (
		charge  Charge
		attempt int
	)
	err = backoff.Retry(func() error {
		attempt++
		var err error
		charge, err = c.post(ctx, req.IdempotencyKey, payload)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		c.logger.Warn("charge attempt failed",
			"idempotency_key", req.IdempotencyKey,
			"attempt", attempt,
			"error", err,
		)
		return err
	}, c.newBackoff(ctx))
	if err != nil {
		return Charge{}, err
	}
	return charge, nil
}

func (c *Client) post(ctx context.Context, idempotencyKey string, payload []byte) (Charge, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/charges", bytes.NewReader(payload))
	if err != nil {
		return Charge{}, fmt.Errorf("payments: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Charge{}, fmt.Errorf("payments: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Charge{}, fmt.Errorf("payments: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		return Charge{}, fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(body)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Charge{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var charge Charge
	if err := json.Unmarshal(body, &charge); err != nil {
		return Charge{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return charge, nil
}

// retryable reports whether a failed attempt may succeed if repeated.
func retryable(err error) bool {
	if errors.Is(err, ErrRejected) || errors.Is(err, errMalformed) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	// Transport errors.
	return true
}
