// Package jobs drains background jobs staged by ride phases.
//
// A phase stages a job in its own transaction, so the job exists only if the
// phase committed. The enqueuer later hands each job to the handler
// registered for its name and deletes it once the handler succeeds.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/ridekey/internal/ir"
	"github.com/roach88/ridekey/internal/store"
)

// Handler processes one staged job. Returning an error leaves the job
// staged for the next drain.
type Handler func(ctx context.Context, job ir.StagedJob) error

// Defaults for Enqueuer.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultBatchSize    = 50
)

// Enqueuer polls staged_jobs and dispatches them by name.
//
// Thread-safety model:
//   - Handle(): call before Run(); safe from any goroutine
//   - Notify(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
type Enqueuer struct {
	store    *store.Store
	interval time.Duration
	batch    int
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	// wake coalesces Notify calls (buffered, size 1).
	wake chan struct{}
}

// Option configures an Enqueuer.
type Option func(*Enqueuer)

// WithPollInterval sets how often Run drains when not notified.
func WithPollInterval(d time.Duration) Option {
	return func(q *Enqueuer) {
		q.interval = d
	}
}

// WithBatchSize sets the maximum number of jobs per drain.
func WithBatchSize(n int) Option {
	return func(q *Enqueuer) {
		q.batch = n
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Enqueuer) {
		q.logger = l
	}
}

// NewEnqueuer creates an enqueuer over s with no handlers.
func NewEnqueuer(s *store.Store, opts ...Option) *Enqueuer {
	q := &Enqueuer{
		store:    s,
		interval: DefaultPollInterval,
		batch:    DefaultBatchSize,
		logger:   slog.Default(),
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Handle registers h for jobs named name, replacing any earlier handler.
func (q *Enqueuer) Handle(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// Names returns the registered job names, sorted.
func (q *Enqueuer) Names() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	names := make([]string, 0, len(q.handlers))
	for name := range q.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (q *Enqueuer) handler(name string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// Notify wakes Run for an immediate drain.
// Non-blocking: a pending wake-up absorbs further calls.
func (q *Enqueuer) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// DrainOnce dispatches up to one batch of jobs with registered handlers and
// returns how many were handled and deleted.
//
// Selection, dispatch and deletion share one transaction. A handler error
// is logged and its job stays staged; the rest of the batch proceeds.
func (q *Enqueuer) DrainOnce(ctx context.Context) (int, error) {
	names := q.Names()
	if len(names) == 0 {
		return 0, nil
	}

	var done int
	err := q.store.WithTx(ctx, func(tx *store.Tx) error {
		jobs, err := tx.StagedJobs(ctx, q.batch, names...)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			h, ok := q.handler(job.JobName)
			if !ok {
				continue
			}
			if err := h(ctx, job); err != nil {
				q.logger.Warn("job failed",
					"job_id", job.ID,
					"job_name", job.JobName,
					"error", err,
				)
				continue
			}
			if err := tx.DeleteStagedJob(ctx, job.ID); err != nil {
				return err
			}
			done++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("drain staged jobs: %w", err)
	}
	return done, nil
}

// Unhandled returns counts of staged jobs whose names have no handler.
// Such jobs are never dispatched or deleted.
func (q *Enqueuer) Unhandled(ctx context.Context) (map[string]int, error) {
	counts, err := q.store.CountStagedJobs(ctx)
	if err != nil {
		return nil, err
	}
	for name := range counts {
		if _, ok := q.handler(name); ok {
			delete(counts, name)
		}
	}
	return counts, nil
}

// Run drains until ctx is cancelled, on every poll interval and whenever
// Notify is called. A full batch triggers another drain straight away.
//
// ERROR HANDLING: drain errors are logged and the loop continues; the jobs
// stay staged and are retried on the next tick.
func (q *Enqueuer) Run(ctx context.Context) error {
	q.logger.Info("job enqueuer starting", "interval", q.interval, "batch", q.batch)

	if unhandled, err := q.Unhandled(ctx); err == nil {
		for name, n := range unhandled {
			q.logger.Warn("staged jobs have no handler", "job_name", name, "count", n)
		}
	}

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		n, err := q.DrainOnce(ctx)
		if err != nil && ctx.Err() == nil {
			q.logger.Error("drain failed", "error", err)
		}
		if n > 0 {
			q.logger.Debug("drained jobs", "count", n)
		}
		if err == nil && n >= q.batch {
			continue
		}

		select {
		case <-ctx.Done():
			q.logger.Info("job enqueuer stopping")
			return ctx.Err()
		case <-ticker.C:
		case <-q.wake:
		}
	}
}
