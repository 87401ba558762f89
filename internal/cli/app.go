package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roach88/ridekey/internal/config"
	"github.com/roach88/ridekey/internal/engine"
	"github.com/roach88/ridekey/internal/jobs"
	"github.com/roach88/ridekey/internal/payments"
	"github.com/roach88/ridekey/internal/rides"
	"github.com/roach88/ridekey/internal/store"
)

// app is the wired service: configuration, store, engine and enqueuer.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  *store.Store
	engine *engine.Engine
	jobs   *jobs.Enqueuer
}

// addStoreFlags registers the flags shared by every command that opens the
// store. Zero defaults defer to the configuration.
func addStoreFlags(fs *pflag.FlagSet) {
	fs.String("db", "", "path to SQLite database (default from config: ridekey.db)")
}

// addEngineFlags registers the flags shared by commands that run requests.
func addEngineFlags(fs *pflag.FlagSet) {
	addStoreFlags(fs)
	fs.Duration("lease-window", 0, "how long a lease blocks retries of a key (default from config: 90s)")
	fs.String("provider-url", "", "payment provider base URL (default from config)")
}

// newLogger builds the process logger. Verbose enables debug records.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	if opts.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// openApp loads configuration from the command's flags and wires the
// service. The caller must Close the returned app.
func openApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.Config, cmd.Flags())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	logger := newLogger(opts, cmd.ErrOrStderr())

	logger.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	provider := opts.Provider
	if provider == nil {
		provider = payments.NewClient(cfg.Payments.BaseURL,
			payments.WithTimeout(cfg.Payments.Timeout),
			payments.WithMaxElapsed(cfg.Payments.MaxElapsed),
			payments.WithLogger(logger),
		)
	}

	svc := rides.NewService(provider,
		rides.WithFare(rides.Fare{Amount: cfg.Receipt.Amount, Currency: cfg.Receipt.Currency}),
		rides.WithLogger(logger),
	)

	eng := engine.New(st, svc.Registry(),
		engine.WithLeaseWindow(cfg.Engine.LeaseWindow),
		engine.WithPhaseTimeout(cfg.Engine.PhaseTimeout),
		engine.WithLogger(logger),
	)

	q := jobs.NewEnqueuer(st,
		jobs.WithPollInterval(cfg.Jobs.PollInterval),
		jobs.WithBatchSize(cfg.Jobs.BatchSize),
		jobs.WithLogger(logger),
	)
	q.Handle(rides.JobSendRideReceipt, jobs.LogReceipt(logger))

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		engine: eng,
		jobs:   q,
	}, nil
}

// Close closes the store.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// formatter returns the output formatter for cmd.
func formatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
