package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roach88/ridekey/internal/ir"
	"github.com/roach88/ridekey/internal/store"
)

// NewKeyCommand creates the key command group.
func NewKeyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Inspect idempotency keys",
	}

	cmd.AddCommand(newKeyShowCommand(rootOpts))
	return cmd
}

func newKeyShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Show the record stored for an idempotency key",
		Long: `Show the record stored for an idempotency key: its recovery point,
lease and, once finished, the cached response.

Example:
  ridekey key show abc123 --db ./ridekey.db
  ridekey key show abc123 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showKey(rootOpts, args[0], cmd)
		},
	}

	addStoreFlags(cmd.Flags())
	return cmd
}

func showKey(opts *RootOptions, key string, cmd *cobra.Command) error {
	out := formatter(cmd, opts)

	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.store.FindByKey(cmd.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		_ = out.Error(CodeNotFound, fmt.Sprintf("key %q not found", key), nil)
		return NewExitError(ExitFailure, "key not found")
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read key", err)
	}

	if opts.Format == "json" {
		return out.Success(rec)
	}
	return out.Success(keyText(rec, a.engine.LeaseWindow()))
}

// keyText renders a record for people. Finished keys are green, keys with a
// live lease yellow.
func keyText(rec ir.IdempotencyKey, window time.Duration) string {
	var b strings.Builder

	point := string(rec.RecoveryPoint)
	switch {
	case rec.Finished():
		point = color.New(color.FgGreen).Sprint(point)
	case rec.LeaseHeld(time.Now(), window):
		point = color.New(color.FgYellow).Sprint(point) + " (locked)"
	}

	fmt.Fprintf(&b, "key:            %s\n", rec.Key)
	fmt.Fprintf(&b, "id:             %s\n", rec.ID)
	fmt.Fprintf(&b, "request:        %s %s\n", rec.RequestMethod, rec.RequestPath)
	fmt.Fprintf(&b, "user:           %d\n", rec.UserID)
	fmt.Fprintf(&b, "recovery point: %s\n", point)

	locked := "-"
	if rec.LockedAt != nil {
		locked = rec.LockedAt.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(&b, "locked at:      %s\n", locked)
	fmt.Fprintf(&b, "last run at:    %s\n", rec.LastRunAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "created at:     %s\n", rec.CreatedAt.UTC().Format(time.RFC3339))

	if rec.Response != nil {
		body, err := ir.MarshalCanonical(rec.Response.Body)
		if err != nil {
			body = []byte("{}")
		}
		fmt.Fprintf(&b, "response:       %d %s", rec.Response.Status, body)
	} else {
		b.WriteString("response:       -")
	}
	return b.String()
}
