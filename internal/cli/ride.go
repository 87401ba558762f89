package cli

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/roach88/ridekey/internal/engine"
	"github.com/roach88/ridekey/internal/httpapi"
	"github.com/roach88/ridekey/internal/ir"
	"github.com/roach88/ridekey/internal/rides"
)

// RideOptions holds flags for the ride command.
type RideOptions struct {
	*RootOptions
	Key     string
	Payload string
	UserID  int64
}

// rideResult is what the ride command prints for a completed request.
type rideResult struct {
	Key    string      `json:"key"`
	Status int         `json:"status"`
	Body   ir.IRObject `json:"body"`
}

func (r rideResult) String() string {
	body, err := ir.MarshalCanonical(r.Body)
	if err != nil {
		body = []byte("{}")
	}
	return fmt.Sprintf("%d %s", r.Status, body)
}

// NewRideCommand creates the ride command.
func NewRideCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RideOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ride",
		Short: "Create a ride in-process under an idempotency key",
		Long: `Create a ride by running the request through the engine in this process.

The request goes through the same guard, phases and response cache as
POST /rides. Re-running with the same --key and payload resumes an
interrupted attempt or prints the stored response.

Example:
  ridekey ride --key abc123 --payload '{"originLat":0,"originLon":0,"targetLat":0,"targetLon":0}'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRide(opts, cmd)
		},
	}

	addEngineFlags(cmd.Flags())
	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key (required)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "ride request as a JSON object (required)")
	cmd.Flags().Int64Var(&opts.UserID, "user-id", httpapi.DefaultUserID, "rider the request is attributed to")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("payload")

	return cmd
}

func runRide(opts *RideOptions, cmd *cobra.Command) error {
	out := formatter(cmd, opts.RootOptions)

	payload, err := ir.ParseObject([]byte(opts.Payload))
	if err != nil {
		_ = out.Error(CodeInvalidRequest, "payload must be a JSON object", err.Error())
		return WrapExitError(ExitCommandError, "invalid --payload", err)
	}
	if _, err := rides.ParseParams(payload); err != nil {
		_ = out.Error(CodeInvalidRequest, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid --payload", err)
	}

	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	out.VerboseLog("executing key %q against %s", opts.Key, a.cfg.Database)

	resp, err := a.engine.Execute(cmd.Context(), engine.Request{
		Key:     opts.Key,
		Method:  http.MethodPost,
		Path:    "/rides",
		Payload: payload,
		UserID:  opts.UserID,
	})
	if err != nil {
		code, message := describeError(err)
		_ = out.Error(code, message, err.Error())
		return WrapExitError(ExitFailure, message, err)
	}

	return out.Success(rideResult{Key: opts.Key, Status: resp.Status, Body: resp.Body})
}

// describeError returns the error code and user-visible message for an
// Execute error.
func describeError(err error) (string, string) {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return string(ee.Code), ee.Message
	}
	if ae, ok := engine.AsActionError(err); ok {
		return CodeActionFailed, ae.Message
	}
	return CodeInternal, "error occurred"
}
