package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/ridekey/internal/payments"
)

const ridePayload = `{"originLat":0,"originLon":0,"targetLat":0,"targetLon":0}`

// approvingProvider charges every request and counts the calls.
type approvingProvider struct {
	calls int
}

func (p *approvingProvider) CreateCharge(ctx context.Context, req payments.ChargeRequest) (payments.Charge, error) {
	p.calls++
	return payments.Charge{ID: "ch_" + req.IdempotencyKey}, nil
}

// cliRun executes the root command with args and returns stdout, stderr and
// the error.
func cliRun(t *testing.T, provider payments.Provider, args ...string) (string, string, error) {
	t.Helper()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := newRootCommand(&RootOptions{Provider: provider})
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ridekey.db")
}
