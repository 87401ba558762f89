package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/ridekey/internal/ir"
)

// Receipt is the payload of a ride receipt job.
type Receipt struct {
	Amount   int64
	Currency string
	UserID   string
}

// ParseReceipt reads a receipt from staged job arguments.
func ParseReceipt(args ir.IRObject) (Receipt, error) {
	amount, ok := args["amount"].(ir.IRInt)
	if !ok {
		return Receipt{}, fmt.Errorf("receipt: amount must be an integer, got %T", args["amount"])
	}
	currency, ok := args["currency"].(ir.IRString)
	if !ok {
		return Receipt{}, fmt.Errorf("receipt: currency must be a string, got %T", args["currency"])
	}
	userID, ok := args["userID"].(ir.IRString)
	if !ok {
		return Receipt{}, fmt.Errorf("receipt: userID must be a string, got %T", args["userID"])
	}
	return Receipt{Amount: int64(amount), Currency: string(currency), UserID: string(userID)}, nil
}

// LogReceipt returns a handler that records the receipt in the log.
// Delivery to the rider is outside this service.
func LogReceipt(logger *slog.Logger) Handler {
	return func(ctx context.Context, job ir.StagedJob) error {
		r, err := ParseReceipt(job.JobArgs)
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "ride receipt sent",
			"job_id", job.ID,
			"user_id", r.UserID,
			"amount", r.Amount,
			"currency", r.Currency,
		)
		return nil
	}
}
