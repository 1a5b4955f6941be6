package execution

import (
	"context"

	"github.com/Checker-Finance/order-stream/pkg/model"
)

// Executor performs the external swap for an order. Implementations must be
// idempotent on order id: executing the same order twice must not produce a
// second trade at the venue.
//
// Errors should be *model.ExecutionError; anything else is treated as
// recoverable by the worker.
type Executor interface {
	Execute(ctx context.Context, o model.Order) (*model.Result, error)
}
