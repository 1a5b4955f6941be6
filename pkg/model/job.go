package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionParams is the copy of the order parameters a worker needs.
type ExecutionParams struct {
	TokenIn  string          `json:"tokenIn"`
	TokenOut string          `json:"tokenOut"`
	Amount   decimal.Decimal `json:"amount"`
	Side     Side            `json:"side"`
}

// Job is the queue envelope. OrderID doubles as the job id and idempotency key.
type Job struct {
	OrderID    string          `json:"orderId"`
	Params     ExecutionParams `json:"params"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// NewJob builds the execution job for o.
func NewJob(o *Order, now time.Time) Job {
	return Job{
		OrderID:    o.ID,
		Params:     o.Params(),
		EnqueuedAt: now.UTC(),
	}
}

// DeadLetter describes a job that exhausted its retry budget.
type DeadLetter struct {
	OrderID  string    `json:"orderId"`
	Job      Job       `json:"job"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	DeadAt   time.Time `json:"deadAt"`
}
