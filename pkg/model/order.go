package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide normalizes s and reports whether it is a known side.
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	default:
		return "", false
	}
}

// OrderType is the execution style. Only market orders are accepted today.
type OrderType string

const OrderTypeMarket OrderType = "market"

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFilled     Status = "filled"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// transitions lists the allowed target states for every source state.
// Terminal states have no outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing: {StatusFilled, StatusFailed, StatusPending},
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusFilled || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusFilled, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the order state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every status that may legally move to `to`.
func SourcesOf(to Status) []Status {
	var out []Status
	for from, targets := range transitions {
		for _, t := range targets {
			if t == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// Result is the outcome payload attached once an order is terminal.
type Result struct {
	Price      *decimal.Decimal `json:"price,omitempty"`
	AmountOut  *decimal.Decimal `json:"amountOut,omitempty"`
	Venue      string           `json:"venue,omitempty"`
	TxHash     string           `json:"txHash,omitempty"`
	ExecutedAt *time.Time       `json:"executedAt,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// FailureResult builds a Result carrying only an error reason.
func FailureResult(reason string) *Result {
	return &Result{Error: reason}
}

// Order is the durable record of a client execution request.
type Order struct {
	ID        string          `json:"id"`
	Type      OrderType       `json:"type"`
	TokenIn   string          `json:"tokenIn"`
	TokenOut  string          `json:"tokenOut"`
	Amount    decimal.Decimal `json:"amount"`
	Side      Side            `json:"side"`
	Status    Status          `json:"status"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Result    *Result         `json:"result,omitempty"`
}

// Params returns the execution parameters carried on the order's job.
func (o Order) Params() ExecutionParams {
	return ExecutionParams{
		TokenIn:  o.TokenIn,
		TokenOut: o.TokenOut,
		Amount:   o.Amount,
		Side:     o.Side,
	}
}

// OrderRequest is the client payload accepted by the gateway.
type OrderRequest struct {
	TokenIn  string          `json:"tokenIn"`
	TokenOut string          `json:"tokenOut"`
	Amount   decimal.Decimal `json:"amount"`
	Side     string          `json:"side"`
}

// Validate checks presence and shape of every field.
func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.TokenIn) == "" {
		return &ValidationError{Field: "tokenIn", Reason: "is required"}
	}
	if strings.TrimSpace(r.TokenOut) == "" {
		return &ValidationError{Field: "tokenOut", Reason: "is required"}
	}
	if !r.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be greater than 0"}
	}
	if _, ok := ParseSide(r.Side); !ok {
		return &ValidationError{Field: "side", Reason: "must be 'buy' or 'sell'"}
	}
	return nil
}

// NewOrder builds a pending market order from a validated request.
func NewOrder(id string, req OrderRequest, now time.Time) *Order {
	side, _ := ParseSide(req.Side)
	now = now.UTC()
	return &Order{
		ID:        id,
		Type:      OrderTypeMarket,
		TokenIn:   strings.TrimSpace(req.TokenIn),
		TokenOut:  strings.TrimSpace(req.TokenOut),
		Amount:    req.Amount,
		Side:      side,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
