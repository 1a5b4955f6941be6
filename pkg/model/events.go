package model

import "time"

// StatusEvent notifies subscribers that an order changed status.
// It is a signal; the Order Store remains the source of truth.
type StatusEvent struct {
	OrderID   string    `json:"orderId"`
	Status    Status    `json:"status"`
	Result    *Result   `json:"result,omitempty"`
	Version   int64     `json:"version"`
	EmittedAt time.Time `json:"emittedAt"`
}

// EventFromOrder snapshots o into an event.
func EventFromOrder(o *Order, now time.Time) StatusEvent {
	return StatusEvent{
		OrderID:   o.ID,
		Status:    o.Status,
		Result:    o.Result,
		Version:   o.Version,
		EmittedAt: now.UTC(),
	}
}

// StatusMessage is the frame pushed to a subscriber connection.
// Info is set only on the attach snapshot; Error only when the attach failed.
type StatusMessage struct {
	OrderID string  `json:"orderId"`
	Status  Status  `json:"status,omitempty"`
	Info    string  `json:"info,omitempty"`
	Result  *Result `json:"result,omitempty"`
	Error   string  `json:"error,omitempty"`
}
