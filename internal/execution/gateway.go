// Package execution defines the order-placement boundary. The gateway is
// non-idempotent: the monitor loop guarantees at most one PlaceOrder call per
// successful plan transition.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sawpanic/planrun/internal/plan"
)

// ErrRejected marks a broker-side rejection: the order was received and
// refused, so the plan fails rather than being retried.
var ErrRejected = errors.New("order rejected by broker")

// OrderRequest carries everything the broker needs to place a plan's order.
type OrderRequest struct {
	PlanID     string         `json:"plan_id"`
	Symbol     string         `json:"symbol"`
	Direction  plan.Direction `json:"direction"`
	EntryPrice float64        `json:"entry_price"`
	StopLoss   float64        `json:"stop_loss"`
	TakeProfit float64        `json:"take_profit"`
	Volume     float64        `json:"volume"`
	Comment    string         `json:"comment,omitempty"`
}

// OrderResult is the broker's acknowledgement of a placed order.
type OrderResult struct {
	Ticket   string    `json:"ticket"`
	Price    float64   `json:"price"`
	PlacedAt time.Time `json:"placed_at"`
}

// CloseResult is the broker's acknowledgement of a closed position.
type CloseResult struct {
	ExitPrice float64   `json:"exit_price"`
	Profit    float64   `json:"profit"`
	ClosedAt  time.Time `json:"closed_at"`
}

// Gateway is the broker-facing execution surface.
type Gateway interface {
	// PlaceOrder submits an order. Transport failures are retryable by the
	// caller (the plan rolls back to PENDING); ErrRejected is terminal.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// CloseOrder closes an open position by ticket.
	CloseOrder(ctx context.Context, ticket string) (*CloseResult, error)
}

// Rejected reports whether the error is a broker-side rejection rather than
// a transport failure.
func Rejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// wrapRejection tags a broker refusal with ErrRejected so callers can
// distinguish it from transport errors.
func wrapRejection(reason string) error {
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}
