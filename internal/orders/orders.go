// Package orders tracks an order from submission to its terminal state and
// is the only component that mutates position state, exactly once per
// terminal event.
package orders

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Side of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Type of an order. Everything the pipeline emits today is a market order
// with protective levels attached.
type Type string

const (
	Market Type = "market"
)

// State of an order in its lifecycle.
type State string

const (
	Pending         State = "pending"
	Submitted       State = "submitted"
	PartiallyFilled State = "partially_filled"
	Filled          State = "filled"
	Cancelled       State = "cancelled"
	Rejected        State = "rejected"
)

// Terminal reports whether s is a terminal lifecycle state.
func (s State) Terminal() bool {
	switch s {
	case Filled, Cancelled, Rejected:
		return true
	}
	return false
}

// Order is created by the risk controller with quantity and protective
// levels fixed; the lifecycle manager owns all state transitions after
// that.
type Order struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Quantity      int       `json:"quantity"`
	Type          Type      `json:"type"`
	EntryPrice    float64   `json:"entry_price"` // reference price at decision time
	StopPrice     float64   `json:"stop_price"`
	TargetPrice   float64   `json:"target_price"`
	State         State     `json:"state"`
	Emergency     bool      `json:"emergency"` // monitor-initiated protective exit
	CreatedAt     time.Time `json:"created_at"`
	BrokerID      string    `json:"broker_id,omitempty"`
	FilledQty     int       `json:"filled_qty"`
	AvgFillPrice  float64   `json:"avg_fill_price"`
	Attempts      int       `json:"attempts"`
	Reason        string    `json:"reason,omitempty"` // set on cancelled/rejected
}

// NewOrder builds a pending order with a fresh id.
func NewOrder(correlationID, symbol string, side Side, quantity int, entry, stop, target float64, emergency bool) Order {
	return Order{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Symbol:        symbol,
		Side:          side,
		Quantity:      quantity,
		Type:          Market,
		EntryPrice:    entry,
		StopPrice:     stop,
		TargetPrice:   target,
		State:         Pending,
		Emergency:     emergency,
		CreatedAt:     time.Now().UTC(),
	}
}

func (o Order) String() string {
	return fmt.Sprintf("%s %s %d %s [%s]", o.Side, o.Symbol, o.Quantity, o.Type, o.State)
}
