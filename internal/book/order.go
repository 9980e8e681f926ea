// Package book implements the per-instrument order book and the registry
// of active user orders.
package book

import (
	"time"

	"github.com/shopspring/decimal"

	"marketsim/internal/message"
)

// Order is an engine-owned resting order. Balance only decreases; once it
// reaches zero the order is removed from the book and the registry.
type Order struct {
	TransactionID int64
	Instrument    string
	Portfolio     string
	Side          message.Side
	Type          message.OrderType
	TIF           message.TimeInForce
	Price         decimal.Decimal
	Volume        decimal.Decimal
	Balance       decimal.Decimal
	PostOnly      bool
	// ExpiresAt of zero means the order never expires.
	ExpiresAt    time.Time
	RegisteredAt time.Time
	// MarginPrice is the price used to block funds at registration. It is
	// frozen there; cancellation releases funds at this same price.
	MarginPrice decimal.Decimal
}

// IsExpired reports whether the order's expiry is at or before now.
func (o *Order) IsExpired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !o.ExpiresAt.After(now)
}
