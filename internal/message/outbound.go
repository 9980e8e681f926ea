package message

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outbound is the closed set of messages the engine produces. Every
// Process call returns them as an ordered slice; consumers rebuild state
// incrementally and rely on that order.
type Outbound interface {
	// Kind is a stable tag used by the journal.
	Kind() string
}

// ResetDone acknowledges a Reset.
type ResetDone struct {
	Time time.Time `json:"time"`
}

// OrderUpdate reports an order lifecycle transition.
type OrderUpdate struct {
	TransactionID  int64           `json:"txn_id"`
	OrderID        int64           `json:"order_id,omitempty"`
	Instrument     string          `json:"instrument"`
	Portfolio      string          `json:"portfolio,omitempty"`
	Side           Side            `json:"side"`
	State          OrderState      `json:"state"`
	Price          decimal.Decimal `json:"price"`
	Volume         decimal.Decimal `json:"volume"`
	Balance        decimal.Decimal `json:"balance"`
	IsCancellation bool            `json:"is_cancellation,omitempty"`
	// Error is empty for business rejections; those are ordinary Done
	// outcomes, not failures.
	Error string    `json:"error,omitempty"`
	Time  time.Time `json:"time"`
}

// TradeFill reports one execution of an order.
type TradeFill struct {
	TransactionID int64           `json:"txn_id"`
	OrderID       int64           `json:"order_id,omitempty"`
	TradeID       int64           `json:"trade_id"`
	Instrument    string          `json:"instrument"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Volume        decimal.Decimal `json:"volume"`
	Commission    decimal.Decimal `json:"commission"`
	Time          time.Time       `json:"time"`
}

// PositionUpdate reports the current volume and average price of one
// instrument position after a fill or seed.
type PositionUpdate struct {
	Instrument   string          `json:"instrument"`
	Portfolio    string          `json:"portfolio"`
	Volume       decimal.Decimal `json:"volume"`
	AveragePrice decimal.Decimal `json:"average_price"`
	Time         time.Time       `json:"time"`
}

// PortfolioUpdate reports the money state of a portfolio. Emitted after
// every event that changes blocked funds or realized PnL.
type PortfolioUpdate struct {
	Portfolio   string          `json:"portfolio"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	TotalPnL    decimal.Decimal `json:"total_pnl"`
	Available   decimal.Decimal `json:"available"`
	Blocked     decimal.Decimal `json:"blocked"`
	Commission  decimal.Decimal `json:"commission"`
	Time        time.Time       `json:"time"`
}

// DepthSnapshot is the rendered order book for depth subscribers.
type DepthSnapshot struct {
	Instrument string       `json:"instrument"`
	Bids       []QuoteLevel `json:"bids"`
	Asks       []QuoteLevel `json:"asks"`
	Time       time.Time    `json:"time"`
}

// SubscriptionAck marks the start of a snapshot reply sequence.
type SubscriptionAck struct {
	TransactionID int64     `json:"txn_id"`
	Time          time.Time `json:"time"`
}

// SubscriptionResult marks the end of a snapshot reply sequence.
type SubscriptionResult struct {
	TransactionID int64     `json:"txn_id"`
	Error         string    `json:"error,omitempty"`
	Time          time.Time `json:"time"`
}

// PortfolioInfo is the per-portfolio header row of a lookup reply.
type PortfolioInfo struct {
	TransactionID int64     `json:"txn_id"`
	Portfolio     string    `json:"portfolio"`
	Time          time.Time `json:"time"`
}

// PriceLimits publishes the allowed price band for the trading day,
// derived from the day's first traded price.
type PriceLimits struct {
	Instrument string          `json:"instrument"`
	Min        decimal.Decimal `json:"min"`
	Max        decimal.Decimal `json:"max"`
	Time       time.Time       `json:"time"`
}

// PositionSeeded echoes an applied PositionSeed.
type PositionSeeded struct {
	Portfolio  string          `json:"portfolio"`
	Instrument string          `json:"instrument,omitempty"`
	BeginValue decimal.Decimal `json:"begin_value"`
	Time       time.Time       `json:"time"`
}

// EngineError reports an unexpected internal failure. The event stream
// continues after it.
type EngineError struct {
	Error string    `json:"error"`
	Time  time.Time `json:"time"`
}

func (ResetDone) Kind() string          { return "reset_done" }
func (OrderUpdate) Kind() string        { return "order_update" }
func (TradeFill) Kind() string          { return "trade_fill" }
func (PositionUpdate) Kind() string     { return "position_update" }
func (PortfolioUpdate) Kind() string    { return "portfolio_update" }
func (DepthSnapshot) Kind() string      { return "depth_snapshot" }
func (SubscriptionAck) Kind() string    { return "subscription_ack" }
func (SubscriptionResult) Kind() string { return "subscription_result" }
func (PortfolioInfo) Kind() string      { return "portfolio_info" }
func (PriceLimits) Kind() string        { return "price_limits" }
func (PositionSeeded) Kind() string     { return "position_seeded" }
func (EngineError) Kind() string        { return "engine_error" }
