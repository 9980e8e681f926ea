// Package message defines the inbound and outbound message model of the
// simulator. Inbound messages drive the engine; outbound messages are the
// ordered event stream a live exchange connection would produce.
package message

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position delta.
type Side int8

const (
	Buy Side = iota
	Sell
)

// Invert returns the opposite side.
func (s Side) Invert() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// OrderType is the price contract of an order.
type OrderType int8

const (
	Limit OrderType = iota
	Market
)

func (t OrderType) String() string {
	if t == Market {
		return "market"
	}
	return "limit"
}

// TimeInForce is the policy for an unmatched remainder.
type TimeInForce int8

const (
	// GTC rests the remainder in the book until cancelled.
	GTC TimeInForce = iota
	// IOC cancels the remainder immediately after matching.
	IOC
	// FOK cancels the whole order unless it can be filled in full.
	FOK
)

func (t TimeInForce) String() string {
	switch t {
	case IOC:
		return "ioc"
	case FOK:
		return "fok"
	default:
		return "gtc"
	}
}

// OrderState is the lifecycle state reported in order updates.
type OrderState int8

const (
	StateNone OrderState = iota
	StateActive
	StateDone
	StateFailed
)

func (s OrderState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "none"
	}
}

// QuoteLevel is one price level of a depth snapshot.
type QuoteLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// DataKind selects the market-data stream of a subscription.
type DataKind int8

const (
	DataDepth DataKind = iota
	DataCandles
)

// GroupCancelMode selects what a group-cancel request acts on.
// The two modes are independent flags and may be combined.
type GroupCancelMode uint8

const (
	CancelOrders GroupCancelMode = 1 << iota
	ClosePositions
)

// Has reports whether the mode includes m.
func (g GroupCancelMode) Has(m GroupCancelMode) bool { return g&m != 0 }

// CandleState distinguishes finished candles from still-forming ones.
type CandleState int8

const (
	CandleActive CandleState = iota
	CandleFinished
)

// Inbound is the closed set of messages the engine consumes.
type Inbound interface{ inbound() }

// Reset clears all engine state.
type Reset struct{}

// TimeAdvance moves simulated time forward and triggers order expiry.
type TimeAdvance struct {
	Now time.Time
}

// OrderRegister submits a new order.
type OrderRegister struct {
	TransactionID int64
	Instrument    string
	Portfolio     string
	Side          Side
	Type          OrderType
	TIF           TimeInForce
	Price         decimal.Decimal
	Volume        decimal.Decimal
	PostOnly      bool
	// ExpiresAt of zero means no expiry.
	ExpiresAt time.Time
	Time      time.Time
}

// OrderCancel cancels an active order by its registration transaction id.
type OrderCancel struct {
	TransactionID      int64
	OrderTransactionID int64
	Instrument         string
	Time               time.Time
}

// OrderReplace atomically cancels an order and registers a new one under
// the same inbound transaction id. Zero Volume, empty Portfolio and zero
// ExpiresAt inherit from the replaced order; Side and Price never do.
type OrderReplace struct {
	TransactionID      int64
	OrderTransactionID int64
	Instrument         string
	Portfolio          string
	Side               Side
	Type               OrderType
	TIF                TimeInForce
	Price              decimal.Decimal
	Volume             decimal.Decimal
	PostOnly           bool
	ExpiresAt          time.Time
	Time               time.Time
}

// OrderGroupCancel cancels active orders and/or closes open positions
// matching the filter.
type OrderGroupCancel struct {
	TransactionID int64
	Mode          GroupCancelMode
	Portfolio     string // empty = all portfolios
	Instrument    string // empty = all instruments
	Side          *Side  // nil = both sides
	Time          time.Time
}

// OrderStatus requests a snapshot of active orders.
type OrderStatus struct {
	TransactionID      int64
	Portfolio          string // empty = all
	OrderTransactionID int64  // 0 = all
	Time               time.Time
}

// PortfolioLookup requests a snapshot of portfolios and their positions.
// With IsSubscribe the matched portfolios stay subscribed and are
// re-emitted on every time advance.
type PortfolioLookup struct {
	TransactionID int64
	Portfolio     string // empty = all
	IsSubscribe   bool
	Time          time.Time
}

// PositionSeed sets an external opening balance: portfolio money when
// Instrument is empty, otherwise the begin volume of a position.
type PositionSeed struct {
	Portfolio    string
	Instrument   string
	BeginValue   decimal.Decimal
	AveragePrice decimal.Decimal
	Time         time.Time
}

// InstrumentInfo carries static instrument metadata.
type InstrumentInfo struct {
	Instrument string
	PriceStep  decimal.Decimal
	VolumeStep decimal.Decimal
}

// MarketDataRequest subscribes to or unsubscribes from a per-instrument
// stream (depth snapshots or candles).
type MarketDataRequest struct {
	TransactionID int64
	// OriginalTransactionID identifies the subscription on unsubscribe.
	OriginalTransactionID int64
	Instrument            string
	Data                  DataKind
	Subscribe             bool
	Time                  time.Time
}

// QuoteSnapshot replaces the observed (phantom) liquidity of an instrument.
type QuoteSnapshot struct {
	Instrument string
	Bids       []QuoteLevel
	Asks       []QuoteLevel
	Time       time.Time
}

// Level1Update carries best bid/ask and last trade changes. Zero prices
// mean the field is absent.
type Level1Update struct {
	Instrument      string
	BidPrice        decimal.Decimal
	BidVolume       decimal.Decimal
	AskPrice        decimal.Decimal
	AskVolume       decimal.Decimal
	LastTradePrice  decimal.Decimal
	LastTradeVolume decimal.Decimal
	Time            time.Time
}

// TickTrade is an observed market trade.
type TickTrade struct {
	Instrument string
	Price      decimal.Decimal
	Volume     decimal.Decimal
	Time       time.Time
}

// OrderLogEntry is one observed order-log record (placement or removal of
// external liquidity).
type OrderLogEntry struct {
	Instrument string
	Side       Side
	Price      decimal.Decimal
	Volume     decimal.Decimal
	IsCancel   bool
	Time       time.Time
}

// Candle is an OHLCV bar, finished or still forming.
type Candle struct {
	Instrument  string
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	TotalVolume decimal.Decimal
	State       CandleState
	OpenTime    time.Time
	Time        time.Time
}

func (Reset) inbound()             {}
func (TimeAdvance) inbound()       {}
func (OrderRegister) inbound()     {}
func (OrderCancel) inbound()       {}
func (OrderReplace) inbound()      {}
func (OrderGroupCancel) inbound()  {}
func (OrderStatus) inbound()       {}
func (PortfolioLookup) inbound()   {}
func (PositionSeed) inbound()      {}
func (InstrumentInfo) inbound()    {}
func (MarketDataRequest) inbound() {}
func (QuoteSnapshot) inbound()     {}
func (Level1Update) inbound()      {}
func (TickTrade) inbound()         {}
func (OrderLogEntry) inbound()     {}
func (Candle) inbound()            {}
