package engine

import (
	"github.com/shopspring/decimal"

	"marketsim/internal/message"
)

// CommissionCalculator prices the commission of one trade.
type CommissionCalculator interface {
	Calculate(side message.Side, price, volume decimal.Decimal) decimal.Decimal
}

// PercentCommission charges a fixed percentage of the traded value.
type PercentCommission struct {
	Percent decimal.Decimal
}

// Calculate implements CommissionCalculator.
func (c PercentCommission) Calculate(_ message.Side, price, volume decimal.Decimal) decimal.Decimal {
	return price.Mul(volume).Mul(c.Percent).Div(decimal.NewFromInt(100))
}

// MetadataProvider looks up static instrument steps. Used once per
// instrument, the first time it is referenced.
type MetadataProvider interface {
	LookupSteps(instrument string) (priceStep, volumeStep decimal.Decimal, ok bool)
}

// IDGenerator is a monotonic id source.
type IDGenerator interface {
	Next() int64
}

// IncrementalID counts up from an initial value.
type IncrementalID struct {
	next int64
}

// NewIncrementalID returns a generator whose first id is initial+1.
func NewIncrementalID(initial int64) *IncrementalID {
	return &IncrementalID{next: initial}
}

// Next implements IDGenerator.
func (g *IncrementalID) Next() int64 {
	g.next++
	return g.next
}
