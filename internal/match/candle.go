package match

import (
	"github.com/shopspring/decimal"

	"marketsim/internal/book"
	"marketsim/internal/message"
)

// MatchCandle matches an order against a buffered candle instead of a
// live book. Liquidity is capped by the candle's total volume; a zero
// total volume means the cap is unknown and the order fills in full. A
// limit order fills at its own limit price, a market order at the candle
// mid-price clipped into the candle range and shrunk to the price step.
func MatchCandle(o *book.Order, c message.Candle, s Settings) Result {
	unlimited := c.TotalVolume.IsZero()
	available := c.TotalVolume

	if o.TIF == message.FOK && !unlimited && available.LessThan(o.Balance) {
		return Result{Remaining: o.Balance, State: message.StateDone}
	}

	var execPrice decimal.Decimal
	inRange := true
	if o.Type == message.Market {
		two := decimal.NewFromInt(2)
		mid := ShrinkPrice(c.High.Add(c.Low).Div(two), s.PriceStep)
		execPrice = clip(mid, c.Low, c.High)
	} else {
		execPrice = o.Price
		inRange = o.Price.GreaterThanOrEqual(c.Low) && o.Price.LessThanOrEqual(c.High)
	}

	if !inRange {
		// Nothing to match at this price; the remainder follows the
		// order's own time-in-force.
		res := Result{Remaining: o.Balance, State: message.StateDone}
		if o.TIF == message.GTC {
			res.State = message.StateActive
			res.ShouldRest = true
		}
		return res
	}

	fill := o.Balance
	if !unlimited {
		fill = decimal.Min(fill, available)
	}

	res := Result{Remaining: o.Balance.Sub(fill)}
	if fill.IsPositive() {
		res.Trades = []Trade{{Price: execPrice, Volume: fill}}
	}

	switch {
	case o.Type == message.Market, o.TIF == message.IOC, o.TIF == message.FOK:
		res.State = message.StateDone
	case res.Remaining.IsPositive():
		res.State = message.StateActive
		res.ShouldRest = true
	default:
		res.State = message.StateDone
	}
	return res
}

func clip(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
