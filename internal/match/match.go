// Package match implements the order-matching algorithm. Matching is a
// function of the incoming order and the book; the only book mutation is
// the final commit of a successful match, so rejected orders (post-only,
// FOK shortfall) never change book state.
package match

import (
	"github.com/shopspring/decimal"

	"marketsim/internal/book"
	"marketsim/internal/message"
)

// Settings carries the per-instrument parameters matching depends on.
type Settings struct {
	PriceStep  decimal.Decimal
	VolumeStep decimal.Decimal
}

// Trade is one execution at a single price level.
type Trade struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
	// Makers are the resting user orders this trade filled, with the
	// volume taken from each.
	Makers []book.OrderFill
}

// Result is the outcome of matching one incoming order.
type Result struct {
	Trades     []Trade
	Remaining  decimal.Decimal
	State      message.OrderState
	ShouldRest bool
	// PostOnlyRejected marks a post-only order that would have crossed.
	// This is a business outcome, not an error.
	PostOnlyRejected bool
	// Removed are fully filled maker orders taken out of the book.
	Removed []*book.Order
}

// WouldCross reports whether a limit order would execute immediately
// against the opposite best price.
func WouldCross(o *book.Order, b *book.Book) bool {
	if o.Side == message.Buy {
		if ask, ok := b.BestAsk(); ok {
			return o.Price.GreaterThanOrEqual(ask.Price)
		}
		return false
	}
	if bid, ok := b.BestBid(); ok {
		return o.Price.LessThanOrEqual(bid.Price)
	}
	return false
}

// Match runs the incoming order against the book and commits any fills.
func Match(o *book.Order, b *book.Book, s Settings) Result {
	if o.PostOnly && WouldCross(o, b) {
		return Result{
			Remaining:        o.Balance,
			State:            message.StateDone,
			PostOnlyRejected: true,
		}
	}

	counter := o.Side.Invert()

	var limit *decimal.Decimal
	if o.Type == message.Limit {
		p := o.Price
		limit = &p
	}

	cons := b.Consume(counter, limit, o.Balance)

	if o.TIF == message.FOK {
		available := decimal.Zero
		for _, c := range cons {
			available = available.Add(c.Volume)
		}
		if available.LessThan(o.Balance) {
			// Clean no-fill cancel, nothing was mutated.
			return Result{Remaining: o.Balance, State: message.StateDone}
		}
	}

	removed := b.Apply(counter, cons)

	res := Result{Removed: removed, Remaining: o.Balance}
	for _, c := range cons {
		res.Trades = append(res.Trades, Trade{Price: c.Price, Volume: c.Volume, Makers: c.Fills})
		res.Remaining = res.Remaining.Sub(c.Volume)
	}

	switch {
	case o.Type == message.Market, o.TIF == message.IOC, o.TIF == message.FOK:
		// Remainder never rests; market and IOC discard it, FOK is all
		// filled by now.
		res.State = message.StateDone
	case res.Remaining.IsPositive():
		res.State = message.StateActive
		res.ShouldRest = true
	default:
		res.State = message.StateDone
	}
	return res
}

// ShrinkPrice rounds a price to the nearest multiple of step. A zero or
// negative step returns the price untouched.
func ShrinkPrice(price, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return price
	}
	return price.Div(step).Round(0).Mul(step)
}
