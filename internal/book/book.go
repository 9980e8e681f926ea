package book

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"marketsim/internal/message"
)

// level is one price level: externally observed (phantom) volume plus the
// user orders resting there, in insertion order.
type level struct {
	price   decimal.Decimal
	phantom decimal.Decimal
	orders  []*Order
}

// volume is phantom volume plus the sum of resting-order balances.
func (l *level) volume() decimal.Decimal {
	v := l.phantom
	for _, o := range l.orders {
		v = v.Add(o.Balance)
	}
	return v
}

// OrderFill is the portion of one resting order taken by a consumption.
type OrderFill struct {
	Order  *Order
	Volume decimal.Decimal
}

// Consumption reports what would be taken from one price level. It is
// produced by Consume without mutating the book; Apply commits it.
type Consumption struct {
	Price   decimal.Decimal
	Volume  decimal.Decimal
	Phantom decimal.Decimal
	Fills   []OrderFill
}

// Book holds the two price ladders of one instrument. Bids are sorted
// descending and asks ascending, so the best level is always index 0.
type Book struct {
	instrument string
	bids       []*level
	asks       []*level
}

// New creates an empty book.
func New(instrument string) *Book {
	return &Book{instrument: instrument}
}

func (b *Book) ladder(side message.Side) *[]*level {
	if side == message.Buy {
		return &b.bids
	}
	return &b.asks
}

// search returns the position of price in the ladder and whether an exact
// level exists there.
func search(ladder []*level, side message.Side, price decimal.Decimal) (int, bool) {
	i := sort.Search(len(ladder), func(i int) bool {
		if side == message.Buy {
			return ladder[i].price.LessThanOrEqual(price)
		}
		return ladder[i].price.GreaterThanOrEqual(price)
	})
	if i < len(ladder) && ladder[i].price.Equal(price) {
		return i, true
	}
	return i, false
}

func insertLevel(ladder *[]*level, i int, l *level) {
	*ladder = append(*ladder, nil)
	copy((*ladder)[i+1:], (*ladder)[i:])
	(*ladder)[i] = l
}

func removeLevel(ladder *[]*level, i int) {
	*ladder = append((*ladder)[:i], (*ladder)[i+1:]...)
}

// AddOrder rests a user order at its limit price.
func (b *Book) AddOrder(o *Order) {
	lad := b.ladder(o.Side)
	i, ok := search(*lad, o.Side, o.Price)
	if !ok {
		insertLevel(lad, i, &level{price: o.Price})
	}
	(*lad)[i].orders = append((*lad)[i].orders, o)
}

// RemoveOrder removes a resting order by transaction id. The level is
// dropped the moment its volume reaches zero.
func (b *Book) RemoveOrder(txnID int64, side message.Side, price decimal.Decimal) *Order {
	lad := b.ladder(side)
	i, ok := search(*lad, side, price)
	if !ok {
		return nil
	}
	l := (*lad)[i]
	for j, o := range l.orders {
		if o.TransactionID == txnID {
			l.orders = append(l.orders[:j], l.orders[j+1:]...)
			if l.volume().IsZero() {
				removeLevel(lad, i)
			}
			return o
		}
	}
	return nil
}

// SetLevel upserts the phantom volume at a price. A zero volume clears the
// phantom part; the level survives only if user orders still rest there.
func (b *Book) SetLevel(side message.Side, price, phantom decimal.Decimal) {
	lad := b.ladder(side)
	i, ok := search(*lad, side, price)
	if !ok {
		if phantom.IsPositive() {
			insertLevel(lad, i, &level{price: price, phantom: phantom})
		}
		return
	}
	l := (*lad)[i]
	l.phantom = phantom
	if l.volume().IsZero() {
		removeLevel(lad, i)
	}
}

// PhantomVolume returns the phantom volume at a price, zero if absent.
func (b *Book) PhantomVolume(side message.Side, price decimal.Decimal) decimal.Decimal {
	lad := b.ladder(side)
	if i, ok := search(*lad, side, price); ok {
		return (*lad)[i].phantom
	}
	return decimal.Zero
}

// BestBid returns the highest bid level.
func (b *Book) BestBid() (message.QuoteLevel, bool) {
	return best(b.bids)
}

// BestAsk returns the lowest ask level.
func (b *Book) BestAsk() (message.QuoteLevel, bool) {
	return best(b.asks)
}

func best(ladder []*level) (message.QuoteLevel, bool) {
	if len(ladder) == 0 {
		return message.QuoteLevel{}, false
	}
	l := ladder[0]
	return message.QuoteLevel{Price: l.price, Volume: l.volume()}, true
}

// Levels returns the side's levels best-first.
func (b *Book) Levels(side message.Side) []message.QuoteLevel {
	lad := *b.ladder(side)
	out := make([]message.QuoteLevel, 0, len(lad))
	for _, l := range lad {
		out = append(out, message.QuoteLevel{Price: l.price, Volume: l.volume()})
	}
	return out
}

// Depth returns the number of levels on a side.
func (b *Book) Depth(side message.Side) int {
	return len(*b.ladder(side))
}

// Consume walks the side's levels from the best price and reports what a
// taker of the given volume would receive. A non-nil limit stops the walk
// at the first level priced worse than it (above the limit when consuming
// asks, below it when consuming bids). The book is not mutated; within a
// level, resting orders are taken in insertion order before phantom
// volume.
func (b *Book) Consume(side message.Side, limit *decimal.Decimal, volume decimal.Decimal) []Consumption {
	var out []Consumption
	remaining := volume

	for _, l := range *b.ladder(side) {
		if !remaining.IsPositive() {
			break
		}
		if limit != nil {
			if side == message.Sell && l.price.GreaterThan(*limit) {
				break
			}
			if side == message.Buy && l.price.LessThan(*limit) {
				break
			}
		}

		c := Consumption{Price: l.price}
		for _, o := range l.orders {
			if !remaining.IsPositive() {
				break
			}
			take := decimal.Min(o.Balance, remaining)
			if !take.IsPositive() {
				continue
			}
			c.Fills = append(c.Fills, OrderFill{Order: o, Volume: take})
			c.Volume = c.Volume.Add(take)
			remaining = remaining.Sub(take)
		}
		if remaining.IsPositive() && l.phantom.IsPositive() {
			take := decimal.Min(l.phantom, remaining)
			c.Phantom = take
			c.Volume = c.Volume.Add(take)
			remaining = remaining.Sub(take)
		}
		if c.Volume.IsPositive() {
			out = append(out, c)
		}
	}
	return out
}

// Apply commits a previously computed consumption: order balances and
// phantom volumes are reduced, emptied orders and levels are removed.
// Returns the fully filled orders taken out of the book.
func (b *Book) Apply(side message.Side, cons []Consumption) []*Order {
	var removed []*Order
	lad := b.ladder(side)

	for _, c := range cons {
		i, ok := search(*lad, side, c.Price)
		if !ok {
			continue
		}
		l := (*lad)[i]
		for _, f := range c.Fills {
			f.Order.Balance = f.Order.Balance.Sub(f.Volume)
		}
		kept := l.orders[:0]
		for _, o := range l.orders {
			if o.Balance.IsPositive() {
				kept = append(kept, o)
			} else {
				removed = append(removed, o)
			}
		}
		l.orders = kept
		l.phantom = l.phantom.Sub(c.Phantom)
		if l.volume().IsZero() {
			removeLevel(lad, i)
		}
	}
	return removed
}

// TrimToDepth drops the worst levels of a side past maxLevels and returns
// the resting orders that were evicted with them.
func (b *Book) TrimToDepth(side message.Side, maxLevels int) []*Order {
	lad := b.ladder(side)
	if maxLevels <= 0 || len(*lad) <= maxLevels {
		return nil
	}
	var evicted []*Order
	for _, l := range (*lad)[maxLevels:] {
		evicted = append(evicted, l.orders...)
	}
	*lad = (*lad)[:maxLevels]
	return evicted
}

// SetSnapshot replaces all phantom liquidity in one step. Resting user
// orders stay where they are.
func (b *Book) SetSnapshot(bids, asks []message.QuoteLevel) {
	b.bids = rebuild(b.bids, bids, message.Buy)
	b.asks = rebuild(b.asks, asks, message.Sell)
}

func rebuild(old []*level, quotes []message.QuoteLevel, side message.Side) []*level {
	var resting []*Order
	for _, l := range old {
		resting = append(resting, l.orders...)
	}

	fresh := []*level{}
	lad := &fresh
	for _, q := range quotes {
		if !q.Volume.IsPositive() {
			continue
		}
		i, ok := search(*lad, side, q.Price)
		if ok {
			(*lad)[i].phantom = (*lad)[i].phantom.Add(q.Volume)
			continue
		}
		insertLevel(lad, i, &level{price: q.Price, phantom: q.Volume})
	}
	for _, o := range resting {
		i, ok := search(*lad, side, o.Price)
		if !ok {
			insertLevel(lad, i, &level{price: o.Price})
		}
		(*lad)[i].orders = append((*lad)[i].orders, o)
	}
	return fresh
}

// DepthSnapshot renders the current book for depth subscribers.
func (b *Book) DepthSnapshot(t time.Time) message.DepthSnapshot {
	return message.DepthSnapshot{
		Instrument: b.instrument,
		Bids:       b.Levels(message.Buy),
		Asks:       b.Levels(message.Sell),
		Time:       t,
	}
}
