// Package ledger implements per-portfolio position, realized PnL and
// blocked-funds accounting.
package ledger

import (
	"github.com/shopspring/decimal"

	"marketsim/internal/message"
)

// Position is the state of one instrument inside a portfolio. Reserves
// track the value and volume committed by resting orders on each side.
type Position struct {
	Instrument   string
	BeginVolume  decimal.Decimal
	Diff         decimal.Decimal
	AveragePrice decimal.Decimal

	BuyVolume  decimal.Decimal
	BuyValue   decimal.Decimal
	SellVolume decimal.Decimal
	SellValue  decimal.Decimal
}

// CurrentVolume is the signed position: begin volume plus all fills.
func (p *Position) CurrentVolume() decimal.Decimal {
	return p.BeginVolume.Add(p.Diff)
}

// Ledger is the money and position accounting of one portfolio. Blocked
// funds are recomputed from the current fields on every change, never
// drifted incrementally.
type Ledger struct {
	name       string
	positions  map[string]*Position
	order      []string
	beginMoney decimal.Decimal
	realized   decimal.Decimal
	blocked    decimal.Decimal
	commission decimal.Decimal
}

// New creates an empty ledger.
func New(name string) *Ledger {
	return &Ledger{name: name, positions: make(map[string]*Position)}
}

// Name returns the portfolio name.
func (l *Ledger) Name() string { return l.name }

// RealizedPnL returns cumulative realized profit and loss.
func (l *Ledger) RealizedPnL() decimal.Decimal { return l.realized }

// Commission returns cumulative commission.
func (l *Ledger) Commission() decimal.Decimal { return l.commission }

// TotalPnL is realized PnL net of commission.
func (l *Ledger) TotalPnL() decimal.Decimal { return l.realized.Sub(l.commission) }

// Blocked returns the funds currently reserved against orders and
// positions.
func (l *Ledger) Blocked() decimal.Decimal { return l.blocked }

// BeginMoney returns the seeded opening money.
func (l *Ledger) BeginMoney() decimal.Decimal { return l.beginMoney }

// CurrentMoney is opening money plus total PnL.
func (l *Ledger) CurrentMoney() decimal.Decimal { return l.beginMoney.Add(l.TotalPnL()) }

// Available is current money minus blocked funds.
func (l *Ledger) Available() decimal.Decimal { return l.CurrentMoney().Sub(l.blocked) }

// SetMoney seeds the opening money.
func (l *Ledger) SetMoney(v decimal.Decimal) { l.beginMoney = v }

// SetPosition seeds the begin volume and average price of a position.
func (l *Ledger) SetPosition(instrument string, volume, avgPrice decimal.Decimal) {
	p := l.position(instrument)
	p.BeginVolume = volume
	p.Diff = decimal.Zero
	p.AveragePrice = avgPrice
	l.recomputeBlocked()
}

// Position returns the position for an instrument, nil if never touched.
func (l *Ledger) Position(instrument string) *Position {
	return l.positions[instrument]
}

// Positions returns all positions in creation order.
func (l *Ledger) Positions() []*Position {
	out := make([]*Position, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, l.positions[k])
	}
	return out
}

func (l *Ledger) position(instrument string) *Position {
	p, ok := l.positions[instrument]
	if !ok {
		p = &Position{Instrument: instrument}
		l.positions[instrument] = p
		l.order = append(l.order, instrument)
	}
	return p
}

// Reserve blocks funds for a newly registered order at its margin price.
func (l *Ledger) Reserve(instrument string, side message.Side, volume, marginPrice decimal.Decimal) {
	p := l.position(instrument)
	value := volume.Mul(marginPrice)
	if side == message.Buy {
		p.BuyVolume = p.BuyVolume.Add(volume)
		p.BuyValue = p.BuyValue.Add(value)
	} else {
		p.SellVolume = p.SellVolume.Add(volume)
		p.SellValue = p.SellValue.Add(value)
	}
	l.recomputeBlocked()
}

// Release unblocks funds for a cancelled or rejected order. The margin
// price must be the one recorded at registration.
func (l *Ledger) Release(instrument string, side message.Side, volume, marginPrice decimal.Decimal) {
	p := l.position(instrument)
	value := volume.Mul(marginPrice)
	if side == message.Buy {
		p.BuyVolume = p.BuyVolume.Sub(volume)
		p.BuyValue = p.BuyValue.Sub(value)
	} else {
		p.SellVolume = p.SellVolume.Sub(volume)
		p.SellValue = p.SellValue.Sub(value)
	}
	l.recomputeBlocked()
}

// ApplyFill applies one execution: updates the signed position and its
// volume-weighted average price, realizes PnL where the position shrinks,
// reduces the filled side's reserve at its average blocked price, and
// accumulates commission. Returns the realized PnL of this fill and the
// updated position.
func (l *Ledger) ApplyFill(instrument string, side message.Side, price, volume, commission decimal.Decimal) (decimal.Decimal, *Position) {
	p := l.position(instrument)
	l.commission = l.commission.Add(commission)

	delta := volume
	if side == message.Sell {
		delta = volume.Neg()
	}

	prev := p.CurrentVolume()
	prevAvg := p.AveragePrice
	p.Diff = p.Diff.Add(delta)
	curr := p.CurrentVolume()

	realized := decimal.Zero
	switch {
	case curr.IsZero():
		if !prev.IsZero() {
			realized = price.Sub(prevAvg).Mul(prev)
		}
		p.AveragePrice = decimal.Zero
	case prev.IsZero():
		p.AveragePrice = price
	case prev.Sign() == curr.Sign():
		if curr.Abs().GreaterThan(prev.Abs()) {
			// Position grew: volume-weighted average.
			p.AveragePrice = prevAvg.Mul(prev.Abs()).Add(price.Mul(volume)).Div(curr.Abs())
		} else {
			// Partial close: realize on the closed portion only.
			closed := prev.Abs().Sub(curr.Abs())
			realized = price.Sub(prevAvg).Mul(closed).Mul(decimal.NewFromInt(int64(prev.Sign())))
		}
	default:
		// Flip: close the whole prior position, reopen at the fill price.
		realized = price.Sub(prevAvg).Mul(prev)
		p.AveragePrice = price
	}
	l.realized = l.realized.Add(realized)

	l.releaseFilled(p, side, volume)
	l.recomputeBlocked()
	return realized, p
}

// releaseFilled reduces the side's reserve for an executed volume at the
// reserve's average blocked price.
func (l *Ledger) releaseFilled(p *Position, side message.Side, volume decimal.Decimal) {
	resVol, resVal := &p.BuyVolume, &p.BuyValue
	if side == message.Sell {
		resVol, resVal = &p.SellVolume, &p.SellValue
	}
	if !resVol.IsPositive() {
		return
	}
	avg := resVal.Div(*resVol)
	take := decimal.Min(volume, *resVol)
	*resVol = resVol.Sub(take)
	*resVal = resVal.Sub(take.Mul(avg))
}

func (l *Ledger) recomputeBlocked() {
	total := decimal.Zero
	for _, k := range l.order {
		p := l.positions[k]
		curr := p.CurrentVolume()
		posValue := curr.Abs().Mul(p.AveragePrice)
		switch {
		case posValue.IsZero():
			total = total.Add(p.BuyValue).Add(p.SellValue)
		case curr.IsPositive():
			total = total.Add(decimal.Max(posValue.Add(p.BuyValue), p.SellValue))
		default:
			total = total.Add(decimal.Max(posValue.Add(p.SellValue), p.BuyValue))
		}
	}
	l.blocked = total
}
