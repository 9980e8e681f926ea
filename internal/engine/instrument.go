package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"marketsim/internal/book"
	"marketsim/internal/match"
	"marketsim/internal/message"
)

var (
	defaultPriceStep  = decimal.New(1, -2) // 0.01
	defaultVolumeStep = decimal.NewFromInt(1)
	defaultLevelVol   = decimal.NewFromInt(10)
	two               = decimal.NewFromInt(2)
	hundred           = decimal.NewFromInt(100)
)

// instrument bundles the per-instrument state: the book, the registry of
// active orders, step inference, the candle buffer and subscriptions.
type instrument struct {
	id       string
	book     *book.Book
	registry *book.Registry

	priceStep  decimal.Decimal
	volumeStep decimal.Decimal
	// stepsFixed is set when metadata seeded the steps; inference is then
	// disabled.
	stepsFixed bool

	// candleMode routes matching through the buffered candle. Any live
	// quote, level1, tick or order-log message exits it permanently.
	candleMode bool
	seenLive   bool
	candle     *message.Candle

	depthSubID  int64
	candleSubID int64

	// limitsDay is the UTC day the current price limits were published
	// for.
	limitsDay time.Time
}

func newInstrument(id string, meta MetadataProvider) *instrument {
	inst := &instrument{
		id:         id,
		book:       book.New(id),
		registry:   book.NewRegistry(),
		priceStep:  defaultPriceStep,
		volumeStep: defaultVolumeStep,
	}
	if meta != nil {
		if ps, vs, ok := meta.LookupSteps(id); ok {
			inst.seedSteps(ps, vs)
		}
	}
	return inst
}

func (i *instrument) seedSteps(priceStep, volumeStep decimal.Decimal) {
	if priceStep.IsPositive() {
		i.priceStep = priceStep
	}
	if volumeStep.IsPositive() {
		i.volumeStep = volumeStep
	}
	i.stepsFixed = true
}

// observePrice refines the inferred price step from an observed value's
// decimal places. The step only shrinks.
func (i *instrument) observePrice(p decimal.Decimal) {
	if i.stepsFixed || p.IsZero() {
		return
	}
	step := decimal.New(1, p.Exponent())
	if step.LessThan(i.priceStep) {
		i.priceStep = step
	}
}

// observeVolume refines the inferred volume step the same way.
func (i *instrument) observeVolume(v decimal.Decimal) {
	if i.stepsFixed || v.IsZero() {
		return
	}
	step := decimal.New(1, v.Exponent())
	if step.LessThan(i.volumeStep) {
		i.volumeStep = step
	}
}

func (i *instrument) matchSettings() match.Settings {
	return match.Settings{PriceStep: i.priceStep, VolumeStep: i.volumeStep}
}

// enterLiveMode marks the instrument as having a live feed, which turns
// candle-driven matching off for good.
func (i *instrument) enterLiveMode() {
	i.seenLive = true
	i.candleMode = false
	i.candle = nil
}

// bufferCandle stores a candle and projects it onto the book as two
// phantom levels: an ask at the candle low and a bid at the candle high,
// so any price inside the range is crossable.
func (i *instrument) bufferCandle(c message.Candle) {
	i.candleMode = true
	i.candle = &c

	vol := c.TotalVolume.Div(two)
	if !vol.IsPositive() {
		vol = defaultLevelVol
	}
	i.book.SetLevel(message.Sell, c.Low, vol)
	i.book.SetLevel(message.Buy, c.High, vol)
	i.observePrice(c.Low)
	i.observePrice(c.High)
	i.observeVolume(c.TotalVolume)
}

// priceLimits publishes the daily band on the first traded price of each
// UTC day.
func (i *instrument) priceLimits(price decimal.Decimal, t time.Time, offsetPercent decimal.Decimal) (message.PriceLimits, bool) {
	day := t.UTC().Truncate(24 * time.Hour)
	if !price.IsPositive() || day.Equal(i.limitsDay) {
		return message.PriceLimits{}, false
	}
	i.limitsDay = day

	offset := price.Mul(offsetPercent).Div(hundred)
	return message.PriceLimits{
		Instrument: i.id,
		Min:        match.ShrinkPrice(price.Sub(offset), i.priceStep),
		Max:        match.ShrinkPrice(price.Add(offset), i.priceStep),
		Time:       t,
	}, true
}
