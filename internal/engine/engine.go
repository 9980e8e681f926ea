// Package engine implements the message dispatcher that ties the order
// books, the order registries and the portfolio ledgers together. One
// Engine instance owns all of its state and processes messages on a
// single goroutine; each inbound message yields the full ordered list of
// outbound messages before the next one is accepted.
package engine

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketsim/internal/book"
	"marketsim/internal/ledger"
	"marketsim/internal/match"
	"marketsim/internal/message"
)

// Engine is the simulator core.
type Engine struct {
	settings Settings
	log      *slog.Logger

	instruments     map[string]*instrument
	instrumentOrder []string
	ledgers         map[string]*ledger.Ledger
	ledgerOrder     []string
	portfolioSubs   map[string]bool

	commission CommissionCalculator
	metadata   MetadataProvider
	orderIDs   IDGenerator
	tradeIDs   IDGenerator
	txnIDs     IDGenerator

	processed int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithCommission sets the commission calculator. Without it trades carry
// zero commission.
func WithCommission(c CommissionCalculator) Option {
	return func(e *Engine) { e.commission = c }
}

// WithMetadata sets the instrument metadata provider.
func WithMetadata(m MetadataProvider) Option {
	return func(e *Engine) { e.metadata = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an engine. Invalid settings fall back to defaults.
func New(settings Settings, opts ...Option) *Engine {
	if err := settings.Normalize(); err != nil {
		settings = DefaultSettings()
	}
	e := &Engine{
		settings:      settings,
		log:           slog.Default(),
		instruments:   make(map[string]*instrument),
		ledgers:       make(map[string]*ledger.Ledger),
		portfolioSubs: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.orderIDs = NewIncrementalID(settings.InitialOrderID)
	e.tradeIDs = NewIncrementalID(settings.InitialTradeID)
	e.txnIDs = NewIncrementalID(settings.InitialTransactionID)
	return e
}

// ProcessedCount returns the number of non-reset messages processed.
func (e *Engine) ProcessedCount() int64 { return e.processed }

// Process handles one inbound message and returns the resulting outbound
// messages in emission order. No panic escapes: an unexpected internal
// failure becomes an EngineError message and the stream continues.
func (e *Engine) Process(in message.Inbound) (out []message.Outbound) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine recovered from panic", slog.Any("panic", r))
			out = append(out, message.EngineError{
				Error: fmt.Sprintf("internal error: %v", r),
				Time:  inboundTime(in),
			})
		}
	}()

	switch m := in.(type) {
	case message.Reset:
		e.reset(&out)
	case message.TimeAdvance:
		e.processTime(m, &out)
	case message.OrderRegister:
		e.processRegister(m, &out)
	case message.OrderCancel:
		e.processCancel(m, &out)
	case message.OrderReplace:
		e.processReplace(m, &out)
	case message.OrderGroupCancel:
		e.processGroupCancel(m, &out)
	case message.OrderStatus:
		e.processStatus(m, &out)
	case message.PortfolioLookup:
		e.processPortfolioLookup(m, &out)
	case message.PositionSeed:
		e.processSeed(m, &out)
	case message.InstrumentInfo:
		e.processInstrumentInfo(m)
	case message.MarketDataRequest:
		e.processMarketData(m, &out)
	case message.QuoteSnapshot:
		e.processQuoteSnapshot(m, &out)
	case message.Level1Update:
		e.processLevel1(m, &out)
	case message.TickTrade:
		e.processTick(m, &out)
	case message.OrderLogEntry:
		e.processOrderLog(m, &out)
	case message.Candle:
		e.processCandle(m, &out)
	}

	if _, isReset := in.(message.Reset); !isReset {
		e.processed++
	}
	return out
}

func (e *Engine) instrument(id string) *instrument {
	inst, ok := e.instruments[id]
	if !ok {
		inst = newInstrument(id, e.metadata)
		e.instruments[id] = inst
		e.instrumentOrder = append(e.instrumentOrder, id)
	}
	return inst
}

func (e *Engine) ledger(name string) *ledger.Ledger {
	l, ok := e.ledgers[name]
	if !ok {
		l = ledger.New(name)
		e.ledgers[name] = l
		e.ledgerOrder = append(e.ledgerOrder, name)
	}
	return l
}

func (e *Engine) reset(out *[]message.Outbound) {
	e.instruments = make(map[string]*instrument)
	e.instrumentOrder = nil
	e.ledgers = make(map[string]*ledger.Ledger)
	e.ledgerOrder = nil
	e.portfolioSubs = make(map[string]bool)
	e.processed = 0
	*out = append(*out, message.ResetDone{})
	e.log.Info("engine reset")
}

// --- order registration ---------------------------------------------------

func (e *Engine) processRegister(reg message.OrderRegister, out *[]message.Outbound) {
	inst := e.instrument(reg.Instrument)
	led := e.ledger(reg.Portfolio)

	if err := e.validateRegister(reg, inst, led); err != nil {
		e.log.Warn("order rejected",
			slog.Int64("txn", reg.TransactionID), slog.String("reason", err.Error()))
		*out = append(*out, message.OrderUpdate{
			TransactionID: reg.TransactionID,
			Instrument:    reg.Instrument,
			Portfolio:     reg.Portfolio,
			Side:          reg.Side,
			State:         message.StateFailed,
			Price:         reg.Price,
			Volume:        reg.Volume,
			Balance:       reg.Volume,
			Error:         err.Error(),
			Time:          reg.Time,
		})
		return
	}

	// The margin price is frozen here. In candle mode there is no touch
	// to price against, so nothing is blocked.
	marginPrice := decimal.Zero
	if !inst.candleMode {
		if reg.Side == message.Buy {
			if bid, ok := inst.book.BestBid(); ok {
				marginPrice = bid.Price
			}
		} else if ask, ok := inst.book.BestAsk(); ok {
			marginPrice = ask.Price
		}
	}

	o := &book.Order{
		TransactionID: reg.TransactionID,
		Instrument:    reg.Instrument,
		Portfolio:     reg.Portfolio,
		Side:          reg.Side,
		Type:          reg.Type,
		TIF:           reg.TIF,
		Price:         reg.Price,
		Volume:        reg.Volume,
		Balance:       reg.Volume,
		PostOnly:      reg.PostOnly,
		ExpiresAt:     reg.ExpiresAt,
		MarginPrice:   marginPrice,
	}

	// Post-only is decided before any funds are blocked or book state
	// touched. The rejection is an ordinary Done, not a failure.
	if o.PostOnly && o.Type == message.Limit && match.WouldCross(o, inst.book) {
		e.log.Debug("post-only order would cross", slog.Int64("txn", reg.TransactionID))
		*out = append(*out, message.OrderUpdate{
			TransactionID: reg.TransactionID,
			Instrument:    reg.Instrument,
			Portfolio:     reg.Portfolio,
			Side:          reg.Side,
			State:         message.StateDone,
			Price:         reg.Price,
			Volume:        reg.Volume,
			Balance:       reg.Volume,
			Time:          reg.Time,
		})
		return
	}

	led.Reserve(reg.Instrument, reg.Side, reg.Volume, marginPrice)
	*out = append(*out, e.portfolioUpdate(led, reg.Time))

	var res match.Result
	if inst.candleMode && inst.candle != nil {
		res = match.MatchCandle(o, *inst.candle, inst.matchSettings())
	} else {
		res = match.Match(o, inst.book, inst.matchSettings())
	}

	orderID := e.orderIDs.Next()
	doneFirst := o.TIF == message.IOC || o.TIF == message.FOK

	update := func(state message.OrderState, balance decimal.Decimal) message.OrderUpdate {
		return message.OrderUpdate{
			TransactionID: reg.TransactionID,
			OrderID:       orderID,
			Instrument:    reg.Instrument,
			Portfolio:     reg.Portfolio,
			Side:          reg.Side,
			State:         state,
			Price:         reg.Price,
			Volume:        reg.Volume,
			Balance:       balance,
			Time:          reg.Time,
		}
	}

	// IOC and FOK report their terminal state before the fills; everything
	// else, market orders included, reports state alongside each trade.
	// Consumers rely on that order.
	if doneFirst {
		*out = append(*out, update(message.StateDone, res.Remaining))
	}

	running := reg.Volume
	for i, tr := range res.Trades {
		running = running.Sub(tr.Volume)
		if !doneFirst {
			state := message.StateActive
			last := i == len(res.Trades)-1
			if !running.IsPositive() || (o.Type == message.Market && last) {
				state = message.StateDone
			}
			*out = append(*out, update(state, running))
		}

		tradeID := e.tradeIDs.Next()
		comm := e.commissionFor(reg.Side, tr.Price, tr.Volume)
		_, pos := led.ApplyFill(reg.Instrument, reg.Side, tr.Price, tr.Volume, comm)

		*out = append(*out, message.TradeFill{
			TransactionID: reg.TransactionID,
			OrderID:       orderID,
			TradeID:       tradeID,
			Instrument:    reg.Instrument,
			Side:          reg.Side,
			Price:         tr.Price,
			Volume:        tr.Volume,
			Commission:    comm,
			Time:          reg.Time,
		})
		*out = append(*out, message.PositionUpdate{
			Instrument:   reg.Instrument,
			Portfolio:    reg.Portfolio,
			Volume:       pos.CurrentVolume(),
			AveragePrice: pos.AveragePrice,
			Time:         reg.Time,
		})
		*out = append(*out, e.portfolioUpdate(led, reg.Time))

		// Resting user orders on the other side of the fill get their own
		// event sequence.
		for _, mk := range tr.Makers {
			mo := mk.Order
			cled := e.ledger(mo.Portfolio)
			ccomm := e.commissionFor(mo.Side, tr.Price, mk.Volume)
			_, cpos := cled.ApplyFill(reg.Instrument, mo.Side, tr.Price, mk.Volume, ccomm)

			*out = append(*out, message.TradeFill{
				TransactionID: mo.TransactionID,
				TradeID:       tradeID,
				Instrument:    reg.Instrument,
				Side:          mo.Side,
				Price:         tr.Price,
				Volume:        mk.Volume,
				Commission:    ccomm,
				Time:          reg.Time,
			})
			*out = append(*out, message.PositionUpdate{
				Instrument:   reg.Instrument,
				Portfolio:    mo.Portfolio,
				Volume:       cpos.CurrentVolume(),
				AveragePrice: cpos.AveragePrice,
				Time:         reg.Time,
			})
			*out = append(*out, e.portfolioUpdate(cled, reg.Time))
		}
	}

	if o.Type == message.Market && len(res.Trades) == 0 {
		*out = append(*out, update(message.StateDone, res.Remaining))
	}

	for _, filled := range res.Removed {
		inst.registry.Remove(filled.TransactionID)
	}

	if len(res.Trades) > 0 {
		if pl, ok := inst.priceLimits(res.Trades[0].Price, reg.Time, e.settings.PriceLimitOffsetPercent); ok {
			*out = append(*out, pl)
		}
	}

	switch {
	case res.ShouldRest && res.Remaining.IsPositive():
		if o.IsExpired(reg.Time) {
			// Finalized instead of rested. The reserved funds stay
			// blocked; see DESIGN.md, known accounting issue.
			*out = append(*out, update(message.StateDone, res.Remaining))
		} else {
			o.Balance = res.Remaining
			inst.book.AddOrder(o)
			inst.registry.Register(o, reg.Time)
			if len(res.Trades) == 0 {
				*out = append(*out, update(message.StateActive, res.Remaining))
			}
		}
	case res.Remaining.IsPositive():
		// Discarded remainder gives its reservation back.
		led.Release(reg.Instrument, reg.Side, res.Remaining, marginPrice)
		*out = append(*out, e.portfolioUpdate(led, reg.Time))
	}

	e.depthIfSubscribed(inst, reg.Time, out)
}

func (e *Engine) validateRegister(reg message.OrderRegister, inst *instrument, led *ledger.Ledger) error {
	if !reg.Volume.IsPositive() {
		return fmt.Errorf("volume must be positive, got %s", reg.Volume)
	}
	if reg.Type == message.Limit && !reg.Price.IsPositive() {
		return fmt.Errorf("limit price must be positive, got %s", reg.Price)
	}
	if _, exists := inst.registry.Get(reg.TransactionID); exists {
		return fmt.Errorf("duplicate transaction id %d", reg.TransactionID)
	}
	if e.settings.CheckMoney {
		need := reg.Price.Mul(reg.Volume)
		if led.Available().LessThan(need) {
			return fmt.Errorf("insufficient funds: need %s, available %s", need, led.Available())
		}
	}
	return nil
}

// --- cancel / replace / group cancel --------------------------------------

func (e *Engine) processCancel(c message.OrderCancel, out *[]message.Outbound) {
	inst := e.instrument(c.Instrument)

	o, ok := inst.registry.Remove(c.OrderTransactionID)
	if !ok {
		*out = append(*out, message.OrderUpdate{
			TransactionID:  c.TransactionID,
			Instrument:     c.Instrument,
			State:          message.StateFailed,
			IsCancellation: true,
			Error:          fmt.Sprintf("order %d not found", c.OrderTransactionID),
			Time:           c.Time,
		})
		return
	}

	inst.book.RemoveOrder(o.TransactionID, o.Side, o.Price)
	led := e.ledger(o.Portfolio)
	led.Release(o.Instrument, o.Side, o.Balance, o.MarginPrice)

	*out = append(*out, message.OrderUpdate{
		TransactionID:  o.TransactionID,
		Instrument:     o.Instrument,
		Portfolio:      o.Portfolio,
		Side:           o.Side,
		State:          message.StateDone,
		Price:          o.Price,
		Volume:         o.Volume,
		Balance:        o.Balance,
		IsCancellation: true,
		Time:           c.Time,
	})
	e.depthIfSubscribed(inst, c.Time, out)
	*out = append(*out, e.portfolioUpdate(led, c.Time))
}

func (e *Engine) processReplace(r message.OrderReplace, out *[]message.Outbound) {
	inst := e.instrument(r.Instrument)

	old, ok := inst.registry.Remove(r.OrderTransactionID)
	if !ok {
		// Both halves of the pair fail; no new order is created.
		errText := fmt.Sprintf("order %d not found for replace", r.OrderTransactionID)
		*out = append(*out, message.OrderUpdate{
			TransactionID:  r.TransactionID,
			Instrument:     r.Instrument,
			State:          message.StateFailed,
			IsCancellation: true,
			Error:          errText,
			Time:           r.Time,
		})
		*out = append(*out, message.OrderUpdate{
			TransactionID: r.TransactionID,
			Instrument:    r.Instrument,
			State:         message.StateFailed,
			Error:         errText,
			Time:          r.Time,
		})
		return
	}

	inst.book.RemoveOrder(old.TransactionID, old.Side, old.Price)
	led := e.ledger(old.Portfolio)
	led.Release(old.Instrument, old.Side, old.Balance, old.MarginPrice)

	*out = append(*out, message.OrderUpdate{
		TransactionID:  old.TransactionID,
		Instrument:     old.Instrument,
		Portfolio:      old.Portfolio,
		Side:           old.Side,
		State:          message.StateDone,
		Price:          old.Price,
		Volume:         old.Volume,
		Balance:        old.Balance,
		IsCancellation: true,
		Time:           r.Time,
	})

	volume := r.Volume
	if volume.IsZero() {
		volume = old.Volume
	}
	portfolio := r.Portfolio
	if portfolio == "" {
		portfolio = old.Portfolio
	}
	expires := r.ExpiresAt
	if expires.IsZero() {
		expires = old.ExpiresAt
	}

	e.processRegister(message.OrderRegister{
		TransactionID: r.TransactionID,
		Instrument:    r.Instrument,
		Portfolio:     portfolio,
		Side:          r.Side,
		Type:          r.Type,
		TIF:           r.TIF,
		Price:         r.Price,
		Volume:        volume,
		PostOnly:      r.PostOnly,
		ExpiresAt:     expires,
		Time:          r.Time,
	}, out)
}

func (e *Engine) processGroupCancel(g message.OrderGroupCancel, out *[]message.Outbound) {
	if g.Mode.Has(message.CancelOrders) {
		for _, id := range e.instrumentOrder {
			if g.Instrument != "" && g.Instrument != id {
				continue
			}
			inst := e.instruments[id]
			for _, o := range inst.registry.Active(g.Portfolio, "", g.Side) {
				e.processCancel(message.OrderCancel{
					TransactionID:      e.txnIDs.Next(),
					OrderTransactionID: o.TransactionID,
					Instrument:         id,
					Time:               g.Time,
				}, out)
			}
		}
	}

	if g.Mode.Has(message.ClosePositions) {
		for _, name := range e.ledgerOrder {
			if g.Portfolio != "" && !strings.EqualFold(g.Portfolio, name) {
				continue
			}
			for _, pos := range e.ledgers[name].Positions() {
				volume := pos.CurrentVolume()
				if volume.IsZero() {
					continue
				}
				if g.Instrument != "" && g.Instrument != pos.Instrument {
					continue
				}
				if g.Side != nil {
					positionSide := message.Buy
					if volume.IsNegative() {
						positionSide = message.Sell
					}
					if positionSide != *g.Side {
						continue
					}
				}

				closeSide := message.Sell
				if volume.IsNegative() {
					closeSide = message.Buy
				}
				inst := e.instrument(pos.Instrument)
				var bestPrice decimal.Decimal
				var found bool
				if closeSide == message.Buy {
					if ask, ok := inst.book.BestAsk(); ok {
						bestPrice, found = ask.Price, true
					}
				} else if bid, ok := inst.book.BestBid(); ok {
					bestPrice, found = bid.Price, true
				}
				if !found {
					continue
				}

				e.processRegister(message.OrderRegister{
					TransactionID: e.txnIDs.Next(),
					Instrument:    pos.Instrument,
					Portfolio:     name,
					Side:          closeSide,
					Type:          message.Limit,
					Price:         bestPrice,
					Volume:        volume.Abs(),
					Time:          g.Time,
				}, out)
			}
		}
	}
}

// --- snapshots ------------------------------------------------------------

func (e *Engine) processStatus(s message.OrderStatus, out *[]message.Outbound) {
	*out = append(*out, message.SubscriptionAck{TransactionID: s.TransactionID, Time: s.Time})
	for _, id := range e.instrumentOrder {
		for _, o := range e.instruments[id].registry.Active(s.Portfolio, "", nil) {
			if s.OrderTransactionID != 0 && o.TransactionID != s.OrderTransactionID {
				continue
			}
			*out = append(*out, message.OrderUpdate{
				TransactionID: o.TransactionID,
				Instrument:    id,
				Portfolio:     o.Portfolio,
				Side:          o.Side,
				State:         message.StateActive,
				Price:         o.Price,
				Volume:        o.Volume,
				Balance:       o.Balance,
				Time:          s.Time,
			})
		}
	}
	*out = append(*out, message.SubscriptionResult{TransactionID: s.TransactionID, Time: s.Time})
}

func (e *Engine) processPortfolioLookup(p message.PortfolioLookup, out *[]message.Outbound) {
	*out = append(*out, message.SubscriptionAck{TransactionID: p.TransactionID, Time: p.Time})
	for _, name := range e.ledgerOrder {
		if p.Portfolio != "" && !strings.EqualFold(p.Portfolio, name) {
			continue
		}
		led := e.ledgers[name]
		if p.IsSubscribe {
			e.portfolioSubs[name] = true
		}
		*out = append(*out, message.PortfolioInfo{TransactionID: p.TransactionID, Portfolio: name, Time: p.Time})
		for _, pos := range led.Positions() {
			if pos.CurrentVolume().IsZero() {
				continue
			}
			*out = append(*out, message.PositionUpdate{
				Instrument:   pos.Instrument,
				Portfolio:    name,
				Volume:       pos.CurrentVolume(),
				AveragePrice: pos.AveragePrice,
				Time:         p.Time,
			})
		}
		*out = append(*out, e.portfolioUpdate(led, p.Time))
	}
	*out = append(*out, message.SubscriptionResult{TransactionID: p.TransactionID, Time: p.Time})
}

func (e *Engine) processSeed(s message.PositionSeed, out *[]message.Outbound) {
	led := e.ledger(s.Portfolio)
	if s.Instrument == "" {
		led.SetMoney(s.BeginValue)
	} else {
		led.SetPosition(s.Instrument, s.BeginValue, s.AveragePrice)
	}
	*out = append(*out, message.PositionSeeded{
		Portfolio:  s.Portfolio,
		Instrument: s.Instrument,
		BeginValue: s.BeginValue,
		Time:       s.Time,
	})
}

func (e *Engine) processInstrumentInfo(m message.InstrumentInfo) {
	e.instrument(m.Instrument).seedSteps(m.PriceStep, m.VolumeStep)
}

func (e *Engine) processMarketData(m message.MarketDataRequest, out *[]message.Outbound) {
	inst := e.instrument(m.Instrument)
	if m.Subscribe {
		*out = append(*out, message.SubscriptionAck{TransactionID: m.TransactionID, Time: m.Time})
		if m.Data == message.DataDepth {
			inst.depthSubID = m.TransactionID
			*out = append(*out, inst.book.DepthSnapshot(m.Time))
		} else {
			inst.candleSubID = m.TransactionID
		}
		*out = append(*out, message.SubscriptionResult{TransactionID: m.TransactionID, Time: m.Time})
		return
	}
	if inst.depthSubID == m.OriginalTransactionID {
		inst.depthSubID = 0
	}
	if inst.candleSubID == m.OriginalTransactionID {
		inst.candleSubID = 0
	}
	*out = append(*out, message.SubscriptionResult{TransactionID: m.TransactionID, Time: m.Time})
}

// --- market data ----------------------------------------------------------

func (e *Engine) processQuoteSnapshot(q message.QuoteSnapshot, out *[]message.Outbound) {
	inst := e.instrument(q.Instrument)
	inst.enterLiveMode()
	for _, l := range append(append([]message.QuoteLevel{}, q.Bids...), q.Asks...) {
		inst.observePrice(l.Price)
		inst.observeVolume(l.Volume)
	}
	inst.book.SetSnapshot(q.Bids, q.Asks)
	e.trimDepth(inst, q.Time, out)
	e.depthIfSubscribed(inst, q.Time, out)
}

func (e *Engine) processLevel1(l message.Level1Update, out *[]message.Outbound) {
	inst := e.instrument(l.Instrument)
	inst.enterLiveMode()

	if l.BidPrice.IsPositive() {
		vol := l.BidVolume
		if !vol.IsPositive() {
			vol = defaultLevelVol
		}
		inst.book.SetLevel(message.Buy, l.BidPrice, vol)
		inst.observePrice(l.BidPrice)
	}
	if l.AskPrice.IsPositive() {
		vol := l.AskVolume
		if !vol.IsPositive() {
			vol = defaultLevelVol
		}
		inst.book.SetLevel(message.Sell, l.AskPrice, vol)
		inst.observePrice(l.AskPrice)
	}
	if l.LastTradePrice.IsPositive() {
		inst.observePrice(l.LastTradePrice)
		if pl, ok := inst.priceLimits(l.LastTradePrice, l.Time, e.settings.PriceLimitOffsetPercent); ok {
			*out = append(*out, pl)
		}
	}
	e.trimDepth(inst, l.Time, out)
	e.depthIfSubscribed(inst, l.Time, out)
}

func (e *Engine) processTick(t message.TickTrade, out *[]message.Outbound) {
	inst := e.instrument(t.Instrument)
	inst.enterLiveMode()
	inst.observePrice(t.Price)
	inst.observeVolume(t.Volume)

	// An empty book gets a synthetic spread around the traded price.
	if inst.book.Depth(message.Buy) == 0 && inst.book.Depth(message.Sell) == 0 {
		spread := inst.priceStep.Mul(decimal.NewFromInt(int64(e.settings.SpreadSize)))
		vol := t.Volume
		if !vol.IsPositive() {
			vol = defaultLevelVol
		}
		inst.book.SetLevel(message.Buy, t.Price.Sub(spread), vol)
		inst.book.SetLevel(message.Sell, t.Price.Add(spread), vol)
	}

	if pl, ok := inst.priceLimits(t.Price, t.Time, e.settings.PriceLimitOffsetPercent); ok {
		*out = append(*out, pl)
	}
	e.trimDepth(inst, t.Time, out)
	e.depthIfSubscribed(inst, t.Time, out)
}

func (e *Engine) processOrderLog(ol message.OrderLogEntry, out *[]message.Outbound) {
	inst := e.instrument(ol.Instrument)
	inst.enterLiveMode()

	if ol.IsCancel {
		inst.book.SetLevel(ol.Side, ol.Price, decimal.Zero)
	} else {
		current := inst.book.PhantomVolume(ol.Side, ol.Price)
		inst.book.SetLevel(ol.Side, ol.Price, current.Add(ol.Volume))
		inst.observePrice(ol.Price)
		inst.observeVolume(ol.Volume)
	}
	e.trimDepth(inst, ol.Time, out)
	e.depthIfSubscribed(inst, ol.Time, out)
}

func (e *Engine) processCandle(c message.Candle, out *[]message.Outbound) {
	inst := e.instrument(c.Instrument)
	// Candles only drive matching while no live feed has ever been seen
	// and a candle subscription exists.
	if inst.seenLive || inst.candleSubID == 0 {
		return
	}
	inst.bufferCandle(c)
	e.depthIfSubscribed(inst, c.Time, out)
}

// --- time -----------------------------------------------------------------

func (e *Engine) processTime(t message.TimeAdvance, out *[]message.Outbound) {
	for _, id := range e.instrumentOrder {
		inst := e.instruments[id]
		for _, o := range inst.registry.AdvanceTime(t.Now) {
			inst.book.RemoveOrder(o.TransactionID, o.Side, o.Price)
			// Funds reserved for expired orders are not released here;
			// see DESIGN.md, known accounting issue.
			*out = append(*out, message.OrderUpdate{
				TransactionID: o.TransactionID,
				Instrument:    o.Instrument,
				Portfolio:     o.Portfolio,
				Side:          o.Side,
				State:         message.StateDone,
				Price:         o.Price,
				Volume:        o.Volume,
				Balance:       o.Balance,
				Time:          t.Now,
			})
		}
	}

	// Subscribed portfolios get a fresh snapshot every time step.
	for _, name := range e.ledgerOrder {
		if e.portfolioSubs[name] {
			*out = append(*out, e.portfolioUpdate(e.ledgers[name], t.Now))
		}
	}
}

// --- helpers --------------------------------------------------------------

func (e *Engine) commissionFor(side message.Side, price, volume decimal.Decimal) decimal.Decimal {
	if e.commission == nil {
		return decimal.Zero
	}
	return e.commission.Calculate(side, price, volume)
}

func (e *Engine) portfolioUpdate(l *ledger.Ledger, t time.Time) message.PortfolioUpdate {
	return message.PortfolioUpdate{
		Portfolio:   l.Name(),
		RealizedPnL: l.RealizedPnL(),
		TotalPnL:    l.TotalPnL(),
		Available:   l.Available(),
		Blocked:     l.Blocked(),
		Commission:  l.Commission(),
		Time:        t,
	}
}

func (e *Engine) depthIfSubscribed(inst *instrument, t time.Time, out *[]message.Outbound) {
	if inst.depthSubID != 0 {
		*out = append(*out, inst.book.DepthSnapshot(t))
	}
}

// trimDepth bounds market-data-synthesized books to the configured depth.
// Evicted resting user orders are cancelled and their funds released.
func (e *Engine) trimDepth(inst *instrument, t time.Time, out *[]message.Outbound) {
	for _, side := range []message.Side{message.Buy, message.Sell} {
		for _, o := range inst.book.TrimToDepth(side, e.settings.MaxDepth) {
			inst.registry.Remove(o.TransactionID)
			led := e.ledger(o.Portfolio)
			led.Release(o.Instrument, o.Side, o.Balance, o.MarginPrice)
			*out = append(*out, message.OrderUpdate{
				TransactionID:  o.TransactionID,
				Instrument:     o.Instrument,
				Portfolio:      o.Portfolio,
				Side:           o.Side,
				State:          message.StateDone,
				Price:          o.Price,
				Volume:         o.Volume,
				Balance:        o.Balance,
				IsCancellation: true,
				Time:           t,
			})
			*out = append(*out, e.portfolioUpdate(led, t))
		}
	}
}

func inboundTime(in message.Inbound) time.Time {
	switch m := in.(type) {
	case message.TimeAdvance:
		return m.Now
	case message.OrderRegister:
		return m.Time
	case message.OrderCancel:
		return m.Time
	case message.OrderReplace:
		return m.Time
	case message.OrderGroupCancel:
		return m.Time
	case message.OrderStatus:
		return m.Time
	case message.PortfolioLookup:
		return m.Time
	case message.PositionSeed:
		return m.Time
	case message.MarketDataRequest:
		return m.Time
	case message.QuoteSnapshot:
		return m.Time
	case message.Level1Update:
		return m.Time
	case message.TickTrade:
		return m.Time
	case message.OrderLogEntry:
		return m.Time
	case message.Candle:
		return m.Time
	default:
		return time.Time{}
	}
}
