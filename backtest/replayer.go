// Package backtest replays recorded market data through the engine.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"marketsim/internal/engine"
	"marketsim/internal/message"
	"marketsim/internal/storage"
)

// Sink receives the outbound messages of one processed inbound message.
type Sink func(ts time.Time, msgs []message.Outbound) error

// Stats summarizes a replay run.
type Stats struct {
	Candles  int
	Messages int
}

// Replayer drives recorded candles through an engine in time order. The
// same inputs always produce the same outbound stream.
type Replayer struct {
	journal *storage.Journal
	engine  *engine.Engine
	nextTxn int64
}

// NewReplayer creates a replayer over a journal and an engine.
func NewReplayer(j *storage.Journal, e *engine.Engine) *Replayer {
	return &Replayer{journal: j, engine: e}
}

// Run replays all recorded candles of an instrument (or all instruments
// when empty), handing each batch of outbound messages to sink.
func (r *Replayer) Run(ctx context.Context, instrument string, sink Sink) (Stats, error) {
	candles, err := r.journal.LoadCandles(ctx, instrument)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to load candles: %w", err)
	}

	var stats Stats
	subscribed := make(map[string]bool)

	for _, c := range candles {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		if !subscribed[c.Instrument] {
			subscribed[c.Instrument] = true
			r.nextTxn++
			sub := message.MarketDataRequest{
				TransactionID: r.nextTxn,
				Instrument:    c.Instrument,
				Data:          message.DataCandles,
				Subscribe:     true,
				Time:          c.OpenTime,
			}
			if err := r.step(sub, c.OpenTime, sink, &stats); err != nil {
				return stats, err
			}
		}

		if err := r.step(message.TimeAdvance{Now: c.OpenTime}, c.OpenTime, sink, &stats); err != nil {
			return stats, err
		}
		if err := r.step(c, c.OpenTime, sink, &stats); err != nil {
			return stats, err
		}
		stats.Candles++
	}

	slog.Info("replay finished",
		slog.Int("candles", stats.Candles), slog.Int("messages", stats.Messages))
	return stats, nil
}

func (r *Replayer) step(in message.Inbound, ts time.Time, sink Sink, stats *Stats) error {
	out := r.engine.Process(in)
	stats.Messages += len(out)
	if sink == nil || len(out) == 0 {
		return nil
	}
	return sink(ts, out)
}
