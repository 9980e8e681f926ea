package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketsim/internal/message"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := NewJournal(path)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestJournal_AppendLoadRoundTrip(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	msgs := []message.Outbound{
		message.OrderUpdate{
			TransactionID: 1, OrderID: 10, Instrument: "TEST",
			State: message.StateActive, Price: d("99"), Volume: d("2"), Balance: d("2"),
			Time: now,
		},
		message.TradeFill{
			TransactionID: 1, OrderID: 10, TradeID: 20, Instrument: "TEST",
			Price: d("101"), Volume: d("2"), Time: now,
		},
	}
	if err := j.AppendAll(ctx, now, msgs); err != nil {
		t.Fatalf("AppendAll: %v", err)
	}

	recs, err := j.Load(ctx, 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].Seq != 1 || recs[1].Seq != 2 {
		t.Errorf("seqs = %d, %d, want 1, 2", recs[0].Seq, recs[1].Seq)
	}
	if recs[0].Kind != "order_update" || recs[1].Kind != "trade_fill" {
		t.Errorf("kinds = %s, %s", recs[0].Kind, recs[1].Kind)
	}

	var u message.OrderUpdate
	if err := json.Unmarshal(recs[0].Payload, &u); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if u.TransactionID != 1 || !u.Price.Equal(d("99")) {
		t.Errorf("decoded update = %+v", u)
	}
}

func TestJournal_SequencePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()
	now := time.Now().UTC()

	j, err := NewJournal(path)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	if err := j.Append(ctx, now, message.ResetDone{Time: now}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	j.Close()

	j2, err := NewJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	if err := j2.Append(ctx, now, message.ResetDone{Time: now}); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}

	last, err := j2.LastSeq(ctx)
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if last != 2 {
		t.Errorf("last seq = %d, want 2", last)
	}
}

func TestJournal_Candles(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	// Saved out of order, loaded in time order.
	for _, c := range []message.Candle{
		{Instrument: "ETH", Open: d("10"), High: d("12"), Low: d("9"), Close: d("11"),
			TotalVolume: d("100"), OpenTime: base.Add(time.Minute)},
		{Instrument: "BTC", Open: d("100"), High: d("110"), Low: d("95"), Close: d("105"),
			TotalVolume: d("1000"), OpenTime: base.Add(time.Minute)},
		{Instrument: "BTC", Open: d("99"), High: d("101"), Low: d("98"), Close: d("100"),
			TotalVolume: d("500"), OpenTime: base},
	} {
		if err := j.SaveCandle(ctx, c); err != nil {
			t.Fatalf("SaveCandle: %v", err)
		}
	}

	btc, err := j.LoadCandles(ctx, "BTC")
	if err != nil {
		t.Fatalf("LoadCandles: %v", err)
	}
	if len(btc) != 2 {
		t.Fatalf("BTC candles = %d, want 2", len(btc))
	}
	if !btc[0].OpenTime.Equal(base) || !btc[1].OpenTime.Equal(base.Add(time.Minute)) {
		t.Errorf("candles not in time order: %v, %v", btc[0].OpenTime, btc[1].OpenTime)
	}
	if !btc[0].Open.Equal(d("99")) || !btc[0].TotalVolume.Equal(d("500")) {
		t.Errorf("first candle = %+v", btc[0])
	}
	if btc[0].State != message.CandleFinished {
		t.Errorf("loaded candle state = %v, want finished", btc[0].State)
	}

	all, err := j.LoadCandles(ctx, "")
	if err != nil {
		t.Fatalf("LoadCandles all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all candles = %d, want 3", len(all))
	}
}

func TestJournal_Metadata(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	if v, err := j.GetMetadata(ctx, "missing"); err != nil || v != "" {
		t.Errorf("GetMetadata(missing) = %q, %v, want empty and nil", v, err)
	}

	if err := j.UpsertMetadata(ctx, "run_id", "first", 1); err != nil {
		t.Fatalf("UpsertMetadata: %v", err)
	}
	if err := j.UpsertMetadata(ctx, "run_id", "second", 2); err != nil {
		t.Fatalf("UpsertMetadata update: %v", err)
	}

	v, err := j.GetMetadata(ctx, "run_id")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if v != "second" {
		t.Errorf("value = %q, want %q", v, "second")
	}
}
