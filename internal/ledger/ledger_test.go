package ledger

import (
	"testing"

	"github.com/shopspring/decimal"

	"marketsim/internal/message"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLedger_AveragePrice(t *testing.T) {
	type fill struct {
		side   message.Side
		price  string
		volume string
	}
	tests := []struct {
		name         string
		fills        []fill
		wantVolume   string
		wantAvg      string
		wantRealized string
	}{
		{
			name:         "open long",
			fills:        []fill{{message.Buy, "100", "10"}},
			wantVolume:   "10",
			wantAvg:      "100",
			wantRealized: "0",
		},
		{
			name: "grow long reweights average",
			fills: []fill{
				{message.Buy, "100", "10"},
				{message.Buy, "110", "10"},
			},
			wantVolume:   "20",
			wantAvg:      "105",
			wantRealized: "0",
		},
		{
			name: "partial close realizes closed portion",
			fills: []fill{
				{message.Buy, "100", "10"},
				{message.Sell, "110", "4"},
			},
			wantVolume:   "6",
			wantAvg:      "100",
			wantRealized: "40",
		},
		{
			name: "close to zero realizes all",
			fills: []fill{
				{message.Buy, "100", "10"},
				{message.Sell, "90", "10"},
			},
			wantVolume:   "0",
			wantAvg:      "0",
			wantRealized: "-100",
		},
		{
			name: "flip long to short",
			fills: []fill{
				{message.Buy, "100", "10"},
				{message.Sell, "110", "15"},
			},
			wantVolume:   "-5",
			wantAvg:      "110",
			wantRealized: "1000",
		},
		{
			name: "short side mirrors",
			fills: []fill{
				{message.Sell, "100", "10"},
				{message.Buy, "90", "10"},
			},
			wantVolume:   "0",
			wantAvg:      "0",
			wantRealized: "100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New("sim")
			for _, f := range tt.fills {
				l.ApplyFill("TEST", f.side, d(f.price), d(f.volume), decimal.Zero)
			}

			p := l.Position("TEST")
			if p == nil {
				t.Fatal("position is nil")
			}
			if !p.CurrentVolume().Equal(d(tt.wantVolume)) {
				t.Errorf("volume = %v, want %s", p.CurrentVolume(), tt.wantVolume)
			}
			if !p.AveragePrice.Equal(d(tt.wantAvg)) {
				t.Errorf("average price = %v, want %s", p.AveragePrice, tt.wantAvg)
			}
			if !l.RealizedPnL().Equal(d(tt.wantRealized)) {
				t.Errorf("realized = %v, want %s", l.RealizedPnL(), tt.wantRealized)
			}
		})
	}
}

func TestLedger_MoneyFlow(t *testing.T) {
	l := New("sim")
	l.SetMoney(d("10000"))

	l.ApplyFill("TEST", message.Buy, d("100"), d("10"), d("1"))
	l.ApplyFill("TEST", message.Sell, d("110"), d("10"), d("1.1"))

	if !l.RealizedPnL().Equal(d("100")) {
		t.Errorf("realized = %v, want 100", l.RealizedPnL())
	}
	if !l.Commission().Equal(d("2.1")) {
		t.Errorf("commission = %v, want 2.1", l.Commission())
	}
	if !l.TotalPnL().Equal(d("97.9")) {
		t.Errorf("total pnl = %v, want 97.9", l.TotalPnL())
	}
	if !l.CurrentMoney().Equal(d("10097.9")) {
		t.Errorf("current money = %v, want 10097.9", l.CurrentMoney())
	}
	if !l.Available().Equal(l.CurrentMoney()) {
		t.Errorf("available = %v with nothing blocked, want %v", l.Available(), l.CurrentMoney())
	}
}

func TestLedger_ReserveReleaseRoundTrip(t *testing.T) {
	l := New("sim")
	l.SetMoney(d("10000"))

	l.Reserve("TEST", message.Buy, d("5"), d("100"))
	if !l.Blocked().Equal(d("500")) {
		t.Errorf("blocked after reserve = %v, want 500", l.Blocked())
	}
	if !l.Available().Equal(d("9500")) {
		t.Errorf("available = %v, want 9500", l.Available())
	}

	l.Release("TEST", message.Buy, d("5"), d("100"))
	if !l.Blocked().IsZero() {
		t.Errorf("blocked after release = %v, want 0", l.Blocked())
	}
}

func TestLedger_FillReleasesReserveAtAverageBlockedPrice(t *testing.T) {
	l := New("sim")
	// Two buy reservations at different margin prices: 5@100 and 5@110,
	// average blocked price 105.
	l.Reserve("TEST", message.Buy, d("5"), d("100"))
	l.Reserve("TEST", message.Buy, d("5"), d("110"))

	l.ApplyFill("TEST", message.Buy, d("104"), d("4"), decimal.Zero)

	p := l.Position("TEST")
	if !p.BuyVolume.Equal(d("6")) {
		t.Errorf("buy reserve volume = %v, want 6", p.BuyVolume)
	}
	// 1050 - 4*105 = 630.
	if !p.BuyValue.Equal(d("630")) {
		t.Errorf("buy reserve value = %v, want 630", p.BuyValue)
	}
}

func TestLedger_BlockedFormula(t *testing.T) {
	l := New("sim")

	// Flat position: both sides' reserves add up.
	l.Reserve("TEST", message.Buy, d("5"), d("100"))
	l.Reserve("TEST", message.Sell, d("3"), d("100"))
	if !l.Blocked().Equal(d("800")) {
		t.Errorf("flat blocked = %v, want 800", l.Blocked())
	}
	l.Release("TEST", message.Buy, d("5"), d("100"))
	l.Release("TEST", message.Sell, d("3"), d("100"))

	// Long 10@100: a sell order within the position is covered by it.
	l.ApplyFill("TEST", message.Buy, d("100"), d("10"), decimal.Zero)
	l.Reserve("TEST", message.Sell, d("5"), d("100"))
	if !l.Blocked().Equal(d("1000")) {
		t.Errorf("covered sell blocked = %v, want 1000", l.Blocked())
	}

	// An additional buy order adds to the long side.
	l.Reserve("TEST", message.Buy, d("2"), d("100"))
	if !l.Blocked().Equal(d("1200")) {
		t.Errorf("long plus buy blocked = %v, want 1200", l.Blocked())
	}

	// A sell bigger than position value dominates.
	l.Reserve("TEST", message.Sell, d("15"), d("100"))
	// max(posValue 1000 + buy 200, sell 2000) = 2000.
	if !l.Blocked().Equal(d("2000")) {
		t.Errorf("dominating sell blocked = %v, want 2000", l.Blocked())
	}
}

func TestLedger_SeededPosition(t *testing.T) {
	l := New("sim")
	l.SetPosition("TEST", d("10"), d("100"))

	p := l.Position("TEST")
	if !p.CurrentVolume().Equal(d("10")) || !p.AveragePrice.Equal(d("100")) {
		t.Fatalf("seeded position = %v @ %v, want 10 @ 100", p.CurrentVolume(), p.AveragePrice)
	}
	if !l.Blocked().Equal(d("1000")) {
		t.Errorf("blocked = %v, want the position value 1000", l.Blocked())
	}

	// Selling the seeded volume realizes against the seeded average.
	realized, _ := l.ApplyFill("TEST", message.Sell, d("110"), d("10"), decimal.Zero)
	if !realized.Equal(d("100")) {
		t.Errorf("realized = %v, want 100", realized)
	}
	if !l.Blocked().IsZero() {
		t.Errorf("blocked after close = %v, want 0", l.Blocked())
	}
}

func TestLedger_PositionsOrder(t *testing.T) {
	l := New("sim")
	l.ApplyFill("B", message.Buy, d("1"), d("1"), decimal.Zero)
	l.ApplyFill("A", message.Buy, d("1"), d("1"), decimal.Zero)
	l.ApplyFill("C", message.Buy, d("1"), d("1"), decimal.Zero)

	got := l.Positions()
	want := []string{"B", "A", "C"}
	if len(got) != len(want) {
		t.Fatalf("positions = %d, want %d", len(got), len(want))
	}
	for i, p := range got {
		if p.Instrument != want[i] {
			t.Errorf("position %d = %s, want %s (creation order)", i, p.Instrument, want[i])
		}
	}
}
