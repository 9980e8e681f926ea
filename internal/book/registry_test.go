package book

import (
	"testing"
	"time"

	"marketsim/internal/message"
)

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	if !r.Register(limitOrder(1, message.Buy, "100", "1"), now) {
		t.Fatal("first Register = false, want true")
	}
	if r.Register(limitOrder(1, message.Sell, "101", "1"), now) {
		t.Error("duplicate Register = true, want false")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_ActiveFilters(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	a := limitOrder(1, message.Buy, "100", "1")
	b := limitOrder(2, message.Sell, "101", "1")
	b.Portfolio = "other"
	c := limitOrder(3, message.Buy, "99", "1")
	c.Instrument = "OTHER"
	for _, o := range []*Order{a, b, c} {
		r.Register(o, now)
	}

	buy := message.Buy
	tests := []struct {
		name       string
		portfolio  string
		instrument string
		side       *message.Side
		wantTxns   []int64
	}{
		{"no filter", "", "", nil, []int64{1, 2, 3}},
		{"by portfolio", "sim", "", nil, []int64{1, 3}},
		{"portfolio ignores case", "SIM", "", nil, []int64{1, 3}},
		{"by instrument", "", "TEST", nil, []int64{1, 2}},
		{"by side", "", "", &buy, []int64{1, 3}},
		{"combined", "sim", "TEST", &buy, []int64{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Active(tt.portfolio, tt.instrument, tt.side)
			if len(got) != len(tt.wantTxns) {
				t.Fatalf("Active = %d orders, want %d", len(got), len(tt.wantTxns))
			}
			for i, o := range got {
				if o.TransactionID != tt.wantTxns[i] {
					t.Errorf("order %d txn = %d, want %d", i, o.TransactionID, tt.wantTxns[i])
				}
			}
		})
	}
}

func TestRegistry_AdvanceTime(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	eternal := limitOrder(1, message.Buy, "100", "1")
	expiring := limitOrder(2, message.Buy, "100", "1")
	expiring.ExpiresAt = now.Add(time.Minute)
	later := limitOrder(3, message.Buy, "100", "1")
	later.ExpiresAt = now.Add(time.Hour)
	for _, o := range []*Order{eternal, expiring, later} {
		r.Register(o, now)
	}

	expired := r.AdvanceTime(now.Add(time.Minute))
	if len(expired) != 1 || expired[0].TransactionID != 2 {
		t.Fatalf("expired = %v, want only txn 2", expired)
	}
	if _, ok := r.Get(2); ok {
		t.Error("expired order still in registry")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}

	// Orders without expiry never expire.
	if expired := r.AdvanceTime(now.Add(24 * time.Hour)); len(expired) != 1 {
		t.Errorf("second AdvanceTime expired %d orders, want 1", len(expired))
	}
}
