package book

import (
	"strings"
	"time"

	"marketsim/internal/message"
)

// Registry tracks active user orders by registration transaction id.
// Iteration order is registration order, which keeps replays
// deterministic.
type Registry struct {
	byID  map[int64]*Order
	order []int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[int64]*Order)}
}

// Register adds an order. Returns false if the transaction id is taken.
func (r *Registry) Register(o *Order, now time.Time) bool {
	if _, exists := r.byID[o.TransactionID]; exists {
		return false
	}
	o.RegisteredAt = now
	r.byID[o.TransactionID] = o
	r.order = append(r.order, o.TransactionID)
	return true
}

// Get looks up an active order.
func (r *Registry) Get(txnID int64) (*Order, bool) {
	o, ok := r.byID[txnID]
	return o, ok
}

// Remove takes an order out of the registry.
func (r *Registry) Remove(txnID int64) (*Order, bool) {
	o, ok := r.byID[txnID]
	if !ok {
		return nil, false
	}
	delete(r.byID, txnID)
	for i, id := range r.order {
		if id == txnID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return o, true
}

// Active returns active orders matching the filters, in registration
// order. Empty portfolio/instrument and nil side match everything; the
// portfolio name is compared case-insensitively.
func (r *Registry) Active(portfolio, instrument string, side *message.Side) []*Order {
	var out []*Order
	for _, id := range r.order {
		o := r.byID[id]
		if portfolio != "" && !strings.EqualFold(o.Portfolio, portfolio) {
			continue
		}
		if instrument != "" && o.Instrument != instrument {
			continue
		}
		if side != nil && o.Side != *side {
			continue
		}
		out = append(out, o)
	}
	return out
}

// AdvanceTime evicts and returns every order whose expiry is at or before
// now.
func (r *Registry) AdvanceTime(now time.Time) []*Order {
	var expired []*Order
	kept := r.order[:0]
	for _, id := range r.order {
		o := r.byID[id]
		if o.IsExpired(now) {
			delete(r.byID, id)
			expired = append(expired, o)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return expired
}

// Len returns the number of active orders.
func (r *Registry) Len() int { return len(r.byID) }
