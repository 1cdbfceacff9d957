package execution

import (
	"strings"
	"sync"
	"time"
)

type pendingOrder struct {
	brokerOrderID string
	qty           int64 // signed: buys positive
	at            time.Time
}

// PendingBook tracks acknowledged but unfilled order quantity. A resting
// limit order that fills later moves the broker position without a local
// fill, and reconciliation uses this book to tell that apart from drift.
type PendingBook struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	byTicker map[string][]pendingOrder
}

func NewPendingBook(ttl time.Duration) *PendingBook {
	return &PendingBook{ttl: ttl, now: time.Now, byTicker: map[string][]pendingOrder{}}
}

// Add records qty signed shares still working at the broker.
func (b *PendingBook) Add(ticker, brokerOrderID string, qty int64) {
	if qty == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t := strings.ToUpper(ticker)
	b.byTicker[t] = append(b.byTicker[t], pendingOrder{brokerOrderID: brokerOrderID, qty: qty, at: b.now()})
}

// Outstanding is the net working quantity for ticker.
func (b *PendingBook) Outstanding(ticker string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := strings.ToUpper(ticker)
	b.expireLocked(t)
	var n int64
	for _, o := range b.byTicker[t] {
		n += o.qty
	}
	return n
}

// Consume explains up to delta signed shares with working orders of the
// same direction, oldest first, and removes what it used. It returns the
// signed quantity explained.
func (b *PendingBook) Consume(ticker string, delta int64) int64 {
	if delta == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t := strings.ToUpper(ticker)
	b.expireLocked(t)

	remaining := abs(delta)
	var explained int64
	orders := b.byTicker[t][:0]
	for _, o := range b.byTicker[t] {
		if remaining > 0 && (o.qty > 0) == (delta > 0) {
			use := min(abs(o.qty), remaining)
			remaining -= use
			explained += use
			if o.qty > 0 {
				o.qty -= use
			} else {
				o.qty += use
			}
		}
		if o.qty != 0 {
			orders = append(orders, o)
		}
	}
	if len(orders) == 0 {
		delete(b.byTicker, t)
	} else {
		b.byTicker[t] = orders
	}
	if delta < 0 {
		return -explained
	}
	return explained
}

func (b *PendingBook) expireLocked(t string) {
	if b.ttl <= 0 {
		return
	}
	cutoff := b.now().Add(-b.ttl)
	kept := b.byTicker[t][:0]
	for _, o := range b.byTicker[t] {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	if len(kept) == 0 {
		delete(b.byTicker, t)
		return
	}
	b.byTicker[t] = kept
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
