package market

import (
	"sort"
	"sync"
	"time"
)

// BookLevel is a single depth level. Size 0 in a delta means delete.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// TradeSide is the aggressor side of an executed print.
type TradeSide string

const (
	SideBuy  TradeSide = "Buy"
	SideSell TradeSide = "Sell"
)

// PublicTrade is one executed print from the venue's trade stream.
type PublicTrade struct {
	Time  int64     `json:"time"` // ms
	Side  TradeSide `json:"side"`
	Size  float64   `json:"size"`
	Price float64   `json:"price"`
	ID    string    `json:"id"`
	Seq   int64     `json:"seq"`
}

// BookSnapshot is a point-in-time sorted copy of the local book:
// bids descending, asks ascending.
type BookSnapshot struct {
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// OrderBookState maintains the local book from a snapshot followed by deltas,
// applied strictly in arrival order. Reads copy out a sorted view.
type OrderBookState struct {
	mu        sync.RWMutex
	bids      map[float64]float64
	asks      map[float64]float64
	updatedAt time.Time
}

func NewOrderBookState() *OrderBookState {
	return &OrderBookState{
		bids: make(map[float64]float64),
		asks: make(map[float64]float64),
	}
}

// ApplySnapshot resets the book to the given levels.
func (b *OrderBookState) ApplySnapshot(bids, asks []BookLevel, ts time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = make(map[float64]float64, len(bids))
	b.asks = make(map[float64]float64, len(asks))
	for _, l := range bids {
		if l.Size > 0 {
			b.bids[l.Price] = l.Size
		}
	}
	for _, l := range asks {
		if l.Size > 0 {
			b.asks[l.Price] = l.Size
		}
	}
	b.updatedAt = ts
}

// ApplyDelta upserts the given levels; size 0 deletes.
func (b *OrderBookState) ApplyDelta(bids, asks []BookLevel, ts time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range bids {
		if l.Size == 0 {
			delete(b.bids, l.Price)
		} else {
			b.bids[l.Price] = l.Size
		}
	}
	for _, l := range asks {
		if l.Size == 0 {
			delete(b.asks, l.Price)
		} else {
			b.asks[l.Price] = l.Size
		}
	}
	b.updatedAt = ts
}

// Snapshot copies the book into a sorted view.
func (b *OrderBookState) Snapshot() BookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := BookSnapshot{
		Bids:      make([]BookLevel, 0, len(b.bids)),
		Asks:      make([]BookLevel, 0, len(b.asks)),
		UpdatedAt: b.updatedAt,
	}
	for p, s := range b.bids {
		snap.Bids = append(snap.Bids, BookLevel{Price: p, Size: s})
	}
	for p, s := range b.asks {
		snap.Asks = append(snap.Asks, BookLevel{Price: p, Size: s})
	}
	sort.Slice(snap.Bids, func(i, j int) bool { return snap.Bids[i].Price > snap.Bids[j].Price })
	sort.Slice(snap.Asks, func(i, j int) bool { return snap.Asks[i].Price < snap.Asks[j].Price })
	return snap
}

// TradeRing is a bounded ring buffer of executed prints, appended in arrival
// order. Oldest entries are overwritten once capacity is reached.
type TradeRing struct {
	mu     sync.RWMutex
	buf    []PublicTrade
	next   int
	filled bool
}

func NewTradeRing(capacity int) *TradeRing {
	if capacity <= 0 {
		capacity = 50000
	}
	return &TradeRing{buf: make([]PublicTrade, capacity)}
}

// Append adds prints in order.
func (r *TradeRing) Append(trades ...PublicTrade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range trades {
		r.buf[r.next] = t
		r.next++
		if r.next == len(r.buf) {
			r.next = 0
			r.filled = true
		}
	}
}

// Len returns the number of stored prints.
func (r *TradeRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.filled {
		return len(r.buf)
	}
	return r.next
}

// Last returns up to n most recent prints, oldest first.
func (r *TradeRing) Last(n int) []PublicTrade {
	r.mu.RLock()
	defer r.mu.RUnlock()
	size := r.next
	if r.filled {
		size = len(r.buf)
	}
	if n > size {
		n = size
	}
	out := make([]PublicTrade, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Since returns all prints with Time >= fromMS, oldest first.
func (r *TradeRing) Since(fromMS int64) []PublicTrade {
	all := r.Last(r.Len())
	for i, t := range all {
		if t.Time >= fromMS {
			return all[i:]
		}
	}
	return nil
}
