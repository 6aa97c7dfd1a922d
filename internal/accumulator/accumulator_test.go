package accumulator

import (
	"context"
	"testing"
	"time"

	"bybit-orderflow-bot/internal/market"
	"bybit-orderflow-bot/internal/store"
	"bybit-orderflow-bot/internal/venue"
)

const minuteMS = 60_000

// memStore keeps candles keyed by start time and counts duplicate inserts
// the way the database's conflict clause would.
type memStore struct {
	candles map[int64]market.Candle
	dupes   int
}

func newMemStore() *memStore {
	return &memStore{candles: map[int64]market.Candle{}}
}

func (m *memStore) InsertCandles(_ context.Context, _ string, _ market.Timeframe, candles []market.Candle) (int, error) {
	inserted := 0
	for _, c := range candles {
		if _, ok := m.candles[c.StartTime]; ok {
			m.dupes++
			continue
		}
		m.candles[c.StartTime] = c
		inserted++
	}
	return inserted, nil
}

func (m *memStore) LatestStart(_ context.Context, _ string, _ market.Timeframe) (int64, error) {
	if len(m.candles) == 0 {
		return 0, store.ErrNotFound
	}
	var max int64 = -1
	for ts := range m.candles {
		if ts > max {
			max = ts
		}
	}
	return max, nil
}

func (m *memStore) OldestStart(_ context.Context, _ string, _ market.Timeframe) (int64, error) {
	if len(m.candles) == 0 {
		return 0, store.ErrNotFound
	}
	min := int64(-1)
	for ts := range m.candles {
		if min < 0 || ts < min {
			min = ts
		}
	}
	return min, nil
}

func (m *memStore) CountCandles(_ context.Context, _ string, _ market.Timeframe) (int64, error) {
	return int64(len(m.candles)), nil
}

// fakeVenue serves minute candles from a fixed archive spanning [firstMS,
// lastMS], oldest-first per request like the real adapter.
type fakeVenue struct {
	firstMS int64
	lastMS  int64
	calls   int
}

func (f *fakeVenue) FetchCandles(_ context.Context, _ string, _ market.Timeframe, r venue.CandleRange, limit int) ([]market.Candle, error) {
	f.calls++
	end := f.lastMS
	if r.EndMS != 0 {
		if r.EndMS < f.firstMS {
			return nil, nil
		}
		if r.EndMS < end {
			end = r.EndMS - r.EndMS%minuteMS
		}
	}
	start := f.firstMS
	if r.StartMS > start {
		start = r.StartMS
	}
	var out []market.Candle
	for ts := start; ts <= end && len(out) < limit; ts += minuteMS {
		out = append(out, market.Candle{
			StartTime: ts,
			Open:      100, High: 101, Low: 99, Close: 100,
			Volume: 1,
		})
	}
	// the venue serves the newest bars first within the window; the adapter
	// returns them oldest-first, so trim from the front when over limit
	if r.StartMS == 0 {
		total := int((end-start)/minuteMS) + 1
		if total > limit {
			out = out[:0]
			for ts := end - int64(limit-1)*minuteMS; ts <= end; ts += minuteMS {
				out = append(out, market.Candle{
					StartTime: ts,
					Open:      100, High: 101, Low: 99, Close: 100,
					Volume: 1,
				})
			}
		}
	}
	return out, nil
}

func (f *fakeVenue) FetchRecentTrades(context.Context, string, int) ([]market.PublicTrade, error) {
	return nil, nil
}

func (f *fakeVenue) FetchOrderBook(context.Context, string, int) (*market.BookSnapshot, error) {
	return nil, nil
}

func newTestAccumulator(st CandleStore, v venue.Venue, maxCandles int, nowMS int64) *Accumulator {
	a := New(st, v, "BTCUSDT", []market.Timeframe{market.TF1m}, maxCandles)
	a.now = func() time.Time { return time.UnixMilli(nowMS) }
	return a
}

func TestBackfillPagesBackward(t *testing.T) {
	st := newMemStore()
	v := &fakeVenue{firstMS: 0, lastMS: 2999 * minuteMS}
	a := newTestAccumulator(st, v, 2500, 3000*minuteMS)

	if err := a.Backfill(context.Background(), market.TF1m); err != nil {
		t.Fatal(err)
	}
	if len(st.candles) < 2500 {
		t.Fatalf("stored %d candles, want at least 2500", len(st.candles))
	}
	if v.calls < 3 {
		t.Fatalf("calls = %d, 2500 bars need at least three 1000-bar pages", v.calls)
	}
}

func TestBackfillStopsWhenHistoryEnds(t *testing.T) {
	st := newMemStore()
	v := &fakeVenue{firstMS: 0, lastMS: 99 * minuteMS} // only 100 bars exist
	a := newTestAccumulator(st, v, 5000, 100*minuteMS)

	if err := a.Backfill(context.Background(), market.TF1m); err != nil {
		t.Fatal(err)
	}
	if len(st.candles) != 100 {
		t.Fatalf("stored %d candles, want the full 100-bar archive", len(st.candles))
	}
}

func TestCatchUpFromLatest(t *testing.T) {
	st := newMemStore()
	// store already holds bars 0..49
	for ts := int64(0); ts < 50*minuteMS; ts += minuteMS {
		st.candles[ts] = market.Candle{StartTime: ts}
	}
	v := &fakeVenue{firstMS: 0, lastMS: 99 * minuteMS}
	a := newTestAccumulator(st, v, 5000, 100*minuteMS)

	if err := a.CatchUp(context.Background(), market.TF1m); err != nil {
		t.Fatal(err)
	}
	if len(st.candles) != 100 {
		t.Fatalf("stored %d candles, want 100 after catch-up", len(st.candles))
	}
	if st.dupes != 0 {
		t.Fatalf("dupes = %d, catch-up must start past the latest stored bar", st.dupes)
	}
}

func TestCatchUpFallsBackToBackfill(t *testing.T) {
	st := newMemStore()
	v := &fakeVenue{firstMS: 0, lastMS: 99 * minuteMS}
	a := newTestAccumulator(st, v, 5000, 100*minuteMS)

	if err := a.CatchUp(context.Background(), market.TF1m); err != nil {
		t.Fatal(err)
	}
	if len(st.candles) != 100 {
		t.Fatalf("stored %d candles, empty store must trigger a backfill", len(st.candles))
	}
}

func TestTickIsIdempotent(t *testing.T) {
	st := newMemStore()
	v := &fakeVenue{firstMS: 0, lastMS: 99 * minuteMS}
	a := newTestAccumulator(st, v, 5000, 100*minuteMS)

	a.Tick(context.Background())
	count := len(st.candles)
	a.Tick(context.Background())
	if len(st.candles) != count {
		t.Fatalf("second tick grew the store from %d to %d with no new bars", count, len(st.candles))
	}
}

func TestFillGapRepairsInterior(t *testing.T) {
	st := newMemStore()
	// bars 0..9 and 90..99 stored, interior missing
	for ts := int64(0); ts < 10*minuteMS; ts += minuteMS {
		st.candles[ts] = market.Candle{StartTime: ts}
	}
	for ts := int64(90 * minuteMS); ts < 100*minuteMS; ts += minuteMS {
		st.candles[ts] = market.Candle{StartTime: ts}
	}
	v := &fakeVenue{firstMS: 0, lastMS: 99 * minuteMS}
	a := newTestAccumulator(st, v, 5000, 100*minuteMS)

	if err := a.FillGap(context.Background(), market.TF1m); err != nil {
		t.Fatal(err)
	}
	if len(st.candles) != 100 {
		t.Fatalf("stored %d candles, want the 80-bar gap repaired", len(st.candles))
	}
}

func TestEnsureHistorySkipsPopulatedTF(t *testing.T) {
	st := newMemStore()
	st.candles[0] = market.Candle{StartTime: 0}
	v := &fakeVenue{firstMS: 0, lastMS: 99 * minuteMS}
	a := newTestAccumulator(st, v, 5000, 100*minuteMS)

	a.EnsureHistory(context.Background())
	if v.calls != 0 {
		t.Fatalf("calls = %d, a populated timeframe must not backfill", v.calls)
	}
}

func TestNextStartMonthly(t *testing.T) {
	a := newTestAccumulator(newMemStore(), &fakeVenue{}, 10, 0)
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	if got := a.nextStart(market.TF1M, jan); got != feb {
		t.Fatalf("nextStart(monthly) = %d, want %d", got, feb)
	}
	if got := a.nextStart(market.TF1m, 0); got != minuteMS {
		t.Fatalf("nextStart(1m) = %d, want %d", got, minuteMS)
	}
}
