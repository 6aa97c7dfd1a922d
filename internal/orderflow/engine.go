package orderflow

import (
	"sync"
	"time"

	"bybit-orderflow-bot/internal/market"
)

// Engine owns the live book and tape state and produces a Report per tick.
// The websocket callbacks feed it concurrently with the control loop reading
// it, so all mutation happens under the embedded state locks.
type Engine struct {
	mu sync.Mutex

	book  *market.OrderBookState
	tape  *market.TradeRing
	opts  Options
	sWeights SignalOptions

	prevDOM    DOMStats
	prevDOMSet bool
	lastSweep  Sweep
}

func NewEngine(opts Options, sigOpts SignalOptions, ringSize int) *Engine {
	return &Engine{
		book:     market.NewOrderBookState(),
		tape:     market.NewTradeRing(ringSize),
		opts:     opts,
		sWeights: sigOpts,
	}
}

// OnBook is the venue stream's book handler.
func (e *Engine) OnBook(snapshot bool, bids, asks []market.BookLevel, ts int64) {
	at := time.UnixMilli(ts)
	if snapshot {
		e.book.ApplySnapshot(bids, asks, at)
	} else {
		e.book.ApplyDelta(bids, asks, at)
	}
}

// OnTrades is the venue stream's trade handler.
func (e *Engine) OnTrades(trades []market.PublicTrade) {
	e.tape.Append(trades...)
}

// Seed primes the book and tape from REST snapshots before the stream has
// delivered anything.
func (e *Engine) Seed(book *market.BookSnapshot, trades []market.PublicTrade) {
	if book != nil {
		e.book.ApplySnapshot(book.Bids, book.Asks, book.UpdatedAt)
	}
	if len(trades) > 0 {
		e.tape.Append(trades...)
	}
}

// Analyze produces the tick's Report and Signal. recentCandles and the zone
// prices feed sweep detection against meaningful price levels.
func (e *Engine) Analyze(nowMS int64, recentCandles []market.Candle, zonePrices []float64) (Report, Signal) {
	snap := e.book.Snapshot()
	trades := e.tape.Since(nowMS - int64(e.opts.WindowSec)*1000)

	report := Report{TS: nowMS}
	report.DOM = AnalyzeDOM(&snap, e.opts)
	report.Tape = AnalyzeTape(trades, nowMS, e.opts)
	report.CVD = AnalyzeCVD(trades, nowMS, e.opts)
	report.TradesBias, report.LastAggressor = LastTradesBias(trades, e.opts)

	e.mu.Lock()
	if sweep := DetectSweep(recentCandles, report.DOM, zonePrices, e.opts); sweep.Side != SweepNone {
		e.lastSweep = sweep
	}
	report.Sweep = e.lastSweep
	if e.prevDOMSet {
		report.Absorption = DetectAbsorption(e.prevDOM, report.DOM, report.LastAggressor, e.opts)
	}
	e.prevDOM = report.DOM
	e.prevDOMSet = true
	e.mu.Unlock()

	return report, BuildSignal(report, nowMS, e.sWeights)
}
