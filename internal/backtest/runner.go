// Package backtest replays archived tick days through the order flow engine
// and the sandbox, persisting the run and reducing its trades to summary
// metrics. The replay has no order book, so the signal is carried by tape
// delta and sweeps alone.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bybit-orderflow-bot/internal/history"
	"bybit-orderflow-bot/internal/logging"
	"bybit-orderflow-bot/internal/market"
	"bybit-orderflow-bot/internal/orderflow"
	"bybit-orderflow-bot/internal/sandbox"
	"bybit-orderflow-bot/internal/store"
)

const (
	defaultTickMS = 1000
	maxReplayBars = 600
)

// RunStore is the persistence surface the runner needs. Nil disables
// persistence, which the tests use.
type RunStore interface {
	CreateRun(ctx context.Context, run store.Run) (uuid.UUID, error)
	FinishRun(ctx context.Context, id uuid.UUID, sum store.RunSummary) error
	PurgeIncompleteBacktests(ctx context.Context) (int64, error)
}

// Config bounds one replay.
type Config struct {
	Symbol   string
	DateFrom time.Time
	DateTo   time.Time
	TickMS   int64 // simulated control-tick width, default 1s

	Sandbox   sandbox.Settings
	Orderflow orderflow.Options
	Signal    orderflow.SignalOptions
	RingSize  int
}

// Result is the completed replay.
type Result struct {
	RunID       uuid.UUID
	FinalEquity float64
	Summary     Summary
}

// Runner replays archives for one symbol.
type Runner struct {
	reader *history.Reader
	runs   RunStore
	log    zerolog.Logger
}

func NewRunner(reader *history.Reader, runs RunStore) *Runner {
	return &Runner{
		reader: reader,
		runs:   runs,
		log:    logging.Component("backtest"),
	}
}

// collector gathers every sandbox event for the summary.
type collector struct {
	trades []sandbox.Trade
}

func (c *collector) Trade(t sandbox.Trade) { c.trades = append(c.trades, t) }
func (c *collector) Skip(sandbox.Skip)     {}

// Run replays [DateFrom, DateTo] day by day. Days without an archive are
// skipped with a warning; the run fails only when no day had data.
func (r *Runner) Run(ctx context.Context, cfg Config, extraSinks ...sandbox.Sink) (*Result, error) {
	if cfg.TickMS <= 0 {
		cfg.TickMS = defaultTickMS
	}

	var runID uuid.UUID
	if r.runs != nil {
		if _, err := r.runs.PurgeIncompleteBacktests(ctx); err != nil {
			return nil, err
		}
		id, err := r.runs.CreateRun(ctx, store.Run{
			Symbol:         cfg.Symbol,
			DateFrom:       cfg.DateFrom.Format("2006-01-02"),
			DateTo:         cfg.DateTo.Format("2006-01-02"),
			Source:         "backtest",
			InitialBalance: cfg.Sandbox.InitialBalance,
		})
		if err != nil {
			return nil, err
		}
		runID = id
	}

	col := &collector{}
	sinks := append([]sandbox.Sink{col}, extraSinks...)
	box := sandbox.New(cfg.Sandbox, sinks...)
	engine := orderflow.NewEngine(cfg.Orderflow, cfg.Signal, cfg.RingSize)

	var bars []market.Candle
	lastPrice := 0.0
	daysReplayed := 0
	for day := cfg.DateFrom; !day.After(cfg.DateTo); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		trades, err := r.reader.ReadDay(cfg.Symbol, day)
		if err != nil {
			r.log.Warn().Err(err).Str("day", day.Format("2006-01-02")).Msg("skipping day")
			continue
		}
		if len(trades) == 0 {
			continue
		}
		daysReplayed++
		lastPrice = r.replayDay(trades, cfg, engine, box, &bars)
	}
	if daysReplayed == 0 {
		return nil, fmt.Errorf("no archive data for %s in [%s, %s]",
			cfg.Symbol, cfg.DateFrom.Format("2006-01-02"), cfg.DateTo.Format("2006-01-02"))
	}

	state := box.State(lastPrice)
	summary := Summarize(col.trades, cfg.Sandbox.InitialBalance)
	if r.runs != nil {
		err := r.runs.FinishRun(ctx, runID, store.RunSummary{
			FinalEquity:     state.Equity,
			TotalPnL:        state.RealizedPnL,
			TotalCommission: state.TotalCommission,
			TradesCount:     state.TradesCount,
		})
		if err != nil {
			return nil, err
		}
	}
	r.log.Info().Int("days", daysReplayed).Int("trades", summary.TotalTrades).
		Float64("equity", state.Equity).Msg("backtest complete")
	return &Result{RunID: runID, FinalEquity: state.Equity, Summary: summary}, nil
}

// replayDay walks the day's prints in tick buckets: each bucket feeds the
// tape, refreshes the minute bars and steps the sandbox once at the last
// traded price. Returns that price.
func (r *Runner) replayDay(trades []market.PublicTrade, cfg Config,
	engine *orderflow.Engine, box *sandbox.Sandbox, bars *[]market.Candle) float64 {

	lastPrice := 0.0
	idx := 0
	tick := (trades[0].Time/cfg.TickMS + 1) * cfg.TickMS
	for idx < len(trades) {
		from := idx
		for idx < len(trades) && trades[idx].Time < tick {
			idx++
		}
		batch := trades[from:idx]
		if len(batch) > 0 {
			engine.OnTrades(batch)
			for _, t := range batch {
				*bars = appendToBars(*bars, t)
			}
			lastPrice = batch[len(batch)-1].Price

			report, signal := engine.Analyze(tick, tail(*bars, 10), nil)
			box.Tick(sandbox.TickInput{
				TS:     tick,
				Price:  lastPrice,
				Signal: signal,
				Report: report,
			})
		}
		tick += cfg.TickMS
	}
	return lastPrice
}

// appendToBars folds one print into rolling minute bars.
func appendToBars(bars []market.Candle, t market.PublicTrade) []market.Candle {
	start := t.Time - t.Time%market.TF1m.DurationMS()
	if n := len(bars); n > 0 && bars[n-1].StartTime == start {
		b := &bars[n-1]
		if t.Price > b.High {
			b.High = t.Price
		}
		if t.Price < b.Low {
			b.Low = t.Price
		}
		b.Close = t.Price
		b.Volume += t.Size
		return bars
	}
	bars = append(bars, market.Candle{
		StartTime: start,
		Open:      t.Price, High: t.Price, Low: t.Price, Close: t.Price,
		Volume: t.Size,
	})
	if len(bars) > maxReplayBars {
		bars = bars[len(bars)-maxReplayBars:]
	}
	return bars
}

func tail(bars []market.Candle, n int) []market.Candle {
	if len(bars) > n {
		return bars[len(bars)-n:]
	}
	return bars
}
