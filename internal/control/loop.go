// Package control runs the cooperative tick loop tying the pipeline
// together: accumulate, analyze, read the flow, step the sandbox, publish.
package control

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"bybit-orderflow-bot/internal/accumulator"
	"bybit-orderflow-bot/internal/analyzer"
	"bybit-orderflow-bot/internal/events"
	"bybit-orderflow-bot/internal/logging"
	"bybit-orderflow-bot/internal/market"
	"bybit-orderflow-bot/internal/orderflow"
	"bybit-orderflow-bot/internal/sandbox"
)

// Options wire the loop cadence.
type Options struct {
	Symbol           string
	PollInterval     time.Duration
	DBUpdateInterval time.Duration
	PrimaryTF        market.Timeframe
}

// Loop owns the sandbox and steps the whole pipeline once per poll
// interval. Stop is honored between ticks.
type Loop struct {
	opts    Options
	acc     *accumulator.Accumulator
	an      *analyzer.Analyzer
	src     analyzer.CandleSource
	flow    *orderflow.Engine
	box     *sandbox.Sandbox
	bus     *events.EventBus
	state   *StatePublisher
	metrics *MetricRecorder

	lastDBUpdate time.Time
	log          zerolog.Logger
}

// NewLoop wires the pipeline stages. metrics may be nil to disable per-tick
// order flow sampling.
func NewLoop(opts Options, acc *accumulator.Accumulator, an *analyzer.Analyzer,
	src analyzer.CandleSource, flow *orderflow.Engine, box *sandbox.Sandbox,
	bus *events.EventBus, state *StatePublisher, metrics *MetricRecorder) *Loop {
	return &Loop{
		opts:    opts,
		acc:     acc,
		an:      an,
		src:     src,
		flow:    flow,
		box:     box,
		bus:     bus,
		state:   state,
		metrics: metrics,
		log:     logging.Component("control"),
	}
}

// Run ticks until the context is cancelled. The first tick fires
// immediately.
func (l *Loop) Run(ctx context.Context) {
	l.bus.Publish(events.Event{Type: events.EventBotStarted,
		Data: map[string]interface{}{"symbol": l.opts.Symbol}})

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.bus.Publish(events.Event{Type: events.EventBotStopped})
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	now := time.Now()
	if now.Sub(l.lastDBUpdate) >= l.opts.DBUpdateInterval {
		l.acc.Tick(ctx)
		l.lastDBUpdate = now
	}

	nowMS := now.UnixMilli()
	report := l.an.Analyze(ctx, nowMS)

	primary := report.TFs[l.opts.PrimaryTF]
	var price float64
	if primary != nil {
		price = primary.Close
	}

	// Short primary-TF tail for sweep detection against fresh wicks.
	recent, err := l.src.LatestCandles(ctx, l.opts.Symbol, l.opts.PrimaryTF, 10)
	if err != nil {
		l.log.Warn().Err(err).Msg("recent candle load failed")
	}
	zonePrices := l.zonePrices(report)

	flowReport, signal := l.flow.Analyze(nowMS, recent, zonePrices)
	if l.metrics != nil {
		l.metrics.Record(nowMS, flowReport, signal)
	}

	if price > 0 {
		l.box.Tick(l.tickInput(nowMS, price, report, flowReport, signal))
	} else {
		l.log.Warn().Msg("no primary timeframe price, sandbox tick skipped")
	}

	status := Status{
		Symbol:    l.opts.Symbol,
		Price:     price,
		Report:    report,
		Orderflow: flowReport,
		Signal:    signal,
		Sandbox:   l.box.State(price),
		UpdatedAt: now,
	}
	l.state.Publish(ctx, status)

	l.bus.Publish(events.Event{Type: events.EventReportReady, Data: map[string]interface{}{
		"direction":  report.Direction,
		"entryScore": report.EntryScore,
		"reason":     report.Reason,
		"signal":     string(signal.Direction),
	}})
	l.log.Info().Str("direction", report.Direction).
		Float64("entry_score", report.EntryScore).
		Str("signal", string(signal.Direction)).
		Float64("price", price).Msg("tick complete")
}

func (l *Loop) tickInput(nowMS int64, price float64, report *analyzer.Report,
	flowReport orderflow.Report, signal orderflow.Signal) sandbox.TickInput {
	in := sandbox.TickInput{
		TS:                  nowMS,
		Price:               price,
		Signal:              signal,
		Report:              flowReport,
		ContextAllowedLong:  report.Direction == "long",
		ContextAllowedShort: report.Direction == "short",
	}
	if htf := l.highestTF(report); htf != nil {
		in.HigherTrend = htf.Trend.Direction
	}
	if z := report.Zones; z != nil {
		if r := z.NearestResistance; r != nil && r.Strength >= 0.5 {
			in.HotResistance = r.Price
		}
		if s := z.NearestSupport; s != nil && s.Strength >= 0.5 {
			in.HotSupport = s.Price
		}
	}
	return in
}

func (l *Loop) highestTF(report *analyzer.Report) *analyzer.TFReport {
	var best *analyzer.TFReport
	var bestDur int64
	for tf, r := range report.TFs {
		if r == nil || r.Err != "" {
			continue
		}
		d := tf.DurationMS()
		if d == 0 {
			d = 1 << 62 // monthly outranks everything
		}
		if best == nil || d > bestDur {
			best, bestDur = r, d
		}
	}
	return best
}

func (l *Loop) zonePrices(report *analyzer.Report) []float64 {
	if report.Zones == nil {
		return nil
	}
	prices := make([]float64, 0, len(report.Zones.Levels))
	for _, lvl := range report.Zones.Levels {
		prices = append(prices, lvl.Price)
	}
	return prices
}
