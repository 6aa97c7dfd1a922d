package analyzer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"bybit-orderflow-bot/internal/levels"
	"bybit-orderflow-bot/internal/market"
	"bybit-orderflow-bot/internal/phase"
	"bybit-orderflow-bot/internal/trend"
)

// fakeSource serves a fixed tail per timeframe.
type fakeSource struct {
	tails map[market.Timeframe][]market.Candle
	errs  map[market.Timeframe]error
}

func (f *fakeSource) LatestCandles(_ context.Context, _ string, tf market.Timeframe, limit int) ([]market.Candle, error) {
	if err := f.errs[tf]; err != nil {
		return nil, err
	}
	tail := f.tails[tf]
	if len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}
	return tail, nil
}

func upSeries(n int, tf market.Timeframe) []market.Candle {
	dur := tf.DurationMS()
	out := make([]market.Candle, n)
	price := 100.0
	for i := range out {
		next := price + 0.5
		out[i] = market.Candle{
			StartTime: int64(i) * dur,
			Open:      price, High: next, Low: price, Close: next,
			Volume: 1,
		}
		price = next
	}
	return out
}

func testSettings() Settings {
	return Settings{
		WindowSize: 200,
		Phase:      phase.Settings{Classifier: "wyckoff", MinScore: 0.5, MinGap: 0.1},
		Trend:      trend.DefaultSettings(),
		Filters: Filters{
			TFAlignMin:      1,
			QualityMinScore: 0.5,
		},
		StabilityMin: 0.6,
		HistorySize:  5,
	}
}

func newTestAnalyzer(src CandleSource) *Analyzer {
	return New(src, "BTCUSDT", []market.Timeframe{market.TF15m, market.TF1h, market.TF4h}, testSettings())
}

func TestAnalyzeLongOnAlignedUptrend(t *testing.T) {
	src := &fakeSource{tails: map[market.Timeframe][]market.Candle{
		market.TF15m: upSeries(120, market.TF15m),
		market.TF1h:  upSeries(120, market.TF1h),
		market.TF4h:  upSeries(120, market.TF4h),
	}}
	a := newTestAnalyzer(src)

	report := a.Analyze(context.Background(), 1000)
	if report.Direction != "long" {
		t.Fatalf("direction = %s (reason %q), want long", report.Direction, report.Reason)
	}
	if report.AlignedTFs != 3 {
		t.Fatalf("aligned = %d, want all three timeframes", report.AlignedTFs)
	}
	if report.EntryScore < 0.5 {
		t.Fatalf("entryScore = %.3f, want >= 0.5 on a fully aligned trend", report.EntryScore)
	}
	if report.Zones == nil {
		t.Fatal("zones must build from the highest usable timeframe")
	}
}

func TestAnalyzeReportsReasons(t *testing.T) {
	// flat series: phase and trend both unclear
	flat := make([]market.Candle, 120)
	for i := range flat {
		flat[i] = market.Candle{
			StartTime: int64(i) * 60_000,
			Open:      100, High: 100.5, Low: 99.5, Close: 100,
			Volume: 1,
		}
	}
	src := &fakeSource{tails: map[market.Timeframe][]market.Candle{
		market.TF15m: flat, market.TF1h: flat, market.TF4h: flat,
	}}
	a := newTestAnalyzer(src)

	report := a.Analyze(context.Background(), 1000)
	if report.Direction != "none" {
		t.Fatalf("direction = %s, want none", report.Direction)
	}
	if !strings.Contains(report.Reason, "trend unclear") {
		t.Fatalf("reason = %q, must name the failing trend predicate", report.Reason)
	}
}

func TestAnalyzeSurvivesOneFailingTF(t *testing.T) {
	src := &fakeSource{
		tails: map[market.Timeframe][]market.Candle{
			market.TF15m: upSeries(120, market.TF15m),
			market.TF1h:  upSeries(120, market.TF1h),
		},
		errs: map[market.Timeframe]error{
			market.TF4h: errors.New("connection reset"),
		},
	}
	a := newTestAnalyzer(src)

	report := a.Analyze(context.Background(), 1000)
	if report.TFs[market.TF4h].Err == "" {
		t.Fatal("the failing timeframe must carry its error")
	}
	// the 1h becomes the highest usable timeframe and the pass continues
	if report.Direction != "long" {
		t.Fatalf("direction = %s (reason %q), want long from the surviving TFs", report.Direction, report.Reason)
	}
}

func TestAnalyzeNoUsableTimeframe(t *testing.T) {
	src := &fakeSource{errs: map[market.Timeframe]error{
		market.TF15m: errors.New("down"),
		market.TF1h:  errors.New("down"),
		market.TF4h:  errors.New("down"),
	}}
	a := newTestAnalyzer(src)

	report := a.Analyze(context.Background(), 1000)
	if report.Direction != "none" || report.Reason != "no usable timeframe" {
		t.Fatalf("report = %s/%q, want none with a no-usable reason", report.Direction, report.Reason)
	}
}

func TestPhaseStabilityBuildsOverTicks(t *testing.T) {
	src := &fakeSource{tails: map[market.Timeframe][]market.Candle{
		market.TF15m: upSeries(120, market.TF15m),
		market.TF1h:  upSeries(120, market.TF1h),
		market.TF4h:  upSeries(120, market.TF4h),
	}}
	a := newTestAnalyzer(src)

	for i := 0; i < 3; i++ {
		report := a.Analyze(context.Background(), int64(i)*1000)
		if !report.TFs[market.TF4h].PhaseStable {
			t.Fatalf("tick %d: an unchanged phase must stay stable", i)
		}
	}
}

func TestTFAlignMinBlocks(t *testing.T) {
	settings := testSettings()
	settings.Filters.TFAlignMin = 4 // more than the three configured TFs
	src := &fakeSource{tails: map[market.Timeframe][]market.Candle{
		market.TF15m: upSeries(120, market.TF15m),
		market.TF1h:  upSeries(120, market.TF1h),
		market.TF4h:  upSeries(120, market.TF4h),
	}}
	a := New(src, "BTCUSDT", []market.Timeframe{market.TF15m, market.TF1h, market.TF4h}, settings)

	report := a.Analyze(context.Background(), 1000)
	if report.Direction != "none" || !strings.Contains(report.Reason, "tf alignment") {
		t.Fatalf("report = %s/%q, want an alignment block", report.Direction, report.Reason)
	}
}

func TestCountAlignedFollowsTrendDirection(t *testing.T) {
	a := newTestAnalyzer(&fakeSource{})
	// phases deliberately contradict the trends: alignment reads the trend
	// direction axis, not the phase bias
	report := &Report{TFs: map[market.Timeframe]*TFReport{
		market.TF15m: {Trend: trend.Result{Direction: trend.Up}, Phase: phase.Result{Phase: phase.Markdown}},
		market.TF1h:  {Trend: trend.Result{Direction: trend.Up}, Phase: phase.Result{Phase: phase.Distribution}},
		market.TF4h:  {Trend: trend.Result{Direction: trend.Up}, Phase: phase.Result{Phase: phase.Markup}},
	}}
	if got := a.countAligned(report, trend.Up); got != 3 {
		t.Fatalf("aligned = %d, want 3 matching trend directions", got)
	}

	report.TFs[market.TF1h].Trend.Direction = trend.Down
	if got := a.countAligned(report, trend.Up); got != 2 {
		t.Fatalf("aligned = %d, want 2 after one timeframe turns down", got)
	}
	if got := a.countAligned(report, trend.Flat); got != 0 {
		t.Fatalf("aligned = %d, want 0 when the reference direction is flat", got)
	}
}

func TestNearLevelUsesFractionalDistance(t *testing.T) {
	zones := &levels.Model{NearestResistance: &levels.Level{Price: 70000}}
	if nearLevel(zones, 20000, 0.03) {
		t.Fatal("a level 250% away must not count as near")
	}
	zones.NearestSupport = &levels.Level{Price: 19900}
	if !nearLevel(zones, 20000, 0.03) {
		t.Fatal("a support 0.5% below must count as near")
	}
}

func TestLevelDistanceFilterBlocks(t *testing.T) {
	settings := testSettings()
	settings.Filters.LevelMaxDistancePct = 0.000001 // nothing passes a band this tight
	src := &fakeSource{tails: map[market.Timeframe][]market.Candle{
		market.TF15m: upSeries(120, market.TF15m),
		market.TF1h:  upSeries(120, market.TF1h),
		market.TF4h:  upSeries(120, market.TF4h),
	}}
	a := New(src, "BTCUSDT", []market.Timeframe{market.TF15m, market.TF1h, market.TF4h}, settings)

	report := a.Analyze(context.Background(), 1000)
	if report.Direction != "none" || !strings.Contains(report.Reason, "no level in reach") {
		t.Fatalf("report = %s/%q, want a level-distance block", report.Direction, report.Reason)
	}
}
