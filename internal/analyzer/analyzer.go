// Package analyzer coordinates multi-timeframe analysis: it loads candle
// tails, gates them on quality, runs trend and phase per timeframe, injects
// higher-timeframe context, tracks stability and reduces everything to an
// entry decision.
package analyzer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"bybit-orderflow-bot/internal/indicators"
	"bybit-orderflow-bot/internal/levels"
	"bybit-orderflow-bot/internal/logging"
	"bybit-orderflow-bot/internal/market"
	"bybit-orderflow-bot/internal/phase"
	"bybit-orderflow-bot/internal/trend"
)

const maxWorkers = 4

// CandleSource is the read surface the analyzer needs.
type CandleSource interface {
	LatestCandles(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Candle, error)
}

// Filters gate the aggregate decision.
type Filters struct {
	VolumeMinRatio      float64
	ATRMaxRatio         float64
	LevelMaxDistancePct float64
	TFAlignMin          int
	QualityMinScore     float64
	RegimeBlockSurge    bool
}

// Settings bundle the per-engine knobs.
type Settings struct {
	WindowSize   int
	Phase        phase.Settings
	Trend        trend.Settings
	Levels       levels.Options
	Filters      Filters
	StabilityMin float64
	HistorySize  int
}

// TFReport is one timeframe's full assessment.
type TFReport struct {
	Timeframe    market.Timeframe `json:"timeframe"`
	QualityScore float64          `json:"qualityScore"`
	Candles      int              `json:"candles"`
	Close        float64          `json:"close"`
	Phase        phase.Result     `json:"phase"`
	Trend        trend.Result     `json:"trend"`
	VolumeRatio  float64          `json:"volumeRatio"`
	ATRRatio     float64          `json:"atrRatio"`
	PhaseStable  bool             `json:"phaseStable"`
	Err          string           `json:"error,omitempty"`
}

// Report is the coordinator's tick output.
type Report struct {
	Symbol     string                          `json:"symbol"`
	TS         int64                           `json:"ts"`
	TFs        map[market.Timeframe]*TFReport  `json:"timeframes"`
	Zones      *levels.Model                   `json:"zones,omitempty"`
	Direction  string                          `json:"direction"` // long, short, none
	EntryScore float64                         `json:"entryScore"`
	Reason     string                          `json:"reason,omitempty"`
	AlignedTFs int                             `json:"alignedTFs"`
}

// Analyzer owns the per-TF stability histories; one instance per symbol.
type Analyzer struct {
	source   CandleSource
	symbol   string
	tfs      []market.Timeframe // ascending by duration
	settings Settings

	mu        sync.Mutex
	phaseHist map[market.Timeframe][]phase.Phase
	trendHist map[market.Timeframe][]trend.Direction

	log zerolog.Logger
}

func New(source CandleSource, symbol string, tfs []market.Timeframe, settings Settings) *Analyzer {
	if settings.WindowSize <= 0 {
		settings.WindowSize = 200
	}
	if settings.HistorySize <= 0 {
		settings.HistorySize = 5
	}
	return &Analyzer{
		source:    source,
		symbol:    symbol,
		tfs:       tfs,
		settings:  settings,
		phaseHist: make(map[market.Timeframe][]phase.Phase),
		trendHist: make(map[market.Timeframe][]trend.Direction),
		log:       logging.Component("analyzer"),
	}
}

// Analyze runs one full coordinated pass.
func (a *Analyzer) Analyze(ctx context.Context, nowMS int64) *Report {
	report := &Report{
		Symbol: a.symbol,
		TS:     nowMS,
		TFs:    make(map[market.Timeframe]*TFReport, len(a.tfs)),
	}

	// Load and independent per-TF pass on a bounded pool.
	tails := make(map[market.Timeframe][]market.Candle, len(a.tfs))
	var mu sync.Mutex
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup
	for _, tf := range a.tfs {
		wg.Add(1)
		go func(tf market.Timeframe) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			tfReport, candles := a.analyzeTF(ctx, tf)
			mu.Lock()
			report.TFs[tf] = tfReport
			tails[tf] = candles
			mu.Unlock()
		}(tf)
	}
	wg.Wait()

	// Contextual pass, highest timeframe first: re-classify each lower TF
	// with its higher neighbor's phase and trend injected.
	for i := len(a.tfs) - 2; i >= 0; i-- {
		cur := report.TFs[a.tfs[i]]
		higher := report.TFs[a.tfs[i+1]]
		if cur == nil || higher == nil || cur.Err != "" || higher.Err != "" {
			continue
		}
		cur.Phase = phase.AdjustForContext(cur.Phase, higher.Phase, trendBias(higher.Trend), a.settings.Phase)
	}

	// Stability histories after the contextual pass settles the phases.
	a.recordHistories(report)

	// Zones and confluence from the highest usable timeframe.
	a.buildZones(report, tails)

	a.decide(report)
	return report
}

func (a *Analyzer) analyzeTF(ctx context.Context, tf market.Timeframe) (*TFReport, []market.Candle) {
	r := &TFReport{Timeframe: tf}
	candles, err := a.source.LatestCandles(ctx, a.symbol, tf, a.settings.WindowSize)
	if err != nil {
		r.Err = fmt.Sprintf("load failed: %v", err)
		a.log.Error().Err(err).Str("tf", string(tf)).Msg("candle load failed")
		return r, nil
	}
	r.Candles = len(candles)
	if len(candles) == 0 {
		r.Err = "no candles"
		return r, nil
	}
	r.Close = candles[len(candles)-1].Close
	r.QualityScore = market.QualityScore(candles, tf, market.SanityBand{})

	r.Trend = trend.Analyze(candles, a.settings.Trend)
	r.Phase = phase.Classify(candles, tf, a.settings.Phase)
	if v, ok := indicators.VolumeRatio(candles, 5, 20); ok {
		r.VolumeRatio = v
	}
	if atrNow, ok := indicators.ATR(candles, 14); ok && len(candles) > 28 {
		if atrPrev, ok2 := indicators.ATR(candles[:len(candles)-14], 14); ok2 && atrPrev > 0 {
			r.ATRRatio = atrNow / atrPrev
		}
	}
	return r, candles
}

func (a *Analyzer) recordHistories(report *Report) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for tf, r := range report.TFs {
		if r.Err != "" {
			continue
		}
		ph := append(a.phaseHist[tf], r.Phase.Phase)
		if len(ph) > a.settings.HistorySize {
			ph = ph[len(ph)-a.settings.HistorySize:]
		}
		a.phaseHist[tf] = ph

		th := append(a.trendHist[tf], r.Trend.Direction)
		if len(th) > a.settings.HistorySize {
			th = th[len(th)-a.settings.HistorySize:]
		}
		a.trendHist[tf] = th

		matches := 0
		for _, p := range ph {
			if p == r.Phase.Phase {
				matches++
			}
		}
		r.PhaseStable = float64(matches)/float64(len(ph)) >= a.settings.StabilityMin
	}
}

func (a *Analyzer) buildZones(report *Report, tails map[market.Timeframe][]market.Candle) {
	highest := a.highestUsable(report)
	if highest == "" {
		return
	}
	report.Zones = levels.Build(tails[highest], a.settings.Levels)

	others := make(map[market.Timeframe]*levels.Model)
	for _, tf := range a.tfs {
		if tf == highest || len(tails[tf]) == 0 {
			continue
		}
		others[tf] = levels.Build(tails[tf], a.settings.Levels)
	}
	levels.MarkConfluence(report.Zones, others)
}

func (a *Analyzer) highestUsable(report *Report) market.Timeframe {
	for i := len(a.tfs) - 1; i >= 0; i-- {
		if r := report.TFs[a.tfs[i]]; r != nil && r.Err == "" {
			return a.tfs[i]
		}
	}
	return ""
}

// decide reduces per-TF results to a direction. Every failing predicate is
// collected so direction=none always carries a diagnostic reason.
func (a *Analyzer) decide(report *Report) {
	report.Direction = "none"
	highest := a.highestUsable(report)
	if highest == "" {
		report.Reason = "no usable timeframe"
		return
	}
	htf := report.TFs[highest]
	f := a.settings.Filters

	var failed []string
	if htf.QualityScore < f.QualityMinScore {
		failed = append(failed, fmt.Sprintf("candle quality %.2f below %.2f", htf.QualityScore, f.QualityMinScore))
	}
	if htf.Phase.PhaseUnclear {
		failed = append(failed, "phase unclear")
	}
	if !htf.PhaseStable {
		failed = append(failed, "phase unstable")
	}
	if htf.Trend.TrendUnclear {
		failed = append(failed, "trend unclear")
	}
	if f.VolumeMinRatio > 0 && htf.VolumeRatio < f.VolumeMinRatio {
		failed = append(failed, fmt.Sprintf("volume ratio %.2f below %.2f", htf.VolumeRatio, f.VolumeMinRatio))
	}
	if f.ATRMaxRatio > 0 && htf.ATRRatio > f.ATRMaxRatio {
		failed = append(failed, fmt.Sprintf("atr ratio %.2f above %.2f", htf.ATRRatio, f.ATRMaxRatio))
	}
	if f.RegimeBlockSurge && htf.Trend.Regime == trend.RegimeSurge {
		failed = append(failed, "regime surge")
	}
	if f.LevelMaxDistancePct > 0 && report.Zones != nil {
		if !nearLevel(report.Zones, htf.Close, f.LevelMaxDistancePct) {
			failed = append(failed, "no level in reach")
		}
	}

	phaseBias := htf.Phase.Phase.Bias()
	aligned := a.countAligned(report, htf.Trend.Direction)
	report.AlignedTFs = aligned
	if aligned < f.TFAlignMin {
		failed = append(failed, fmt.Sprintf("tf alignment %d below %d", aligned, f.TFAlignMin))
	}

	if tb := trendBias(htf.Trend); phaseBias == 0 || tb == 0 || phaseBias != tb {
		failed = append(failed, "phase and trend disagree")
	}

	report.EntryScore = a.entryScore(htf, aligned)

	if len(failed) > 0 {
		report.Reason = strings.Join(failed, "; ")
		return
	}
	if phaseBias > 0 {
		report.Direction = "long"
	} else {
		report.Direction = "short"
	}
}

// trendBias maps a trend result onto the phase bias axis.
func trendBias(r trend.Result) int {
	switch r.Direction {
	case trend.Up:
		return 1
	case trend.Down:
		return -1
	}
	return 0
}

// countAligned counts timeframes whose trend direction matches the highest
// usable timeframe's direction.
func (a *Analyzer) countAligned(report *Report, dir trend.Direction) int {
	if dir == trend.Flat {
		return 0
	}
	aligned := 0
	for _, tf := range a.tfs {
		r := report.TFs[tf]
		if r == nil || r.Err != "" {
			continue
		}
		if r.Trend.Direction == dir {
			aligned++
		}
	}
	return aligned
}

// entryScore is a weighted mean of the higher-TF phase score, trend
// confidence and the alignment ratio, plus a small stability bonus.
func (a *Analyzer) entryScore(htf *TFReport, aligned int) float64 {
	alignRatio := 0.0
	if len(a.tfs) > 0 {
		alignRatio = float64(aligned) / float64(len(a.tfs))
	}
	score := 0.4*htf.Phase.Score + 0.35*htf.Trend.Confidence + 0.25*alignRatio
	if htf.PhaseStable {
		score += 0.05
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func nearLevel(zones *levels.Model, close, maxDistPct float64) bool {
	if close <= 0 {
		return false
	}
	check := func(l *levels.Level) bool {
		if l == nil {
			return false
		}
		dist := l.Price - close
		if dist < 0 {
			dist = -dist
		}
		return dist/close <= maxDistPct
	}
	return check(zones.NearestSupport) || check(zones.NearestResistance)
}
