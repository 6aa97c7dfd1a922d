// Package phase classifies a candle window into a market cycle phase.
// Three interchangeable classifiers share one signature; wyckoff is the
// default and the other two exist for comparison runs.
package phase

import (
	"math"

	"bybit-orderflow-bot/internal/indicators"
	"bybit-orderflow-bot/internal/market"
)

// Phase of the market cycle.
type Phase string

const (
	Accumulation Phase = "accumulation"
	Markup       Phase = "markup"
	Distribution Phase = "distribution"
	Markdown     Phase = "markdown"
	Capitulation Phase = "capitulation"
	Recovery     Phase = "recovery"
)

// Bias maps a phase to its directional lean for higher-TF context checks.
func (p Phase) Bias() int {
	switch p {
	case Markup, Recovery, Accumulation:
		return 1
	case Markdown, Capitulation, Distribution:
		return -1
	}
	return 0
}

// Result is the classifier output for one timeframe.
type Result struct {
	Phase        Phase   `json:"phase"`
	Score        float64 `json:"score"`
	Secondary    Phase   `json:"secondaryPhase"`
	ScoreGap     float64 `json:"scoreGap"`
	PhaseUnclear bool    `json:"phaseUnclear"`
}

// Thresholds tune the classifier per timeframe group.
type Thresholds struct {
	VolSpike  float64
	Drop      float64
	RangeLow  float64
	RangeHigh float64
}

// ThresholdsFor returns the tuned thresholds: short intraday timeframes get
// looser values than hourly and above.
func ThresholdsFor(tf market.Timeframe) Thresholds {
	if tf.Short() {
		return Thresholds{VolSpike: 2.0, Drop: -0.04, RangeLow: 0.30, RangeHigh: 0.70}
	}
	return Thresholds{VolSpike: 1.6, Drop: -0.06, RangeLow: 0.35, RangeHigh: 0.65}
}

// Settings control unclear detection and classifier choice.
type Settings struct {
	Classifier string // "wyckoff", "indicators", "structure"
	MinScore   float64
	MinGap     float64
}

// Classifier scores a candle window for one timeframe.
type Classifier func(candles []market.Candle, tf market.Timeframe) map[Phase]float64

// Classify runs the configured classifier and reduces the per-phase scores
// to a Result with the runner-up and the unclear flag.
func Classify(candles []market.Candle, tf market.Timeframe, settings Settings) Result {
	var classify Classifier
	switch settings.Classifier {
	case "indicators":
		classify = indicatorScores
	case "structure":
		classify = structureScores
	default:
		classify = wyckoffScores
	}

	scores := classify(candles, tf)
	best, second := Accumulation, Accumulation
	bestScore, secondScore := -1.0, -1.0
	for _, p := range []Phase{Accumulation, Markup, Distribution, Markdown, Capitulation, Recovery} {
		s := scores[p]
		if s > bestScore {
			second, secondScore = best, bestScore
			best, bestScore = p, s
		} else if s > secondScore {
			second, secondScore = p, s
		}
	}
	if bestScore < 0 {
		bestScore = 0
	}
	if secondScore < 0 {
		secondScore = 0
	}
	gap := bestScore - secondScore
	return Result{
		Phase:        best,
		Score:        clamp01(bestScore),
		Secondary:    second,
		ScoreGap:     gap,
		PhaseUnclear: bestScore < settings.MinScore || gap < settings.MinGap,
	}
}

// AdjustForContext nudges a result by the higher timeframe's view. The higher
// TF contributes both its phase bias and its trend bias (+1 up, -1 down, 0
// unknown); agreement with either adds 0.04 to the score, disagreement with
// both subtracts it. The unclear flag is recomputed afterward.
func AdjustForContext(r Result, higher Result, trendBias int, settings Settings) Result {
	bias, htfBias := r.Phase.Bias(), higher.Phase.Bias()
	if higher.PhaseUnclear {
		htfBias = 0
	}
	if bias == 0 || (htfBias == 0 && trendBias == 0) {
		return r
	}
	if bias == htfBias || bias == trendBias {
		r.Score = clamp01(r.Score + 0.04)
	} else {
		r.Score = clamp01(r.Score - 0.04)
	}
	r.PhaseUnclear = r.Score < settings.MinScore || r.ScoreGap < settings.MinGap
	return r
}

// wyckoffScores is the default classifier: structure plus volume at the
// range bounds, RSI divergence, spring/upthrust events and recent returns,
// evaluated in a fixed decision order.
func wyckoffScores(candles []market.Candle, tf market.Timeframe) map[Phase]float64 {
	scores := map[Phase]float64{}
	if len(candles) < 40 {
		return scores
	}
	th := ThresholdsFor(tf)

	ret5, _ := indicators.Return(candles, 5)
	ret20, _ := indicators.Return(candles, 20)
	volRatio, _ := indicators.VolumeRatio(candles, 5, 20)
	structure, _ := indicators.SwingStructure(candles, 4)
	pos, _ := indicators.PositionInRange(candles, 40)
	bullDiv, bearDiv := indicators.RSIDivergence(candles, 14, 20)
	spring, upthrust := indicators.SpringUpthrust(candles, 30, 5, 0.001)
	bounds, boundsOK := indicators.VolumeAtBounds(candles, 40, 0.15)
	rsi, rsiOK := indicators.RSI(candles, 14)

	base := func(p Phase, score float64) {
		if score > scores[p] {
			scores[p] = score
		}
	}

	switch {
	case ret5 <= th.Drop && volRatio >= th.VolSpike:
		s := 0.65
		if rsiOK && rsi < 30 {
			s += 0.1
		}
		if bullDiv {
			s += 0.08
		}
		base(Capitulation, s)
	case ret5 > 0.01 && ret20 < -0.02:
		s := 0.55
		if spring {
			s += 0.1
		}
		if bullDiv {
			s += 0.08
		}
		base(Recovery, s)
	case structure == indicators.StructureUp && ret20 >= -0.01:
		s := 0.6 + math.Min(0.15, ret20*2)
		if bearDiv {
			s -= 0.08
		}
		base(Markup, s)
	case structure == indicators.StructureDown && ret20 <= 0.01:
		s := 0.6 + math.Min(0.15, -ret20*2)
		if bullDiv {
			s -= 0.08
		}
		base(Markdown, s)
	case structure == indicators.StructureRange:
		switch {
		case pos <= th.RangeLow:
			s := 0.55
			if spring {
				s += 0.1
			}
			if boundsOK && bounds.LowRatio > 1.2 {
				s += 0.08
			}
			if rsiOK && rsi < 35 {
				s += 0.05
			}
			base(Accumulation, s)
		case pos >= th.RangeHigh:
			s := 0.55
			if upthrust {
				s += 0.1
			}
			if boundsOK && bounds.HighRatio > 1.2 {
				s += 0.08
			}
			if rsiOK && rsi > 65 {
				s += 0.05
			}
			base(Distribution, s)
		default:
			directionalFallback(base, ret20)
		}
	default:
		directionalFallback(base, ret20)
	}

	// Runner-up seeds so the gap is meaningful even on a confident call.
	if ret20 > 0 {
		base(Markup, 0.3+math.Min(0.1, ret20))
		base(Accumulation, 0.25)
	} else {
		base(Markdown, 0.3+math.Min(0.1, -ret20))
		base(Distribution, 0.25)
	}

	for p, s := range scores {
		scores[p] = clamp01(s)
	}
	return scores
}

func directionalFallback(base func(Phase, float64), ret20 float64) {
	if ret20 > 0 {
		base(Markup, 0.45+math.Min(0.1, ret20))
	} else {
		base(Markdown, 0.45+math.Min(0.1, -ret20))
	}
}

// indicatorScores classifies from the EMA stack, ADX, band width, RSI, OBV
// slope and VWAP distance with no structure analysis.
func indicatorScores(candles []market.Candle, tf market.Timeframe) map[Phase]float64 {
	scores := map[Phase]float64{}
	closes := market.Closes(candles)
	ema20, ok1 := indicators.EMA(closes, 20)
	ema50, ok2 := indicators.EMA(closes, 50)
	if !ok1 || !ok2 {
		return scores
	}
	price := closes[len(closes)-1]
	adx, adxOK := indicators.ADX(candles, 14)
	rsi, _ := indicators.RSI(candles, 14)
	obv, _ := indicators.OBVSlope(candles, 20)
	width, _ := indicators.BollingerWidth(candles, 20)
	vwap, vwapOK := indicators.VWAP(candles, 20)
	ret5, _ := indicators.Return(candles, 5)
	th := ThresholdsFor(tf)
	volRatio, _ := indicators.VolumeRatio(candles, 5, 20)

	stackUp := price > ema20 && ema20 > ema50
	stackDown := price < ema20 && ema20 < ema50
	trending := adxOK && adx.ADX >= 25

	switch {
	case ret5 <= th.Drop && volRatio >= th.VolSpike:
		scores[Capitulation] = clamp01(0.6 + math.Min(0.2, volRatio/10))
	case stackUp && trending:
		s := 0.6 + math.Min(0.15, (adx.ADX-25)/100)
		if obv > 0 {
			s += 0.05
		}
		scores[Markup] = clamp01(s)
	case stackDown && trending:
		s := 0.6 + math.Min(0.15, (adx.ADX-25)/100)
		if obv < 0 {
			s += 0.05
		}
		scores[Markdown] = clamp01(s)
	case ret5 > 0.01 && stackDown:
		scores[Recovery] = 0.5
	case width < 0.05 && !trending:
		if rsi < 45 {
			scores[Accumulation] = 0.55
		} else if rsi > 55 {
			scores[Distribution] = 0.55
		} else if vwapOK && price < vwap {
			scores[Accumulation] = 0.5
		} else {
			scores[Distribution] = 0.5
		}
	default:
		if ret5 >= 0 {
			scores[Markup] = 0.45
		} else {
			scores[Markdown] = 0.45
		}
	}
	seedRunnerUp(scores, ret5)
	return scores
}

// structureScores is pure price action: pivots, swings and break-of-structure
// versus change-of-character.
func structureScores(candles []market.Candle, tf market.Timeframe) map[Phase]float64 {
	scores := map[Phase]float64{}
	if len(candles) < 40 {
		return scores
	}
	structure, ok := indicators.SwingStructure(candles, 4)
	if !ok {
		return scores
	}
	pivots := indicators.Pivots(candles, 3, 3)
	pos, _ := indicators.PositionInRange(candles, 40)
	ret20, _ := indicators.Return(candles, 20)
	th := ThresholdsFor(tf)

	broke := structureBreak(candles, pivots)

	switch structure {
	case indicators.StructureUp:
		s := 0.6
		if broke > 0 {
			s += 0.1
		} else if broke < 0 {
			s -= 0.15 // change of character against the trend
		}
		scores[Markup] = clamp01(s)
	case indicators.StructureDown:
		s := 0.6
		if broke < 0 {
			s += 0.1
		} else if broke > 0 {
			s -= 0.15
		}
		scores[Markdown] = clamp01(s)
	default:
		if pos <= th.RangeLow {
			scores[Accumulation] = 0.55
		} else if pos >= th.RangeHigh {
			scores[Distribution] = 0.55
		} else if ret20 >= 0 {
			scores[Markup] = 0.45
		} else {
			scores[Markdown] = 0.45
		}
	}
	seedRunnerUp(scores, ret20)
	return scores
}

// structureBreak returns +1 when the last close exceeds the latest pivot
// high, -1 when below the latest pivot low, 0 otherwise.
func structureBreak(candles []market.Candle, pivots []indicators.Pivot) int {
	var lastHigh, lastLow *indicators.Pivot
	for i := range pivots {
		p := &pivots[i]
		if p.Kind == indicators.PivotHigh {
			lastHigh = p
		} else {
			lastLow = p
		}
	}
	close := candles[len(candles)-1].Close
	if lastHigh != nil && close > lastHigh.Price {
		return 1
	}
	if lastLow != nil && close < lastLow.Price {
		return -1
	}
	return 0
}

func seedRunnerUp(scores map[Phase]float64, ret float64) {
	if ret >= 0 {
		if scores[Accumulation] == 0 {
			scores[Accumulation] = 0.25
		}
	} else {
		if scores[Distribution] == 0 {
			scores[Distribution] = 0.25
		}
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
