// Package trend scores directional evidence into a trend call, a volatility
// regime and a momentum state for one timeframe.
package trend

import (
	"math"

	"bybit-orderflow-bot/internal/indicators"
	"bybit-orderflow-bot/internal/market"
)

// Direction of the trend call.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
	Flat Direction = "flat"
)

// Regime labels the volatility state.
type Regime string

const (
	RegimeTrend Regime = "trend"
	RegimeRange Regime = "range"
	RegimeSurge Regime = "surge"
)

// Momentum combines a directional lean with its vigor.
type Momentum struct {
	Bias  string `json:"bias"`  // bullish, bearish, neutral
	State string `json:"state"` // strong, fading, flat
}

// Result is the full trend assessment for one timeframe.
type Result struct {
	Direction    Direction `json:"direction"`
	Confidence   float64   `json:"confidence"`
	BullScore    float64   `json:"bullScore"`
	BearScore    float64   `json:"bearScore"`
	TrendUnclear bool      `json:"trendUnclear"`
	Regime       Regime    `json:"regime"`
	Momentum     Momentum  `json:"momentum"`
	ADX          float64   `json:"adx"`
}

// Settings tune the unclear detection.
type Settings struct {
	FlatThreshold      float64 // winner below this is flat
	MinStrength        float64 // winner below this is unclear
	MinGap             float64 // winner-loser gap below this is unclear
	MinGapDown         float64 // gap floor for downtrends, falls back to MinGap when 0
	UnclearThreshold   float64 // dominance (gap over total) below this is unclear
	SurgePenalty       float64 // subtracted from the winner during a surge regime
	LowVolumeThreshold float64 // short/long volume ratio below this is unclear
}

// DefaultSettings matches the tuned thresholds the analyzer ships with.
func DefaultSettings() Settings {
	return Settings{
		FlatThreshold:      0.25,
		MinStrength:        0.35,
		MinGap:             0.10,
		MinGapDown:         0.10,
		UnclearThreshold:   0.35,
		SurgePenalty:       0.10,
		LowVolumeThreshold: 0.5,
	}
}

// Analyze accumulates bull and bear evidence from independent signals, each
// with a fixed weight, then derives direction, confidence, regime and
// momentum.
func Analyze(candles []market.Candle, settings Settings) Result {
	var bull, bear float64
	add := func(cond bool, w float64) {
		if cond {
			bull += w
		} else {
			bear += w
		}
	}

	closes := market.Closes(candles)
	price := 0.0
	if len(closes) > 0 {
		price = closes[len(closes)-1]
	}

	// Structure: +-0.20
	if structure, ok := indicators.SwingStructure(candles, 4); ok {
		switch structure {
		case indicators.StructureUp:
			bull += 0.20
		case indicators.StructureDown:
			bear += 0.20
		}
	}

	// EMA stack: +-0.18
	ema20, ok20 := indicators.EMA(closes, 20)
	ema50, ok50 := indicators.EMA(closes, 50)
	if ok20 && ok50 {
		if price > ema20 && ema20 > ema50 {
			bull += 0.18
		} else if price < ema20 && ema20 < ema50 {
			bear += 0.18
		}
	}

	// ADX with DI: 0.12 floor scaled up to 0.27 by trend strength.
	adxRes, adxOK := indicators.ADX(candles, 14)
	if adxOK && adxRes.ADX >= 20 {
		w := 0.12 + math.Min(0.15, (adxRes.ADX-20)*0.005)
		add(adxRes.PlusDI > adxRes.MinusDI, w)
	}

	// Returns at two horizons: +-0.08 and +-0.10.
	if ret5, ok := indicators.Return(candles, 5); ok && ret5 != 0 {
		add(ret5 > 0, 0.08)
	}
	if ret20, ok := indicators.Return(candles, 20); ok && ret20 != 0 {
		add(ret20 > 0, 0.10)
	}

	// VWAP distance: +-0.10.
	if vwap, ok := indicators.VWAP(candles, 20); ok && vwap > 0 && price != vwap {
		add(price > vwap, 0.10)
	}

	// OBV slope: +-0.08.
	if obv, ok := indicators.OBVSlope(candles, 20); ok && obv != 0 {
		add(obv > 0, 0.08)
	}

	result := Result{BullScore: bull, BearScore: bear}
	if adxOK {
		result.ADX = adxRes.ADX
	}
	result.Regime = classifyRegime(candles, adxRes, adxOK)
	result.Momentum = classifyMomentum(candles)

	winner, direction := bull, Up
	if bear > bull {
		winner, direction = bear, Down
	}
	if winner < settings.FlatThreshold {
		direction = Flat
	}
	result.Direction = direction
	total := bull + bear
	if total > 0 {
		result.Confidence = winner / total
	}

	// A surge regime discounts the winner before the strength check; blown-out
	// volatility makes directional evidence less trustworthy.
	strength := winner
	if result.Regime == RegimeSurge {
		strength -= settings.SurgePenalty
	}

	// Downtrends carry their own gap floor; shorts burn funding and fight
	// spot flows, so they may demand a wider margin than longs.
	minGap := settings.MinGap
	if direction == Down && settings.MinGapDown > 0 {
		minGap = settings.MinGapDown
	}
	gap := math.Abs(bull - bear)

	// Dominance is the gap as a share of all evidence. Confidence alone never
	// drops below 0.5 when both sides score, so the unclear threshold reads
	// the normalized gap instead.
	dominance := 0.0
	if total > 0 {
		dominance = gap / total
	}

	lowVolume := false
	if settings.LowVolumeThreshold > 0 {
		if vr, ok := indicators.VolumeRatio(candles, 5, 20); ok && vr < settings.LowVolumeThreshold {
			lowVolume = true
		}
	}

	result.TrendUnclear = direction == Flat ||
		strength < settings.MinStrength ||
		gap < minGap ||
		dominance < settings.UnclearThreshold ||
		lowVolume
	return result
}

// classifyRegime picks trend, range or surge. Surge wins on a volatility
// burst regardless of ADX; the 20..25 ADX tie band tips to trend at 22.
func classifyRegime(candles []market.Candle, adx indicators.ADXResult, adxOK bool) Regime {
	atrNow, okNow := indicators.ATR(candles, 14)
	var atrPrev float64
	okPrev := false
	if len(candles) > 15 {
		atrPrev, okPrev = indicators.ATR(candles[:len(candles)-14], 14)
	}
	width, widthOK := indicators.BollingerWidth(candles, 20)

	if (okNow && okPrev && atrPrev > 0 && atrNow/atrPrev >= 2.0) ||
		(widthOK && width >= 0.15) {
		return RegimeSurge
	}
	if !adxOK {
		return RegimeRange
	}
	switch {
	case adx.ADX >= 25:
		return RegimeTrend
	case adx.ADX < 20:
		return RegimeRange
	case adx.ADX >= 22:
		return RegimeTrend
	default:
		return RegimeRange
	}
}

func classifyMomentum(candles []market.Candle) Momentum {
	rsi, rsiOK := indicators.RSI(candles, 14)
	ret5, retOK := indicators.Return(candles, 5)
	if !rsiOK || !retOK {
		return Momentum{Bias: "neutral", State: "flat"}
	}

	bias := "neutral"
	if rsi > 55 && ret5 > 0 {
		bias = "bullish"
	} else if rsi < 45 && ret5 < 0 {
		bias = "bearish"
	}

	state := "flat"
	absRet := math.Abs(ret5)
	switch {
	case bias == "neutral":
		state = "flat"
	case absRet >= 0.01 && (rsi > 65 || rsi < 35):
		state = "strong"
	case absRet < 0.003:
		state = "fading"
	default:
		state = "strong"
	}
	return Momentum{Bias: bias, State: state}
}
