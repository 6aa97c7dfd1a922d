package indicators

import (
	"math"

	"bybit-orderflow-bot/internal/market"
)

// PivotKind marks whether a pivot came from a local high or a local low.
type PivotKind int

const (
	PivotHigh PivotKind = iota
	PivotLow
)

// Pivot is a local extremum of the candle window.
type Pivot struct {
	Kind     PivotKind
	Price    float64
	BarIndex int
}

// Pivots extracts local extrema: bar i is a pivot high when its high is >=
// every high in [i-left, i+right] (and strictly the greatest among ties at
// the center), symmetric for lows.
func Pivots(candles []market.Candle, left, right int) []Pivot {
	var out []Pivot
	for i := left; i < len(candles)-right; i++ {
		isHigh, isLow := true, true
		for j := i - left; j <= i+right; j++ {
			if j == i {
				continue
			}
			if candles[j].High >= candles[i].High {
				isHigh = false
			}
			if candles[j].Low <= candles[i].Low {
				isLow = false
			}
			if !isHigh && !isLow {
				break
			}
		}
		if isHigh {
			out = append(out, Pivot{Kind: PivotHigh, Price: candles[i].High, BarIndex: i})
		}
		if isLow {
			out = append(out, Pivot{Kind: PivotLow, Price: candles[i].Low, BarIndex: i})
		}
	}
	return out
}

// Structure is the coarse swing classification of a window.
type Structure string

const (
	StructureUp    Structure = "up"
	StructureDown  Structure = "down"
	StructureRange Structure = "range"
)

// SwingStructure divides the window into buckets, reduces each bucket to its
// high/low, and classifies the sequence: rising highs and rising lows is up,
// falling highs and falling lows is down, anything mixed is range.
func SwingStructure(candles []market.Candle, buckets int) (Structure, bool) {
	if buckets < 2 || len(candles) < buckets*2 {
		return StructureRange, false
	}
	size := len(candles) / buckets
	highs := make([]float64, buckets)
	lows := make([]float64, buckets)
	for b := 0; b < buckets; b++ {
		start := b * size
		end := start + size
		if b == buckets-1 {
			end = len(candles)
		}
		hi, lo := candles[start].High, candles[start].Low
		for _, c := range candles[start:end] {
			hi = math.Max(hi, c.High)
			lo = math.Min(lo, c.Low)
		}
		highs[b], lows[b] = hi, lo
	}
	up, down := 0, 0
	for b := 1; b < buckets; b++ {
		if highs[b] > highs[b-1] && lows[b] > lows[b-1] {
			up++
		}
		if highs[b] < highs[b-1] && lows[b] < lows[b-1] {
			down++
		}
	}
	need := buckets - 1
	switch {
	case up >= need-1 && up > down:
		return StructureUp, true
	case down >= need-1 && down > up:
		return StructureDown, true
	default:
		return StructureRange, true
	}
}

// SpringUpthrust reports Wyckoff spring and upthrust events in the trailing
// section of the window: a wick pierces the prior range boundary by at least
// breakPct of the span while the bar closes back inside.
func SpringUpthrust(candles []market.Candle, rangeBars, scanBars int, breakPct float64) (spring, upthrust bool) {
	if len(candles) < rangeBars+scanBars {
		return false, false
	}
	base := candles[len(candles)-rangeBars-scanBars : len(candles)-scanBars]
	lo, hi := base[0].Low, base[0].High
	for _, c := range base {
		lo = math.Min(lo, c.Low)
		hi = math.Max(hi, c.High)
	}
	span := hi - lo
	if span <= 0 {
		return false, false
	}
	margin := breakPct * span
	for _, c := range candles[len(candles)-scanBars:] {
		if c.Low < lo-margin && c.Close > lo {
			spring = true
		}
		if c.High > hi+margin && c.Close < hi {
			upthrust = true
		}
	}
	return spring, upthrust
}

// BoundVolumes holds mean-volume ratios of bars printed near the range
// extremes versus the whole window.
type BoundVolumes struct {
	LowRatio  float64
	HighRatio float64
}

// VolumeAtBounds splits the window by price band (within bandPct of the span
// from either extreme) and compares mean volume in each band to the overall
// mean. Values above 1 mean activity is concentrated at that boundary.
func VolumeAtBounds(candles []market.Candle, n int, bandPct float64) (BoundVolumes, bool) {
	if n <= 0 || len(candles) < n {
		return BoundVolumes{}, false
	}
	window := candles[len(candles)-n:]
	lo, hi := window[0].Low, window[0].High
	total := 0.0
	for _, c := range window {
		lo = math.Min(lo, c.Low)
		hi = math.Max(hi, c.High)
		total += c.Volume
	}
	span := hi - lo
	if span <= 0 || total == 0 {
		return BoundVolumes{}, false
	}
	band := bandPct * span
	overall := total / float64(len(window))
	var lowSum, highSum float64
	var lowN, highN int
	for _, c := range window {
		typical := (c.High + c.Low + c.Close) / 3
		if typical <= lo+band {
			lowSum += c.Volume
			lowN++
		}
		if typical >= hi-band {
			highSum += c.Volume
			highN++
		}
	}
	out := BoundVolumes{}
	if lowN > 0 {
		out.LowRatio = (lowSum / float64(lowN)) / overall
	}
	if highN > 0 {
		out.HighRatio = (highSum / float64(highN)) / overall
	}
	return out, true
}

// RSIDivergence checks the trailing window for a classic divergence: price
// makes a lower low while RSI makes a higher low (bullish) or a higher high
// with a lower RSI high (bearish). The window is split in half and each half
// contributes one extreme.
func RSIDivergence(candles []market.Candle, period, window int) (bullish, bearish bool) {
	if len(candles) < window+period+1 || window < 4 {
		return false, false
	}
	half := window / 2
	firstEnd := len(candles) - half
	priceLow1, priceHigh1 := extremes(candles[len(candles)-window : firstEnd])
	priceLow2, priceHigh2 := extremes(candles[firstEnd:])
	rsi1, ok1 := RSI(candles[:firstEnd], period)
	rsi2, ok2 := RSI(candles, period)
	if !ok1 || !ok2 {
		return false, false
	}
	bullish = priceLow2 < priceLow1 && rsi2 > rsi1
	bearish = priceHigh2 > priceHigh1 && rsi2 < rsi1
	return bullish, bearish
}

func extremes(candles []market.Candle) (lo, hi float64) {
	lo, hi = candles[0].Low, candles[0].High
	for _, c := range candles {
		lo = math.Min(lo, c.Low)
		hi = math.Max(hi, c.High)
	}
	return lo, hi
}
