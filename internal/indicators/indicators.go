// Package indicators is the pure computation kernel: deterministic,
// side-effect-free functions over candle windows. Every function returns
// ok=false when the window is too short, and panics on non-finite input
// (feed corruption must be caught upstream, not averaged over).
package indicators

import (
	"fmt"
	"math"

	"bybit-orderflow-bot/internal/market"
)

func mustFinite(name string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		panic(fmt.Sprintf("indicators: non-finite %s: %v", name, v))
	}
}

// EMA computes the exponential moving average of a series, seeded with the
// SMA of the first period values.
func EMA(series []float64, period int) (float64, bool) {
	if period <= 0 || len(series) < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range series[:period] {
		mustFinite("ema input", v)
		sum += v
	}
	ema := sum / float64(period)
	k := 2.0 / float64(period+1)
	for _, v := range series[period:] {
		mustFinite("ema input", v)
		ema = v*k + ema*(1-k)
	}
	return ema, true
}

// SMA computes a simple moving average over the trailing period values.
func SMA(series []float64, period int) (float64, bool) {
	if period <= 0 || len(series) < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range series[len(series)-period:] {
		mustFinite("sma input", v)
		sum += v
	}
	return sum / float64(period), true
}

func trueRange(cur, prev market.Candle) float64 {
	return math.Max(cur.High-cur.Low,
		math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))
}

// ATR computes the average true range over the trailing period bars.
func ATR(candles []market.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period+1 {
		return 0, false
	}
	sum := 0.0
	start := len(candles) - period
	for i := start; i < len(candles); i++ {
		sum += trueRange(candles[i], candles[i-1])
	}
	return sum / float64(period), true
}

// RSI computes Wilder's relative strength index over the trailing window.
func RSI(candles []market.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period+1 {
		return 0, false
	}
	gains, losses := 0.0, 0.0
	start := len(candles) - period
	for i := start; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	if losses == 0 {
		return 100, true
	}
	rs := (gains / float64(period)) / (losses / float64(period))
	return 100 - 100/(1+rs), true
}

// ADXResult carries ADX with its directional components.
type ADXResult struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// ADX computes the average directional index with +DI/-DI over the trailing
// window using Wilder smoothing.
func ADX(candles []market.Candle, period int) (ADXResult, bool) {
	if period <= 0 || len(candles) < 2*period+1 {
		return ADXResult{}, false
	}
	var trSum, plusSum, minusSum float64
	dxs := make([]float64, 0, len(candles)-1)
	// Running smoothed components over the whole slice, keeping DX history
	// so ADX can be averaged over the final period.
	var sTR, sPlus, sMinus float64
	for i := 1; i < len(candles); i++ {
		upMove := candles[i].High - candles[i-1].High
		downMove := candles[i-1].Low - candles[i].Low
		plusDM, minusDM := 0.0, 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}
		tr := trueRange(candles[i], candles[i-1])
		if i <= period {
			trSum += tr
			plusSum += plusDM
			minusSum += minusDM
			if i == period {
				sTR, sPlus, sMinus = trSum, plusSum, minusSum
			}
		} else {
			sTR = sTR - sTR/float64(period) + tr
			sPlus = sPlus - sPlus/float64(period) + plusDM
			sMinus = sMinus - sMinus/float64(period) + minusDM
		}
		if i >= period && sTR > 0 {
			plusDI := 100 * sPlus / sTR
			minusDI := 100 * sMinus / sTR
			if plusDI+minusDI > 0 {
				dxs = append(dxs, 100*math.Abs(plusDI-minusDI)/(plusDI+minusDI))
			} else {
				dxs = append(dxs, 0)
			}
		}
	}
	if len(dxs) < period {
		return ADXResult{}, false
	}
	adx := 0.0
	for _, dx := range dxs[len(dxs)-period:] {
		adx += dx
	}
	adx /= float64(period)
	plusDI := 100 * sPlus / sTR
	minusDI := 100 * sMinus / sTR
	return ADXResult{ADX: adx, PlusDI: plusDI, MinusDI: minusDI}, true
}

// VWAP computes the volume-weighted average price of the trailing n bars
// using the typical price (H+L+C)/3.
func VWAP(candles []market.Candle, n int) (float64, bool) {
	if n <= 0 || len(candles) < n {
		return 0, false
	}
	var pv, vol float64
	for _, c := range candles[len(candles)-n:] {
		typical := (c.High + c.Low + c.Close) / 3
		pv += typical * c.Volume
		vol += c.Volume
	}
	if vol == 0 {
		return 0, false
	}
	return pv / vol, true
}

// OBVSlope computes the on-balance-volume slope over the trailing n bars,
// normalized by total volume so the result lands in [-1, 1].
func OBVSlope(candles []market.Candle, n int) (float64, bool) {
	if n <= 1 || len(candles) < n {
		return 0, false
	}
	window := candles[len(candles)-n:]
	obv, total := 0.0, 0.0
	for i := 1; i < len(window); i++ {
		total += window[i].Volume
		switch {
		case window[i].Close > window[i-1].Close:
			obv += window[i].Volume
		case window[i].Close < window[i-1].Close:
			obv -= window[i].Volume
		}
	}
	if total == 0 {
		return 0, true
	}
	return obv / total, true
}

// BollingerWidth computes (2 * stdev) / sma over the trailing period closes:
// a dimensionless band-width measure.
func BollingerWidth(candles []market.Candle, period int) (float64, bool) {
	closes := market.Closes(candles)
	ma, ok := SMA(closes, period)
	if !ok || ma == 0 {
		return 0, false
	}
	variance := 0.0
	for _, v := range closes[len(closes)-period:] {
		d := v - ma
		variance += d * d
	}
	stdev := math.Sqrt(variance / float64(period))
	return stdev * 2 / ma, true
}

// VolumeRatio compares the mean volume of the trailing short bars to the
// mean of the trailing long bars.
func VolumeRatio(candles []market.Candle, short, long int) (float64, bool) {
	if short <= 0 || long <= short || len(candles) < long {
		return 0, false
	}
	var sSum, lSum float64
	for _, c := range candles[len(candles)-short:] {
		sSum += c.Volume
	}
	for _, c := range candles[len(candles)-long:] {
		lSum += c.Volume
	}
	lMean := lSum / float64(long)
	if lMean == 0 {
		return 0, false
	}
	return (sSum / float64(short)) / lMean, true
}

// Return computes the fractional close-to-close return over the trailing n
// bars.
func Return(candles []market.Candle, n int) (float64, bool) {
	if n <= 0 || len(candles) < n+1 {
		return 0, false
	}
	past := candles[len(candles)-n-1].Close
	if past == 0 {
		return 0, false
	}
	return (candles[len(candles)-1].Close - past) / past, true
}

// PositionInRange locates the last close within the window's [low, high]
// span, 0 at the low and 1 at the high.
func PositionInRange(candles []market.Candle, n int) (float64, bool) {
	if n <= 0 || len(candles) < n {
		return 0, false
	}
	window := candles[len(candles)-n:]
	lo, hi := window[0].Low, window[0].High
	for _, c := range window {
		lo = math.Min(lo, c.Low)
		hi = math.Max(hi, c.High)
	}
	if hi == lo {
		return 0.5, true
	}
	return (window[len(window)-1].Close - lo) / (hi - lo), true
}

// Round rounds to the given number of decimal digits. The kernel otherwise
// never rounds; this exists for report fields only.
func Round(x float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(x*p) / p
}
