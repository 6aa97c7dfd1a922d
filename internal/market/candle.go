package market

import (
	"fmt"
	"math"
)

// Candle is a closed OHLCV bar for (symbol, timeframe, StartTime).
// StartTime is milliseconds since epoch, aligned to the bucket start.
type Candle struct {
	StartTime int64   `json:"start_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Range caps for (high-low)/open; wider bars are treated as corrupt feed data.
const (
	maxIntradayRange = 0.30
	maxDailyRange    = 0.50
)

// SanityBand is the per-symbol plausible price window used by Validate.
type SanityBand struct {
	Low  float64
	High float64
}

// Validate checks the storability invariants for a single bar. A nil error means the
// bar is storable.
func (c Candle) Validate(tf Timeframe, band SanityBand) error {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("candle %d: non-finite field", c.StartTime)
		}
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("candle %d: non-positive price", c.StartTime)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %d: negative volume", c.StartTime)
	}
	if c.Low > math.Min(c.Open, c.Close) || c.High < math.Max(c.Open, c.Close) || c.Low > c.High {
		return fmt.Errorf("candle %d: OHLC ordering violated", c.StartTime)
	}
	maxRange := maxIntradayRange
	if !tf.Intraday() {
		maxRange = maxDailyRange
	}
	if (c.High-c.Low)/c.Open > maxRange {
		return fmt.Errorf("candle %d: implausible range %.4f", c.StartTime, (c.High-c.Low)/c.Open)
	}
	if band.High > 0 && (c.Low < band.Low || c.High > band.High) {
		return fmt.Errorf("candle %d: price outside sanity band [%.2f, %.2f]", c.StartTime, band.Low, band.High)
	}
	return nil
}

// FilterValid returns the bars that pass Validate and the number rejected.
func FilterValid(candles []Candle, tf Timeframe, band SanityBand) ([]Candle, int) {
	out := candles[:0:0]
	rejected := 0
	for _, c := range candles {
		if c.Validate(tf, band) != nil {
			rejected++
			continue
		}
		out = append(out, c)
	}
	return out, rejected
}

// QualityScore grades a candle tail in [0,1]: share of bars passing
// validation, penalized for emptiness.
func QualityScore(candles []Candle, tf Timeframe, band SanityBand) float64 {
	if len(candles) == 0 {
		return 0
	}
	valid := 0
	for _, c := range candles {
		if c.Validate(tf, band) == nil {
			valid++
		}
	}
	return float64(valid) / float64(len(candles))
}

// Closes extracts the close series.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
