package trend

import (
	"testing"

	"bybit-orderflow-bot/internal/market"
)

func series(n int, step float64) []market.Candle {
	out := make([]market.Candle, n)
	price := 100.0
	for i := range out {
		next := price + step
		high, low := price, next
		if next > price {
			high, low = next, price
		}
		out[i] = market.Candle{
			StartTime: int64(i) * 60_000,
			Open:      price, High: high, Low: low, Close: next,
			Volume: 1,
		}
		price = next
	}
	return out
}

func TestAnalyzeUptrend(t *testing.T) {
	r := Analyze(series(80, 0.5), DefaultSettings())
	if r.Direction != Up {
		t.Fatalf("direction = %s, want up", r.Direction)
	}
	if r.Confidence < 0.5 {
		t.Fatalf("confidence = %.3f, want >= 0.5", r.Confidence)
	}
	if r.BullScore <= r.BearScore {
		t.Fatalf("bull %.3f must exceed bear %.3f", r.BullScore, r.BearScore)
	}
	if r.TrendUnclear {
		t.Fatal("a clean uptrend should not be unclear")
	}
	if r.Momentum.Bias != "bullish" {
		t.Fatalf("momentum bias = %s, want bullish", r.Momentum.Bias)
	}
}

func TestAnalyzeDowntrend(t *testing.T) {
	r := Analyze(series(80, -0.5), DefaultSettings())
	if r.Direction != Down {
		t.Fatalf("direction = %s, want down", r.Direction)
	}
	if r.BearScore <= r.BullScore {
		t.Fatalf("bear %.3f must exceed bull %.3f", r.BearScore, r.BullScore)
	}
}

func TestScoresBounded(t *testing.T) {
	for _, step := range []float64{0.5, -0.5, 0} {
		r := Analyze(series(80, step), DefaultSettings())
		if r.BullScore+r.BearScore > 2 {
			t.Fatalf("step %.1f: bull+bear = %.3f, weights cannot sum past 2",
				step, r.BullScore+r.BearScore)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			t.Fatalf("confidence %.3f out of [0,1]", r.Confidence)
		}
	}
}

func TestAnalyzeFlat(t *testing.T) {
	candles := make([]market.Candle, 80)
	for i := range candles {
		candles[i] = market.Candle{
			StartTime: int64(i) * 60_000,
			Open:      100, High: 100.5, Low: 99.5, Close: 100,
			Volume: 1,
		}
	}
	r := Analyze(candles, DefaultSettings())
	if !r.TrendUnclear {
		t.Fatal("a dead flat series must be unclear")
	}
}

func TestRegimeOnSteadyTrend(t *testing.T) {
	r := Analyze(series(80, 0.5), DefaultSettings())
	if r.Regime != RegimeTrend {
		t.Fatalf("regime = %s, want trend (ADX %.1f)", r.Regime, r.ADX)
	}
	if r.ADX < 25 {
		t.Fatalf("adx = %.1f, want >= 25 on a one-way grind", r.ADX)
	}
}

func TestRegimeSurgeOnVolatilityBurst(t *testing.T) {
	candles := series(80, 0.1)
	// blow the last bars out to 10x the prior true range
	for i := 70; i < 80; i++ {
		candles[i].High = candles[i].Open + 5
		candles[i].Low = candles[i].Open - 5
	}
	r := Analyze(candles, DefaultSettings())
	if r.Regime != RegimeSurge {
		t.Fatalf("regime = %s, want surge", r.Regime)
	}
}

// baseSettings keeps only the original three thresholds active so each
// knob test flips exactly one of the newer ones.
func baseSettings() Settings {
	return Settings{FlatThreshold: 0.25, MinStrength: 0.35, MinGap: 0.10}
}

func TestMinGapDownOnlyTightensShorts(t *testing.T) {
	settings := baseSettings()
	settings.MinGapDown = 2.0 // wider than any reachable gap

	down := Analyze(series(80, -0.5), settings)
	if !down.TrendUnclear {
		t.Fatal("a downtrend must fail its own gap floor")
	}

	up := Analyze(series(80, 0.5), settings)
	if up.TrendUnclear {
		t.Fatal("the down gap floor must not touch uptrends")
	}
}

// dipSeries grinds up then eases off for the last few bars, so both sides
// collect evidence and the dominance is strictly below 1.
func dipSeries() []market.Candle {
	candles := series(74, 0.5)
	price := candles[len(candles)-1].Close
	for i := 74; i < 80; i++ {
		next := price - 0.1
		candles = append(candles, market.Candle{
			StartTime: int64(i) * 60_000,
			Open:      price, High: price, Low: next, Close: next,
			Volume: 1,
		})
		price = next
	}
	return candles
}

func TestUnclearThresholdReadsDominance(t *testing.T) {
	settings := baseSettings()
	settings.UnclearThreshold = 0.99
	if r := Analyze(dipSeries(), settings); !r.TrendUnclear {
		t.Fatalf("dominance (bull %.2f bear %.2f) cannot clear 0.99", r.BullScore, r.BearScore)
	}

	settings.UnclearThreshold = 0.35
	if r := Analyze(dipSeries(), settings); r.TrendUnclear {
		t.Fatalf("bull %.2f bear %.2f: a mild pullback must stay clear at 0.35", r.BullScore, r.BearScore)
	}
}

func TestSurgePenaltyDiscountsTheWinner(t *testing.T) {
	candles := series(80, 0.5)
	for i := 70; i < 80; i++ {
		candles[i].High = candles[i].Open + 5
		candles[i].Low = candles[i].Open - 5
	}

	settings := baseSettings()
	clear := Analyze(candles, settings)
	if clear.Regime != RegimeSurge {
		t.Fatalf("regime = %s, fixture must surge", clear.Regime)
	}
	if clear.TrendUnclear {
		t.Fatal("without a penalty the surge keeps its direction call")
	}

	settings.SurgePenalty = 1.0
	if r := Analyze(candles, settings); !r.TrendUnclear {
		t.Fatalf("winner %.2f minus the penalty must miss the strength floor", r.BullScore)
	}
}

func TestLowVolumeMakesTrendUnclear(t *testing.T) {
	candles := series(80, 0.5)
	for i := 75; i < 80; i++ {
		candles[i].Volume = 0.1
	}

	settings := baseSettings()
	if r := Analyze(candles, settings); r.TrendUnclear {
		t.Fatal("volume gating is off when the threshold is zero")
	}

	settings.LowVolumeThreshold = 0.5
	if r := Analyze(candles, settings); !r.TrendUnclear {
		t.Fatal("a fading tape must turn the call unclear")
	}
}

func TestRegimeRangeOnChop(t *testing.T) {
	candles := make([]market.Candle, 80)
	price := 100.0
	for i := range candles {
		step := 0.4
		if i%2 == 0 {
			step = -0.4
		}
		next := price + step
		high, low := price, next
		if next > price {
			high, low = next, price
		}
		candles[i] = market.Candle{
			StartTime: int64(i) * 60_000,
			Open:      price, High: high, Low: low, Close: next,
			Volume: 1,
		}
		price = next
	}
	r := Analyze(candles, DefaultSettings())
	if r.Regime != RegimeRange {
		t.Fatalf("regime = %s (ADX %.1f), want range on alternating chop", r.Regime, r.ADX)
	}
}
