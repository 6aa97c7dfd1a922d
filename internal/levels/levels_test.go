package levels

import (
	"math"
	"testing"

	"bybit-orderflow-bot/internal/market"
)

// flatSeries builds n flat candles at 95 with volume 1, giving a clean
// backdrop where only deliberately spiked bars form pivots.
func flatSeries(n int) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{
			StartTime: int64(i) * 60_000,
			Open:      95, High: 96, Low: 94, Close: 95,
			Volume: 1,
		}
	}
	return out
}

func spikeHigh(candles []market.Candle, bar int, high float64) {
	candles[bar].High = high
}

func findLevel(t *testing.T, m *Model, price float64) *Level {
	t.Helper()
	for i := range m.Levels {
		if math.Abs(m.Levels[i].Price-price)/price < 0.001 {
			return &m.Levels[i]
		}
	}
	t.Fatalf("no level near %.2f in %+v", price, m.Levels)
	return nil
}

func TestBuildFindsResistanceFromPivotHigh(t *testing.T) {
	candles := flatSeries(60)
	spikeHigh(candles, 10, 100)

	m := Build(candles, DefaultOptions())
	l := findLevel(t, m, 100)
	if l.Origin != Resistance || l.CurrentRole != Resistance {
		t.Fatalf("role = %s/%s, want resistance/resistance", l.Origin, l.CurrentRole)
	}
	if l.BarIndex != 10 {
		t.Fatalf("barIndex = %d, want 10", l.BarIndex)
	}
	if l.BrokenAtBar != -1 {
		t.Fatalf("brokenAtBar = %d, want -1", l.BrokenAtBar)
	}
	if m.NearestResistance == nil || m.NearestResistance.Price != l.Price {
		t.Fatal("level at 100 should be nearest resistance above close 95")
	}
}

func TestClusterMergesNearbyPivots(t *testing.T) {
	candles := flatSeries(60)
	spikeHigh(candles, 10, 100)
	spikeHigh(candles, 20, 100.1) // 0.1% away, inside the 0.2% cluster band

	m := Build(candles, DefaultOptions())
	l := findLevel(t, m, 100.05)
	if l.Touches != 2 {
		t.Fatalf("touches = %d, want 2", l.Touches)
	}
	if l.BarIndex != 20 {
		t.Fatalf("barIndex = %d, want max member bar 20", l.BarIndex)
	}
}

func TestUnconfirmedBreachLeavesLevelIntact(t *testing.T) {
	candles := flatSeries(60)
	spikeHigh(candles, 10, 100)
	// close through the level on thin volume: 0.3 of the 20-bar mean
	candles[30].Close = 101
	candles[30].High = 101.5
	candles[30].Volume = 0.3

	m := Build(candles, DefaultOptions())
	l := findLevel(t, m, 100)
	if l.CurrentRole != Resistance {
		t.Fatalf("currentRole = %s, want resistance (breach unconfirmed)", l.CurrentRole)
	}
	if l.BrokenAtBar != -1 {
		t.Fatalf("brokenAtBar = %d, want -1", l.BrokenAtBar)
	}
}

func TestConfirmedBreachFlipsRole(t *testing.T) {
	candles := flatSeries(60)
	spikeHigh(candles, 10, 100)
	candles[45].Close = 101
	candles[45].High = 101.5
	candles[45].Volume = 2

	m := Build(candles, DefaultOptions())
	l := findLevel(t, m, 100)
	if l.CurrentRole != Support {
		t.Fatalf("currentRole = %s, want support after confirmed break", l.CurrentRole)
	}
	if l.BrokenAtBar != 45 {
		t.Fatalf("brokenAtBar = %d, want 45", l.BrokenAtBar)
	}
	if len(m.RecentFlips) == 0 {
		t.Fatal("confirmed flip within lookback should appear in recentFlips")
	}
}

// A thin-volume breach ends the walk for that level: a later high-volume
// close-through no longer flips it. The first breach decides.
func TestFirstBreachDecides(t *testing.T) {
	candles := flatSeries(60)
	spikeHigh(candles, 10, 100)
	candles[30].Close = 101
	candles[30].High = 101.5
	candles[30].Volume = 0.3
	candles[40].Close = 101
	candles[40].High = 101.5
	candles[40].Volume = 3

	m := Build(candles, DefaultOptions())
	l := findLevel(t, m, 100)
	if l.CurrentRole != Resistance || l.BrokenAtBar != -1 {
		t.Fatalf("level = %+v, want intact resistance despite later confirmed breach", l)
	}
}

func TestRoundNumberBonus(t *testing.T) {
	candles := flatSeries(60)
	spikeHigh(candles, 10, 100)

	m := Build(candles, DefaultOptions())
	l := findLevel(t, m, 100)
	if !l.NearRoundNumber || l.RoundBonus < 0.99 {
		t.Fatalf("level at 100: roundBonus = %.3f near = %v, want full bonus", l.RoundBonus, l.NearRoundNumber)
	}
}

func TestStrengthWithinUnitRange(t *testing.T) {
	candles := flatSeries(80)
	spikeHigh(candles, 10, 100)
	spikeHigh(candles, 40, 103)
	spikeHigh(candles, 60, 106)

	m := Build(candles, DefaultOptions())
	for _, l := range m.Levels {
		if l.Strength < 0 || l.Strength > 1 {
			t.Fatalf("strength %.3f out of [0,1] for level %+v", l.Strength, l)
		}
	}
}

func TestBuildTooFewCandles(t *testing.T) {
	m := Build(flatSeries(5), DefaultOptions())
	if len(m.Levels) != 0 {
		t.Fatalf("levels = %d, want none for a window too small to pivot", len(m.Levels))
	}
}

func TestMarkConfluence(t *testing.T) {
	primary := flatSeries(60)
	spikeHigh(primary, 10, 100)
	other := flatSeries(60)
	spikeHigh(other, 20, 100.1)

	pm := Build(primary, DefaultOptions())
	om := Build(other, DefaultOptions())
	MarkConfluence(pm, map[market.Timeframe]*Model{market.TF1h: om})

	l := findLevel(t, pm, 100)
	if len(l.ConfluenceTFs) != 1 || l.ConfluenceTFs[0] != market.TF1h {
		t.Fatalf("confluence = %v, want [1h]", l.ConfluenceTFs)
	}
}
