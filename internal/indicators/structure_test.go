package indicators

import (
	"testing"

	"bybit-orderflow-bot/internal/market"
)

func TestPivotsSingleHigh(t *testing.T) {
	candles := flatCandles(11, 100, 10)
	candles[5].High = 110
	candles[5].Low = 100

	pivots := Pivots(candles, 3, 3)
	var highs []Pivot
	for _, p := range pivots {
		if p.Kind == PivotHigh {
			highs = append(highs, p)
		}
	}
	if len(highs) != 1 {
		t.Fatalf("got %d pivot highs, want 1", len(highs))
	}
	if highs[0].BarIndex != 5 || highs[0].Price != 110 {
		t.Fatalf("pivot = %+v, want bar 5 price 110", highs[0])
	}
}

func TestPivotsTieIsNotPivot(t *testing.T) {
	candles := flatCandles(11, 100, 10)
	candles[4].High = 110
	candles[5].High = 110

	for _, p := range Pivots(candles, 3, 3) {
		if p.Kind == PivotHigh {
			t.Fatalf("equal highs must not both qualify, got pivot at bar %d", p.BarIndex)
		}
	}
}

func TestSwingStructure(t *testing.T) {
	tests := []struct {
		name string
		step float64
		want Structure
	}{
		{"uptrend", 1, StructureUp},
		{"downtrend", -1, StructureDown},
		{"flat", 0, StructureRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candles := trendingCandles(80, 100, tt.step)
			got, ok := SwingStructure(candles, 4)
			if !ok {
				t.Fatal("expected ok")
			}
			if got != tt.want {
				t.Fatalf("structure = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSpringDetection(t *testing.T) {
	candles := make([]market.Candle, 40)
	for i := range candles {
		candles[i] = market.Candle{
			StartTime: int64(i) * 60000,
			Open:      100, High: 105, Low: 95, Close: 100, Volume: 10,
		}
	}
	// Wick pierces the range low then closes back inside.
	last := &candles[39]
	last.Low = 90
	last.Close = 98
	last.Open = 97
	last.High = 99

	spring, upthrust := SpringUpthrust(candles, 30, 5, 0.001)
	if !spring {
		t.Fatal("expected spring")
	}
	if upthrust {
		t.Fatal("unexpected upthrust")
	}
}

func TestVolumeAtBounds(t *testing.T) {
	candles := make([]market.Candle, 40)
	for i := range candles {
		price := 100.0
		vol := 10.0
		if i%4 == 0 {
			price = 90 // prints at the low bound
			vol = 40
		}
		candles[i] = market.Candle{
			StartTime: int64(i) * 60000,
			Open:      price, High: price + 1, Low: price - 1, Close: price,
			Volume: vol,
		}
	}
	bounds, ok := VolumeAtBounds(candles, 40, 0.15)
	if !ok {
		t.Fatal("expected ok")
	}
	if bounds.LowRatio <= 1 {
		t.Fatalf("low-bound ratio = %v, want > 1", bounds.LowRatio)
	}
}
