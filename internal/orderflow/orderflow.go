// Package orderflow analyzes the live order book and trade tape: depth
// imbalance and walls, time-and-sales stats, cumulative volume delta,
// delta-price divergence, liquidity sweeps and absorption.
package orderflow

import (
	"math"
	"sort"

	"bybit-orderflow-bot/internal/market"
)

// Options tune the engine.
type Options struct {
	TopLevels          int
	WindowSec          int
	WallPercentile     float64
	SpikeMultiple      float64
	DivergenceThreshold float64
	SweepWickRatioMin  float64
	SweepLookbackBars  int
	AbsorptionMinDrop  float64
	LastTradesCount    int
	LastTradesRatio    float64
}

// DefaultOptions are the tuned defaults.
func DefaultOptions() Options {
	return Options{
		TopLevels:           10,
		WindowSec:           60,
		WallPercentile:      90,
		SpikeMultiple:       2.0,
		DivergenceThreshold: 0.10,
		SweepWickRatioMin:   1.5,
		SweepLookbackBars:   5,
		AbsorptionMinDrop:   0.5,
		LastTradesCount:     20,
		LastTradesRatio:     1.5,
	}
}

// DOMStats is the depth-of-market analysis of one book snapshot.
type DOMStats struct {
	ImbalanceRatio float64            `json:"imbalanceRatio"`
	BidSum         float64            `json:"bidSum"`
	AskSum         float64            `json:"askSum"`
	BidWalls       []market.BookLevel `json:"bidWalls,omitempty"`
	AskWalls       []market.BookLevel `json:"askWalls,omitempty"`
}

// TapeStats summarizes trades within the window.
type TapeStats struct {
	BuyVolume    float64 `json:"buyVolume"`
	SellVolume   float64 `json:"sellVolume"`
	VolumePerSec float64 `json:"volumePerSec"`
	TradesPerSec float64 `json:"tradesPerSec"`
	VolumeSpike  bool    `json:"volumeSpike"`
}

// CVDStats carries the cumulative volume delta and its halves.
type CVDStats struct {
	Delta            float64 `json:"delta"`
	DeltaRatio       float64 `json:"deltaRatio"`
	FirstHalfRatio   float64 `json:"firstHalfRatio"`
	SecondHalfRatio  float64 `json:"secondHalfRatio"`
	BullishDivergence bool   `json:"bullishDivergence"`
	BearishDivergence bool   `json:"bearishDivergence"`
}

// SweepSide marks which side of the book a sweep took out.
type SweepSide string

const (
	SweepNone SweepSide = ""
	SweepBid  SweepSide = "bid"
	SweepAsk  SweepSide = "ask"
)

// Sweep is the most recent liquidity sweep.
type Sweep struct {
	Side  SweepSide `json:"side"`
	Price float64   `json:"price"`
	Time  int64     `json:"time"`
}

// Absorption flags one side of the book being eaten without price movement.
type Absorption struct {
	Bid     bool `json:"bid"`
	Ask     bool `json:"ask"`
	Bullish bool `json:"bullish"`
	Bearish bool `json:"bearish"`
}

// Report is the full order flow assessment at one tick.
type Report struct {
	TS          int64      `json:"ts"`
	DOM         DOMStats   `json:"dom"`
	Tape        TapeStats  `json:"tape"`
	CVD         CVDStats   `json:"cvd"`
	Sweep       Sweep      `json:"sweep"`
	Absorption  Absorption `json:"absorption"`
	TradesBias  string     `json:"tradesBias"` // buy, sell, neutral
	LastAggressor market.TradeSide `json:"lastAggressor"`
}

// AnalyzeDOM computes imbalance and walls from a sorted book snapshot.
func AnalyzeDOM(snap *market.BookSnapshot, opts Options) DOMStats {
	bids := topLevels(snap.Bids, opts.TopLevels)
	asks := topLevels(snap.Asks, opts.TopLevels)

	var stats DOMStats
	for _, l := range bids {
		stats.BidSum += l.Size
	}
	for _, l := range asks {
		stats.AskSum += l.Size
	}
	if total := stats.BidSum + stats.AskSum; total > 0 {
		stats.ImbalanceRatio = stats.BidSum / total
	} else {
		stats.ImbalanceRatio = 0.5
	}

	combined := make([]float64, 0, len(bids)+len(asks))
	for _, l := range bids {
		combined = append(combined, l.Size)
	}
	for _, l := range asks {
		combined = append(combined, l.Size)
	}
	cut := percentile(combined, opts.WallPercentile)
	for _, l := range bids {
		if l.Size > cut {
			stats.BidWalls = append(stats.BidWalls, l)
		}
	}
	for _, l := range asks {
		if l.Size > cut {
			stats.AskWalls = append(stats.AskWalls, l)
		}
	}
	return stats
}

// AnalyzeTape summarizes the trades of the last windowSec seconds ending at
// nowMS. The spike flag compares second-half volume to the first half.
func AnalyzeTape(trades []market.PublicTrade, nowMS int64, opts Options) TapeStats {
	windowMS := int64(opts.WindowSec) * 1000
	fromMS := nowMS - windowMS
	midMS := nowMS - windowMS/2

	var stats TapeStats
	var firstVol, secondVol float64
	count := 0
	for _, t := range trades {
		if t.Time < fromMS {
			continue
		}
		count++
		if t.Side == market.SideBuy {
			stats.BuyVolume += t.Size
		} else {
			stats.SellVolume += t.Size
		}
		if t.Time < midMS {
			firstVol += t.Size
		} else {
			secondVol += t.Size
		}
	}
	sec := float64(opts.WindowSec)
	stats.VolumePerSec = (stats.BuyVolume + stats.SellVolume) / sec
	stats.TradesPerSec = float64(count) / sec
	stats.VolumeSpike = firstVol > 0 && secondVol >= opts.SpikeMultiple*firstVol
	return stats
}

// AnalyzeCVD computes volume delta over the window plus per-half ratios, and
// flags delta-price divergence against the window's price change.
func AnalyzeCVD(trades []market.PublicTrade, nowMS int64, opts Options) CVDStats {
	windowMS := int64(opts.WindowSec) * 1000
	fromMS := nowMS - windowMS
	midMS := nowMS - windowMS/2

	var buy, sell float64
	var fBuy, fSell, sBuy, sSell float64
	var firstPrice, lastPrice float64
	for _, t := range trades {
		if t.Time < fromMS {
			continue
		}
		if firstPrice == 0 {
			firstPrice = t.Price
		}
		lastPrice = t.Price
		if t.Side == market.SideBuy {
			buy += t.Size
		} else {
			sell += t.Size
		}
		if t.Time < midMS {
			if t.Side == market.SideBuy {
				fBuy += t.Size
			} else {
				fSell += t.Size
			}
		} else {
			if t.Side == market.SideBuy {
				sBuy += t.Size
			} else {
				sSell += t.Size
			}
		}
	}

	stats := CVDStats{Delta: buy - sell}
	stats.DeltaRatio = ratio(buy-sell, buy+sell)
	stats.FirstHalfRatio = ratio(fBuy-fSell, fBuy+fSell)
	stats.SecondHalfRatio = ratio(sBuy-sSell, sBuy+sSell)

	if firstPrice > 0 && lastPrice > 0 {
		priceUp := lastPrice > firstPrice
		priceDown := lastPrice < firstPrice
		stats.BearishDivergence = priceUp && stats.DeltaRatio <= -opts.DivergenceThreshold
		stats.BullishDivergence = priceDown && stats.DeltaRatio >= opts.DivergenceThreshold
	}
	return stats
}

// DetectSweep scans the last lookback candles for a wick through a
// significant price that closed back on the other side. Candidate prices
// come from DOM walls and zone levels.
func DetectSweep(candles []market.Candle, dom DOMStats, zonePrices []float64, opts Options) Sweep {
	if len(candles) == 0 {
		return Sweep{}
	}
	var bidPrices, askPrices []float64
	for _, w := range dom.BidWalls {
		bidPrices = append(bidPrices, w.Price)
	}
	for _, w := range dom.AskWalls {
		askPrices = append(askPrices, w.Price)
	}
	bidPrices = append(bidPrices, zonePrices...)
	askPrices = append(askPrices, zonePrices...)

	start := len(candles) - opts.SweepLookbackBars
	if start < 0 {
		start = 0
	}
	var sweep Sweep
	for i := start; i < len(candles); i++ {
		c := candles[i]
		body := math.Abs(c.Close - c.Open)
		if body == 0 {
			continue
		}
		lowerWick := math.Min(c.Open, c.Close) - c.Low
		upperWick := c.High - math.Max(c.Open, c.Close)

		for _, p := range bidPrices {
			if c.Low < p && p < c.Close && lowerWick >= opts.SweepWickRatioMin*body {
				sweep = Sweep{Side: SweepBid, Price: p, Time: c.StartTime}
			}
		}
		for _, p := range askPrices {
			if c.High > p && p > c.Close && upperWick >= opts.SweepWickRatioMin*body {
				sweep = Sweep{Side: SweepAsk, Price: p, Time: c.StartTime}
			}
		}
	}
	return sweep
}

// DetectAbsorption compares top-K side totals between two snapshots: a side
// whose total dropped below minDrop of its prior value was eaten. The last
// aggressor side decides the direction flag.
func DetectAbsorption(prev, cur DOMStats, lastAggressor market.TradeSide, opts Options) Absorption {
	var a Absorption
	if prev.BidSum > 0 {
		a.Bid = cur.BidSum/prev.BidSum < opts.AbsorptionMinDrop
	}
	if prev.AskSum > 0 {
		a.Ask = cur.AskSum/prev.AskSum < opts.AbsorptionMinDrop
	}
	a.Bullish = a.Ask && lastAggressor == market.SideBuy
	a.Bearish = a.Bid && lastAggressor == market.SideSell
	return a
}

// LastTradesBias classifies the final K prints as buy, sell or neutral.
func LastTradesBias(trades []market.PublicTrade, opts Options) (bias string, lastAggressor market.TradeSide) {
	n := opts.LastTradesCount
	if n > len(trades) {
		n = len(trades)
	}
	if n == 0 {
		return "neutral", ""
	}
	tail := trades[len(trades)-n:]
	var buy, sell float64
	for _, t := range tail {
		if t.Side == market.SideBuy {
			buy += t.Size
		} else {
			sell += t.Size
		}
	}
	lastAggressor = tail[len(tail)-1].Side

	switch {
	case sell == 0 && buy > 0:
		return "buy", lastAggressor
	case buy == 0 && sell > 0:
		return "sell", lastAggressor
	case buy >= opts.LastTradesRatio*sell:
		return "buy", lastAggressor
	case sell >= opts.LastTradesRatio*buy:
		return "sell", lastAggressor
	default:
		return "neutral", lastAggressor
	}
}

func topLevels(levels []market.BookLevel, k int) []market.BookLevel {
	if len(levels) > k {
		return levels[:k]
	}
	return levels
}

// percentile uses nearest-rank on a copy of the input.
func percentile(values []float64, pct float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(pct / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
