// Package levels builds the trading-zone model: pivot clustering into
// support/resistance levels, volume and recency enrichment, confirmed role
// flips and cross-timeframe confluence.
package levels

import (
	"math"
	"sort"

	"bybit-orderflow-bot/internal/indicators"
	"bybit-orderflow-bot/internal/market"
)

// Role of a level relative to current price action.
type Role string

const (
	Support    Role = "support"
	Resistance Role = "resistance"
)

func (r Role) opposite() Role {
	if r == Support {
		return Resistance
	}
	return Support
}

// Level is one clustered price level with its enrichment fields.
type Level struct {
	Price           float64            `json:"price"`
	Origin          Role               `json:"origin"`
	CurrentRole     Role               `json:"currentRole"`
	Touches         int                `json:"touches"`
	BarIndex        int                `json:"barIndex"`
	BrokenAtBar     int                `json:"brokenAtBar"` // -1 when intact
	VolumeAtLevel   float64            `json:"volumeAtLevel"`
	ZoneLow         float64            `json:"zoneLow"`
	ZoneHigh        float64            `json:"zoneHigh"`
	RoundBonus      float64            `json:"roundBonus"`
	NearRoundNumber bool               `json:"nearRoundNumber"`
	Recency         float64            `json:"recency"`
	Strength        float64            `json:"strength"`
	ConfluenceTFs   []market.Timeframe `json:"confluenceTimeframes,omitempty"`
}

// Options tune the model.
type Options struct {
	PivotLeft           int
	PivotRight          int
	ClusterThresholdPct float64
	VolumeConfirmRatio  float64
	MaxLevels           int
	FlipLookbackBars    int
}

// DefaultOptions are the tuned defaults.
func DefaultOptions() Options {
	return Options{
		PivotLeft:           3,
		PivotRight:          3,
		ClusterThresholdPct: 0.002,
		VolumeConfirmRatio:  0.5,
		MaxLevels:           12,
		FlipLookbackBars:    20,
	}
}

const (
	nearRoundPct = 0.001
	decayBars    = 50
)

// Model is the full zone assessment of one timeframe's window.
type Model struct {
	Levels            []Level  `json:"levels"`
	NearestSupport    *Level   `json:"nearestSupport,omitempty"`
	NearestResistance *Level   `json:"nearestResistance,omitempty"`
	InZone            bool     `json:"inZone"`
	AtSupportZone     bool     `json:"atSupportZone"`
	AtResistanceZone  bool     `json:"atResistanceZone"`
	RecentFlips       []Level  `json:"recentFlips,omitempty"`
	ATR               float64  `json:"atr"`
}

// Build runs the whole pipeline over one candle window.
func Build(candles []market.Candle, opts Options) *Model {
	m := &Model{}
	if len(candles) < opts.PivotLeft+opts.PivotRight+2 {
		return m
	}
	atr, ok := indicators.ATR(candles, 14)
	if !ok {
		return m
	}
	m.ATR = atr

	pivots := indicators.Pivots(candles, opts.PivotLeft, opts.PivotRight)
	levels := cluster(pivots, opts.ClusterThresholdPct)
	for i := range levels {
		enrich(&levels[i], candles, atr)
	}
	trim(levels, opts.MaxLevels)
	if len(levels) > opts.MaxLevels && opts.MaxLevels > 0 {
		levels = levels[:opts.MaxLevels]
	}
	for i := range levels {
		assignRole(&levels[i], candles, opts.VolumeConfirmRatio)
	}
	m.Levels = levels

	locate(m, candles)
	m.RecentFlips = recentFlips(levels, len(candles), opts.FlipLookbackBars)
	return m
}

// cluster groups like-kind pivots sorted by price; a pivot joins the current
// cluster when within thresholdPct of the cluster's reference price.
// Cluster price is the member median, barIndex the max.
func cluster(pivots []indicators.Pivot, thresholdPct float64) []Level {
	byKind := map[indicators.PivotKind][]indicators.Pivot{}
	for _, p := range pivots {
		byKind[p.Kind] = append(byKind[p.Kind], p)
	}

	var out []Level
	for kind, members := range byKind {
		sort.Slice(members, func(i, j int) bool { return members[i].Price < members[j].Price })
		origin := Support
		if kind == indicators.PivotHigh {
			origin = Resistance
		}

		var current []indicators.Pivot
		flush := func() {
			if len(current) == 0 {
				return
			}
			prices := make([]float64, len(current))
			maxBar := current[0].BarIndex
			for i, p := range current {
				prices[i] = p.Price
				if p.BarIndex > maxBar {
					maxBar = p.BarIndex
				}
			}
			out = append(out, Level{
				Price:       median(prices),
				Origin:      origin,
				CurrentRole: origin,
				Touches:     len(current),
				BarIndex:    maxBar,
				BrokenAtBar: -1,
			})
			current = nil
		}

		for _, p := range members {
			if len(current) > 0 {
				ref := current[0].Price
				if math.Abs(p.Price-ref)/ref > thresholdPct {
					flush()
				}
			}
			current = append(current, p)
		}
		flush()
	}
	return out
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func enrich(l *Level, candles []market.Candle, atr float64) {
	band := math.Max(0.001*l.Price, 0.5*atr)
	for _, c := range candles {
		if c.Low <= l.Price+band && c.High >= l.Price-band {
			l.VolumeAtLevel += c.Volume
		}
	}
	l.ZoneLow = l.Price - 0.5*atr
	l.ZoneHigh = l.Price + 0.5*atr

	step := roundStep(l.Price)
	nearest := math.Round(l.Price/step) * step
	distPct := math.Abs(l.Price-nearest) / l.Price
	l.RoundBonus = math.Max(0, 1-distPct/nearRoundPct)
	l.NearRoundNumber = l.RoundBonus > 0

	age := float64(len(candles) - 1 - l.BarIndex)
	l.Recency = 1 / (1 + age/decayBars)
}

func roundStep(price float64) float64 {
	switch {
	case price >= 100000:
		return 1000
	case price >= 10000:
		return 500
	default:
		return price * 0.01
	}
}

// trim computes composite strength and sorts by (strength desc, barIndex
// desc) so the retained top-N are the strongest and freshest.
func trim(levels []Level, maxLevels int) {
	maxTouches, maxVolume := 0, 0.0
	for _, l := range levels {
		if l.Touches > maxTouches {
			maxTouches = l.Touches
		}
		if l.VolumeAtLevel > maxVolume {
			maxVolume = l.VolumeAtLevel
		}
	}
	for i := range levels {
		l := &levels[i]
		touchesNorm := 0.0
		if maxTouches > 0 {
			touchesNorm = float64(l.Touches) / float64(maxTouches)
		}
		volumeRatio := 0.0
		if maxVolume > 0 {
			volumeRatio = l.VolumeAtLevel / maxVolume
		}
		s := 0.35*touchesNorm + 0.25*volumeRatio + 0.25*l.Recency + 0.15*l.RoundBonus
		l.Strength = math.Max(0, math.Min(1, s))
	}
	sort.Slice(levels, func(i, j int) bool {
		if levels[i].Strength != levels[j].Strength {
			return levels[i].Strength > levels[j].Strength
		}
		return levels[i].BarIndex > levels[j].BarIndex
	})
}

// assignRole walks forward from the level's bar looking for the first close
// through the level. The break flips the role only when that bar's volume
// reaches volumeConfirmRatio of the 20-bar volume mean; an unconfirmed
// breach leaves the level intact and ends the walk at that bar.
func assignRole(l *Level, candles []market.Candle, volumeConfirmRatio float64) {
	for i := l.BarIndex + 1; i < len(candles); i++ {
		c := candles[i]
		breached := (l.Origin == Resistance && c.Close > l.Price) ||
			(l.Origin == Support && c.Close < l.Price)
		if !breached {
			continue
		}
		if ma, ok := volumeMA20(candles, i); ok && c.Volume >= volumeConfirmRatio*ma {
			l.CurrentRole = l.Origin.opposite()
			l.BrokenAtBar = i
		}
		return
	}
}

func volumeMA20(candles []market.Candle, i int) (float64, bool) {
	const period = 20
	if i < period {
		return 0, false
	}
	sum := 0.0
	for _, c := range candles[i-period : i] {
		sum += c.Volume
	}
	return sum / period, true
}

func locate(m *Model, candles []market.Candle) {
	close := candles[len(candles)-1].Close
	for i := range m.Levels {
		l := &m.Levels[i]
		switch {
		case l.CurrentRole == Support && l.Price < close:
			if m.NearestSupport == nil || l.Price > m.NearestSupport.Price {
				m.NearestSupport = l
			}
		case l.CurrentRole == Resistance && l.Price > close:
			if m.NearestResistance == nil || l.Price < m.NearestResistance.Price {
				m.NearestResistance = l
			}
		}
	}
	m.InZone = m.NearestSupport != nil && m.NearestResistance != nil &&
		m.NearestSupport.Price <= close && close <= m.NearestResistance.Price
	if s := m.NearestSupport; s != nil {
		m.AtSupportZone = close >= s.ZoneLow && close <= s.ZoneHigh
	}
	if r := m.NearestResistance; r != nil {
		m.AtResistanceZone = close >= r.ZoneLow && close <= r.ZoneHigh
	}
}

func recentFlips(levels []Level, total, lookback int) []Level {
	var out []Level
	for _, l := range levels {
		if l.BrokenAtBar >= 0 && l.BrokenAtBar >= total-lookback {
			out = append(out, l)
		}
	}
	return out
}

// MarkConfluence stamps each level of the primary model with every other
// timeframe holding a level within 0.2% of its price.
func MarkConfluence(primary *Model, others map[market.Timeframe]*Model) {
	for i := range primary.Levels {
		l := &primary.Levels[i]
		for tf, other := range others {
			if other == nil {
				continue
			}
			for _, o := range other.Levels {
				if math.Abs(o.Price-l.Price)/l.Price <= 0.002 {
					l.ConfluenceTFs = append(l.ConfluenceTFs, tf)
					break
				}
			}
		}
		market.SortTimeframes(l.ConfluenceTFs)
	}
}
