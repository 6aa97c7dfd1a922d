// Package sandbox is the virtual-position engine: a paper trading state
// machine stepped once per control tick, with adaptive leverage, ordered
// entry gates and ordered, at-most-one-per-tick exit rules.
package sandbox

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"bybit-orderflow-bot/internal/logging"
	"bybit-orderflow-bot/internal/orderflow"
	"bybit-orderflow-bot/internal/trend"
)

// Side of the virtual position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// ExitReason is the closed set of close causes.
type ExitReason string

const (
	ExitLiquidation    ExitReason = "liquidation"
	ExitBreakeven      ExitReason = "breakeven"
	ExitStopLoss       ExitReason = "stop_loss"
	ExitTakeProfit     ExitReason = "take_profit"
	ExitTakeProfitPart ExitReason = "take_profit_part"
	ExitTrailingStop   ExitReason = "trailing_stop"
	ExitMicrostructure ExitReason = "microstructure"
	ExitReversal       ExitReason = "reversal"
	ExitManual         ExitReason = "manual"
)

// SkipReason is the closed set of rejected-entry causes.
type SkipReason string

const (
	SkipCooldown      SkipReason = "cooldown"
	SkipSameTickClose SkipReason = "same_tick_close"
	SkipSweepOnly     SkipReason = "sweep_only"
	SkipSweepDelay    SkipReason = "sweep_delay"
	SkipTrendFilter   SkipReason = "trend_filter"
	SkipDivergence    SkipReason = "divergence"
	SkipHotLevel      SkipReason = "hot_level"
	SkipContextNow    SkipReason = "context_now"
	SkipConfidence    SkipReason = "low_confidence"
)

// TPLevel is one take-profit step: close up to CumulativeShare of the
// initial size once price moves LevelPct in our favor.
type TPLevel struct {
	LevelPct        float64
	CumulativeShare float64
}

// Settings is the immutable sandbox configuration, validated at startup.
type Settings struct {
	InitialBalance      float64
	TakerFee            float64
	MinConfidenceToOpen float64

	CooldownSec           int
	NoOpenSameTickAsClose bool
	NoOpenSweepOnly       bool
	SweepDelaySec         int
	TrendFilter           bool
	UseContextNowPrimary  bool
	UseContextNowOnly     bool

	StopLossPct         float64
	BreakevenTriggerPct float64
	TakeProfitPct       float64
	TPLevels            []TPLevel
	TrailTriggerPct     float64
	TrailPct            float64

	MinHoldSec         int
	ExitMinConfidence  float64
	ExitNoneTicks      int
	ExitWindowTicks    int
	ExitWindowNeed     int
	MinConfirmingTicks int
	MinProfitPct       float64

	AdaptiveLeverage             bool
	LeverageMin                  float64
	LeverageMax                  float64
	MarginFraction               float64
	LiquidationMaintenance       float64
	DrawdownLeverageThresholdPct float64
}

// Position is the open virtual position.
type Position struct {
	Side        Side    `json:"side"`
	EntryPrice  float64 `json:"entryPrice"`
	Size        float64 `json:"size"`
	InitialSize float64 `json:"initialSize"`
	Notional    float64 `json:"notional"`
	Leverage    float64 `json:"leverage"`
	Margin      float64 `json:"margin"`
	EntryTS     int64   `json:"entryTs"`

	SLAtBreakeven   bool    `json:"slAtBreakeven"`
	TrailActive     bool    `json:"trailActive"`
	TrailPeak       float64 `json:"trailPeak"`
	TPClosedShare   float64 `json:"tpClosedShare"`
	ConfirmingTicks int     `json:"confirmingTicks"`
	ExitSignalTicks int     `json:"exitSignalTicks"`

	exitWindow []bool
}

// TickInput is everything the sandbox sees at one tick.
type TickInput struct {
	TS     int64
	Price  float64
	Signal orderflow.Signal
	Report orderflow.Report

	HigherTrend trend.Direction // "" when unknown

	ContextAllowedLong  bool
	ContextAllowedShort bool

	HotResistance float64 // 0 when none
	HotSupport    float64
}

// Trade is one open or close event.
type Trade struct {
	TS               int64
	Action           string // open, close, tp_part
	Side             Side
	Price            float64
	Size             float64
	Notional         float64
	Commission       float64
	RealizedPnL      float64
	SignalDirection  string
	SignalConfidence float64
	Reason           string
	Leverage         float64
	ExitReason       ExitReason
	EntryType        string
}

// Skip is one rejected entry.
type Skip struct {
	TS         int64
	Direction  Side
	Confidence float64
	Reason     SkipReason
}

// Sink receives every trade and skip event.
type Sink interface {
	Trade(Trade)
	Skip(Skip)
}

// Sandbox is the stateful engine. Owned by the control loop; external
// surfaces read the published Snapshot only.
type Sandbox struct {
	mu       sync.Mutex
	settings Settings
	sinks    []Sink

	realizedPnL     float64
	commissionTotal float64
	peakEquity      float64
	pos             *Position

	lastCloseTS    int64
	closedThisTick bool
	tradesCount    int

	log zerolog.Logger
}

func New(settings Settings, sinks ...Sink) *Sandbox {
	return &Sandbox{
		settings:   settings,
		sinks:      sinks,
		peakEquity: settings.InitialBalance,
		log:        logging.Component("sandbox"),
	}
}

// Equity is cash plus unrealized PnL at the given price.
func (s *Sandbox) Equity(price float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.equityLocked(price)
}

func (s *Sandbox) equityLocked(price float64) float64 {
	return s.settings.InitialBalance + s.realizedPnL - s.commissionTotal +
		s.unrealizedLocked(price)
}

func (s *Sandbox) unrealizedLocked(price float64) float64 {
	if s.pos == nil || price <= 0 {
		return 0
	}
	if s.pos.Side == Long {
		return s.pos.Size * (price - s.pos.EntryPrice)
	}
	return s.pos.Size * (s.pos.EntryPrice - price)
}

// Tick advances the state machine one step: exits first, then at most one
// entry attempt.
func (s *Sandbox) Tick(in TickInput) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closedThisTick = false
	if in.Price <= 0 || math.IsNaN(in.Price) {
		panic(fmt.Sprintf("sandbox: invalid tick price %v", in.Price))
	}

	if equity := s.equityLocked(in.Price); equity > s.peakEquity {
		s.peakEquity = equity
	}

	if s.pos != nil {
		s.trackTicks(in)
		s.evalExits(in)
	}

	s.tryOpen(in)
}

func (s *Sandbox) trackTicks(in TickInput) {
	p := s.pos
	if (p.Side == Long && in.Signal.Direction == orderflow.Long) ||
		(p.Side == Short && in.Signal.Direction == orderflow.Short) {
		p.ConfirmingTicks++
	}

	wantExitDir := in.Signal.Direction == orderflow.None ||
		(p.Side == Long && in.Signal.Direction == orderflow.Short) ||
		(p.Side == Short && in.Signal.Direction == orderflow.Long)
	wantExitConf := in.Signal.Confidence < s.settings.ExitMinConfidence
	wantExit := wantExitDir || wantExitConf

	if wantExit {
		p.ExitSignalTicks++
	} else {
		p.ExitSignalTicks = 0
	}
	if s.settings.ExitWindowTicks > 0 {
		p.exitWindow = append(p.exitWindow, wantExit)
		if len(p.exitWindow) > s.settings.ExitWindowTicks {
			p.exitWindow = p.exitWindow[len(p.exitWindow)-s.settings.ExitWindowTicks:]
		}
	}
}

// evalExits applies the ordered exit rules; the first hit closes (fully or
// partially) and no further rule runs this tick.
func (s *Sandbox) evalExits(in TickInput) {
	p := s.pos

	// 1. Liquidation.
	if s.unrealizedLocked(in.Price) <= -p.Margin*s.settings.LiquidationMaintenance {
		s.closeLocked(in, in.Price, ExitLiquidation)
		return
	}

	pct := s.movePct(in.Price)

	// 2. Price exits.
	if s.settings.BreakevenTriggerPct > 0 && pct >= s.settings.BreakevenTriggerPct {
		p.SLAtBreakeven = true
	}
	if p.SLAtBreakeven && pct <= 0 {
		s.closeLocked(in, in.Price, ExitBreakeven)
		return
	}
	if s.settings.StopLossPct > 0 && pct <= -s.settings.StopLossPct {
		s.closeLocked(in, in.Price, ExitStopLoss)
		return
	}
	if len(s.settings.TPLevels) == 0 && s.settings.TakeProfitPct > 0 &&
		pct >= s.settings.TakeProfitPct {
		s.closeLocked(in, in.Price, ExitTakeProfit)
		return
	}
	if s.settings.TrailTriggerPct > 0 {
		if pct >= s.settings.TrailTriggerPct {
			p.TrailActive = true
		}
		if p.TrailActive {
			if pct > p.TrailPeak {
				p.TrailPeak = pct
			}
			if pct <= p.TrailPeak-s.settings.TrailPct {
				s.closeLocked(in, in.Price, ExitTrailingStop)
				return
			}
		}
	}

	// 3. Multi-level take profit.
	if len(s.settings.TPLevels) > 0 && s.evalMultiTP(in, pct) {
		return
	}

	// 4. Microstructure exit.
	s.evalMicroExit(in, pct)
}

func (s *Sandbox) evalMultiTP(in TickInput, pct float64) bool {
	p := s.pos
	for _, lvl := range s.settings.TPLevels {
		if pct < lvl.LevelPct || lvl.CumulativeShare <= p.TPClosedShare {
			continue
		}
		share := lvl.CumulativeShare - p.TPClosedShare
		size := share * p.InitialSize
		if size >= p.Size-1e-12 {
			s.closeLocked(in, in.Price, ExitTakeProfit)
			return true
		}
		s.partialCloseLocked(in, size, lvl.CumulativeShare)
		return true
	}
	return false
}

func (s *Sandbox) evalMicroExit(in TickInput, pct float64) {
	p := s.pos
	held := (in.TS - p.EntryTS) / 1000
	if held < int64(s.settings.MinHoldSec) {
		return
	}
	if p.ConfirmingTicks < s.settings.MinConfirmingTicks {
		return
	}

	signaled := false
	if s.settings.ExitWindowTicks > 0 {
		trues := 0
		for _, f := range p.exitWindow {
			if f {
				trues++
			}
		}
		signaled = trues >= s.settings.ExitWindowNeed
	} else {
		signaled = p.ExitSignalTicks >= s.settings.ExitNoneTicks
	}
	if !signaled {
		return
	}
	if pct > 0 && pct < s.settings.MinProfitPct {
		return
	}
	s.closeLocked(in, in.Price, ExitMicrostructure)
}

// movePct is the fractional move in the position's favor.
func (s *Sandbox) movePct(price float64) float64 {
	p := s.pos
	pct := (price - p.EntryPrice) / p.EntryPrice
	if p.Side == Short {
		pct = -pct
	}
	return pct
}

// tryOpen walks the entry gates in order; the first failing gate records a
// Skip and aborts.
func (s *Sandbox) tryOpen(in TickInput) {
	var side Side
	if s.settings.UseContextNowOnly {
		// Context-only mode: the analyzer's directional context picks the
		// side and the orderflow signal contributes confidence only.
		switch {
		case in.ContextAllowedLong:
			side = Long
		case in.ContextAllowedShort:
			side = Short
		default:
			return
		}
	} else {
		switch in.Signal.Direction {
		case orderflow.Long:
			side = Long
		case orderflow.Short:
			side = Short
		default:
			return
		}
	}
	if s.pos != nil && s.pos.Side == side {
		return
	}

	skip := func(reason SkipReason) {
		s.emitSkip(Skip{TS: in.TS, Direction: side, Confidence: in.Signal.Confidence, Reason: reason})
	}

	if s.settings.UseContextNowOnly {
		if (side == Long && in.Signal.Direction == orderflow.Short) ||
			(side == Short && in.Signal.Direction == orderflow.Long) {
			skip(SkipContextNow)
			return
		}
	}

	if s.settings.CooldownSec > 0 && s.lastCloseTS > 0 &&
		(in.TS-s.lastCloseTS)/1000 < int64(s.settings.CooldownSec) {
		skip(SkipCooldown)
		return
	}
	if s.settings.NoOpenSameTickAsClose && s.closedThisTick {
		skip(SkipSameTickClose)
		return
	}
	if s.settings.NoOpenSweepOnly && in.Signal.SweepOnly {
		skip(SkipSweepOnly)
		return
	}
	if s.settings.SweepDelaySec > 0 && in.Report.Sweep.Side != orderflow.SweepNone &&
		(in.TS-in.Report.Sweep.Time)/1000 < int64(s.settings.SweepDelaySec) {
		skip(SkipSweepDelay)
		return
	}
	if s.settings.TrendFilter && in.HigherTrend != "" {
		if (side == Long && in.HigherTrend == trend.Down) ||
			(side == Short && in.HigherTrend == trend.Up) {
			skip(SkipTrendFilter)
			return
		}
	}
	if (side == Long && in.Report.CVD.BearishDivergence) ||
		(side == Short && in.Report.CVD.BullishDivergence) {
		skip(SkipDivergence)
		return
	}
	if s.blockedByHotLevel(side, in) {
		skip(SkipHotLevel)
		return
	}
	if s.settings.UseContextNowPrimary {
		if (side == Long && !in.ContextAllowedLong) ||
			(side == Short && !in.ContextAllowedShort) {
			skip(SkipContextNow)
			return
		}
	}
	if in.Signal.Confidence < s.settings.MinConfidenceToOpen {
		skip(SkipConfidence)
		return
	}

	// Reversal: close the opposite side first, then open.
	if s.pos != nil {
		s.closeLocked(in, in.Price, ExitReversal)
	}
	s.openLocked(in, side)
}

// blockedByHotLevel suppresses longs just under a strong resistance and
// shorts just over a strong support (within 0.2%).
func (s *Sandbox) blockedByHotLevel(side Side, in TickInput) bool {
	const hotPct = 0.002
	if side == Long && in.HotResistance > 0 && in.Price < in.HotResistance {
		if (in.HotResistance-in.Price)/in.Price <= hotPct {
			return true
		}
	}
	if side == Short && in.HotSupport > 0 && in.Price > in.HotSupport {
		if (in.Price-in.HotSupport)/in.Price <= hotPct {
			return true
		}
	}
	return false
}

func (s *Sandbox) openLocked(in TickInput, side Side) {
	equity := s.equityLocked(in.Price)
	margin := math.Max(0.01*s.settings.InitialBalance, equity*s.settings.MarginFraction)
	leverage := s.chooseLeverage(in.Signal.Confidence, equity)
	notional := margin * leverage
	size := notional / in.Price
	commission := notional * s.settings.TakerFee

	s.commissionTotal += commission
	s.pos = &Position{
		Side:        side,
		EntryPrice:  in.Price,
		Size:        size,
		InitialSize: size,
		Notional:    notional,
		Leverage:    leverage,
		Margin:      margin,
		EntryTS:     in.TS,
	}

	s.emitTrade(Trade{
		TS:               in.TS,
		Action:           "open",
		Side:             side,
		Price:            in.Price,
		Size:             size,
		Notional:         notional,
		Commission:       commission,
		SignalDirection:  string(in.Signal.Direction),
		SignalConfidence: in.Signal.Confidence,
		Leverage:         leverage,
		EntryType:        "signal",
	})
	s.log.Info().Str("side", string(side)).Float64("price", in.Price).
		Float64("size", size).Float64("leverage", leverage).Msg("position opened")
}

// chooseLeverage scales between the configured bounds by signal confidence
// and caps at the midpoint while in a drawdown from peak equity.
func (s *Sandbox) chooseLeverage(confidence, equity float64) float64 {
	set := s.settings
	if !set.AdaptiveLeverage {
		return set.LeverageMax
	}
	l := set.LeverageMin + (set.LeverageMax-set.LeverageMin)*confidence
	if s.peakEquity > 0 && set.DrawdownLeverageThresholdPct > 0 {
		drawdownPct := (s.peakEquity - equity) / s.peakEquity * 100
		if drawdownPct >= set.DrawdownLeverageThresholdPct {
			mid := (set.LeverageMin + set.LeverageMax) / 2
			if l > mid {
				l = mid
			}
		}
	}
	return math.Max(set.LeverageMin, math.Min(set.LeverageMax, l))
}

func (s *Sandbox) closeLocked(in TickInput, price float64, reason ExitReason) {
	p := s.pos
	pnl := p.Size * (price - p.EntryPrice)
	if p.Side == Short {
		pnl = -pnl
	}
	commission := p.Size * price * s.settings.TakerFee

	s.realizedPnL += pnl
	s.commissionTotal += commission
	s.pos = nil
	s.lastCloseTS = in.TS
	s.closedThisTick = true
	s.tradesCount++

	s.emitTrade(Trade{
		TS:               in.TS,
		Action:           "close",
		Side:             p.Side,
		Price:            price,
		Size:             p.Size,
		Notional:         p.Size * price,
		Commission:       commission,
		RealizedPnL:      pnl,
		SignalDirection:  string(in.Signal.Direction),
		SignalConfidence: in.Signal.Confidence,
		Leverage:         p.Leverage,
		ExitReason:       reason,
	})
	s.log.Info().Str("side", string(p.Side)).Str("reason", string(reason)).
		Float64("price", price).Float64("pnl", pnl).Msg("position closed")
}

func (s *Sandbox) partialCloseLocked(in TickInput, size, newClosedShare float64) {
	p := s.pos
	pnl := size * (in.Price - p.EntryPrice)
	if p.Side == Short {
		pnl = -pnl
	}
	commission := size * in.Price * s.settings.TakerFee

	s.realizedPnL += pnl
	s.commissionTotal += commission
	p.Size -= size
	p.TPClosedShare = newClosedShare

	s.emitTrade(Trade{
		TS:               in.TS,
		Action:           "tp_part",
		Side:             p.Side,
		Price:            in.Price,
		Size:             size,
		Notional:         size * in.Price,
		Commission:       commission,
		RealizedPnL:      pnl,
		SignalDirection:  string(in.Signal.Direction),
		SignalConfidence: in.Signal.Confidence,
		Leverage:         p.Leverage,
		ExitReason:       ExitTakeProfitPart,
	})
}

func (s *Sandbox) emitTrade(t Trade) {
	for _, sink := range s.sinks {
		sink.Trade(t)
	}
}

func (s *Sandbox) emitSkip(sk Skip) {
	for _, sink := range s.sinks {
		sink.Skip(sk)
	}
}

// Snapshot is the published view for external surfaces.
type Snapshot struct {
	Equity          float64   `json:"equity"`
	RealizedPnL     float64   `json:"realizedPnl"`
	TotalCommission float64   `json:"totalCommission"`
	PeakEquity      float64   `json:"peakEquity"`
	TradesCount     int       `json:"tradesCount"`
	Position        *Position `json:"position,omitempty"`
}

// State publishes the current snapshot priced at the given mark.
func (s *Sandbox) State(price float64) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Equity:          s.equityLocked(price),
		RealizedPnL:     s.realizedPnL,
		TotalCommission: s.commissionTotal,
		PeakEquity:      s.peakEquity,
		TradesCount:     s.tradesCount,
	}
	if s.pos != nil {
		pos := *s.pos
		pos.exitWindow = nil
		snap.Position = &pos
	}
	return snap
}
