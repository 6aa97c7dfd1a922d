package sandbox

import (
	"math"
	"testing"

	"bybit-orderflow-bot/internal/orderflow"
	"bybit-orderflow-bot/internal/trend"
)

type memSink struct {
	trades []Trade
	skips  []Skip
}

func (m *memSink) Trade(t Trade) { m.trades = append(m.trades, t) }
func (m *memSink) Skip(k Skip)   { m.skips = append(m.skips, k) }

func baseSettings() Settings {
	return Settings{
		InitialBalance:         100,
		TakerFee:               0.0006,
		MinConfidenceToOpen:    0.3,
		NoOpenSameTickAsClose:  true,
		StopLossPct:            0.1,
		TakeProfitPct:          0.04,
		ExitNoneTicks:          5,
		AdaptiveLeverage:       false,
		LeverageMin:            2,
		LeverageMax:            2,
		MarginFraction:         1.0,
		LiquidationMaintenance: 1.0,
	}
}

func longSignal(conf float64) orderflow.Signal {
	return orderflow.Signal{Direction: orderflow.Long, Confidence: conf, Score: conf}
}

func shortSignal(conf float64) orderflow.Signal {
	return orderflow.Signal{Direction: orderflow.Short, Confidence: conf, Score: -conf}
}

func approx(t *testing.T, got, want float64, what string) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("%s = %.9f, want %.9f", what, got, want)
	}
}

// A full round trip at 2x leverage: open 0.01 BTC at 20000 for a 200
// notional, take profit at 21000. Commissions 0.12 + 0.126, pnl 10,
// so final equity is 109.754.
func TestRoundTripEquity(t *testing.T) {
	sink := &memSink{}
	box := New(baseSettings(), sink)

	box.Tick(TickInput{TS: 0, Price: 20000, Signal: longSignal(0.5)})
	box.Tick(TickInput{TS: 60_000, Price: 21000, Signal: longSignal(0.5)})

	if len(sink.trades) != 2 {
		t.Fatalf("trades = %d, want open+close", len(sink.trades))
	}
	open, close := sink.trades[0], sink.trades[1]

	if open.Action != "open" || open.Side != Long {
		t.Fatalf("first trade = %+v, want long open", open)
	}
	approx(t, open.Size, 0.01, "open size")
	approx(t, open.Notional, 200, "open notional")
	approx(t, open.Commission, 0.12, "open commission")

	if close.Action != "close" || close.ExitReason != ExitTakeProfit {
		t.Fatalf("second trade = %+v, want take_profit close", close)
	}
	approx(t, close.RealizedPnL, 10, "realized pnl")
	approx(t, close.Commission, 0.126, "close commission")

	approx(t, box.Equity(21000), 109.754, "final equity")
}

func TestLiquidationBeforeStopLoss(t *testing.T) {
	settings := baseSettings()
	settings.LiquidationMaintenance = 0.5
	sink := &memSink{}
	box := New(settings, sink)

	box.Tick(TickInput{TS: 0, Price: 20000, Signal: longSignal(0.5)})
	// unrealized -60 breaches the -50 maintenance line; the -30% move would
	// also hit the stop but liquidation is evaluated first
	box.Tick(TickInput{TS: 60_000, Price: 14000, Signal: longSignal(0.5)})

	if len(sink.trades) != 2 {
		t.Fatalf("trades = %d, want open+close", len(sink.trades))
	}
	if sink.trades[1].ExitReason != ExitLiquidation {
		t.Fatalf("exitReason = %s, want liquidation", sink.trades[1].ExitReason)
	}
}

func TestNoReopenOnCloseTick(t *testing.T) {
	sink := &memSink{}
	box := New(baseSettings(), sink)

	box.Tick(TickInput{TS: 0, Price: 20000, Signal: longSignal(0.5)})
	box.Tick(TickInput{TS: 60_000, Price: 21000, Signal: longSignal(0.5)})

	if len(sink.trades) != 2 {
		t.Fatalf("trades = %d, the close tick must not reopen", len(sink.trades))
	}
	if len(sink.skips) != 1 || sink.skips[0].Reason != SkipSameTickClose {
		t.Fatalf("skips = %+v, want one same_tick_close", sink.skips)
	}
}

func TestCooldownGate(t *testing.T) {
	settings := baseSettings()
	settings.CooldownSec = 60
	sink := &memSink{}
	box := New(settings, sink)

	box.Tick(TickInput{TS: 0, Price: 20000, Signal: longSignal(0.5)})
	box.Tick(TickInput{TS: 60_000, Price: 21000, Signal: longSignal(0.5)}) // TP close
	box.Tick(TickInput{TS: 70_000, Price: 21000, Signal: longSignal(0.5)})

	last := sink.skips[len(sink.skips)-1]
	if last.Reason != SkipCooldown {
		t.Fatalf("skip = %s, want cooldown 10s after a close", last.Reason)
	}
	if len(sink.trades) != 2 {
		t.Fatalf("trades = %d, cooldown must block the reopen", len(sink.trades))
	}
}

// The gates run in a fixed order; a tick tripping several must record the
// first one only.
func TestGateOrdering(t *testing.T) {
	settings := baseSettings()
	settings.NoOpenSweepOnly = true
	settings.TrendFilter = true
	sink := &memSink{}
	box := New(settings, sink)

	sig := longSignal(0.1)
	sig.SweepOnly = true
	box.Tick(TickInput{TS: 0, Price: 20000, Signal: sig, HigherTrend: trend.Down})
	if sink.skips[0].Reason != SkipSweepOnly {
		t.Fatalf("skip = %s, want sweep_only before trend and confidence", sink.skips[0].Reason)
	}

	box.Tick(TickInput{TS: 1000, Price: 20000, Signal: longSignal(0.1), HigherTrend: trend.Down})
	if sink.skips[1].Reason != SkipTrendFilter {
		t.Fatalf("skip = %s, want trend_filter before confidence", sink.skips[1].Reason)
	}

	box.Tick(TickInput{TS: 2000, Price: 20000, Signal: longSignal(0.1), HigherTrend: trend.Up})
	if sink.skips[2].Reason != SkipConfidence {
		t.Fatalf("skip = %s, want low_confidence last", sink.skips[2].Reason)
	}
}

func TestHotLevelGate(t *testing.T) {
	sink := &memSink{}
	box := New(baseSettings(), sink)

	// resistance 0.15% overhead: inside the 0.2% keep-out band
	box.Tick(TickInput{TS: 0, Price: 20000, Signal: longSignal(0.5), HotResistance: 20030})
	if len(sink.skips) != 1 || sink.skips[0].Reason != SkipHotLevel {
		t.Fatalf("skips = %+v, want hot_level", sink.skips)
	}

	// far enough below the level to trade
	box.Tick(TickInput{TS: 1000, Price: 20000, Signal: longSignal(0.5), HotResistance: 20500})
	if len(sink.trades) != 1 {
		t.Fatalf("trades = %d, a distant level must not block", len(sink.trades))
	}
}

// In context-only mode the analyzer's direction picks the side; the flow
// signal only has to clear the confidence bar and not point the other way.
func TestContextOnlyDrivesSide(t *testing.T) {
	settings := baseSettings()
	settings.UseContextNowOnly = true
	settings.MinConfidenceToOpen = 0.1
	sink := &memSink{}
	box := New(settings, sink)

	sig := orderflow.Signal{Direction: orderflow.None, Confidence: 0.2}
	box.Tick(TickInput{TS: 0, Price: 20000, Signal: sig, ContextAllowedLong: true})

	if len(sink.trades) != 1 || sink.trades[0].Side != Long {
		t.Fatalf("trades = %+v, want a context-driven long open", sink.trades)
	}
}

func TestContextOnlyNoContextNoTrade(t *testing.T) {
	settings := baseSettings()
	settings.UseContextNowOnly = true
	settings.MinConfidenceToOpen = 0.1
	sink := &memSink{}
	box := New(settings, sink)

	// a directional signal alone must not open without context backing
	box.Tick(TickInput{TS: 0, Price: 20000, Signal: longSignal(0.5)})

	if len(sink.trades) != 0 {
		t.Fatalf("trades = %+v, want none without a context direction", sink.trades)
	}
}

func TestContextOnlySkipsOpposingSignal(t *testing.T) {
	settings := baseSettings()
	settings.UseContextNowOnly = true
	settings.MinConfidenceToOpen = 0.1
	sink := &memSink{}
	box := New(settings, sink)

	box.Tick(TickInput{TS: 0, Price: 20000, Signal: shortSignal(0.5), ContextAllowedLong: true})

	if len(sink.trades) != 0 {
		t.Fatalf("trades = %+v, an opposing flow signal must block", sink.trades)
	}
	if len(sink.skips) != 1 || sink.skips[0].Reason != SkipContextNow {
		t.Fatalf("skips = %+v, want context_now", sink.skips)
	}
}

func TestReversalClosesThenOpens(t *testing.T) {
	sink := &memSink{}
	box := New(baseSettings(), sink)

	box.Tick(TickInput{TS: 0, Price: 20000, Signal: longSignal(0.5)})
	// small move: no price exit fires, the opposite signal reverses
	box.Tick(TickInput{TS: 60_000, Price: 20100, Signal: shortSignal(0.5)})

	if len(sink.trades) != 3 {
		t.Fatalf("trades = %d, want open, reversal close, open", len(sink.trades))
	}
	if sink.trades[1].ExitReason != ExitReversal {
		t.Fatalf("exitReason = %s, want reversal", sink.trades[1].ExitReason)
	}
	if sink.trades[2].Action != "open" || sink.trades[2].Side != Short {
		t.Fatalf("third trade = %+v, want short open", sink.trades[2])
	}
}

func TestMultiTPScalesOut(t *testing.T) {
	settings := baseSettings()
	settings.TakeProfitPct = 0
	settings.TPLevels = []TPLevel{
		{LevelPct: 0.01, CumulativeShare: 0.5},
		{LevelPct: 0.02, CumulativeShare: 1.0},
	}
	sink := &memSink{}
	box := New(settings, sink)

	box.Tick(TickInput{TS: 0, Price: 20000, Signal: longSignal(0.5)})
	box.Tick(TickInput{TS: 60_000, Price: 20250, Signal: longSignal(0.5)})
	box.Tick(TickInput{TS: 120_000, Price: 20450, Signal: longSignal(0.5)})

	if len(sink.trades) != 3 {
		t.Fatalf("trades = %d, want open, tp_part, close", len(sink.trades))
	}
	part := sink.trades[1]
	if part.Action != "tp_part" || part.ExitReason != ExitTakeProfitPart {
		t.Fatalf("second trade = %+v, want partial take profit", part)
	}
	approx(t, part.Size, 0.005, "partial size")

	final := sink.trades[2]
	if final.Action != "close" || final.ExitReason != ExitTakeProfit {
		t.Fatalf("third trade = %+v, want final take profit", final)
	}
	approx(t, final.Size, 0.005, "remaining size")
}

func TestBreakevenStop(t *testing.T) {
	settings := baseSettings()
	settings.TakeProfitPct = 0
	settings.BreakevenTriggerPct = 0.01
	sink := &memSink{}
	box := New(settings, sink)

	box.Tick(TickInput{TS: 0, Price: 20000, Signal: longSignal(0.5)})
	box.Tick(TickInput{TS: 60_000, Price: 20300, Signal: longSignal(0.5)})  // arms breakeven
	box.Tick(TickInput{TS: 120_000, Price: 19900, Signal: longSignal(0.5)}) // back under entry

	last := sink.trades[len(sink.trades)-1]
	if last.ExitReason != ExitBreakeven {
		t.Fatalf("exitReason = %s, want breakeven", last.ExitReason)
	}
}

func TestTrailingStop(t *testing.T) {
	settings := baseSettings()
	settings.TakeProfitPct = 0
	settings.TrailTriggerPct = 0.01
	settings.TrailPct = 0.005
	sink := &memSink{}
	box := New(settings, sink)

	box.Tick(TickInput{TS: 0, Price: 20000, Signal: longSignal(0.5)})
	box.Tick(TickInput{TS: 60_000, Price: 20400, Signal: longSignal(0.5)})  // peak 2%
	box.Tick(TickInput{TS: 120_000, Price: 20280, Signal: longSignal(0.5)}) // gives back 0.6%

	last := sink.trades[len(sink.trades)-1]
	if last.ExitReason != ExitTrailingStop {
		t.Fatalf("exitReason = %s, want trailing_stop", last.ExitReason)
	}
}

func TestMicrostructureExitNeedsPersistence(t *testing.T) {
	settings := baseSettings()
	settings.TakeProfitPct = 0
	settings.ExitNoneTicks = 3
	sink := &memSink{}
	box := New(settings, sink)

	box.Tick(TickInput{TS: 0, Price: 20000, Signal: longSignal(0.5)})
	none := orderflow.Signal{Direction: orderflow.None}
	box.Tick(TickInput{TS: 10_000, Price: 20000, Signal: none})
	box.Tick(TickInput{TS: 20_000, Price: 20000, Signal: none})
	if len(sink.trades) != 1 {
		t.Fatal("two none ticks must not close with exitNoneTicks=3")
	}
	box.Tick(TickInput{TS: 30_000, Price: 20000, Signal: none})
	if len(sink.trades) != 2 || sink.trades[1].ExitReason != ExitMicrostructure {
		t.Fatalf("trades = %+v, want microstructure close on the third none tick", sink.trades)
	}
}

func TestMicroExitHonorsMinProfit(t *testing.T) {
	settings := baseSettings()
	settings.TakeProfitPct = 0
	settings.ExitNoneTicks = 1
	settings.MinProfitPct = 0.02
	sink := &memSink{}
	box := New(settings, sink)

	box.Tick(TickInput{TS: 0, Price: 20000, Signal: longSignal(0.5)})
	// in profit but under the 2% floor: the fading signal must not close
	box.Tick(TickInput{TS: 10_000, Price: 20100, Signal: orderflow.Signal{Direction: orderflow.None}})
	if len(sink.trades) != 1 {
		t.Fatal("a sub-floor profit must not close on microstructure")
	}
}

func TestAdaptiveLeverage(t *testing.T) {
	settings := baseSettings()
	settings.AdaptiveLeverage = true
	settings.LeverageMin = 1
	settings.LeverageMax = 5
	sink := &memSink{}
	box := New(settings, sink)

	box.Tick(TickInput{TS: 0, Price: 20000, Signal: longSignal(0.5)})
	approx(t, sink.trades[0].Leverage, 3, "leverage at confidence 0.5")
}

func TestDrawdownCapsLeverage(t *testing.T) {
	settings := baseSettings()
	settings.AdaptiveLeverage = true
	settings.LeverageMin = 1
	settings.LeverageMax = 5
	settings.DrawdownLeverageThresholdPct = 10
	sink := &memSink{}
	box := New(settings, sink)

	box.Tick(TickInput{TS: 0, Price: 20000, Signal: longSignal(0.5)})
	box.Tick(TickInput{TS: 60_000, Price: 17800, Signal: longSignal(0.5)}) // stop loss, deep drawdown
	box.Tick(TickInput{TS: 120_000, Price: 17800, Signal: longSignal(1.0)})

	last := sink.trades[len(sink.trades)-1]
	if last.Action != "open" {
		t.Fatalf("last trade = %+v, want reopen", last)
	}
	approx(t, last.Leverage, 3, "leverage capped at midpoint in drawdown")
}

func TestPanicOnInvalidPrice(t *testing.T) {
	box := New(baseSettings())
	defer func() {
		if recover() == nil {
			t.Fatal("a non-positive price must panic")
		}
	}()
	box.Tick(TickInput{TS: 0, Price: 0, Signal: longSignal(0.5)})
}

func TestStateSnapshot(t *testing.T) {
	sink := &memSink{}
	box := New(baseSettings(), sink)
	box.Tick(TickInput{TS: 0, Price: 20000, Signal: longSignal(0.5)})

	snap := box.State(20500)
	if snap.Position == nil || snap.Position.Side != Long {
		t.Fatalf("snapshot = %+v, want an open long", snap)
	}
	// unrealized 0.01 * 500 = 5 minus the 0.12 open commission
	approx(t, snap.Equity, 104.88, "marked equity")
}
