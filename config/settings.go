package config

import (
	"bybit-orderflow-bot/internal/orderflow"
	"bybit-orderflow-bot/internal/sandbox"
)

// SandboxSettings maps the env-level sandbox knobs onto the engine settings.
func (c *Config) SandboxSettings() sandbox.Settings {
	sb := c.Sandbox
	tpLevels := make([]sandbox.TPLevel, len(sb.TPLevels))
	for i, lvl := range sb.TPLevels {
		tpLevels[i] = sandbox.TPLevel{LevelPct: lvl.LevelPct, CumulativeShare: lvl.CumulativeShare}
	}
	return sandbox.Settings{
		InitialBalance:               sb.InitialBalance,
		TakerFee:                     sb.TakerFee,
		MinConfidenceToOpen:          sb.MinConfidenceToOpen,
		CooldownSec:                  sb.CooldownSec,
		NoOpenSameTickAsClose:        sb.NoOpenSameTickAsClose,
		NoOpenSweepOnly:              sb.NoOpenSweepOnly,
		SweepDelaySec:                sb.SweepDelaySec,
		TrendFilter:                  sb.TrendFilter,
		UseContextNowPrimary:         sb.UseContextNowPrimary,
		UseContextNowOnly:            sb.UseContextNowOnly,
		StopLossPct:                  sb.StopLossPct,
		BreakevenTriggerPct:          sb.BreakevenTriggerPct,
		TakeProfitPct:                sb.TakeProfitPct,
		TPLevels:                     tpLevels,
		TrailTriggerPct:              sb.TrailTriggerPct,
		TrailPct:                     sb.TrailPct,
		MinHoldSec:                   sb.MinHoldSec,
		ExitMinConfidence:            sb.ExitMinConfidence,
		ExitNoneTicks:                sb.ExitNoneTicks,
		ExitWindowTicks:              sb.ExitWindowTicks,
		ExitWindowNeed:               sb.ExitWindowNeed,
		MinConfirmingTicks:           sb.MinConfirmingTicks,
		MinProfitPct:                 sb.MinProfitPct,
		AdaptiveLeverage:             sb.AdaptiveLeverage,
		LeverageMin:                  sb.LeverageMin,
		LeverageMax:                  sb.LeverageMax,
		MarginFraction:               sb.MarginFraction,
		LiquidationMaintenance:       sb.LiquidationMaintenance,
		DrawdownLeverageThresholdPct: sb.DrawdownLeverageThresholdPct,
	}
}

// OrderflowOptions overlays the configured thresholds on the defaults.
func (c *Config) OrderflowOptions() orderflow.Options {
	opts := orderflow.DefaultOptions()
	opts.TopLevels = c.Orderflow.TopLevels
	opts.WindowSec = c.Orderflow.WindowSec
	opts.WallPercentile = c.Orderflow.WallPercentile
	opts.SpikeMultiple = c.Orderflow.SpikeMultiple
	opts.DivergenceThreshold = c.Orderflow.DivergenceThreshold
	opts.SweepWickRatioMin = c.Orderflow.SweepWickRatioMin
	opts.SweepLookbackBars = c.Orderflow.SweepLookbackBars
	opts.AbsorptionMinDrop = c.Orderflow.AbsorptionMinDrop
	return opts
}

func (c *Config) SignalOptions() orderflow.SignalOptions {
	opts := orderflow.DefaultSignalOptions()
	opts.MinScoreForDirection = c.Orderflow.MinScoreForDirection
	opts.SweepWeight = c.Orderflow.SweepWeight
	return opts
}
