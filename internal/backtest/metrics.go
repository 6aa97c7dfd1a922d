package backtest

import "bybit-orderflow-bot/internal/sandbox"

// Summary reduces a run's trade events to performance metrics. Closes and
// partial take-profits carry realized PnL; a "trade" is one full close.
type Summary struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int

	TotalPnL        float64
	TotalCommission float64
	NetPnL          float64

	WinRate      float64 // percent
	AverageWin   float64
	AverageLoss  float64
	LargestWin   float64
	LargestLoss  float64
	ProfitFactor float64

	MaxDrawdown    float64
	MaxDrawdownPct float64
}

// Summarize folds the event stream in order, tracking the running balance
// for drawdown.
func Summarize(trades []sandbox.Trade, initialBalance float64) Summary {
	var s Summary
	var winSum, lossSum float64

	balance := initialBalance
	peak := initialBalance
	for _, t := range trades {
		s.TotalCommission += t.Commission
		balance += t.RealizedPnL - t.Commission
		if balance > peak {
			peak = balance
		}
		if dd := peak - balance; dd > s.MaxDrawdown {
			s.MaxDrawdown = dd
		}

		if t.Action == "open" {
			continue
		}
		s.TotalPnL += t.RealizedPnL
		if t.Action != "close" {
			continue
		}
		s.TotalTrades++
		if t.RealizedPnL > 0 {
			s.WinningTrades++
			winSum += t.RealizedPnL
			if t.RealizedPnL > s.LargestWin {
				s.LargestWin = t.RealizedPnL
			}
		} else {
			s.LosingTrades++
			lossSum += t.RealizedPnL
			if t.RealizedPnL < s.LargestLoss {
				s.LargestLoss = t.RealizedPnL
			}
		}
	}

	s.NetPnL = s.TotalPnL - s.TotalCommission
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades) * 100
	}
	if s.WinningTrades > 0 {
		s.AverageWin = winSum / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AverageLoss = lossSum / float64(s.LosingTrades)
	}
	if lossSum != 0 {
		s.ProfitFactor = winSum / -lossSum
	}
	if peak > 0 {
		s.MaxDrawdownPct = s.MaxDrawdown / peak * 100
	}
	return s
}
