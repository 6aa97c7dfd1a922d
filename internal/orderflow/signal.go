package orderflow

import "math"

// Direction of the microstructure signal.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	None  Direction = "none"
)

// SignalOptions tune the microstructure score.
type SignalOptions struct {
	MinScoreForDirection float64
	SweepWeight          float64
	SweepMaxAgeMS        int64
}

// DefaultSignalOptions are the tuned defaults.
func DefaultSignalOptions() SignalOptions {
	return SignalOptions{
		MinScoreForDirection: 0.35,
		SweepWeight:          0.3,
		SweepMaxAgeMS:        5 * 60 * 1000,
	}
}

// Signal is the per-tick microstructure verdict.
type Signal struct {
	Direction    Direction `json:"direction"`
	Score        float64   `json:"score"`
	Confidence   float64   `json:"confidence"`
	DeltaContrib float64   `json:"deltaContribution"`
	ImbContrib   float64   `json:"imbalanceContribution"`
	SweepContrib float64   `json:"sweepContribution"`
	SweepOnly    bool      `json:"sweepOnly"`
}

// BuildSignal folds a Report into a bounded score: delta ratio contributes
// up to +-0.4, book imbalance up to +-0.3, and a recent sweep +-sweepWeight
// (a swept bid argues long, a swept ask short). SweepOnly marks scores with
// no flow or book confirmation behind them.
func BuildSignal(report Report, nowMS int64, opts SignalOptions) Signal {
	var s Signal

	s.DeltaContrib = clamp(report.CVD.DeltaRatio, -0.4, 0.4)
	s.ImbContrib = clamp((report.DOM.ImbalanceRatio-0.5)*2*0.3, -0.3, 0.3)

	if report.Sweep.Side != SweepNone &&
		(opts.SweepMaxAgeMS <= 0 || nowMS-report.Sweep.Time <= opts.SweepMaxAgeMS) {
		if report.Sweep.Side == SweepBid {
			s.SweepContrib = opts.SweepWeight
		} else {
			s.SweepContrib = -opts.SweepWeight
		}
	}

	s.Score = clamp(s.DeltaContrib+s.ImbContrib+s.SweepContrib, -1, 1)
	s.Confidence = math.Abs(s.Score)
	s.SweepOnly = s.SweepContrib != 0 && s.DeltaContrib == 0 && s.ImbContrib == 0

	switch {
	case s.Score >= opts.MinScoreForDirection:
		s.Direction = Long
	case s.Score <= -opts.MinScoreForDirection:
		s.Direction = Short
	default:
		s.Direction = None
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
