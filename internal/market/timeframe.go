package market

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is one of the supported candle bucket sizes.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF6h  Timeframe = "6h"
	TF12h Timeframe = "12h"
	TF1d  Timeframe = "D"
	TF1w  Timeframe = "W"
	TF1M  Timeframe = "M"
)

// AllTimeframes lists every supported timeframe, ascending by duration.
var AllTimeframes = []Timeframe{
	TF1m, TF3m, TF5m, TF15m, TF30m,
	TF1h, TF2h, TF4h, TF6h, TF12h,
	TF1d, TF1w, TF1M,
}

var tfDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF3m:  3 * time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF2h:  2 * time.Hour,
	TF4h:  4 * time.Hour,
	TF6h:  6 * time.Hour,
	TF12h: 12 * time.Hour,
	TF1d:  24 * time.Hour,
	TF1w:  7 * 24 * time.Hour,
	// TF1M is calendar-variable; see DurationMS.
}

var tfIntervals = map[Timeframe]string{
	TF1m:  "1",
	TF3m:  "3",
	TF5m:  "5",
	TF15m: "15",
	TF30m: "30",
	TF1h:  "60",
	TF2h:  "120",
	TF4h:  "240",
	TF6h:  "360",
	TF12h: "720",
	TF1d:  "D",
	TF1w:  "W",
	TF1M:  "M",
}

// ParseTimeframe converts a config token ("1m", "4h", "D", ...) to a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.TrimSpace(s))
	switch tf {
	case "d", "1d":
		tf = TF1d
	case "w", "1w":
		tf = TF1w
	case "1M":
		tf = TF1M
	}
	if _, ok := tfIntervals[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// ParseTimeframes parses a comma-separated timeframe list and returns it
// sorted ascending by duration.
func ParseTimeframes(csv string) ([]Timeframe, error) {
	var out []Timeframe
	for _, tok := range strings.Split(csv, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		tf, err := ParseTimeframe(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	SortTimeframes(out)
	return out, nil
}

// SortTimeframes orders timeframes ascending by duration, in place.
func SortTimeframes(tfs []Timeframe) {
	order := make(map[Timeframe]int, len(AllTimeframes))
	for i, tf := range AllTimeframes {
		order[tf] = i
	}
	for i := 1; i < len(tfs); i++ {
		for j := i; j > 0 && order[tfs[j]] < order[tfs[j-1]]; j-- {
			tfs[j], tfs[j-1] = tfs[j-1], tfs[j]
		}
	}
}

// DurationMS returns the bucket width in milliseconds, or 0 for the monthly
// timeframe whose width is calendar-variable. Durable arithmetic (catch-up,
// gap-fill) must branch on the zero value rather than assume a fixed width.
func (tf Timeframe) DurationMS() int64 {
	d, ok := tfDurations[tf]
	if !ok {
		return 0
	}
	return d.Milliseconds()
}

// Duration returns the bucket width, or 0 for the monthly timeframe.
func (tf Timeframe) Duration() time.Duration {
	return tfDurations[tf]
}

// BybitInterval returns the venue's interval token for this timeframe.
func (tf Timeframe) BybitInterval() string {
	return tfIntervals[tf]
}

// Intraday reports whether the timeframe is below the daily bucket.
func (tf Timeframe) Intraday() bool {
	switch tf {
	case TF1d, TF1w, TF1M:
		return false
	}
	return true
}

// Short reports whether the timeframe uses the loose (<=30m) analysis
// thresholds rather than the long-horizon ones.
func (tf Timeframe) Short() bool {
	switch tf {
	case TF1m, TF3m, TF5m, TF15m, TF30m:
		return true
	}
	return false
}

func (tf Timeframe) String() string { return string(tf) }
