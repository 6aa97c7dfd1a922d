// Command analyze_trades summarizes a sandbox trade log CSV: win rates by
// exit reason and by signal confidence bucket. The log is produced by the
// bot or the backtest command when SANDBOX_TRADE_LOG_CSV (or -csv) is set.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
)

type bucketStats struct {
	Label      string
	Trades     int
	Wins       int
	Losses     int
	TotalPnL   float64
	Commission float64
}

func (b *bucketStats) winRate() float64 {
	if b.Trades == 0 {
		return 0
	}
	return float64(b.Wins) / float64(b.Trades) * 100
}

type tradeRow struct {
	Action     string
	PnL        float64
	Commission float64
	Confidence float64
	ExitReason string
	EntryType  string
}

func main() {
	file := flag.String("file", "sandbox_trades.csv", "trade log CSV to analyze")
	flag.Parse()

	rows, err := readLog(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading %s: %v\n", *file, err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("no trade events in log")
		return
	}

	overall := &bucketStats{Label: "all"}
	byReason := make(map[string]*bucketStats)
	byConfidence := make(map[string]*bucketStats)
	byEntry := make(map[string]*bucketStats)
	opens := 0

	for _, r := range rows {
		overall.Commission += r.Commission
		if r.Action == "open" {
			opens++
			continue
		}
		overall.TotalPnL += r.PnL
		if r.Action != "close" {
			continue // tp_part counts toward pnl but is not a finished trade
		}
		fold(overall, r)
		fold(bucket(byReason, r.ExitReason), r)
		fold(bucket(byConfidence, confidenceBucket(r.Confidence)), r)
		fold(bucket(byEntry, r.EntryType), r)
	}

	fmt.Printf("\nTrade log: %s\n", *file)
	fmt.Printf("  Events: %d  Opens: %d  Closed trades: %d\n", len(rows), opens, overall.Trades)
	fmt.Printf("  Total PnL: %+.2f  Commission: %.2f  Net: %+.2f\n",
		overall.TotalPnL, overall.Commission, overall.TotalPnL-overall.Commission)
	fmt.Printf("  Win rate: %.1f%% (%d W / %d L)\n", overall.winRate(), overall.Wins, overall.Losses)

	printTable("By exit reason", byReason)
	printTable("By signal confidence", byConfidence)
	printTable("By entry type", byEntry)

	if overall.winRate() < 50 && overall.Trades >= 10 {
		fmt.Println("\nWin rate is below 50%. Check whether the low-confidence buckets")
		fmt.Println("drag the average down; SANDBOX_MIN_CONFIDENCE may be set too low.")
	}
}

func readLog(path string) ([]tradeRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, need := range []string{"action", "realized_pnl", "commission", "signal_confidence", "exit_reason", "entry_type"} {
		if _, ok := col[need]; !ok {
			return nil, fmt.Errorf("column %q missing, not a sandbox trade log", need)
		}
	}

	var rows []tradeRow
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, tradeRow{
			Action:     rec[col["action"]],
			PnL:        parseFloat(rec[col["realized_pnl"]]),
			Commission: parseFloat(rec[col["commission"]]),
			Confidence: parseFloat(rec[col["signal_confidence"]]),
			ExitReason: rec[col["exit_reason"]],
			EntryType:  rec[col["entry_type"]],
		})
	}
	return rows, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func fold(b *bucketStats, r tradeRow) {
	b.Trades++
	if r.PnL > 0 {
		b.Wins++
	} else if r.PnL < 0 {
		b.Losses++
	}
	if b.Label != "all" {
		b.TotalPnL += r.PnL
		b.Commission += r.Commission
	}
}

func bucket(m map[string]*bucketStats, label string) *bucketStats {
	if label == "" {
		label = "(none)"
	}
	b, ok := m[label]
	if !ok {
		b = &bucketStats{Label: label}
		m[label] = b
	}
	return b
}

func confidenceBucket(c float64) string {
	switch {
	case c < 0.4:
		return "<0.40"
	case c < 0.5:
		return "0.40-0.50"
	case c < 0.6:
		return "0.50-0.60"
	case c < 0.7:
		return "0.60-0.70"
	default:
		return ">=0.70"
	}
}

func printTable(title string, m map[string]*bucketStats) {
	if len(m) == 0 {
		return
	}
	stats := make([]*bucketStats, 0, len(m))
	for _, b := range m {
		stats = append(stats, b)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].TotalPnL > stats[j].TotalPnL })

	fmt.Printf("\n%s\n", title)
	fmt.Printf("  %-14s %7s %6s %6s %12s %10s\n", "bucket", "trades", "wins", "losses", "pnl", "win rate")
	for _, b := range stats {
		fmt.Printf("  %-14s %7d %6d %6d %+12.2f %9.1f%%\n",
			b.Label, b.Trades, b.Wins, b.Losses, b.TotalPnL, b.winRate())
	}
}
