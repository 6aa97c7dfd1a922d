package sandbox

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// CSVSink appends every trade event to a CSV file. Skips are not written;
// the database keeps those when a run is attached.
type CSVSink struct {
	mu   sync.Mutex
	path string
	log  func(error)
}

func NewCSVSink(path string, onError func(error)) *CSVSink {
	if onError == nil {
		onError = func(error) {}
	}
	return &CSVSink{path: path, log: onError}
}

var csvHeader = []string{
	"ts_utc", "ts_unix", "action", "side", "price", "size", "notional",
	"commission", "realized_pnl", "signal_direction", "signal_confidence",
	"leverage", "exit_reason", "entry_type",
}

func (c *CSVSink) Trade(t Trade) {
	c.mu.Lock()
	defer c.mu.Unlock()

	newFile := false
	if _, err := os.Stat(c.path); os.IsNotExist(err) {
		newFile = true
	}
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		c.log(fmt.Errorf("error opening trade log: %w", err))
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if newFile {
		if err := w.Write(csvHeader); err != nil {
			c.log(fmt.Errorf("error writing trade log header: %w", err))
			return
		}
	}
	row := []string{
		time.UnixMilli(t.TS).UTC().Format(time.RFC3339),
		strconv.FormatInt(t.TS, 10),
		t.Action,
		string(t.Side),
		formatFloat(t.Price),
		formatFloat(t.Size),
		formatFloat(t.Notional),
		formatFloat(t.Commission),
		formatFloat(t.RealizedPnL),
		t.SignalDirection,
		formatFloat(t.SignalConfidence),
		formatFloat(t.Leverage),
		string(t.ExitReason),
		t.EntryType,
	}
	if err := w.Write(row); err != nil {
		c.log(fmt.Errorf("error writing trade log row: %w", err))
		return
	}
	w.Flush()
	if err := w.Error(); err != nil {
		c.log(fmt.Errorf("error flushing trade log: %w", err))
	}
}

func (c *CSVSink) Skip(Skip) {}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
