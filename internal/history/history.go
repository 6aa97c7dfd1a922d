// Package history reads archived tick CSVs for backtests. Files live under
// {dir}/trades/{SYMBOL}/{YYYY}/{SYMBOL}{YYYY-MM-DD}.csv with optional .gz
// compression, rows ascending by time.
package history

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bybit-orderflow-bot/internal/market"
)

// Reader resolves and parses archive files under a base directory.
type Reader struct {
	dir string
}

func NewReader(dir string) *Reader {
	return &Reader{dir: dir}
}

// PathFor returns the archive path for one day, preferring the compressed
// variant when both exist.
func (r *Reader) PathFor(symbol string, day time.Time) (string, error) {
	name := fmt.Sprintf("%s%s.csv", symbol, day.Format("2006-01-02"))
	base := filepath.Join(r.dir, "trades", symbol, day.Format("2006"), name)
	if _, err := os.Stat(base + ".gz"); err == nil {
		return base + ".gz", nil
	}
	if _, err := os.Stat(base); err == nil {
		return base, nil
	}
	return "", fmt.Errorf("no archive for %s on %s", symbol, day.Format("2006-01-02"))
}

// ReadDay loads all trades of one day in file order.
func (r *Reader) ReadDay(symbol string, day time.Time) ([]market.PublicTrade, error) {
	path, err := r.PathFor(symbol, day)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening archive: %w", err)
	}
	defer f.Close()

	var src io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("error opening gzip archive: %w", err)
		}
		defer gz.Close()
		src = gz
	}
	return Parse(src)
}

// columns maps the semantic fields to header indexes.
type columns struct {
	time, price, size, side int
}

// Parse reads one archive stream. The header is matched semantically: any
// column containing "time" is the timestamp, "price" the price, "size" or
// "qty" the size, "side" the aggressor side. Timestamps may be seconds with
// a fractional part or integer milliseconds.
func Parse(src io.Reader) ([]market.PublicTrade, error) {
	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("error reading archive header: %w", err)
	}
	cols, err := matchColumns(header)
	if err != nil {
		return nil, err
	}

	var out []market.PublicTrade
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading archive row: %w", err)
		}
		trade, err := parseRow(row, cols)
		if err != nil {
			return nil, err
		}
		out = append(out, trade)
	}
	return out, nil
}

func matchColumns(header []string) (columns, error) {
	cols := columns{time: -1, price: -1, size: -1, side: -1}
	for i, name := range header {
		lower := strings.ToLower(strings.TrimSpace(name))
		switch {
		case cols.time < 0 && strings.Contains(lower, "time"):
			cols.time = i
		case cols.price < 0 && strings.Contains(lower, "price"):
			cols.price = i
		case cols.size < 0 && (strings.Contains(lower, "size") || strings.Contains(lower, "qty")):
			cols.size = i
		case cols.side < 0 && strings.Contains(lower, "side"):
			cols.side = i
		}
	}
	if cols.time < 0 || cols.price < 0 || cols.size < 0 || cols.side < 0 {
		return cols, fmt.Errorf("archive header missing required columns: %v", header)
	}
	return cols, nil
}

func parseRow(row []string, cols columns) (market.PublicTrade, error) {
	var t market.PublicTrade
	maxIdx := cols.time
	for _, i := range []int{cols.price, cols.size, cols.side} {
		if i > maxIdx {
			maxIdx = i
		}
	}
	if len(row) <= maxIdx {
		return t, fmt.Errorf("archive row too short: %v", row)
	}

	ts, err := parseTimestamp(row[cols.time])
	if err != nil {
		return t, err
	}
	price, err := strconv.ParseFloat(row[cols.price], 64)
	if err != nil {
		return t, fmt.Errorf("error parsing archive price %q: %w", row[cols.price], err)
	}
	size, err := strconv.ParseFloat(row[cols.size], 64)
	if err != nil {
		return t, fmt.Errorf("error parsing archive size %q: %w", row[cols.size], err)
	}

	t.Time = ts
	t.Price = price
	t.Size = size
	if strings.EqualFold(strings.TrimSpace(row[cols.side]), "buy") {
		t.Side = market.SideBuy
	} else {
		t.Side = market.SideSell
	}
	return t, nil
}

// parseTimestamp accepts epoch seconds with fractional part or epoch
// milliseconds, returning milliseconds.
func parseTimestamp(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("error parsing archive timestamp %q: %w", raw, err)
	}
	// Epoch seconds for any plausible date fit in 11 digits; anything
	// larger is already milliseconds.
	if v >= 1e12 {
		return int64(v), nil
	}
	return int64(math.Round(v * 1000)), nil
}
