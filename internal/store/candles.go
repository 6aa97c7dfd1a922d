package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"bybit-orderflow-bot/internal/market"
)

// InsertCandles inserts a batch, silently skipping rows already present,
// and returns the number actually inserted.
func (s *Store) InsertCandles(ctx context.Context, symbol string, tf market.Timeframe, candles []market.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(
			`INSERT INTO klines (symbol, timeframe, start_time, open, high, low, close, volume)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (symbol, timeframe, start_time) DO NOTHING`,
			symbol, string(tf), c.StartTime, c.Open, c.High, c.Low, c.Close, c.Volume,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range candles {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("error inserting candles %s %s: %w", symbol, tf, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// LatestStart returns the newest candle start time for a timeframe.
func (s *Store) LatestStart(ctx context.Context, symbol string, tf market.Timeframe) (int64, error) {
	return s.boundary(ctx, symbol, tf, "MAX")
}

// OldestStart returns the oldest candle start time for a timeframe.
func (s *Store) OldestStart(ctx context.Context, symbol string, tf market.Timeframe) (int64, error) {
	return s.boundary(ctx, symbol, tf, "MIN")
}

func (s *Store) boundary(ctx context.Context, symbol string, tf market.Timeframe, agg string) (int64, error) {
	var ts *int64
	query := fmt.Sprintf(`SELECT %s(start_time) FROM klines WHERE symbol = $1 AND timeframe = $2`, agg)
	if err := s.pool.QueryRow(ctx, query, symbol, string(tf)).Scan(&ts); err != nil {
		return 0, fmt.Errorf("error querying %s start %s %s: %w", agg, symbol, tf, err)
	}
	if ts == nil {
		return 0, ErrNotFound
	}
	return *ts, nil
}

// CountCandles counts stored bars for a timeframe.
func (s *Store) CountCandles(ctx context.Context, symbol string, tf market.Timeframe) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM klines WHERE symbol = $1 AND timeframe = $2`,
		symbol, string(tf)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("error counting candles %s %s: %w", symbol, tf, err)
	}
	return n, nil
}

// RangeCandles returns up to limit bars in the requested time order. With
// orderAsc=false the newest bars come first; callers wanting an analysis
// window typically fetch descending and reverse.
func (s *Store) RangeCandles(ctx context.Context, symbol string, tf market.Timeframe, orderAsc bool, limit int) ([]market.Candle, error) {
	order := "DESC"
	if orderAsc {
		order = "ASC"
	}
	query := fmt.Sprintf(
		`SELECT start_time, open, high, low, close, volume
		 FROM klines WHERE symbol = $1 AND timeframe = $2
		 ORDER BY start_time %s LIMIT $3`, order)
	return s.queryCandles(ctx, query, symbol, string(tf), limit)
}

// RangeBefore returns up to limit bars with start_time <= endTS, ascending.
func (s *Store) RangeBefore(ctx context.Context, symbol string, tf market.Timeframe, endTS int64, limit int) ([]market.Candle, error) {
	rows, err := s.queryCandles(ctx,
		`SELECT start_time, open, high, low, close, volume
		 FROM klines WHERE symbol = $1 AND timeframe = $2 AND start_time <= $3
		 ORDER BY start_time DESC LIMIT $4`,
		symbol, string(tf), endTS, limit)
	if err != nil {
		return nil, err
	}
	reverse(rows)
	return rows, nil
}

// LatestCandles is RangeCandles(desc) reversed to ascending time: the usual
// analysis window.
func (s *Store) LatestCandles(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Candle, error) {
	rows, err := s.RangeCandles(ctx, symbol, tf, false, limit)
	if err != nil {
		return nil, err
	}
	reverse(rows)
	return rows, nil
}

// DeleteCandles removes all bars for a symbol, optionally one timeframe.
func (s *Store) DeleteCandles(ctx context.Context, symbol string, tf market.Timeframe) (int64, error) {
	var query string
	var args []interface{}
	if tf == "" {
		query = `DELETE FROM klines WHERE symbol = $1`
		args = []interface{}{symbol}
	} else {
		query = `DELETE FROM klines WHERE symbol = $1 AND timeframe = $2`
		args = []interface{}{symbol, string(tf)}
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("error deleting candles %s: %w", symbol, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) queryCandles(ctx context.Context, query string, args ...interface{}) ([]market.Candle, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying candles: %w", err)
	}
	defer rows.Close()

	var out []market.Candle
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.StartTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("error scanning candle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candles: %w", err)
	}
	return out, nil
}

func reverse(candles []market.Candle) {
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
}
