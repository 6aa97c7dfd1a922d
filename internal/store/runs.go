package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run records one sandbox session, live or backtest.
type Run struct {
	RunID          uuid.UUID
	Symbol         string
	DateFrom       string
	DateTo         string
	Source         string // "live" or "backtest"
	InitialBalance float64
}

// RunSummary closes out a run.
type RunSummary struct {
	FinalEquity     float64
	TotalPnL        float64
	TotalCommission float64
	TradesCount     int
}

// TradeEvent is one open or close action of the virtual position.
type TradeEvent struct {
	RunID            uuid.UUID
	TSUnix           int64
	Action           string // "open", "close", "tp_part"
	Side             string // "long" or "short"
	Price            float64
	Size             float64
	Notional         float64
	Commission       float64
	RealizedPnL      float64
	SignalDirection  string
	SignalConfidence float64
	Reason           string
	Leverage         float64
	ExitReason       string
	EntryType        string
}

// SkipEvent explains why an entry was rejected at a tick.
type SkipEvent struct {
	RunID      uuid.UUID
	TSUnix     int64
	Direction  string
	Confidence float64
	SkipReason string
}

// OrderflowMetric is one per-tick order flow sample.
type OrderflowMetric struct {
	Symbol      string
	TS          int64
	Imbalance   float64
	CVD         float64
	DeltaRatio  float64
	BuyVolume   float64
	SellVolume  float64
	TradesPSec  float64
	SignalScore float64
}

// CreateRun opens a run row and returns its id.
func (s *Store) CreateRun(ctx context.Context, run Run) (uuid.UUID, error) {
	id := run.RunID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (run_id, symbol, date_from, date_to, source, initial_balance)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, run.Symbol, run.DateFrom, run.DateTo, run.Source, run.InitialBalance)
	if err != nil {
		return uuid.Nil, fmt.Errorf("error creating run: %w", err)
	}
	return id, nil
}

// FinishRun stamps completion time and summary totals. A run without a
// finished_at is treated as aborted and purged on the next startup.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, sum RunSummary) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET finished_at = NOW(), final_equity = $2, total_pnl = $3,
			total_commission = $4, trades_count = $5
		 WHERE run_id = $1`,
		id, sum.FinalEquity, sum.TotalPnL, sum.TotalCommission, sum.TradesCount)
	if err != nil {
		return fmt.Errorf("error finishing run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeIncompleteBacktests deletes backtest runs that never finished,
// cascading to their trades and skips. The database is the single source of
// truth for run completeness.
func (s *Store) PurgeIncompleteBacktests(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM runs WHERE source = 'backtest' AND finished_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("error purging incomplete backtests: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Warn().Int64("purged", n).Msg("removed incomplete backtest runs")
		return n, nil
	}
	return 0, nil
}

func (s *Store) InsertTrade(ctx context.Context, t TradeEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (run_id, ts_utc, ts_unix, action, side, price, size,
			notional, commission, realized_pnl, signal_direction, signal_confidence,
			reason, leverage, exit_reason, entry_type)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.RunID, time.UnixMilli(t.TSUnix).UTC(), t.TSUnix, t.Action, t.Side,
		t.Price, t.Size, t.Notional, t.Commission, t.RealizedPnL,
		t.SignalDirection, t.SignalConfidence, t.Reason, t.Leverage,
		t.ExitReason, t.EntryType)
	if err != nil {
		return fmt.Errorf("error inserting trade: %w", err)
	}
	return nil
}

func (s *Store) InsertSkip(ctx context.Context, r SkipEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO skips (run_id, ts_utc, ts_unix, direction, confidence, skip_reason)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.RunID, time.UnixMilli(r.TSUnix).UTC(), r.TSUnix, r.Direction,
		r.Confidence, r.SkipReason)
	if err != nil {
		return fmt.Errorf("error inserting skip: %w", err)
	}
	return nil
}

func (s *Store) InsertOrderflowMetric(ctx context.Context, m OrderflowMetric) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orderflow_metrics (symbol, ts, imbalance, cvd, delta_ratio,
			buy_volume, sell_volume, trades_per_sec, signal_score)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.Symbol, m.TS, m.Imbalance, m.CVD, m.DeltaRatio,
		m.BuyVolume, m.SellVolume, m.TradesPSec, m.SignalScore)
	if err != nil {
		return fmt.Errorf("error inserting orderflow metric: %w", err)
	}
	return nil
}

// TradesForRun returns all trade events of a run in time order.
func (s *Store) TradesForRun(ctx context.Context, runID uuid.UUID) ([]TradeEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, ts_unix, action, side, price, size, notional, commission,
			COALESCE(realized_pnl, 0), COALESCE(signal_direction, ''),
			COALESCE(signal_confidence, 0), COALESCE(reason, ''),
			COALESCE(leverage, 0), COALESCE(exit_reason, ''), COALESCE(entry_type, '')
		 FROM trades WHERE run_id = $1 ORDER BY ts_unix, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("error querying trades: %w", err)
	}
	defer rows.Close()

	var out []TradeEvent
	for rows.Next() {
		var t TradeEvent
		if err := rows.Scan(&t.RunID, &t.TSUnix, &t.Action, &t.Side, &t.Price,
			&t.Size, &t.Notional, &t.Commission, &t.RealizedPnL,
			&t.SignalDirection, &t.SignalConfidence, &t.Reason,
			&t.Leverage, &t.ExitReason, &t.EntryType); err != nil {
			return nil, fmt.Errorf("error scanning trade: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}
	return out, nil
}
