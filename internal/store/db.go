// Package store persists candles and sandbox run artifacts in PostgreSQL.
// Concurrency comes from Postgres itself: MVCC lets the analyzer and control
// loop read while the accumulator writes, and idempotence is enforced by
// primary keys with ON CONFLICT DO NOTHING.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"bybit-orderflow-bot/internal/logging"
)

// ErrNotFound is returned by lookups that matched no rows.
var ErrNotFound = errors.New("store: not found")

// Config holds database connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Store wraps the PostgreSQL connection pool.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{pool: pool, log: logging.Component("store")}
	s.log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")
	return s, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
		s.log.Info().Msg("database connection closed")
	}
}

// Migrate creates all tables and indexes. Statements are idempotent so the
// bot can run them on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS klines (
			symbol VARCHAR(20) NOT NULL,
			timeframe VARCHAR(4) NOT NULL,
			start_time BIGINT NOT NULL,
			open DOUBLE PRECISION NOT NULL,
			high DOUBLE PRECISION NOT NULL,
			low DOUBLE PRECISION NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (symbol, timeframe, start_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_klines_lookup ON klines(symbol, timeframe, start_time DESC)`,

		`CREATE TABLE IF NOT EXISTS runs (
			run_id UUID PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			date_from VARCHAR(10),
			date_to VARCHAR(10),
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ,
			source VARCHAR(16) NOT NULL,
			initial_balance DOUBLE PRECISION NOT NULL,
			final_equity DOUBLE PRECISION,
			total_pnl DOUBLE PRECISION,
			total_commission DOUBLE PRECISION,
			trades_count INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			run_id UUID REFERENCES runs(run_id) ON DELETE CASCADE,
			ts_utc TIMESTAMPTZ NOT NULL,
			ts_unix BIGINT NOT NULL,
			action VARCHAR(10) NOT NULL,
			side VARCHAR(5) NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			size DOUBLE PRECISION NOT NULL,
			notional DOUBLE PRECISION NOT NULL,
			commission DOUBLE PRECISION NOT NULL,
			realized_pnl DOUBLE PRECISION,
			signal_direction VARCHAR(5),
			signal_confidence DOUBLE PRECISION,
			reason TEXT,
			leverage DOUBLE PRECISION,
			exit_reason VARCHAR(40),
			entry_type VARCHAR(20)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts_unix)`,

		`CREATE TABLE IF NOT EXISTS skips (
			id SERIAL PRIMARY KEY,
			run_id UUID REFERENCES runs(run_id) ON DELETE CASCADE,
			ts_utc TIMESTAMPTZ NOT NULL,
			ts_unix BIGINT NOT NULL,
			direction VARCHAR(5),
			confidence DOUBLE PRECISION,
			skip_reason VARCHAR(60) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_skips_run ON skips(run_id, ts_unix)`,

		`CREATE TABLE IF NOT EXISTS orderflow_metrics (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			ts BIGINT NOT NULL,
			imbalance DOUBLE PRECISION,
			cvd DOUBLE PRECISION,
			delta_ratio DOUBLE PRECISION,
			buy_volume DOUBLE PRECISION,
			sell_volume DOUBLE PRECISION,
			trades_per_sec DOUBLE PRECISION,
			signal_score DOUBLE PRECISION
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orderflow_symbol_ts ON orderflow_metrics(symbol, ts)`,
	}

	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	s.log.Info().Int("statements", len(migrations)).Msg("migrations applied")
	return nil
}
