// Package accumulator keeps the candle store current: initial backfill,
// history deepening, catch-up to now, and interior gap repair. Every
// operation is idempotent because the store drops duplicate rows.
package accumulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"bybit-orderflow-bot/internal/logging"
	"bybit-orderflow-bot/internal/market"
	"bybit-orderflow-bot/internal/store"
	"bybit-orderflow-bot/internal/venue"
)

const chunkSize = 1000

// CandleStore is the store surface the accumulator needs.
type CandleStore interface {
	InsertCandles(ctx context.Context, symbol string, tf market.Timeframe, candles []market.Candle) (int, error)
	LatestStart(ctx context.Context, symbol string, tf market.Timeframe) (int64, error)
	OldestStart(ctx context.Context, symbol string, tf market.Timeframe) (int64, error)
	CountCandles(ctx context.Context, symbol string, tf market.Timeframe) (int64, error)
}

// Accumulator drives store mutations for one symbol across many timeframes.
type Accumulator struct {
	store      CandleStore
	venue      venue.Venue
	symbol     string
	timeframes []market.Timeframe
	maxCandles int
	now        func() time.Time
	log        zerolog.Logger
}

func New(st CandleStore, v venue.Venue, symbol string, tfs []market.Timeframe, maxCandles int) *Accumulator {
	return &Accumulator{
		store:      st,
		venue:      v,
		symbol:     symbol,
		timeframes: tfs,
		maxCandles: maxCandles,
		now:        time.Now,
		log:        logging.Component("accumulator"),
	}
}

// Backfill pages backward from now until maxCandles is reached or the venue
// returns no more history. Used when the store holds nothing for the TF.
func (a *Accumulator) Backfill(ctx context.Context, tf market.Timeframe) error {
	end := a.now().UnixMilli()
	total := 0
	for total < a.maxCandles {
		batch, err := a.venue.FetchCandles(ctx, a.symbol, tf, venue.CandleRange{EndMS: end}, chunkSize)
		if err != nil {
			return fmt.Errorf("error backfilling %s: %w", tf, err)
		}
		if len(batch) == 0 {
			break
		}
		inserted, err := a.store.InsertCandles(ctx, a.symbol, tf, batch)
		if err != nil {
			return fmt.Errorf("error storing backfill %s: %w", tf, err)
		}
		total += len(batch)
		a.log.Debug().Str("tf", string(tf)).Int("fetched", len(batch)).
			Int("inserted", inserted).Msg("backfill chunk")
		end = batch[0].StartTime - 1
	}
	a.log.Info().Str("tf", string(tf)).Int("candles", total).Msg("backfill complete")
	return nil
}

// Extend deepens history: from the current oldest bar, page backward one
// chunk at a time until the venue returns empty.
func (a *Accumulator) Extend(ctx context.Context, tf market.Timeframe) error {
	oldest, err := a.store.OldestStart(ctx, a.symbol, tf)
	if errors.Is(err, store.ErrNotFound) {
		return a.Backfill(ctx, tf)
	}
	if err != nil {
		return fmt.Errorf("error finding oldest %s: %w", tf, err)
	}

	end := oldest - 1
	for {
		batch, err := a.venue.FetchCandles(ctx, a.symbol, tf, venue.CandleRange{EndMS: end}, chunkSize)
		if err != nil {
			return fmt.Errorf("error extending %s: %w", tf, err)
		}
		if len(batch) == 0 {
			return nil
		}
		if _, err := a.store.InsertCandles(ctx, a.symbol, tf, batch); err != nil {
			return fmt.Errorf("error storing extension %s: %w", tf, err)
		}
		end = batch[0].StartTime - 1
	}
}

// CatchUp fetches [latest + tfDuration, now] in chunks until exhausted.
func (a *Accumulator) CatchUp(ctx context.Context, tf market.Timeframe) error {
	latest, err := a.store.LatestStart(ctx, a.symbol, tf)
	if errors.Is(err, store.ErrNotFound) {
		return a.Backfill(ctx, tf)
	}
	if err != nil {
		return fmt.Errorf("error finding latest %s: %w", tf, err)
	}

	start := a.nextStart(tf, latest)
	nowMS := a.now().UnixMilli()
	for start <= nowMS {
		batch, err := a.venue.FetchCandles(ctx, a.symbol, tf,
			venue.CandleRange{StartMS: start, EndMS: nowMS}, chunkSize)
		if err != nil {
			return fmt.Errorf("error catching up %s: %w", tf, err)
		}
		if len(batch) == 0 {
			return nil
		}
		inserted, err := a.store.InsertCandles(ctx, a.symbol, tf, batch)
		if err != nil {
			return fmt.Errorf("error storing catch-up %s: %w", tf, err)
		}
		if inserted > 0 {
			a.log.Debug().Str("tf", string(tf)).Int("inserted", inserted).Msg("catch-up chunk")
		}
		next := a.nextStart(tf, batch[len(batch)-1].StartTime)
		if next <= start {
			return nil
		}
		start = next
	}
	return nil
}

// FillGap re-requests the interior span of a dense archive so missing bars
// get inserted; present bars dedupe away in the store.
func (a *Accumulator) FillGap(ctx context.Context, tf market.Timeframe) error {
	oldest, err := a.store.OldestStart(ctx, a.symbol, tf)
	if err != nil {
		return fmt.Errorf("error finding oldest %s: %w", tf, err)
	}
	latest, err := a.store.LatestStart(ctx, a.symbol, tf)
	if err != nil {
		return fmt.Errorf("error finding latest %s: %w", tf, err)
	}

	start := a.nextStart(tf, oldest)
	end := latest - 1
	for start < end {
		batch, err := a.venue.FetchCandles(ctx, a.symbol, tf,
			venue.CandleRange{StartMS: start, EndMS: end}, chunkSize)
		if err != nil {
			return fmt.Errorf("error filling gap %s: %w", tf, err)
		}
		if len(batch) == 0 {
			return nil
		}
		if _, err := a.store.InsertCandles(ctx, a.symbol, tf, batch); err != nil {
			return fmt.Errorf("error storing gap fill %s: %w", tf, err)
		}
		next := a.nextStart(tf, batch[len(batch)-1].StartTime)
		if next <= start {
			return nil
		}
		start = next
	}
	return nil
}

// Tick runs catch-up for every configured timeframe. A failure on one TF is
// logged and the loop continues; nothing here may abort the process.
func (a *Accumulator) Tick(ctx context.Context) {
	for _, tf := range a.timeframes {
		if err := a.CatchUp(ctx, tf); err != nil {
			a.log.Error().Err(err).Str("tf", string(tf)).Msg("catch-up failed")
		}
	}
}

// EnsureHistory backfills every timeframe that has no stored bars yet.
func (a *Accumulator) EnsureHistory(ctx context.Context) {
	for _, tf := range a.timeframes {
		count, err := a.store.CountCandles(ctx, a.symbol, tf)
		if err != nil {
			a.log.Error().Err(err).Str("tf", string(tf)).Msg("count failed")
			continue
		}
		if count > 0 {
			continue
		}
		if err := a.Backfill(ctx, tf); err != nil {
			a.log.Error().Err(err).Str("tf", string(tf)).Msg("backfill failed")
		}
	}
}

// nextStart advances a bar start time by one timeframe. Monthly bars have no
// fixed duration, so they advance by calendar month.
func (a *Accumulator) nextStart(tf market.Timeframe, startMS int64) int64 {
	if d := tf.DurationMS(); d > 0 {
		return startMS + d
	}
	t := time.UnixMilli(startMS).UTC()
	return t.AddDate(0, 1, 0).UnixMilli()
}
