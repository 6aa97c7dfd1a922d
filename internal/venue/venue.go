// Package venue hides Bybit's v5 REST and websocket surfaces behind a small
// adapter the accumulator and analyzer consume.
package venue

import (
	"context"
	"errors"

	"bybit-orderflow-bot/internal/market"
)

var (
	// ErrRateLimited is returned when the venue rejects a call for rate
	// limiting and all retries are exhausted.
	ErrRateLimited = errors.New("venue: rate limited")
)

// CandleRange bounds a kline request in epoch milliseconds. Zero values mean
// unbounded on that side.
type CandleRange struct {
	StartMS int64
	EndMS   int64
}

// BookHandler receives order book messages. Snapshot is true for full
// replacements, false for deltas.
type BookHandler func(snapshot bool, bids, asks []market.BookLevel, ts int64)

// TradeHandler receives batches of executed prints in event order.
type TradeHandler func(trades []market.PublicTrade)

// Venue is the adapter surface consumed by the rest of the bot.
type Venue interface {
	FetchCandles(ctx context.Context, symbol string, tf market.Timeframe, r CandleRange, limit int) ([]market.Candle, error)
	FetchRecentTrades(ctx context.Context, symbol string, limit int) ([]market.PublicTrade, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*market.BookSnapshot, error)
}
