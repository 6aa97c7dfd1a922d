package control

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bybit-orderflow-bot/internal/events"
	"bybit-orderflow-bot/internal/logging"
	"bybit-orderflow-bot/internal/orderflow"
	"bybit-orderflow-bot/internal/sandbox"
	"bybit-orderflow-bot/internal/store"
)

// StoreSink persists sandbox trades and skips under a run id and raises the
// matching bus events. Database failures are logged, never fatal.
type StoreSink struct {
	store  *store.Store
	runID  uuid.UUID
	symbol string
	bus    *events.EventBus
	log    zerolog.Logger
}

func NewStoreSink(st *store.Store, runID uuid.UUID, symbol string, bus *events.EventBus) *StoreSink {
	return &StoreSink{
		store:  st,
		runID:  runID,
		symbol: symbol,
		bus:    bus,
		log:    logging.Component("persist"),
	}
}

func (s *StoreSink) Trade(t sandbox.Trade) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.store.InsertTrade(ctx, store.TradeEvent{
		RunID:            s.runID,
		TSUnix:           t.TS,
		Action:           t.Action,
		Side:             string(t.Side),
		Price:            t.Price,
		Size:             t.Size,
		Notional:         t.Notional,
		Commission:       t.Commission,
		RealizedPnL:      t.RealizedPnL,
		SignalDirection:  t.SignalDirection,
		SignalConfidence: t.SignalConfidence,
		Reason:           t.Reason,
		Leverage:         t.Leverage,
		ExitReason:       string(t.ExitReason),
		EntryType:        t.EntryType,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("trade persist failed")
	}

	eventType := events.EventTradeOpened
	if t.Action == "close" {
		eventType = events.EventTradeClosed
	}
	s.bus.Publish(events.Event{Type: eventType, Data: map[string]interface{}{
		"symbol": s.symbol,
		"side":   string(t.Side),
		"action": t.Action,
		"price":  t.Price,
		"size":   t.Size,
		"pnl":    t.RealizedPnL,
		"reason": string(t.ExitReason),
	}})
}

func (s *StoreSink) Skip(sk sandbox.Skip) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.store.InsertSkip(ctx, store.SkipEvent{
		RunID:      s.runID,
		TSUnix:     sk.TS,
		Direction:  string(sk.Direction),
		Confidence: sk.Confidence,
		SkipReason: string(sk.Reason),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("skip persist failed")
	}

	s.bus.Publish(events.Event{Type: events.EventEntrySkipped, Data: map[string]interface{}{
		"symbol":     s.symbol,
		"direction":  string(sk.Direction),
		"confidence": sk.Confidence,
		"reason":     string(sk.Reason),
	}})
}

// MetricStore is the slice of the store the metric recorder writes through.
type MetricStore interface {
	InsertOrderflowMetric(ctx context.Context, m store.OrderflowMetric) error
}

// MetricRecorder samples the order flow report once per tick into the
// orderflow_metrics table. Database failures are logged, never fatal.
type MetricRecorder struct {
	store  MetricStore
	symbol string
	log    zerolog.Logger
}

func NewMetricRecorder(st MetricStore, symbol string) *MetricRecorder {
	return &MetricRecorder{
		store:  st,
		symbol: symbol,
		log:    logging.Component("persist"),
	}
}

func (r *MetricRecorder) Record(ts int64, report orderflow.Report, signal orderflow.Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := r.store.InsertOrderflowMetric(ctx, store.OrderflowMetric{
		Symbol:      r.symbol,
		TS:          ts,
		Imbalance:   report.DOM.ImbalanceRatio,
		CVD:         report.CVD.Delta,
		DeltaRatio:  report.CVD.DeltaRatio,
		BuyVolume:   report.Tape.BuyVolume,
		SellVolume:  report.Tape.SellVolume,
		TradesPSec:  report.Tape.TradesPerSec,
		SignalScore: signal.Score,
	})
	if err != nil {
		r.log.Error().Err(err).Msg("orderflow metric persist failed")
	}
}
