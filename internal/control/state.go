package control

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bybit-orderflow-bot/internal/analyzer"
	"bybit-orderflow-bot/internal/logging"
	"bybit-orderflow-bot/internal/orderflow"
	"bybit-orderflow-bot/internal/sandbox"
)

// Status is the published last-tick state external surfaces read.
type Status struct {
	Symbol    string            `json:"symbol"`
	Price     float64           `json:"price"`
	Report    *analyzer.Report  `json:"report,omitempty"`
	Orderflow orderflow.Report  `json:"orderflow"`
	Signal    orderflow.Signal  `json:"signal"`
	Sandbox   sandbox.Snapshot  `json:"sandbox"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

const statusTTL = 5 * time.Minute

// StatePublisher keeps the latest Status in memory and mirrors it to Redis
// so external dashboards can read it. Redis failures degrade to
// memory-only publishing.
type StatePublisher struct {
	mu     sync.RWMutex
	latest *Status

	rdb *redis.Client
	key string
	log zerolog.Logger
}

func NewStatePublisher(rdb *redis.Client, symbol string) *StatePublisher {
	return &StatePublisher{
		rdb: rdb,
		key: "orderflow:status:" + symbol,
		log: logging.Component("state"),
	}
}

// Publish stores the status and best-effort mirrors it to Redis.
func (p *StatePublisher) Publish(ctx context.Context, st Status) {
	p.mu.Lock()
	p.latest = &st
	p.mu.Unlock()

	if p.rdb == nil {
		return
	}
	payload, err := json.Marshal(st)
	if err != nil {
		p.log.Error().Err(err).Msg("status marshal failed")
		return
	}
	if err := p.rdb.Set(ctx, p.key, payload, statusTTL).Err(); err != nil {
		p.log.Warn().Err(err).Msg("redis publish failed, keeping in-memory only")
	}
}

// Latest returns the most recent status, or nil before the first tick.
func (p *StatePublisher) Latest() *Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}
