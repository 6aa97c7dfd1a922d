package venue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bybit-orderflow-bot/internal/logging"
	"bybit-orderflow-bot/internal/market"
)

const (
	mainnetWSURL = "wss://stream.bybit.com/v5/public"
	testnetWSURL = "wss://stream-testnet.bybit.com/v5/public"

	reconnectDelay = 5 * time.Second
	stopJoinWait   = 2 * time.Second
)

// Stream maintains the public websocket connection: order book depth and
// trade prints for one symbol. On reconnect it resubscribes and the book
// topic re-delivers a full snapshot, so downstream state self-heals.
type Stream struct {
	mu sync.RWMutex

	url       string
	symbol    string
	depth     int
	pingEvery time.Duration
	readWait  time.Duration

	onBook   BookHandler
	onTrades TradeHandler

	conn      *websocket.Conn
	isRunning bool
	stopChan  chan struct{}
	doneChan  chan struct{}
	log       zerolog.Logger
}

// StreamOptions configures the public stream.
type StreamOptions struct {
	Symbol    string
	Category  string
	Depth     int
	Testnet   bool
	WSURL     string
	PingEvery time.Duration
	ReadWait  time.Duration
}

func NewStream(opts StreamOptions, onBook BookHandler, onTrades TradeHandler) *Stream {
	base := opts.WSURL
	if base == "" {
		if opts.Testnet {
			base = testnetWSURL
		} else {
			base = mainnetWSURL
		}
	}
	category := opts.Category
	if category == "" {
		category = "linear"
	}
	depth := opts.Depth
	if depth <= 0 {
		depth = 50
	}
	pingEvery := opts.PingEvery
	if pingEvery <= 0 {
		pingEvery = 20 * time.Second
	}
	readWait := opts.ReadWait
	if readWait <= 0 {
		readWait = 60 * time.Second
	}
	return &Stream{
		url:       base + "/" + category,
		symbol:    opts.Symbol,
		depth:     depth,
		pingEvery: pingEvery,
		readWait:  readWait,
		onBook:    onBook,
		onTrades:  onTrades,
		log:       logging.Component("venue-ws"),
	}
}

// Start connects and begins delivering events. Safe to call once.
func (s *Stream) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	s.mu.Unlock()

	go s.run()
	return nil
}

// Stop closes the connection and waits briefly for the read loop to exit.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
	done := s.doneChan
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopJoinWait):
		s.log.Warn().Msg("stream read loop did not exit in time")
	}
}

func (s *Stream) running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Stream) run() {
	defer close(s.doneChan)

	for s.running() {
		if err := s.connectAndServe(); err != nil && s.running() {
			s.log.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("stream disconnected")
			select {
			case <-s.stopChan:
				return
			case <-time.After(reconnectDelay):
			}
		}
	}
}

func (s *Stream) connectAndServe() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("error dialing %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	sub := map[string]interface{}{
		"op": "subscribe",
		"args": []string{
			fmt.Sprintf("orderbook.%d.%s", s.depth, s.symbol),
			fmt.Sprintf("publicTrade.%s", s.symbol),
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("error subscribing: %w", err)
	}
	s.log.Info().Str("symbol", s.symbol).Int("depth", s.depth).Msg("stream subscribed")

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(conn, pingDone)

	for {
		conn.SetReadDeadline(time.Now().Add(s.readWait))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("error reading message: %w", err)
		}
		s.handleMessage(raw)
	}
}

func (s *Stream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				return
			}
		}
	}
}

type wsMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`

	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

type wsBookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Seq    int64      `json:"seq"`
}

type wsTrade struct {
	Time  int64  `json:"T"`
	Side  string `json:"S"`
	Size  string `json:"v"`
	Price string `json:"p"`
	ID    string `json:"i"`
	Seq   int64  `json:"seq"`
}

func (s *Stream) handleMessage(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.log.Warn().Err(err).Msg("unparseable stream message")
		return
	}

	switch {
	case msg.Op == "subscribe":
		if !msg.Success {
			s.log.Error().Str("ret_msg", msg.RetMsg).Msg("subscription rejected")
		}
	case msg.Op == "pong" || msg.Op == "ping":
		// keepalive reply, nothing to do
	case len(msg.Topic) > len("orderbook.") && msg.Topic[:len("orderbook.")] == "orderbook.":
		s.handleBook(msg)
	case len(msg.Topic) > len("publicTrade.") && msg.Topic[:len("publicTrade.")] == "publicTrade.":
		s.handleTrades(msg)
	}
}

func (s *Stream) handleBook(msg wsMessage) {
	if s.onBook == nil {
		return
	}
	var data wsBookData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		s.log.Warn().Err(err).Msg("unparseable book payload")
		return
	}
	snapshot := msg.Type == "snapshot"
	s.onBook(snapshot, parseLevels(data.Bids), parseLevels(data.Asks), msg.TS)
}

func (s *Stream) handleTrades(msg wsMessage) {
	if s.onTrades == nil {
		return
	}
	var rows []wsTrade
	if err := json.Unmarshal(msg.Data, &rows); err != nil {
		s.log.Warn().Err(err).Msg("unparseable trade payload")
		return
	}
	trades := make([]market.PublicTrade, 0, len(rows))
	for _, row := range rows {
		size, err := strconv.ParseFloat(row.Size, 64)
		if err != nil {
			continue
		}
		price, err := strconv.ParseFloat(row.Price, 64)
		if err != nil {
			continue
		}
		trades = append(trades, market.PublicTrade{
			Time:  row.Time,
			Side:  market.TradeSide(row.Side),
			Size:  size,
			Price: price,
			ID:    row.ID,
			Seq:   row.Seq,
		})
	}
	if len(trades) > 0 {
		s.onTrades(trades)
	}
}
