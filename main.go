package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"bybit-orderflow-bot/config"
	"bybit-orderflow-bot/internal/accumulator"
	"bybit-orderflow-bot/internal/analyzer"
	"bybit-orderflow-bot/internal/api"
	"bybit-orderflow-bot/internal/control"
	"bybit-orderflow-bot/internal/events"
	"bybit-orderflow-bot/internal/levels"
	"bybit-orderflow-bot/internal/logging"
	"bybit-orderflow-bot/internal/market"
	"bybit-orderflow-bot/internal/orderflow"
	"bybit-orderflow-bot/internal/phase"
	"bybit-orderflow-bot/internal/sandbox"
	"bybit-orderflow-bot/internal/store"
	"bybit-orderflow-bot/internal/trend"
	"bybit-orderflow-bot/internal/venue"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitInterrupt = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(configPath())
	if err != nil {
		log.Error().Err(err).Msg("configuration load failed")
		return exitConfig
	}
	logging.Setup(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		JSONFormat: cfg.Logging.JSONFormat,
	})
	logger := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, store.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Error().Err(err).Msg("database connection failed")
		return exitConfig
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		logger.Error().Err(err).Msg("migrations failed")
		return exitConfig
	}
	if _, err := st.PurgeIncompleteBacktests(ctx); err != nil {
		logger.Warn().Err(err).Msg("incomplete backtest purge failed")
	}

	client := venue.NewClient(venue.Options{
		Category:  cfg.Venue.Category,
		Testnet:   cfg.Venue.Testnet,
		BaseURL:   cfg.Venue.BaseURL,
		APIKey:    cfg.Venue.APIKey,
		APISecret: cfg.Venue.APISecret,
	})

	acc := accumulator.New(st, client, cfg.Venue.Symbol,
		cfg.Data.TimeframesDB, cfg.Data.BackfillMaxCandles)
	logger.Info().Str("symbol", cfg.Venue.Symbol).Msg("ensuring candle history")
	acc.EnsureHistory(ctx)
	if ctx.Err() != nil {
		return exitInterrupt
	}

	an := analyzer.New(st, cfg.Venue.Symbol, cfg.Data.TimeframesAnalysis, analyzerSettings(cfg))

	flow := orderflow.NewEngine(cfg.OrderflowOptions(), cfg.SignalOptions(), cfg.Orderflow.TradeRingSize)
	seedOrderflow(ctx, client, flow, cfg)

	stream := venue.NewStream(venue.StreamOptions{
		Symbol:    cfg.Venue.Symbol,
		Category:  cfg.Venue.Category,
		Depth:     cfg.Orderflow.BookDepth,
		Testnet:   cfg.Venue.Testnet,
		WSURL:     cfg.Venue.WSURL,
		PingEvery: time.Duration(cfg.Orderflow.WSPingSec) * time.Second,
		ReadWait:  time.Duration(cfg.Orderflow.WSTimeoutSec) * time.Second,
	}, flow.OnBook, flow.OnTrades)
	if err := stream.Start(); err != nil {
		logger.Error().Err(err).Msg("stream start failed")
		return exitConfig
	}
	defer stream.Stop()

	bus := events.NewEventBus()

	runID, err := st.CreateRun(ctx, store.Run{
		Symbol:         cfg.Venue.Symbol,
		Source:         "live",
		InitialBalance: cfg.Sandbox.InitialBalance,
	})
	if err != nil {
		logger.Error().Err(err).Msg("run creation failed")
		return exitConfig
	}
	bus.Publish(events.Event{Type: events.EventRunStarted,
		Data: map[string]interface{}{"runId": runID.String()}})

	box := sandbox.New(cfg.SandboxSettings(), buildSinks(cfg, st, runID, bus)...)

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}
	state := control.NewStatePublisher(rdb, cfg.Venue.Symbol)

	if cfg.Server.Enabled {
		server := api.NewServer(cfg.Server.Port, state, st, runID)
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("api shutdown failed")
			}
		}()
	}

	primaryTF := cfg.Data.TimeframesAnalysis[0]
	loop := control.NewLoop(control.Options{
		Symbol:           cfg.Venue.Symbol,
		PollInterval:     time.Duration(cfg.Data.PollIntervalSec) * time.Second,
		DBUpdateInterval: time.Duration(cfg.Data.DBUpdateIntervalSec) * time.Second,
		PrimaryTF:        primaryTF,
	}, acc, an, st, flow, box, bus, state, control.NewMetricRecorder(st, cfg.Venue.Symbol))

	loop.Run(ctx)

	// Shutdown: close out the run with the final balance sheet.
	snap := box.State(lastPrice(state))
	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.FinishRun(finishCtx, runID, store.RunSummary{
		FinalEquity:     snap.Equity,
		TotalPnL:        snap.RealizedPnL,
		TotalCommission: snap.TotalCommission,
		TradesCount:     snap.TradesCount,
	}); err != nil {
		logger.Warn().Err(err).Msg("run finish failed")
	}
	bus.Publish(events.Event{Type: events.EventRunFinished,
		Data: map[string]interface{}{"runId": runID.String(), "equity": snap.Equity}})

	logger.Info().Float64("equity", snap.Equity).Int("trades", snap.TradesCount).Msg("shutdown complete")
	return exitInterrupt
}

func lastPrice(state *control.StatePublisher) float64 {
	if st := state.Latest(); st != nil {
		return st.Price
	}
	return 0
}

func configPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return "bot.env"
}

func analyzerSettings(cfg *config.Config) analyzer.Settings {
	return analyzer.Settings{
		WindowSize: cfg.Data.KlineLimit,
		Phase: phase.Settings{
			Classifier: cfg.Phase.Classifier,
			MinScore:   cfg.Phase.MinScore,
			MinGap:     cfg.Phase.MinGap,
		},
		Trend: trend.Settings{
			FlatThreshold:      0.25,
			MinStrength:        cfg.Trend.StrengthMin,
			MinGap:             cfg.Trend.MinGap,
			MinGapDown:         cfg.Trend.MinGapDown,
			UnclearThreshold:   cfg.Trend.UnclearThreshold,
			SurgePenalty:       cfg.Trend.SurgePenalty,
			LowVolumeThreshold: cfg.Trend.LowVolumeThreshold,
		},
		Levels: levels.DefaultOptions(),
		Filters: analyzer.Filters{
			VolumeMinRatio:      cfg.Filters.VolumeMinRatio,
			ATRMaxRatio:         cfg.Filters.ATRMaxRatio,
			LevelMaxDistancePct: cfg.Filters.LevelMaxDistancePct,
			TFAlignMin:          cfg.Filters.TFAlignMin,
			QualityMinScore:     cfg.Filters.CandleQualityMinScore,
			RegimeBlockSurge:    cfg.Filters.RegimeBlockSurge,
		},
		StabilityMin: cfg.Phase.StabilityMin,
		HistorySize:  cfg.Phase.HistorySize,
	}
}

func buildSinks(cfg *config.Config, st *store.Store, runID uuid.UUID, bus *events.EventBus) []sandbox.Sink {
	logger := logging.Component("sandbox-csv")
	sinks := []sandbox.Sink{
		control.NewStoreSink(st, runID, cfg.Venue.Symbol, bus),
	}
	if cfg.Sandbox.TradeLogCSV != "" {
		sinks = append(sinks, sandbox.NewCSVSink(cfg.Sandbox.TradeLogCSV, func(err error) {
			logger.Error().Err(err).Msg("trade log write failed")
		}))
	}
	return sinks
}

func seedOrderflow(ctx context.Context, client *venue.Client, flow *orderflow.Engine, cfg *config.Config) {
	logger := logging.Component("main")
	book, err := client.FetchOrderBook(ctx, cfg.Venue.Symbol, cfg.Orderflow.BookDepth)
	if err != nil {
		logger.Warn().Err(err).Msg("order book seed failed, waiting for stream")
		book = nil
	}
	var trades []market.PublicTrade
	if trades, err = client.FetchRecentTrades(ctx, cfg.Venue.Symbol, 1000); err != nil {
		logger.Warn().Err(err).Msg("recent trades seed failed, waiting for stream")
		trades = nil
	}
	flow.Seed(book, trades)
}
