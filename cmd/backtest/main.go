// Command backtest replays archived tick days through the order flow
// engine and the paper-trade sandbox, then prints a performance report.
// Archives are the daily Bybit trade dumps under HISTORY_DIR.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"bybit-orderflow-bot/config"
	"bybit-orderflow-bot/internal/backtest"
	"bybit-orderflow-bot/internal/history"
	"bybit-orderflow-bot/internal/logging"
	"bybit-orderflow-bot/internal/sandbox"
	"bybit-orderflow-bot/internal/store"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitInterrupt = 130
)

const dateLayout = "2006-01-02"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile = flag.String("config", "bot.env", "path to the env config file")
		fromArg    = flag.String("from", "", "first day to replay (YYYY-MM-DD)")
		toArg      = flag.String("to", "", "last day to replay, defaults to -from")
		days       = flag.Int("days", 0, "replay the last N archived days instead of -from/-to")
		noDB       = flag.Bool("no-db", false, "skip run persistence, report only")
		csvOut     = flag.String("csv", "", "optional trade log CSV path")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Error().Err(err).Msg("configuration load failed")
		return exitConfig
	}
	logging.Setup(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		JSONFormat: cfg.Logging.JSONFormat,
	})
	logger := logging.Component("backtest")

	if cfg.History.Dir == "" {
		logger.Error().Msg("HISTORY_DIR is not set, nothing to replay")
		return exitConfig
	}
	from, to, err := dateRange(*fromArg, *toArg, *days)
	if err != nil {
		logger.Error().Err(err).Msg("bad date range")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var runs backtest.RunStore
	if !*noDB {
		st, err := store.New(ctx, store.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			logger.Error().Err(err).Msg("database connection failed, rerun with -no-db to skip persistence")
			return exitConfig
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			logger.Error().Err(err).Msg("migrations failed")
			return exitConfig
		}
		runs = st
	}

	var sinks []sandbox.Sink
	if *csvOut != "" {
		sinks = append(sinks, sandbox.NewCSVSink(*csvOut, func(err error) {
			logger.Error().Err(err).Msg("trade log write failed")
		}))
	}

	runner := backtest.NewRunner(history.NewReader(cfg.History.Dir), runs)
	res, err := runner.Run(ctx, backtest.Config{
		Symbol:    cfg.Venue.Symbol,
		DateFrom:  from,
		DateTo:    to,
		Sandbox:   cfg.SandboxSettings(),
		Orderflow: cfg.OrderflowOptions(),
		Signal:    cfg.SignalOptions(),
		RingSize:  cfg.Orderflow.TradeRingSize,
	}, sinks...)
	if ctx.Err() != nil {
		return exitInterrupt
	}
	if err != nil {
		logger.Error().Err(err).Msg("replay failed")
		return exitConfig
	}

	printReport(cfg, from, to, res)
	return exitOK
}

func dateRange(fromArg, toArg string, days int) (time.Time, time.Time, error) {
	if days > 0 {
		to := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -1)
		return to.AddDate(0, 0, -(days - 1)), to, nil
	}
	if fromArg == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("either -from or -days is required")
	}
	from, err := time.Parse(dateLayout, fromArg)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing -from: %w", err)
	}
	to := from
	if toArg != "" {
		if to, err = time.Parse(dateLayout, toArg); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parsing -to: %w", err)
		}
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("-to %s is before -from %s", toArg, fromArg)
	}
	return from, to, nil
}

func printReport(cfg *config.Config, from, to time.Time, res *backtest.Result) {
	s := res.Summary
	fmt.Printf("\nBacktest %s  %s .. %s\n", cfg.Venue.Symbol,
		from.Format(dateLayout), to.Format(dateLayout))
	if res.RunID != uuid.Nil {
		fmt.Printf("Run ID: %s\n", res.RunID)
	}
	fmt.Println()
	fmt.Printf("  Initial balance   %12.2f\n", cfg.Sandbox.InitialBalance)
	fmt.Printf("  Final equity      %12.2f\n", res.FinalEquity)
	fmt.Printf("  Net PnL           %+12.2f\n", s.NetPnL)
	fmt.Printf("  Commission paid   %12.2f\n", s.TotalCommission)
	fmt.Println()
	fmt.Printf("  Trades            %6d  (%d W / %d L, %.1f%% win rate)\n",
		s.TotalTrades, s.WinningTrades, s.LosingTrades, s.WinRate)
	fmt.Printf("  Average win       %+12.2f\n", s.AverageWin)
	fmt.Printf("  Average loss      %+12.2f\n", s.AverageLoss)
	fmt.Printf("  Largest win       %+12.2f\n", s.LargestWin)
	fmt.Printf("  Largest loss      %+12.2f\n", s.LargestLoss)
	fmt.Printf("  Profit factor     %12.2f\n", s.ProfitFactor)
	fmt.Printf("  Max drawdown      %12.2f  (%.1f%%)\n", s.MaxDrawdown, s.MaxDrawdownPct)
}
