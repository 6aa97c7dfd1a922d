package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"bybit-orderflow-bot/internal/market"
)

// Config is the immutable configuration record built once at startup.
// Values come from a flat key-value file overlaid by process environment;
// nothing is re-read mid-tick.
type Config struct {
	Venue     VenueConfig
	Data      DataConfig
	Phase     PhaseConfig
	Trend     TrendConfig
	Filters   FilterConfig
	Orderflow OrderflowConfig
	Sandbox   SandboxConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Server    ServerConfig
	Logging   LoggingConfig
	History   HistoryConfig
}

type VenueConfig struct {
	Symbol    string
	Category  string // "linear"
	Testnet   bool
	APIKey    string // may be empty for read-only access
	APISecret string
	BaseURL   string
	WSURL     string
}

type DataConfig struct {
	TimeframesAnalysis  []market.Timeframe
	TimeframesDB        []market.Timeframe
	KlineLimit          int
	PollIntervalSec     int
	DBUpdateIntervalSec int
	BackfillMaxCandles  int
	SanityPriceLow      float64
	SanityPriceHigh     float64
}

type PhaseConfig struct {
	Classifier   string // "wyckoff", "indicator", "structure"
	MinScore     float64
	MinGap       float64
	StabilityMin float64
	HistorySize  int
}

type TrendConfig struct {
	StrengthMin        float64
	UnclearThreshold   float64
	MinGap             float64
	MinGapDown         float64
	SurgePenalty       float64
	LowVolumeThreshold float64
}

type FilterConfig struct {
	VolumeMinRatio        float64
	ATRMaxRatio           float64
	LevelMaxDistancePct   float64
	TFAlignMin            int
	CandleQualityMinScore float64
	RegimeBlockSurge      bool
}

type OrderflowConfig struct {
	Enabled              bool
	BookDepth            int
	TopLevels            int
	WindowSec            int
	TradeRingSize        int
	WallPercentile       float64
	SpikeMultiple        float64
	DivergenceThreshold  float64
	SweepWickRatioMin    float64
	SweepLookbackBars    int
	AbsorptionMinDrop    float64
	MinScoreForDirection float64
	SweepWeight          float64
	WSPingSec            int
	WSTimeoutSec         int
}

// TPLevel is one multi-level take-profit step: at LevelPct gain close up to
// CumulativeShare of the initial size.
type TPLevel struct {
	LevelPct        float64
	CumulativeShare float64
}

type SandboxConfig struct {
	Enabled                      bool
	InitialBalance               float64
	TakerFee                     float64
	MinConfidenceToOpen          float64
	CooldownSec                  int
	MinHoldSec                   int
	ExitNoneTicks                int
	ExitMinConfidence            float64
	MinConfirmingTicks           int
	ExitWindowTicks              int
	ExitWindowNeed               int
	StopLossPct                  float64
	BreakevenTriggerPct          float64
	TakeProfitPct                float64
	TPLevels                     []TPLevel
	TrailTriggerPct              float64
	TrailPct                     float64
	TrendFilter                  bool
	LeverageMin                  float64
	LeverageMax                  float64
	AdaptiveLeverage             bool
	MarginFraction               float64
	LiquidationMaintenance       float64
	DrawdownLeverageThresholdPct float64
	MinProfitPct                 float64
	NoOpenSameTickAsClose        bool
	NoOpenSweepOnly              bool
	SweepDelaySec                int
	UseContextNowPrimary         bool
	UseContextNowOnly            bool
	TradeLogCSV                  string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

type ServerConfig struct {
	Enabled        bool
	Host           string
	Port           int
	AllowedOrigins string
}

type LoggingConfig struct {
	Level      string
	Output     string
	JSONFormat bool
}

type HistoryConfig struct {
	Dir string // root of the historical-tick archive, empty disables
}

// Load reads the flat key-value config file (if present) into the process
// environment and builds the Config. Environment variables already set take
// precedence over file values.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "bot.env"
	}
	if _, err := os.Stat(path); err == nil {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Venue: VenueConfig{
			Symbol:    getEnv("SYMBOL", ""),
			Category:  getEnv("CATEGORY", "linear"),
			Testnet:   getEnvBool("TESTNET", false),
			APIKey:    getEnv("API_KEY", ""),
			APISecret: getEnv("API_SECRET", ""),
			BaseURL:   getEnv("BYBIT_BASE_URL", ""),
			WSURL:     getEnv("BYBIT_WS_URL", ""),
		},
		Data: DataConfig{
			KlineLimit:          getEnvInt("KLINE_LIMIT", 1000),
			PollIntervalSec:     getEnvInt("POLL_INTERVAL_SEC", 60),
			DBUpdateIntervalSec: getEnvInt("DB_UPDATE_INTERVAL_SEC", 300),
			BackfillMaxCandles:  getEnvInt("BACKFILL_MAX_CANDLES", 20000),
			SanityPriceLow:      getEnvFloat("SANITY_PRICE_LOW", 0),
			SanityPriceHigh:     getEnvFloat("SANITY_PRICE_HIGH", 0),
		},
		Phase: PhaseConfig{
			Classifier:   getEnv("PHASE_CLASSIFIER", "wyckoff"),
			MinScore:     getEnvFloat("PHASE_MIN_SCORE", 0.45),
			MinGap:       getEnvFloat("PHASE_MIN_GAP", 0.08),
			StabilityMin: getEnvFloat("PHASE_STABILITY_MIN", 0.6),
			HistorySize:  getEnvInt("PHASE_HISTORY_SIZE", 5),
		},
		Trend: TrendConfig{
			StrengthMin:        getEnvFloat("TREND_STRENGTH_MIN", 0.3),
			UnclearThreshold:   getEnvFloat("TREND_UNCLEAR_THRESHOLD", 0.35),
			MinGap:             getEnvFloat("TREND_MIN_GAP", 0.1),
			MinGapDown:         getEnvFloat("TREND_MIN_GAP_DOWN", 0.1),
			SurgePenalty:       getEnvFloat("TREND_SURGE_PENALTY", 0.1),
			LowVolumeThreshold: getEnvFloat("TREND_LOW_VOLUME_THRESHOLD", 0.5),
		},
		Filters: FilterConfig{
			VolumeMinRatio:        getEnvFloat("FILTER_VOLUME_MIN_RATIO", 0.6),
			ATRMaxRatio:           getEnvFloat("FILTER_ATR_MAX_RATIO", 2.5),
			LevelMaxDistancePct:   getEnvFloat("FILTER_LEVEL_MAX_DISTANCE_PCT", 0.03),
			TFAlignMin:            getEnvInt("FILTER_TF_ALIGN_MIN", 2),
			CandleQualityMinScore: getEnvFloat("FILTER_CANDLE_QUALITY_MIN_SCORE", 0.8),
			RegimeBlockSurge:      getEnvBool("FILTER_REGIME_BLOCK_SURGE", true),
		},
		Orderflow: OrderflowConfig{
			Enabled:              getEnvBool("ORDERFLOW_ENABLED", true),
			BookDepth:            getEnvInt("ORDERFLOW_BOOK_DEPTH", 50),
			TopLevels:            getEnvInt("ORDERFLOW_TOP_LEVELS", 10),
			WindowSec:            getEnvInt("ORDERFLOW_WINDOW_SEC", 60),
			TradeRingSize:        getEnvInt("ORDERFLOW_TRADE_RING_SIZE", 50000),
			WallPercentile:       getEnvFloat("ORDERFLOW_WALL_PERCENTILE", 90),
			SpikeMultiple:        getEnvFloat("ORDERFLOW_SPIKE_MULTIPLE", 2.0),
			DivergenceThreshold:  getEnvFloat("ORDERFLOW_DIVERGENCE_THRESHOLD", 0.10),
			SweepWickRatioMin:    getEnvFloat("ORDERFLOW_SWEEP_WICK_RATIO_MIN", 1.5),
			SweepLookbackBars:    getEnvInt("ORDERFLOW_SWEEP_LOOKBACK_BARS", 5),
			AbsorptionMinDrop:    getEnvFloat("ORDERFLOW_ABSORPTION_MIN_DROP", 0.5),
			MinScoreForDirection: getEnvFloat("ORDERFLOW_MIN_SCORE_FOR_DIRECTION", 0.35),
			SweepWeight:          getEnvFloat("ORDERFLOW_SWEEP_WEIGHT", 0.3),
			WSPingSec:            getEnvInt("WS_PING_SEC", 20),
			WSTimeoutSec:         getEnvInt("WS_TIMEOUT_SEC", 60),
		},
		Sandbox: SandboxConfig{
			Enabled:                      getEnvBool("SANDBOX_ENABLED", true),
			InitialBalance:               getEnvFloat("SANDBOX_INITIAL_BALANCE", 1000),
			TakerFee:                     getEnvFloat("SANDBOX_TAKER_FEE", 0.0006),
			MinConfidenceToOpen:          getEnvFloat("SANDBOX_MIN_CONFIDENCE_TO_OPEN", 0.35),
			CooldownSec:                  getEnvInt("SANDBOX_COOLDOWN_SEC", 60),
			MinHoldSec:                   getEnvInt("SANDBOX_MIN_HOLD_SEC", 120),
			ExitNoneTicks:                getEnvInt("SANDBOX_EXIT_NONE_TICKS", 3),
			ExitMinConfidence:            getEnvFloat("SANDBOX_EXIT_MIN_CONFIDENCE", 0.2),
			MinConfirmingTicks:           getEnvInt("SANDBOX_MIN_CONFIRMING_TICKS", 2),
			ExitWindowTicks:              getEnvInt("SANDBOX_EXIT_WINDOW_TICKS", 0),
			ExitWindowNeed:               getEnvInt("SANDBOX_EXIT_WINDOW_NEED", 0),
			StopLossPct:                  getEnvFloat("SANDBOX_STOP_LOSS_PCT", 0.01),
			BreakevenTriggerPct:          getEnvFloat("SANDBOX_BREAKEVEN_TRIGGER_PCT", 0.004),
			TakeProfitPct:                getEnvFloat("SANDBOX_TAKE_PROFIT_PCT", 0.02),
			TrailTriggerPct:              getEnvFloat("SANDBOX_TRAIL_TRIGGER_PCT", 0.008),
			TrailPct:                     getEnvFloat("SANDBOX_TRAIL_PCT", 0.004),
			TrendFilter:                  getEnvBool("SANDBOX_TREND_FILTER", true),
			LeverageMin:                  getEnvFloat("SANDBOX_LEVERAGE_MIN", 1),
			LeverageMax:                  getEnvFloat("SANDBOX_LEVERAGE_MAX", 5),
			AdaptiveLeverage:             getEnvBool("SANDBOX_ADAPTIVE_LEVERAGE", true),
			MarginFraction:               getEnvFloat("SANDBOX_MARGIN_FRACTION", 0.25),
			LiquidationMaintenance:       getEnvFloat("SANDBOX_LIQUIDATION_MAINTENANCE", 1.0),
			DrawdownLeverageThresholdPct: getEnvFloat("SANDBOX_DRAWDOWN_LEVERAGE_THRESHOLD_PCT", 10),
			MinProfitPct:                 getEnvFloat("SANDBOX_MIN_PROFIT_PCT", 0.002),
			NoOpenSameTickAsClose:        getEnvBool("SANDBOX_NO_OPEN_SAME_TICK_AS_CLOSE", true),
			NoOpenSweepOnly:              getEnvBool("SANDBOX_NO_OPEN_SWEEP_ONLY", true),
			SweepDelaySec:                getEnvInt("SANDBOX_SWEEP_DELAY_SEC", 30),
			UseContextNowPrimary:         getEnvBool("SANDBOX_USE_CONTEXT_NOW_PRIMARY", false),
			UseContextNowOnly:            getEnvBool("SANDBOX_USE_CONTEXT_NOW_ONLY", false),
			TradeLogCSV:                  getEnv("SANDBOX_TRADE_LOG_CSV", "sandbox_trades.csv"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "orderflow_bot"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "orderflow_bot"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Server: ServerConfig{
			Enabled:        getEnvBool("SERVER_ENABLED", true),
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8080),
			AllowedOrigins: getEnv("SERVER_ALLOWED_ORIGINS", "*"),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			JSONFormat: getEnvBool("LOG_JSON", true),
		},
		History: HistoryConfig{
			Dir: getEnv("HISTORY_DIR", ""),
		},
	}

	var err error
	cfg.Data.TimeframesAnalysis, err = market.ParseTimeframes(getEnv("TIMEFRAMES_ANALYSIS", "5m,15m,1h,4h,D"))
	if err != nil {
		return nil, fmt.Errorf("TIMEFRAMES_ANALYSIS: %w", err)
	}
	cfg.Data.TimeframesDB, err = market.ParseTimeframes(getEnv("TIMEFRAMES_DB", "1m,3m,5m,15m,30m,1h,2h,4h,6h,12h,D,W,M"))
	if err != nil {
		return nil, fmt.Errorf("TIMEFRAMES_DB: %w", err)
	}
	cfg.Sandbox.TPLevels, err = ParseTPLevels(getEnv("SANDBOX_TP_LEVELS", ""))
	if err != nil {
		return nil, fmt.Errorf("SANDBOX_TP_LEVELS: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseTPLevels parses "0.01:0.5,0.02:0.8,0.03:1.0" into TP levels. An empty
// string disables multi-level take-profit.
func ParseTPLevels(s string) ([]TPLevel, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var levels []TPLevel
	for _, part := range strings.Split(s, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed tp level %q", part)
		}
		lvl, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed tp level %q: %w", part, err)
		}
		share, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed tp level %q: %w", part, err)
		}
		levels = append(levels, TPLevel{LevelPct: lvl, CumulativeShare: share})
	}
	for i, l := range levels {
		if l.LevelPct <= 0 || l.CumulativeShare <= 0 || l.CumulativeShare > 1 {
			return nil, fmt.Errorf("tp level %d out of range", i)
		}
		if i > 0 && (l.LevelPct <= levels[i-1].LevelPct || l.CumulativeShare <= levels[i-1].CumulativeShare) {
			return nil, fmt.Errorf("tp levels must be strictly increasing")
		}
	}
	return levels, nil
}

// Validate checks startup invariants. Failures here are fatal (exit 1).
func (c *Config) Validate() error {
	if c.Venue.Symbol == "" {
		return fmt.Errorf("SYMBOL is required")
	}
	if len(c.Data.TimeframesAnalysis) == 0 {
		return fmt.Errorf("TIMEFRAMES_ANALYSIS must not be empty")
	}
	if len(c.Data.TimeframesDB) == 0 {
		return fmt.Errorf("TIMEFRAMES_DB must not be empty")
	}
	if c.Data.KlineLimit <= 0 || c.Data.KlineLimit > 1000 {
		return fmt.Errorf("KLINE_LIMIT must be in (0, 1000]")
	}
	if c.Data.PollIntervalSec <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SEC must be positive")
	}
	if c.Sandbox.InitialBalance <= 0 {
		return fmt.Errorf("SANDBOX_INITIAL_BALANCE must be positive")
	}
	if c.Sandbox.TakerFee < 0 {
		return fmt.Errorf("SANDBOX_TAKER_FEE must be non-negative")
	}
	if c.Sandbox.LeverageMin <= 0 || c.Sandbox.LeverageMax < c.Sandbox.LeverageMin {
		return fmt.Errorf("sandbox leverage bounds invalid")
	}
	if c.Sandbox.MarginFraction <= 0 || c.Sandbox.MarginFraction > 1 {
		return fmt.Errorf("SANDBOX_MARGIN_FRACTION must be in (0, 1]")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}
