package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"bybit-orderflow-bot/internal/logging"
	"bybit-orderflow-bot/internal/market"
)

const (
	mainnetBaseURL = "https://api.bybit.com"
	testnetBaseURL = "https://api-testnet.bybit.com"

	maxKlineLimit = 1000

	retryAttempts = 5
	retryBase     = 500 * time.Millisecond
)

// Bybit retCode values that warrant a retry instead of a hard failure.
var retryableRetCodes = map[int]bool{
	10006: true, // too many visits
	10016: true, // server error
	10018: true, // ip rate limit
}

// Client is the Bybit v5 REST client. Market-data endpoints need no
// authentication; key and secret are held for future private calls.
type Client struct {
	baseURL    string
	category   string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	log        zerolog.Logger
}

// Options configures the REST client.
type Options struct {
	Category  string
	Testnet   bool
	BaseURL   string
	APIKey    string
	APISecret string
}

func NewClient(opts Options) *Client {
	base := opts.BaseURL
	if base == "" {
		if opts.Testnet {
			base = testnetBaseURL
		} else {
			base = mainnetBaseURL
		}
	}
	category := opts.Category
	if category == "" {
		category = "linear"
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		category:   category,
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        logging.Component("venue"),
	}
}

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type klineResult struct {
	Symbol string     `json:"symbol"`
	List   [][]string `json:"list"`
}

type tradeResult struct {
	List []struct {
		ExecID string `json:"execId"`
		Price  string `json:"price"`
		Size   string `json:"size"`
		Side   string `json:"side"`
		Time   string `json:"time"`
	} `json:"list"`
}

type orderBookResult struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	TS     int64      `json:"ts"`
	Seq    int64      `json:"seq"`
}

// FetchCandles requests klines for one timeframe. Bybit returns rows
// newest-first; the result is reversed to ascending time and filtered for
// implausible bars before returning.
func (c *Client) FetchCandles(ctx context.Context, symbol string, tf market.Timeframe, r CandleRange, limit int) ([]market.Candle, error) {
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	params.Set("interval", tf.BybitInterval())
	params.Set("limit", strconv.Itoa(limit))
	if r.StartMS > 0 {
		params.Set("start", strconv.FormatInt(r.StartMS, 10))
	}
	if r.EndMS > 0 {
		params.Set("end", strconv.FormatInt(r.EndMS, 10))
	}

	var result klineResult
	if err := c.get(ctx, "/v5/market/kline", params, &result); err != nil {
		return nil, fmt.Errorf("error fetching klines %s %s: %w", symbol, tf, err)
	}

	candles := make([]market.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			return nil, fmt.Errorf("error parsing kline row: %d fields", len(row))
		}
		start, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("error parsing kline start: %w", err)
		}
		candles = append(candles, market.Candle{
			StartTime: start,
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
		})
	}

	kept, rejected := market.FilterValid(candles, tf, market.SanityBand{})
	if rejected > 0 {
		c.log.Warn().Str("symbol", symbol).Str("tf", string(tf)).
			Int("rejected", rejected).Msg("dropped implausible candles")
	}
	return kept, nil
}

// FetchRecentTrades returns up to limit latest executions, oldest first.
func (c *Client) FetchRecentTrades(ctx context.Context, symbol string, limit int) ([]market.PublicTrade, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))

	var result tradeResult
	if err := c.get(ctx, "/v5/market/recent-trade", params, &result); err != nil {
		return nil, fmt.Errorf("error fetching recent trades %s: %w", symbol, err)
	}

	trades := make([]market.PublicTrade, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		ts, err := strconv.ParseInt(row.Time, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("error parsing trade time: %w", err)
		}
		trades = append(trades, market.PublicTrade{
			Time:  ts,
			Side:  market.TradeSide(row.Side),
			Size:  parseFloat(row.Size),
			Price: parseFloat(row.Price),
			ID:    row.ExecID,
		})
	}
	return trades, nil
}

// FetchOrderBook returns a point-in-time depth snapshot over REST. The
// websocket stream is the primary book source; this exists for startup and
// recovery.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int) (*market.BookSnapshot, error) {
	if depth <= 0 {
		depth = 50
	}
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(depth))

	var result orderBookResult
	if err := c.get(ctx, "/v5/market/orderbook", params, &result); err != nil {
		return nil, fmt.Errorf("error fetching orderbook %s: %w", symbol, err)
	}
	return &market.BookSnapshot{
		Bids:      parseLevels(result.Bids),
		Asks:      parseLevels(result.Asks),
		UpdatedAt: time.UnixMilli(result.TS),
	}, nil
}

// get performs a GET with exponential backoff on rate limits and transient
// transport failures. Application errors (non-retryable retCode) fail fast.
func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	var lastErr error
	delay := retryBase
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		retryable, err := c.getOnce(ctx, endpoint, out)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
		c.log.Warn().Err(err).Int("attempt", attempt).Str("path", path).Msg("retrying request")
	}
	return fmt.Errorf("%w: %v", ErrRateLimited, lastErr)
}

func (c *Client) getOnce(ctx context.Context, endpoint string, out interface{}) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("error building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return isTransient(err), fmt.Errorf("error calling API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, fmt.Errorf("API error: status %d: %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("API error: status %d: %s", resp.StatusCode, string(body))
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false, fmt.Errorf("error parsing response: %w", err)
	}
	if envelope.RetCode != 0 {
		return retryableRetCodes[envelope.RetCode],
			fmt.Errorf("API error: retCode %d: %s", envelope.RetCode, envelope.RetMsg)
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return false, fmt.Errorf("error parsing result: %w", err)
	}
	return false, nil
}

func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "EOF")
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseLevels(rows [][]string) []market.BookLevel {
	levels := make([]market.BookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		levels = append(levels, market.BookLevel{
			Price: parseFloat(row[0]),
			Size:  parseFloat(row[1]),
		})
	}
	return levels
}
