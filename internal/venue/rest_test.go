package venue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"bybit-orderflow-bot/internal/market"
)

func testClient(baseURL string) *Client {
	c := NewClient(Options{BaseURL: baseURL})
	return c
}

func klineBody(rows string) string {
	return fmt.Sprintf(`{"retCode":0,"retMsg":"OK","result":{"symbol":"BTCUSDT","list":[%s]},"time":1}`, rows)
}

func TestFetchCandlesReversesToAscending(t *testing.T) {
	// Bybit serves newest-first
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/kline" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("interval"); got != "60" {
			t.Errorf("interval = %s, want 60", got)
		}
		fmt.Fprint(w, klineBody(
			`["7200000","101","102","100","101.5","10","0"],`+
				`["3600000","100","101","99","101","12","0"]`))
	}))
	defer srv.Close()

	candles, err := testClient(srv.URL).FetchCandles(context.Background(), "BTCUSDT", market.TF1h, CandleRange{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(candles) != 2 {
		t.Fatalf("candles = %d, want 2", len(candles))
	}
	if candles[0].StartTime != 3_600_000 || candles[1].StartTime != 7_200_000 {
		t.Fatalf("order = %d,%d, want ascending", candles[0].StartTime, candles[1].StartTime)
	}
	if candles[0].Close != 101 || candles[0].Volume != 12 {
		t.Fatalf("candle = %+v", candles[0])
	}
}

func TestFetchCandlesDropsImplausibleBars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// second row has high below low and must be filtered out
		fmt.Fprint(w, klineBody(
			`["7200000","100","90","110","100","10","0"],`+
				`["3600000","100","101","99","100","12","0"]`))
	}))
	defer srv.Close()

	candles, err := testClient(srv.URL).FetchCandles(context.Background(), "BTCUSDT", market.TF1h, CandleRange{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(candles) != 1 || candles[0].StartTime != 3_600_000 {
		t.Fatalf("candles = %+v, want the single plausible bar", candles)
	}
}

func TestRetryOnRateLimitRetCode(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			fmt.Fprint(w, `{"retCode":10006,"retMsg":"too many visits","result":{}}`)
			return
		}
		fmt.Fprint(w, klineBody(`["3600000","100","101","99","100","12","0"]`))
	}))
	defer srv.Close()

	candles, err := testClient(srv.URL).FetchCandles(context.Background(), "BTCUSDT", market.TF1h, CandleRange{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(candles) != 1 {
		t.Fatalf("candles = %d, want the retried result", len(candles))
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want one retry", calls)
	}
}

func TestNonRetryableRetCodeFailsFast(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"retCode":10001,"retMsg":"params error","result":{}}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchCandles(context.Background(), "BTCUSDT", market.TF1h, CandleRange{}, 10)
	if err == nil {
		t.Fatal("a params error must fail")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, application errors must not retry", calls)
	}
}

func TestExhaustedRetriesReturnRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// let the first retry delay start, then give up waiting
		cancel()
	}()
	_, err := c.FetchCandles(ctx, "BTCUSDT", market.TF1h, CandleRange{}, 10)
	if err == nil {
		t.Fatal("want an error after cancellation or exhausted retries")
	}
	if !errors.Is(err, ErrRateLimited) && !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want rate-limited or canceled", err)
	}
}

func TestFetchRecentTradesOldestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/recent-trade" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"retCode":0,"result":{"list":[`+
			`{"execId":"b","price":"101","size":"2","side":"Sell","time":"2000"},`+
			`{"execId":"a","price":"100","size":"1","side":"Buy","time":"1000"}]}}`)
	}))
	defer srv.Close()

	trades, err := testClient(srv.URL).FetchRecentTrades(context.Background(), "BTCUSDT", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 2 || trades[0].Time != 1000 || trades[1].Time != 2000 {
		t.Fatalf("trades = %+v, want ascending time", trades)
	}
	if trades[0].Side != market.SideBuy || trades[0].ID != "a" {
		t.Fatalf("trade = %+v", trades[0])
	}
}

func TestFetchOrderBook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/orderbook" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"retCode":0,"result":{"s":"BTCUSDT",`+
			`"b":[["100","5"],["99.5","3"]],"a":[["100.5","2"]],"ts":1700000000000,"seq":7}}`)
	}))
	defer srv.Close()

	snap, err := testClient(srv.URL).FetchOrderBook(context.Background(), "BTCUSDT", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Bids) != 2 || snap.Bids[0].Price != 100 || snap.Bids[0].Size != 5 {
		t.Fatalf("bids = %+v", snap.Bids)
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Price != 100.5 {
		t.Fatalf("asks = %+v", snap.Asks)
	}
	if snap.UpdatedAt.UnixMilli() != 1700000000000 {
		t.Fatalf("updatedAt = %v", snap.UpdatedAt)
	}
}

func TestDefaultBaseURLs(t *testing.T) {
	if c := NewClient(Options{}); c.baseURL != "https://api.bybit.com" {
		t.Fatalf("mainnet base = %s", c.baseURL)
	}
	if c := NewClient(Options{Testnet: true}); c.baseURL != "https://api-testnet.bybit.com" {
		t.Fatalf("testnet base = %s", c.baseURL)
	}
}
