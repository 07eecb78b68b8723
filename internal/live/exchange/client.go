// Package exchange implements the live-core's Binance USDT-M futures client:
// signed REST calls, time synchronization, listen-key lifecycle, and the
// rate/ban backoff rules the chase-limit router depends on.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"trading-core/pkg/exchanges/common"
)

// Config holds credentials and connection settings for the live exchange client.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client talks to Binance USDT-M futures for the live trading core.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client

	mu          sync.RWMutex
	offset      int64     // server - local, ms
	lastSync    time.Time
	banUntil    time.Time // set from the ban expiry in an HTTP 418 response body
	limiter     *rate.Limiter
	orderLimiter *rate.Limiter
}

// NewClient builds a live exchange client. limiter caps general endpoints at
// 2000 requests/min with a burst of 40 (conservative token count, not true weight);
// orderLimiter caps signed order placement separately, since chase-limit
// attempts place/cancel orders far more frequently than market data reads.
func NewClient(cfg Config) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	return &Client{
		cfg:          cfg,
		baseURL:      base,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		limiter:      rate.NewLimiter(rate.Every(time.Minute/2000), 40),
		orderLimiter: rate.NewLimiter(rate.Every(time.Second/8), 8),
	}
}

// Now returns the current time adjusted by the last measured server offset.
func (c *Client) Now() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().UnixMilli() + c.offset
}

// Synced reports whether a successful time sync has happened at least once.
func (c *Client) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.lastSync.IsZero()
}

// SyncTime performs a three-sample time sync against /fapi/v1/time,
// attributing half the round-trip to network latency (teacher's
// common.TimeSync does the same symmetric-latency assumption).
func (c *Client) SyncTime(ctx context.Context) error {
	before := time.Now().UnixMilli()
	server, err := c.ServerTime(ctx)
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()

	latency := (after - before) / 2
	local := before + latency

	c.mu.Lock()
	c.offset = server - local
	c.lastSync = time.Now()
	c.mu.Unlock()
	return nil
}

// ServerTime fetches raw exchange server time.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("server time status %d: %s", res.StatusCode, string(b))
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.ServerTime, nil
}

// CreateListenKey opens a user-data stream listen key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return "", fmt.Errorf("create listen key status %d: %s", res.StatusCode, string(b))
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends listen key validity by another 60 minutes.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/fapi/v1/listenKey?listenKey="+listenKey, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("keepalive listen key status %d: %s", res.StatusCode, string(b))
	}
	return nil
}

// PlaceOrder submits a new order, signed, respecting the order limiter.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return OrderAck{}, errors.New("live exchange: API key/secret required")
	}
	if err := c.orderLimiter.Wait(ctx); err != nil {
		return OrderAck{}, err
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(req.Side))
	params.Set("type", strings.ToUpper(req.Type))
	params.Set("quantity", formatFloat(req.Qty))
	if req.Type == "LIMIT" {
		params.Set("price", formatFloat(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = string(common.TIFGTC)
		}
		params.Set("timeInForce", tif)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	body, err := c.doSigned(ctx, http.MethodPost, c.baseURL+"/fapi/v1/order", params)
	if err != nil {
		return OrderAck{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderAck{}, fmt.Errorf("decode order response: %w", err)
	}
	return OrderAck{
		ExchangeOrderID: fmt.Sprintf("%d", resp.OrderID),
		ClientOrderID:   resp.ClientOrderID,
		Status:          resp.Status,
	}, nil
}

// CancelOrder cancels by client order id (the router always knows this).
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	if err := c.orderLimiter.Wait(ctx); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	_, err := c.doSigned(ctx, http.MethodDelete, c.baseURL+"/fapi/v1/order", params)
	return err
}

// QueryOrder polls an order's current status — used by the chase-limit
// router when the user-data confirmation does not arrive within the fill
// wait window.
func (c *Client) QueryOrder(ctx context.Context, symbol, clientOrderID string) (OrderAck, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return OrderAck{}, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/fapi/v1/order", params)
	if err != nil {
		return OrderAck{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderAck{}, fmt.Errorf("decode order query: %w", err)
	}
	return OrderAck{
		ExchangeOrderID: fmt.Sprintf("%d", resp.OrderID),
		ClientOrderID:   resp.ClientOrderID,
		Status:          resp.Status,
		ExecutedQty:     toFloat(resp.ExecutedQty),
		AvgPrice:        toFloat(resp.AvgPrice),
	}, nil
}

// Klines fetches up to limit historical candles (ending at endTime when set)
// in a single request, in the order the exchange returns them. It does not
// paginate past one response and does not de-duplicate by open time.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int, endTime int64) ([]Candle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if endTime > 0 {
		params.Set("endTime", strconv.FormatInt(endTime, 10))
	}
	reqURL := c.baseURL + "/fapi/v1/klines?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("klines status %d: %s", res.StatusCode, string(body))
	}

	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	candles := make([]Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		candles = append(candles, Candle{
			OpenTime:  int64(row[0].(float64)),
			Open:      toFloat(row[1].(string)),
			High:      toFloat(row[2].(string)),
			Low:       toFloat(row[3].(string)),
			Close:     toFloat(row[4].(string)),
			Volume:    toFloat(row[5].(string)),
			CloseTime: int64(row[6].(float64)),
			Closed:    true,
		})
	}
	return candles, nil
}

// SymbolFilters is the subset of /fapi/v1/exchangeInfo's per-symbol filters
// the chase-limit router needs for price/quantity rounding.
type SymbolFilters struct {
	Symbol      string
	TickSize    float64
	StepSize    float64
	MinNotional float64
	MinQty      float64
	MaxQty      float64
}

// ExchangeInfo fetches LOT_SIZE/PRICE_FILTER/MIN_NOTIONAL for the given
// symbols (empty slice fetches all).
func (c *Client) ExchangeInfo(ctx context.Context, symbols []string) (map[string]SymbolFilters, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("exchangeInfo status %d: %s", res.StatusCode, string(body))
	}

	var parsed struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				Notional    string `json:"notional"`
				MinNotional string `json:"minNotional"`
				MinQty      string `json:"minQty"`
				MaxQty      string `json:"maxQty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode exchangeInfo: %w", err)
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	out := make(map[string]SymbolFilters, len(parsed.Symbols))
	for _, s := range parsed.Symbols {
		if len(want) > 0 && !want[s.Symbol] {
			continue
		}
		sf := SymbolFilters{Symbol: s.Symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				sf.TickSize = toFloat(f.TickSize)
			case "LOT_SIZE":
				sf.StepSize = toFloat(f.StepSize)
				sf.MinQty = toFloat(f.MinQty)
				sf.MaxQty = toFloat(f.MaxQty)
			case "MIN_NOTIONAL":
				sf.MinNotional = toFloat(f.MinNotional)
				if sf.MinNotional == 0 {
					sf.MinNotional = toFloat(f.Notional)
				}
			}
		}
		out[s.Symbol] = sf
	}
	return out, nil
}

// AccountBalance returns total wallet balance and unrealized PnL across all
// USDT-margined assets, summed for the equity figure PortfolioContext needs.
func (c *Client) AccountBalance(ctx context.Context) (walletBalance, unrealizedPnL float64, err error) {
	params := url.Values{}
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/fapi/v2/account", params)
	if err != nil {
		return 0, 0, err
	}
	var info struct {
		Assets []struct {
			Asset            string `json:"asset"`
			WalletBalance    string `json:"walletBalance"`
			UnrealizedProfit string `json:"unrealizedProfit"`
		} `json:"assets"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return 0, 0, fmt.Errorf("decode account info: %w", err)
	}
	for _, a := range info.Assets {
		if a.Asset != "USDT" {
			continue
		}
		walletBalance += toFloat(a.WalletBalance)
		unrealizedPnL += toFloat(a.UnrealizedProfit)
	}
	return walletBalance, unrealizedPnL, nil
}

// UserTrade is one fill reported by the REST trade-history endpoint, used by
// the user-data stream's REST-polling fallback and reconnect reconciliation
// sweep to recover trades that arrived while the websocket was down.
type UserTrade struct {
	Symbol        string
	Side          string
	OrderID       int64
	TradeID       int64
	Price         float64
	Qty           float64
	Commission    float64
	Maker         bool
	Time          int64
}

// UserTrades fetches trades for symbol at or after startTime (epoch ms; 0
// fetches the most recent window), newest-page-first per the exchange's
// default ordering.
func (c *Client) UserTrades(ctx context.Context, symbol string, startTime int64) ([]UserTrade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", "1000")
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/fapi/v1/userTrades", params)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		OrderID    int64  `json:"orderId"`
		ID         int64  `json:"id"`
		Price      string `json:"price"`
		Qty        string `json:"qty"`
		Commission string `json:"commission"`
		Maker      bool   `json:"maker"`
		Time       int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode user trades: %w", err)
	}
	out := make([]UserTrade, 0, len(raw))
	for _, t := range raw {
		out = append(out, UserTrade{
			Symbol:     t.Symbol,
			Side:       strings.ToUpper(t.Side),
			OrderID:    t.OrderID,
			TradeID:    t.ID,
			Price:      toFloat(t.Price),
			Qty:        toFloat(t.Qty),
			Commission: toFloat(t.Commission),
			Maker:      t.Maker,
			Time:       t.Time,
		})
	}
	return out, nil
}

const (
	signedMaxRetries = 5
	signedBaseDelay  = time.Second
)

// banMessagePattern extracts the absolute ban-expiry timestamp (epoch ms)
// that Binance embeds in a 418 response's body, e.g. "banned until 1700000000000".
var banMessagePattern = regexp.MustCompile(`(?i)banned until (\d+)`)

// retryKind classifies why a signed attempt failed, so doSigned can pick
// the right backoff shape for the next attempt.
type retryKind int

const (
	retryNone retryKind = iota
	retryTimestamp
	retryRateLimited
	retryBanned
)

// SetLeverage sets the symbol's initial leverage via POST /fapi/v1/leverage.
// Engine startup calls this once per symbol before trading begins.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, c.baseURL+"/fapi/v1/leverage", params)
	return err
}

// doSigned signs and sends a request, making at most signedMaxRetries
// attempts in total and retrying on -1021 (timestamp out of recvWindow, resync then exponential backoff),
// HTTP 429 or -1003 (request weight ban, exponential backoff capped at 60s),
// and HTTP 418 (IP ban, sleep until the ban-expiry timestamp embedded in the
// response body, capped at 120s), mirroring the original bot's
// _signed_request retry policy.
func (c *Client) doSigned(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < signedMaxRetries; attempt++ {
		body, kind, bannedUntil, err := c.doSignedOnce(ctx, method, endpoint, cloneValues(params))
		if err == nil {
			return body, nil
		}
		lastErr = err
		if kind == retryNone || attempt == signedMaxRetries-1 {
			return nil, err
		}

		var wait time.Duration
		switch kind {
		case retryTimestamp:
			wait = signedBaseDelay * time.Duration(1<<uint(attempt))
		case retryRateLimited:
			wait = signedBaseDelay * 2 * time.Duration(1<<uint(attempt))
			if wait > 60*time.Second {
				wait = 60 * time.Second
			}
		case retryBanned:
			wait = 120 * time.Second
			if !bannedUntil.IsZero() {
				if d := time.Until(bannedUntil) + time.Second; d < wait {
					wait = d
				}
			}
			if wait < 0 {
				wait = time.Second
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("live exchange: exhausted %d retries: %w", signedMaxRetries, lastErr)
}

// doSignedOnce performs a single signed attempt. kind classifies a retryable
// failure for doSigned's backoff; retryNone means the error is terminal.
func (c *Client) doSignedOnce(ctx context.Context, method, endpoint string, params url.Values) ([]byte, retryKind, time.Time, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, retryNone, time.Time{}, err
	}

	c.mu.RLock()
	bannedUntil := c.banUntil
	c.mu.RUnlock()
	if time.Now().Before(bannedUntil) {
		return nil, retryBanned, bannedUntil, fmt.Errorf("live exchange: banned until %s", bannedUntil.Format(time.RFC3339))
	}

	params.Set("timestamp", strconv.FormatInt(c.Now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	sig := sign(params.Encode(), c.cfg.APISecret)
	params.Set("signature", sig)

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if err != nil {
		return nil, retryNone, time.Time{}, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retryNone, time.Time{}, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)

	if res.StatusCode == http.StatusTeapot {
		until := parseBanUntil(body, c.Now())
		if !until.IsZero() {
			c.mu.Lock()
			c.banUntil = until
			c.mu.Unlock()
		}
		return nil, retryBanned, until, fmt.Errorf("live exchange: banned (418): %s", string(body))
	}

	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if res.StatusCode >= 300 {
		_ = json.Unmarshal(body, &apiErr)
	}

	if res.StatusCode == 429 || apiErr.Code == -1003 {
		return nil, retryRateLimited, time.Time{}, fmt.Errorf("live exchange: rate limited (429): %s", string(body))
	}

	if res.StatusCode >= 300 {
		if apiErr.Code == -1021 {
			if syncErr := c.SyncTime(ctx); syncErr != nil {
				return nil, retryNone, time.Time{}, fmt.Errorf("live exchange: resync after -1021 failed: %w", syncErr)
			}
			return nil, retryTimestamp, time.Time{}, &timestampError{msg: apiErr.Msg}
		}
		return nil, retryNone, time.Time{}, fmt.Errorf("live exchange %s %s status %d: %s", method, endpoint, res.StatusCode, string(body))
	}
	return body, retryNone, time.Time{}, nil
}

type timestampError struct{ msg string }

func (e *timestampError) Error() string { return "timestamp out of recvWindow: " + e.msg }

// IsTimestampError reports whether err is a -1021 timestamp error, so callers
// can retry once after a resync.
func IsTimestampError(err error) bool {
	var te *timestampError
	return errors.As(err, &te)
}

// parseBanUntil extracts the ban-expiry timestamp (epoch ms) from a 418
// response body's "msg" field, e.g. {"code":-1003,"msg":"banned until 1700000000000"}.
// Binance encodes the ban window in the body, not in a Retry-After header.
func parseBanUntil(body []byte, nowMs int64) time.Time {
	var apiErr struct {
		Msg string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)
	m := banMessagePattern.FindStringSubmatch(apiErr.Msg)
	if m == nil {
		m = banMessagePattern.FindStringSubmatch(string(body))
	}
	if m == nil {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		cp := make([]string, len(vals))
		copy(cp, vals)
		out[k] = cp
	}
	return out
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func toFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
}
