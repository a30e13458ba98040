package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"quantis-trader/internal/logging"
	"quantis-trader/internal/market"
)

// DefaultBaseURL is the Binance spot REST endpoint.
const DefaultBaseURL = "https://api.binance.com"

// MaxKlineLimit is the largest page /api/v3/klines returns.
const MaxKlineLimit = 1000

// Client is a Binance spot REST client covering market data and balances.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	logger     *logging.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimiter replaces the default request limiter.
func WithRateLimiter(l *RateLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// NewClient creates a client. Empty keys are fine for public market data.
func NewClient(apiKey, secretKey, baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    NewRateLimiter(DefaultRequestsPerSecond, DefaultBurst),
		logger:     logging.WithComponent("binance"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SymbolInfo represents basic symbol information
type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}

// AccountInfo represents spot account information
type AccountInfo struct {
	CanTrade    bool           `json:"canTrade"`
	UpdateTime  int64          `json:"updateTime"`
	AccountType string         `json:"accountType"`
	Balances    []AssetBalance `json:"balances"`
}

// AssetBalance represents a single asset balance
type AssetBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// APIError is a non-200 response from Binance.
type APIError struct {
	Status int
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("binance API error %d (code %d): %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("binance API error %d", e.Status)
}

// FetchCandles fetches up to limit klines opening at or after startTime. A
// zero startTime asks for the most recent ones. The last kline may still be
// forming.
func (c *Client) FetchCandles(ctx context.Context, symbol string, g market.Granularity, startTime time.Time, limit int) ([]market.Candle, error) {
	if limit <= 0 || limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", string(g))
	params.Set("limit", strconv.Itoa(limit))
	if !startTime.IsZero() {
		params.Set("startTime", strconv.FormatInt(startTime.UnixMilli(), 10))
	}

	body, err := c.get(ctx, "/api/v3/klines", params, false)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines %s %s: %w", symbol, g, err)
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}
	return parseKlines(raw)
}

func parseKlines(raw [][]interface{}) ([]market.Candle, error) {
	candles := make([]market.Candle, 0, len(raw))
	for i, row := range raw {
		if len(row) < 7 {
			return nil, fmt.Errorf("kline %d: expected at least 7 fields, got %d", i, len(row))
		}
		openMs, ok1 := row[0].(float64)
		closeMs, ok2 := row[6].(float64)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("kline %d: bad timestamps", i)
		}

		var vals [5]decimal.Decimal
		for j := 0; j < 5; j++ {
			d, err := parseDecimal(row[j+1])
			if err != nil {
				return nil, fmt.Errorf("kline %d field %d: %w", i, j+1, err)
			}
			vals[j] = d
		}

		candles = append(candles, market.Candle{
			OpenTime:  market.FromMillis(int64(openMs)),
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
			CloseTime: market.FromMillis(int64(closeMs)),
		})
	}
	return candles, nil
}

// GetCurrentPrice fetches the current price for a symbol
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.get(ctx, "/api/v3/ticker/price", params, false)
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}

	var priceResp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := json.Unmarshal(body, &priceResp); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	return priceResp.Price, nil
}

// GetSymbolInfo returns the base and quote assets of a symbol.
func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.get(ctx, "/api/v3/exchangeInfo", params, false)
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}

	var info struct {
		Symbols []SymbolInfo `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("error parsing exchange info: %w", err)
	}
	for i := range info.Symbols {
		if info.Symbols[i].Symbol == symbol {
			return &info.Symbols[i], nil
		}
	}
	return nil, fmt.Errorf("symbol %s not listed", symbol)
}

// GetAccountInfo fetches the signed spot account snapshot.
func (c *Client) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	body, err := c.get(ctx, "/api/v3/account", url.Values{}, true)
	if err != nil {
		return nil, fmt.Errorf("error fetching account: %w", err)
	}
	var info AccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("error parsing account: %w", err)
	}
	return &info, nil
}

// GetAssetBalance returns the free balance of one asset. An asset the
// account has never held is a zero balance.
func (c *Client) GetAssetBalance(ctx context.Context, asset string) (float64, error) {
	info, err := c.GetAccountInfo(ctx)
	if err != nil {
		return 0, err
	}
	for _, b := range info.Balances {
		if b.Asset == asset {
			free, err := strconv.ParseFloat(b.Free, 64)
			if err != nil {
				return 0, fmt.Errorf("error parsing %s balance %q: %w", asset, b.Free, err)
			}
			return free, nil
		}
	}
	return 0, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, signed bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := params
	if signed {
		query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	rawQuery := query.Encode()
	if signed {
		// The signature must follow the exact parameter string it signs.
		rawQuery += "&signature=" + c.sign(rawQuery)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = rawQuery
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	c.limiter.Observe(resp.StatusCode, resp.Header.Get("Retry-After"))
	c.logger.Debug("request done", "path", path, "status", resp.StatusCode, "elapsed", time.Since(start).String())

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		return nil, apiErr
	}
	return body, nil
}

// sign creates a signature for authenticated requests
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseDecimal(val interface{}) (decimal.Decimal, error) {
	switch v := val.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unexpected type %T", val)
	}
}
