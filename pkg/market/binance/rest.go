// Package market reads public Binance USDT-M futures market data used to
// size orders: mark price, klines for volatility and symbol filters.
package market

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

	"github.com/shopspring/decimal"

	"signal-core/pkg/cache"
	"signal-core/pkg/exchanges/common"
)

const venue = "binance-market"

// Config tunes endpoints and cache lifetimes.
type Config struct {
	Testnet   bool
	BaseURL   string
	Timeout   time.Duration
	MarkTTL   time.Duration
	KlineTTL  time.Duration
	FilterTTL time.Duration
}

// Client wraps public REST access to Binance futures.
type Client struct {
	baseURL    string
	httpClient *http.Client

	marks   *cache.ShardedCache[float64]
	klines  *cache.ShardedCache[[]Kline]
	filters *cache.ShardedCache[SymbolFilters]
}

// NewClient builds a REST client; use Testnet to switch base URLs.
func NewClient(cfg Config) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MarkTTL == 0 {
		cfg.MarkTTL = time.Second
	}
	if cfg.KlineTTL == 0 {
		cfg.KlineTTL = time.Minute
	}
	if cfg.FilterTTL == 0 {
		cfg.FilterTTL = time.Hour
	}
	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		marks:      cache.New[float64](cfg.MarkTTL),
		klines:     cache.New[[]Kline](cfg.KlineTTL),
		filters:    cache.New[SymbolFilters](cfg.FilterTTL),
	}
}

// MarkPrice returns the current mark price of a canonical symbol.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	if v, ok := c.marks.Get(symbol); ok {
		return v, nil
	}
	params := url.Values{"symbol": {toVenueSymbol(symbol)}}
	body, err := c.do(ctx, "mark price", "/fapi/v1/premiumIndex", params)
	if err != nil {
		return 0, err
	}
	var idx premiumIndex
	if err := json.Unmarshal(body, &idx); err != nil {
		return 0, fmt.Errorf("decode mark price: %w", err)
	}
	price, err := strconv.ParseFloat(idx.MarkPrice, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("invalid mark price %q for %s", idx.MarkPrice, symbol)
	}
	c.marks.Set(symbol, price)
	return price, nil
}

// StoreMark records a mark received from a stream.
func (c *Client) StoreMark(symbol string, price float64) {
	if price > 0 {
		c.marks.Set(symbol, price)
	}
}

// Klines fetches the most recent closed and open klines.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	key := symbol + "|" + interval + "|" + strconv.Itoa(limit)
	if v, ok := c.klines.Get(key); ok {
		return v, nil
	}

	params := url.Values{}
	params.Set("symbol", toVenueSymbol(symbol))
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.do(ctx, "klines", "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}

	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	klines := make([]Kline, 0, len(raw))
	for _, item := range raw {
		// Binance returns 12 fields per kline
		if len(item) < 11 {
			continue
		}
		klines = append(klines, Kline{
			Symbol:              symbol,
			OpenTime:            toInt64(item[0]),
			Open:                toFloat(item[1]),
			High:                toFloat(item[2]),
			Low:                 toFloat(item[3]),
			Close:               toFloat(item[4]),
			Volume:              toFloat(item[5]),
			CloseTime:           toInt64(item[6]),
			QuoteVolume:         toFloat(item[7]),
			NumberOfTrades:      toInt(item[8]),
			TakerBuyBaseVolume:  toFloat(item[9]),
			TakerBuyQuoteVolume: toFloat(item[10]),
		})
	}
	c.klines.Set(key, klines)
	return klines, nil
}

// SymbolFilters returns lot, price and notional constraints for a symbol.
func (c *Client) SymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error) {
	if v, ok := c.filters.Get(symbol); ok {
		return v, nil
	}
	params := url.Values{"symbol": {toVenueSymbol(symbol)}}
	body, err := c.do(ctx, "exchange info", "/fapi/v1/exchangeInfo", params)
	if err != nil {
		return SymbolFilters{}, err
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return SymbolFilters{}, fmt.Errorf("decode exchange info: %w", err)
	}

	want := toVenueSymbol(symbol)
	for _, s := range info.Symbols {
		if s.Symbol != want {
			continue
		}
		f := SymbolFilters{Symbol: symbol}
		for _, filter := range s.Filters {
			switch filter["filterType"] {
			case "PRICE_FILTER":
				f.TickSize = toDecimal(filter["tickSize"])
			case "LOT_SIZE":
				f.StepSize = toDecimal(filter["stepSize"])
				f.MinQty = toDecimal(filter["minQty"])
			case "MIN_NOTIONAL":
				f.MinNotional = toDecimal(filter["notional"])
			}
		}
		c.filters.Set(symbol, f)
		return f, nil
	}
	return SymbolFilters{}, fmt.Errorf("symbol %s not listed", symbol)
}

// ServerTime fetches futures server time in milliseconds.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.do(ctx, "server time", "/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	return resp.ServerTime, nil
}

func (c *Client) do(ctx context.Context, op, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.FromTransport(venue, op, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, common.Transient(venue, op, err)
	}
	if res.StatusCode >= 300 {
		return nil, common.FromHTTP(venue, op, res.StatusCode, "", strings.TrimSpace(string(body)))
	}
	return body, nil
}

func toVenueSymbol(canonical string) string {
	return strings.ReplaceAll(canonical, "-", "")
}

func toDecimal(v any) decimal.Decimal {
	s, _ := v.(string)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}

func toInt(v any) int {
	return int(toInt64(v))
}
