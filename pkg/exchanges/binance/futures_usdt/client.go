// Package futures_usdt implements the Binance USDT-M perpetual adapter.
package futures_usdt

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
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"signal-core/pkg/exchanges/common"
)

const venue = "binance"

// ErrWeightExhausted is returned, wrapped as transient, while the reported
// request weight is close enough to the limit that a signed call risks a ban.
var ErrWeightExhausted = errors.New("request weight nearly exhausted")

// Config holds endpoint settings. Credentials are never part of it; they
// arrive per call through a CredentialProvider.
type Config struct {
	Testnet    bool
	BaseURL    string // overrides Testnet when set
	RecvWindow int64  // ms
	Timeout    time.Duration
	// SettleAsset is the balance asset reported as equity.
	SettleAsset string
	// Clock is a server clock shared by clients of the same endpoint. When
	// nil the client keeps its own and syncs it on timestamp errors.
	Clock *common.TimeSync
}

// Client talks to the USDT-M futures REST API.
type Client struct {
	cfg        Config
	baseURL    string
	creds      common.CredentialProvider
	httpClient *http.Client
	timeSync   *common.TimeSync
	weights    *common.WeightTracker
	log        logrus.FieldLogger
}

var (
	_ common.Adapter      = (*Client)(nil)
	_ common.OrderQuerier = (*Client)(nil)
	_ common.Pinger       = (*Client)(nil)
)

// NewClient creates a USDT-M futures client.
func NewClient(cfg Config, creds common.CredentialProvider, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SettleAsset == "" {
		cfg.SettleAsset = "USDT"
	}
	log = log.WithField("venue", venue)
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		creds:      creds,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}
	c.timeSync = cfg.Clock
	if c.timeSync == nil {
		c.timeSync = common.NewTimeSync(c.GetServerTime, log)
	}
	c.weights = common.NewWeightTracker(2400, time.Minute, log)
	return c
}

// Venue implements common.Adapter.
func (c *Client) Venue() string { return venue }

// NewServerClock returns a clock tracking the server time of cfg's endpoint.
// Start it once and share it through Config.Clock.
func NewServerClock(cfg Config, log logrus.FieldLogger) *common.TimeSync {
	c := NewClient(cfg, nil, log)
	return common.NewTimeSync(c.GetServerTime, c.log)
}

func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

// GetBalance returns margin balance of the settlement asset.
func (c *Client) GetBalance(ctx context.Context) (common.Balance, error) {
	body, err := c.doSigned(ctx, "balance", http.MethodGet, "/fapi/v2/balance", url.Values{})
	if err != nil {
		return common.Balance{}, err
	}
	var bal []FuturesBalance
	if err := json.Unmarshal(body, &bal); err != nil {
		return common.Balance{}, common.Permanent(venue, "balance", fmt.Errorf("decode balance: %w", err))
	}
	for _, b := range bal {
		if b.Asset != c.cfg.SettleAsset {
			continue
		}
		wallet := parseFloat(b.Balance)
		return common.Balance{
			Asset:     b.Asset,
			Equity:    wallet + parseFloat(b.CrossUnPnl),
			Available: parseFloat(b.AvailableBalance),
		}, nil
	}
	return common.Balance{Asset: c.cfg.SettleAsset}, nil
}

// GetPositions returns non-flat positions; symbol may be empty for all.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]common.Position, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", toVenueSymbol(symbol))
	}
	body, err := c.doSigned(ctx, "positions", http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var risks []PositionRisk
	if err := json.Unmarshal(body, &risks); err != nil {
		return nil, common.Permanent(venue, "positions", fmt.Errorf("decode positions: %w", err))
	}

	out := make([]common.Position, 0, len(risks))
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		sym, err := common.NormalizeSymbol(r.Symbol)
		if err != nil {
			c.log.WithField("symbol", r.Symbol).Debug("skipping position with unknown symbol")
			continue
		}
		side := common.PositionLong
		if amt < 0 {
			side = common.PositionShort
			amt = -amt
		}
		lev, _ := strconv.Atoi(r.Leverage)
		out = append(out, common.Position{
			Symbol:        sym,
			Side:          side,
			Qty:           amt,
			EntryPrice:    parseFloat(r.EntryPrice),
			Leverage:      lev,
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
		})
	}
	return out, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", toVenueSymbol(symbol))
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, "leverage", http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// PlaceMarketOrder submits a market order and waits for the fill result.
func (c *Client) PlaceMarketOrder(ctx context.Context, o common.MarketOrder) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", toVenueSymbol(o.Symbol))
	params.Set("side", string(o.Side))
	params.Set("type", string(common.OrderTypeMarket))
	params.Set("quantity", formatFloat(o.Qty))
	params.Set("newOrderRespType", "RESULT")
	if o.ClientID != "" {
		params.Set("newClientOrderId", o.ClientID)
	}
	if o.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	return c.submit(ctx, "order", params)
}

// PlaceStopOrder submits a reduce-only STOP_MARKET or TAKE_PROFIT_MARKET
// order triggered on mark price.
func (c *Client) PlaceStopOrder(ctx context.Context, o common.StopOrder) (common.OrderResult, error) {
	if o.Type != common.OrderTypeStopMarket && o.Type != common.OrderTypeTakeProfitMarket {
		return common.OrderResult{}, common.Permanent(venue, "stop order", fmt.Errorf("unsupported type %s", o.Type))
	}
	params := url.Values{}
	params.Set("symbol", toVenueSymbol(o.Symbol))
	params.Set("side", string(o.Side))
	params.Set("type", string(o.Type))
	params.Set("quantity", formatFloat(o.Qty))
	params.Set("stopPrice", formatFloat(o.TriggerPrice))
	params.Set("reduceOnly", "true")
	params.Set("workingType", "MARK_PRICE")
	if o.ClientID != "" {
		params.Set("newClientOrderId", o.ClientID)
	}
	return c.submit(ctx, "stop order", params)
}

func (c *Client) submit(ctx context.Context, op string, params url.Values) (common.OrderResult, error) {
	body, err := c.doSigned(ctx, op, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, common.Permanent(venue, op, fmt.Errorf("decode order: %w", err))
	}
	return resp.result(), nil
}

// CancelOrder cancels an order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", toVenueSymbol(symbol))
	params.Set("orderId", orderID)
	_, err := c.doSigned(ctx, "cancel", http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// QueryOrder looks an order up by client order id.
func (c *Client) QueryOrder(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", toVenueSymbol(symbol))
	params.Set("origClientOrderId", clientID)
	body, err := c.doSigned(ctx, "query order", http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		var xe *common.ExchangeError
		if errors.As(err, &xe) && xe.Code == codeNoSuchOrder {
			return common.OrderResult{}, common.ErrOrderNotFound
		}
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, common.Permanent(venue, "query order", fmt.Errorf("decode order: %w", err))
	}
	return resp.result(), nil
}

// Ping checks connectivity without credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doPublic(ctx, "ping", "/fapi/v1/ping")
	return err
}

// GetServerTime fetches futures server time in unix ms.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "server time", "/fapi/v1/time")
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

func (c *Client) doPublic(ctx context.Context, op, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, common.Permanent(venue, op, err)
	}
	return c.send(op, req)
}

// doSigned signs params with credentials fetched for this call only and
// sends the request. The secret is wiped before the request goes out.
func (c *Client) doSigned(ctx context.Context, op, method, path string, params url.Values) ([]byte, error) {
	if c.creds == nil {
		return nil, common.Permanent(venue, op, errors.New("no credential provider"))
	}
	if c.weights.ShouldDelay() {
		used, limit, _ := c.weights.Usage()
		return nil, common.Transient(venue, op, fmt.Errorf("%w: %d of %d", ErrWeightExhausted, used, limit))
	}
	creds, err := c.creds.Credentials(ctx)
	if err != nil {
		return nil, common.Permanent(venue, op, fmt.Errorf("credentials: %w", err))
	}
	apiKey := creds.APIKey
	if err := creds.Validate(); err != nil {
		creds.Wipe()
		return nil, common.Permanent(venue, op, err)
	}

	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), creds.APISecret))
	creds.Wipe()

	var req *http.Request
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, common.Permanent(venue, op, err)
	}
	req.Header.Set("X-MBX-APIKEY", apiKey)

	body, err := c.send(op, req)
	var xe *common.ExchangeError
	if errors.As(err, &xe) && xe.Code == codeTimestamp {
		// Clock drift; resync so the retry lands inside recvWindow.
		if serr := c.timeSync.Sync(ctx); serr != nil {
			c.log.WithError(serr).Warn("time resync failed")
		}
	}
	return body, err
}

func (c *Client) send(op string, req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.FromTransport(venue, op, err)
	}
	defer res.Body.Close()

	c.weights.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, common.Transient(venue, op, fmt.Errorf("read body: %w", err))
	}
	if res.StatusCode >= 300 {
		return nil, classify(op, res.StatusCode, body)
	}
	return body, nil
}

func sign(data string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
