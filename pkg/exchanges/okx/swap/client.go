// Package swap implements the OKX USDT-margined perpetual swap adapter.
package swap

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"signal-core/pkg/exchanges/common"
	market "signal-core/pkg/market/binance"
)

const (
	venue    = "okx"
	algoPref = "algo:"
)

// Config holds endpoint settings for the OKX client.
type Config struct {
	Sandbox bool
	BaseURL string
	Timeout time.Duration
	// MarginMode is "cross" or "isolated".
	MarginMode  string
	SettleAsset string
}

// Client talks to the OKX v5 REST API.
type Client struct {
	cfg        Config
	baseURL    string
	creds      common.CredentialProvider
	httpClient *http.Client
	log        logrus.FieldLogger
	now        func() time.Time

	mu          sync.RWMutex
	instruments map[string]instrument
}

type instrument struct {
	ctVal  decimal.Decimal
	lotSz  decimal.Decimal
	tickSz decimal.Decimal
	minSz  decimal.Decimal
}

var (
	_ common.Adapter      = (*Client)(nil)
	_ common.OrderQuerier = (*Client)(nil)
	_ common.Pinger       = (*Client)(nil)
)

// NewClient creates an OKX swap client.
func NewClient(cfg Config, creds common.CredentialProvider, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	base := "https://www.okx.com"
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MarginMode == "" {
		cfg.MarginMode = "cross"
	}
	if cfg.SettleAsset == "" {
		cfg.SettleAsset = "USDT"
	}
	return &Client{
		cfg:         cfg,
		baseURL:     base,
		creds:       creds,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		log:         log.WithField("venue", venue),
		now:         time.Now,
		instruments: make(map[string]instrument),
	}
}

// Venue implements common.Adapter.
func (c *Client) Venue() string { return venue }

// GetBalance returns equity of the settlement currency.
func (c *Client) GetBalance(ctx context.Context) (common.Balance, error) {
	q := url.Values{"ccy": {c.cfg.SettleAsset}}
	var data []accountBalance
	if err := c.doSigned(ctx, "balance", http.MethodGet, "/api/v5/account/balance", q, nil, &data); err != nil {
		return common.Balance{}, err
	}
	out := common.Balance{Asset: c.cfg.SettleAsset}
	for _, acct := range data {
		for _, d := range acct.Details {
			if d.Ccy == c.cfg.SettleAsset {
				out.Equity = parseFloat(d.Eq)
				out.Available = parseFloat(d.AvailEq)
			}
		}
	}
	return out, nil
}

// GetPositions returns open swap positions with Qty in base units.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]common.Position, error) {
	q := url.Values{"instType": {"SWAP"}}
	if symbol != "" {
		q.Set("instId", toInstID(symbol))
	}
	var data []position
	if err := c.doSigned(ctx, "positions", http.MethodGet, "/api/v5/account/positions", q, nil, &data); err != nil {
		return nil, err
	}

	out := make([]common.Position, 0, len(data))
	for _, p := range data {
		contracts, err := decimal.NewFromString(p.Pos)
		if err != nil || contracts.IsZero() {
			continue
		}
		inst, err := c.instrument(ctx, p.InstID)
		if err != nil {
			return nil, err
		}
		sym, err := common.NormalizeSymbol(p.InstID)
		if err != nil {
			continue
		}

		side := common.PositionLong
		switch {
		case p.PosSide == "short":
			side = common.PositionShort
		case p.PosSide == "net" && contracts.IsNegative():
			side = common.PositionShort
		}
		qty, _ := contracts.Abs().Mul(inst.ctVal).Float64()
		out = append(out, common.Position{
			Symbol:        sym,
			Side:          side,
			Qty:           qty,
			EntryPrice:    parseFloat(p.AvgPx),
			Leverage:      int(parseFloat(p.Lever)),
			UnrealizedPnL: parseFloat(p.Upl),
		})
	}
	return out, nil
}

// SetLeverage sets leverage for the instrument in the configured margin mode.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]string{
		"instId":  toInstID(symbol),
		"lever":   fmt.Sprintf("%d", leverage),
		"mgnMode": c.cfg.MarginMode,
	}
	return c.doSigned(ctx, "leverage", http.MethodPost, "/api/v5/account/set-leverage", nil, body, nil)
}

// PlaceMarketOrder submits a market order, then reads back its fill.
func (c *Client) PlaceMarketOrder(ctx context.Context, o common.MarketOrder) (common.OrderResult, error) {
	instID := toInstID(o.Symbol)
	sz, err := c.contracts(ctx, instID, o.Qty)
	if err != nil {
		return common.OrderResult{}, err
	}
	body := map[string]any{
		"instId":  instID,
		"tdMode":  c.cfg.MarginMode,
		"side":    strings.ToLower(string(o.Side)),
		"ordType": "market",
		"sz":      sz,
	}
	if o.ClientID != "" {
		body["clOrdId"] = o.ClientID
	}
	if o.ReduceOnly {
		body["reduceOnly"] = true
	}

	var data []orderAck
	if err := c.doSigned(ctx, "order", http.MethodPost, "/api/v5/trade/order", nil, body, &data); err != nil {
		return common.OrderResult{}, err
	}
	ack, err := firstAck("order", data)
	if err != nil {
		return common.OrderResult{}, err
	}

	res, err := c.getOrder(ctx, instID, url.Values{"ordId": {ack.OrdID}})
	if err != nil {
		// The order is accepted; report it without fill details.
		c.log.WithError(err).WithField("ord_id", ack.OrdID).Warn("fill lookup failed")
		return common.OrderResult{ExchangeOrderID: ack.OrdID, ClientID: ack.ClOrdID, Status: common.StatusNew}, nil
	}
	return res, nil
}

// PlaceStopOrder submits a reduce-only conditional algo order. The returned
// id carries the "algo:" prefix so CancelOrder can route it.
func (c *Client) PlaceStopOrder(ctx context.Context, o common.StopOrder) (common.OrderResult, error) {
	instID := toInstID(o.Symbol)
	sz, err := c.contracts(ctx, instID, o.Qty)
	if err != nil {
		return common.OrderResult{}, err
	}
	body := map[string]any{
		"instId":     instID,
		"tdMode":     c.cfg.MarginMode,
		"side":       strings.ToLower(string(o.Side)),
		"ordType":    "conditional",
		"sz":         sz,
		"reduceOnly": true,
	}
	trigger := decimal.NewFromFloat(o.TriggerPrice).String()
	switch o.Type {
	case common.OrderTypeStopMarket:
		body["slTriggerPx"] = trigger
		body["slOrdPx"] = "-1"
		body["slTriggerPxType"] = "mark"
	case common.OrderTypeTakeProfitMarket:
		body["tpTriggerPx"] = trigger
		body["tpOrdPx"] = "-1"
		body["tpTriggerPxType"] = "mark"
	default:
		return common.OrderResult{}, common.Permanent(venue, "stop order", fmt.Errorf("unsupported type %s", o.Type))
	}
	if o.ClientID != "" {
		body["algoClOrdId"] = o.ClientID
	}

	var data []orderAck
	if err := c.doSigned(ctx, "stop order", http.MethodPost, "/api/v5/trade/order-algo", nil, body, &data); err != nil {
		return common.OrderResult{}, err
	}
	ack, err := firstAck("stop order", data)
	if err != nil {
		return common.OrderResult{}, err
	}
	return common.OrderResult{
		ExchangeOrderID: algoPref + ack.AlgoID,
		ClientID:        o.ClientID,
		Status:          common.StatusNew,
	}, nil
}

// CancelOrder cancels a regular or algo order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	instID := toInstID(symbol)
	if algoID, ok := strings.CutPrefix(orderID, algoPref); ok {
		body := []map[string]string{{"algoId": algoID, "instId": instID}}
		var data []orderAck
		if err := c.doSigned(ctx, "cancel", http.MethodPost, "/api/v5/trade/cancel-algos", nil, body, &data); err != nil {
			return err
		}
		_, err := firstAck("cancel", data)
		return err
	}
	body := map[string]string{"instId": instID, "ordId": orderID}
	var data []orderAck
	if err := c.doSigned(ctx, "cancel", http.MethodPost, "/api/v5/trade/cancel-order", nil, body, &data); err != nil {
		return err
	}
	_, err := firstAck("cancel", data)
	return err
}

// QueryOrder looks an order up by client order id.
func (c *Client) QueryOrder(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	res, err := c.getOrder(ctx, toInstID(symbol), url.Values{"clOrdId": {clientID}})
	var xe *common.ExchangeError
	if errors.As(err, &xe) && xe.Code == codeOrderNotExist {
		return common.OrderResult{}, common.ErrOrderNotFound
	}
	return res, err
}

func (c *Client) getOrder(ctx context.Context, instID string, q url.Values) (common.OrderResult, error) {
	q.Set("instId", instID)
	var data []orderDetail
	if err := c.doSigned(ctx, "query order", http.MethodGet, "/api/v5/trade/order", q, nil, &data); err != nil {
		return common.OrderResult{}, err
	}
	if len(data) == 0 {
		return common.OrderResult{}, common.ErrOrderNotFound
	}
	d := data[0]
	inst, err := c.instrument(ctx, instID)
	if err != nil {
		return common.OrderResult{}, err
	}
	filled := decimal.Zero
	if f, err := decimal.NewFromString(d.AccFillSz); err == nil {
		filled = f.Mul(inst.ctVal)
	}
	qty, _ := filled.Float64()
	return common.OrderResult{
		ExchangeOrderID: d.OrdID,
		ClientID:        d.ClOrdID,
		Status:          mapState(d.State),
		FilledQty:       qty,
		AvgPrice:        parseFloat(d.AvgPx),
	}, nil
}

// Ping checks connectivity via the public time endpoint.
func (c *Client) Ping(ctx context.Context) error {
	var data []struct {
		Ts string `json:"ts"`
	}
	return c.doPublic(ctx, "ping", "/api/v5/public/time", nil, &data)
}

// MarkPrice returns the swap mark price of a canonical symbol.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	instID := toInstID(symbol)
	q := url.Values{"instType": {"SWAP"}, "instId": {instID}}
	var data []struct {
		MarkPx string `json:"markPx"`
	}
	if err := c.doPublic(ctx, "mark price", "/api/v5/public/mark-price", q, &data); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, common.Permanent(venue, "mark price", fmt.Errorf("no mark price for %s", instID))
	}
	mark := parseFloat(data[0].MarkPx)
	if mark <= 0 {
		return 0, common.Permanent(venue, "mark price", fmt.Errorf("bad markPx %q for %s", data[0].MarkPx, instID))
	}
	return mark, nil
}

// SymbolFilters expresses the instrument's contract lot rules in base-asset
// units, the unit orders are sized in. OKX has no notional floor on swaps.
func (c *Client) SymbolFilters(ctx context.Context, symbol string) (market.SymbolFilters, error) {
	inst, err := c.instrument(ctx, toInstID(symbol))
	if err != nil {
		return market.SymbolFilters{}, err
	}
	return market.SymbolFilters{
		Symbol:   symbol,
		TickSize: inst.tickSz,
		StepSize: inst.lotSz.Mul(inst.ctVal),
		MinQty:   inst.minSz.Mul(inst.ctVal),
	}, nil
}

// contracts converts a base-asset quantity into a contract count floored to
// the instrument lot size.
func (c *Client) contracts(ctx context.Context, instID string, qty float64) (string, error) {
	inst, err := c.instrument(ctx, instID)
	if err != nil {
		return "", err
	}
	n := decimal.NewFromFloat(qty).Div(inst.ctVal)
	if inst.lotSz.IsPositive() {
		n = n.Div(inst.lotSz).Floor().Mul(inst.lotSz)
	}
	if !n.IsPositive() {
		return "", common.Permanent(venue, "order", fmt.Errorf("quantity %v is below one lot of %s", qty, instID))
	}
	return n.String(), nil
}

func (c *Client) instrument(ctx context.Context, instID string) (instrument, error) {
	c.mu.RLock()
	inst, ok := c.instruments[instID]
	c.mu.RUnlock()
	if ok {
		return inst, nil
	}

	q := url.Values{"instType": {"SWAP"}, "instId": {instID}}
	var data []instrumentInfo
	if err := c.doPublic(ctx, "instruments", "/api/v5/public/instruments", q, &data); err != nil {
		return instrument{}, err
	}
	if len(data) == 0 {
		return instrument{}, common.Permanent(venue, "instruments", fmt.Errorf("unknown instrument %s", instID))
	}
	ctVal, err := decimal.NewFromString(data[0].CtVal)
	if err != nil || !ctVal.IsPositive() {
		return instrument{}, common.Permanent(venue, "instruments", fmt.Errorf("bad ctVal %q for %s", data[0].CtVal, instID))
	}
	lotSz, _ := decimal.NewFromString(data[0].LotSz)
	tickSz, _ := decimal.NewFromString(data[0].TickSz)
	minSz, _ := decimal.NewFromString(data[0].MinSz)
	inst = instrument{ctVal: ctVal, lotSz: lotSz, tickSz: tickSz, minSz: minSz}

	c.mu.Lock()
	c.instruments[instID] = inst
	c.mu.Unlock()
	return inst, nil
}

func (c *Client) doPublic(ctx context.Context, op, path string, q url.Values, out any) error {
	requestPath := path
	if len(q) > 0 {
		requestPath += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
	if err != nil {
		return common.Permanent(venue, op, err)
	}
	return c.send(op, req, out)
}

// doSigned builds an OK-ACCESS signed request. The secret and passphrase are
// fetched for this call and wiped once the headers are set.
func (c *Client) doSigned(ctx context.Context, op, method, path string, q url.Values, body any, out any) error {
	if c.creds == nil {
		return common.Permanent(venue, op, errors.New("no credential provider"))
	}

	requestPath := path
	if len(q) > 0 {
		requestPath += "?" + q.Encode()
	}
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return common.Permanent(venue, op, fmt.Errorf("encode body: %w", err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return common.Permanent(venue, op, err)
	}

	creds, err := c.creds.Credentials(ctx)
	if err != nil {
		return common.Permanent(venue, op, fmt.Errorf("credentials: %w", err))
	}
	if err := creds.Validate(); err != nil {
		creds.Wipe()
		return common.Permanent(venue, op, err)
	}
	if len(creds.Passphrase) == 0 {
		creds.Wipe()
		return common.Permanent(venue, op, errors.New("passphrase is required"))
	}

	ts := c.now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("OK-ACCESS-KEY", creds.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", sign(ts+method+requestPath+string(payload), creds.APISecret))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", string(creds.Passphrase))
	creds.Wipe()

	req.Header.Set("Content-Type", "application/json")
	return c.send(op, req, out)
}

func (c *Client) send(op string, req *http.Request, out any) error {
	if c.cfg.Sandbox {
		req.Header.Set("x-simulated-trading", "1")
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return common.FromTransport(venue, op, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return common.Transient(venue, op, fmt.Errorf("read body: %w", err))
	}

	var env envelope
	if jerr := json.Unmarshal(raw, &env); jerr != nil {
		if res.StatusCode >= 300 {
			return common.FromHTTP(venue, op, res.StatusCode, "", strings.TrimSpace(string(raw)))
		}
		return common.Permanent(venue, op, fmt.Errorf("decode response: %w", jerr))
	}
	if res.StatusCode >= 300 || env.Code != "0" {
		return classify(op, res.StatusCode, env)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return common.Permanent(venue, op, fmt.Errorf("decode data: %w", err))
		}
	}
	return nil
}

func sign(prehash string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(prehash))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
