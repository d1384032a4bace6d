package futures_usdt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-core/pkg/crypto"
	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/logging"
)

type recordingCreds struct {
	mu      sync.Mutex
	handed  [][]byte
	secret  string
	failErr error
}

func (r *recordingCreds) Credentials(context.Context) (crypto.Credentials, error) {
	if r.failErr != nil {
		return crypto.Credentials{}, r.failErr
	}
	secret := []byte(r.secret)
	r.mu.Lock()
	r.handed = append(r.handed, secret)
	r.mu.Unlock()
	return crypto.Credentials{APIKey: "key", APISecret: secret}, nil
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *recordingCreds) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	creds := &recordingCreds{secret: "secret"}
	return NewClient(Config{BaseURL: srv.URL}, creds, logging.Discard()), creds
}

func formOf(t *testing.T, r *http.Request) url.Values {
	t.Helper()
	require.NoError(t, r.ParseForm())
	return r.Form
}

func TestPlaceMarketOrderSignsAndMapsResult(t *testing.T) {
	var got url.Values
	c, creds := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/order", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		got = formOf(t, r)
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"cid-1","status":"FILLED","avgPrice":"50010.5","executedQty":"0.002"}`))
	})

	res, err := c.PlaceMarketOrder(context.Background(), common.MarketOrder{
		Symbol: "BTC-USDT", Side: common.SideSell, Qty: 0.002, ReduceOnly: true, ClientID: "cid-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", got.Get("symbol"))
	assert.Equal(t, "SELL", got.Get("side"))
	assert.Equal(t, "MARKET", got.Get("type"))
	assert.Equal(t, "true", got.Get("reduceOnly"))
	assert.Equal(t, "RESULT", got.Get("newOrderRespType"))

	sig := got.Get("signature")
	got.Del("signature")
	assert.Equal(t, sign(got.Encode(), []byte("secret")), sig)

	assert.Equal(t, common.OrderResult{
		ExchangeOrderID: "42", ClientID: "cid-1", Status: common.StatusFilled, FilledQty: 0.002, AvgPrice: 50010.5,
	}, res)

	require.Len(t, creds.handed, 1)
	assert.Equal(t, make([]byte, len("secret")), creds.handed[0], "secret must be wiped after signing")
}

func TestPlaceStopOrder(t *testing.T) {
	var got url.Values
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = formOf(t, r)
		w.Write([]byte(`{"orderId":7,"status":"NEW"}`))
	})

	_, err := c.PlaceStopOrder(context.Background(), common.StopOrder{
		Symbol: "ETH-USDT", Side: common.SideSell, Type: common.OrderTypeStopMarket, Qty: 1, TriggerPrice: 2900.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "STOP_MARKET", got.Get("type"))
	assert.Equal(t, "2900.5", got.Get("stopPrice"))
	assert.Equal(t, "true", got.Get("reduceOnly"))
	assert.Equal(t, "MARK_PRICE", got.Get("workingType"))

	_, err = c.PlaceStopOrder(context.Background(), common.StopOrder{Type: common.OrderTypeMarket})
	assert.True(t, common.IsPermanent(err))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"margin", http.StatusBadRequest, `{"code":-2019,"msg":"Margin is insufficient."}`, false},
		{"bad qty", http.StatusBadRequest, `{"code":-1121,"msg":"Invalid symbol."}`, false},
		{"timestamp", http.StatusBadRequest, `{"code":-1021,"msg":"Timestamp outside recvWindow."}`, true},
		{"unavailable", http.StatusServiceUnavailable, `upstream down`, true},
		{"rate", http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests."}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/fapi/v1/time" {
					w.Write([]byte(`{"serverTime":1700000000000}`))
					return
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.PlaceMarketOrder(context.Background(), common.MarketOrder{Symbol: "BTC-USDT", Side: common.SideBuy, Qty: 1})
			require.Error(t, err)
			assert.Equal(t, tt.transient, common.IsTransient(err))
		})
	}
}

func TestQueryOrderNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cid-9", r.URL.Query().Get("origClientOrderId"))
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
	})
	_, err := c.QueryOrder(context.Background(), "BTC-USDT", "cid-9")
	assert.ErrorIs(t, err, common.ErrOrderNotFound)
}

func TestGetPositionsAndBalance(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v2/positionRisk":
			w.Write([]byte(`[
				{"symbol":"BTCUSDT","positionAmt":"-0.010","entryPrice":"50000","unRealizedProfit":"-3.2","leverage":"5"},
				{"symbol":"ETHUSDT","positionAmt":"0.000","entryPrice":"0","unRealizedProfit":"0","leverage":"10"}
			]`))
		case "/fapi/v2/balance":
			w.Write([]byte(`[
				{"asset":"BNB","balance":"1","crossUnPnl":"0","availableBalance":"1"},
				{"asset":"USDT","balance":"1000","crossUnPnl":"-3.2","availableBalance":"900"}
			]`))
		default:
			http.NotFound(w, r)
		}
	})

	positions, err := c.GetPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, common.Position{
		Symbol: "BTC-USDT", Side: common.PositionShort, Qty: 0.01, EntryPrice: 50000, Leverage: 5, UnrealizedPnL: -3.2,
	}, positions[0])

	bal, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "USDT", bal.Asset)
	assert.InDelta(t, 996.8, bal.Equity, 1e-9)
	assert.InDelta(t, 900, bal.Available, 1e-9)
}

func TestCredentialFailureIsPermanent(t *testing.T) {
	c, creds := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not be sent")
	})
	creds.failErr = errors.New("vault sealed")

	err := c.SetLeverage(context.Background(), "BTC-USDT", 5)
	assert.True(t, common.IsPermanent(err))
}

func TestSignedCallsBackOffNearWeightLimit(t *testing.T) {
	var calls atomic.Int32
	c, creds := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "2300")
		w.Write([]byte(`[]`))
	})

	_, err := c.GetPositions(context.Background(), "")
	require.NoError(t, err)

	_, err = c.GetPositions(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWeightExhausted)
	assert.True(t, common.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, creds.handed, 1, "no credentials are opened for a throttled call")
}

func TestSharedServerClockStampsRequests(t *testing.T) {
	const ahead = int64(60_000)
	var stamped atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/time":
			w.Write([]byte(`{"serverTime":` + strconv.FormatInt(time.Now().UnixMilli()+ahead, 10) + `}`))
		case "/fapi/v2/positionRisk":
			ts, _ := strconv.ParseInt(r.URL.Query().Get("timestamp"), 10, 64)
			stamped.Store(ts)
			w.Write([]byte(`[]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := Config{BaseURL: srv.URL}
	clock := NewServerClock(cfg, logging.Discard())
	require.NoError(t, clock.Sync(context.Background()))

	cfg.Clock = clock
	c := NewClient(cfg, &recordingCreds{secret: "secret"}, logging.Discard())
	before := time.Now().UnixMilli()
	_, err := c.GetPositions(context.Background(), "")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, stamped.Load(), before+ahead-5_000)
}
