package swap

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/logging"
)

type fakeOKX struct {
	t       *testing.T
	orders  []map[string]any
	algos   []map[string]any
	headers http.Header
}

func (f *fakeOKX) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ok := func(data string) { w.Write([]byte(`{"code":"0","msg":"","data":` + data + `}`)) }
	decode := func() map[string]any {
		var m map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&m))
		return m
	}

	switch r.URL.Path {
	case "/api/v5/public/instruments":
		ok(`[{"instId":"BTC-USDT-SWAP","ctVal":"0.01","lotSz":"1","tickSz":"0.1","minSz":"1"}]`)
	case "/api/v5/trade/order":
		if r.Method == http.MethodPost {
			f.headers = r.Header.Clone()
			f.orders = append(f.orders, decode())
			ok(`[{"ordId":"901","clOrdId":"cid1","sCode":"0","sMsg":""}]`)
			return
		}
		if r.URL.Query().Get("clOrdId") == "missing" {
			w.Write([]byte(`{"code":"51603","msg":"Order does not exist","data":[]}`))
			return
		}
		ok(`[{"instId":"BTC-USDT-SWAP","ordId":"901","clOrdId":"cid1","state":"filled","accFillSz":"3","avgPx":"50000.5"}]`)
	case "/api/v5/trade/order-algo":
		f.algos = append(f.algos, decode())
		ok(`[{"algoId":"a-77","sCode":"0","sMsg":""}]`)
	case "/api/v5/account/positions":
		ok(`[{"instId":"BTC-USDT-SWAP","posSide":"net","pos":"-5","avgPx":"49000","lever":"3","upl":"1.5"}]`)
	case "/api/v5/account/set-leverage":
		w.Write([]byte(`{"code":"1","msg":"","data":[{"sCode":"51008","sMsg":"Insufficient margin"}]}`))
	case "/api/v5/trade/cancel-algos":
		body, _ := io.ReadAll(r.Body)
		assert.Contains(f.t, string(body), `"algoId":"a-77"`)
		ok(`[{"algoId":"a-77","sCode":"0","sMsg":""}]`)
	case "/api/v5/public/mark-price":
		assert.Equal(f.t, "BTC-USDT-SWAP", r.URL.Query().Get("instId"))
		ok(`[{"instType":"SWAP","instId":"BTC-USDT-SWAP","markPx":"50123.4"}]`)
	case "/api/v5/public/time":
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"code":"50001","msg":"Service temporarily unavailable","data":[]}`))
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeOKX) {
	t.Helper()
	fake := &fakeOKX{t: t}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL, Sandbox: true}, common.StaticCredentials{
		APIKey: "k", APISecret: "s", Passphrase: "p",
	}, logging.Discard())
	c.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC) }
	return c, fake
}

func TestPlaceMarketOrderConvertsToContracts(t *testing.T) {
	c, fake := newTestClient(t)

	res, err := c.PlaceMarketOrder(context.Background(), common.MarketOrder{
		Symbol: "BTC-USDT", Side: common.SideBuy, Qty: 0.0349, ClientID: "cid1",
	})
	require.NoError(t, err)

	require.Len(t, fake.orders, 1)
	assert.Equal(t, "3", fake.orders[0]["sz"])
	assert.Equal(t, "buy", fake.orders[0]["side"])
	assert.Equal(t, "BTC-USDT-SWAP", fake.orders[0]["instId"])

	assert.Equal(t, "2024-01-02T03:04:05.006Z", fake.headers.Get("OK-ACCESS-TIMESTAMP"))
	assert.Equal(t, "p", fake.headers.Get("OK-ACCESS-PASSPHRASE"))
	assert.Equal(t, "1", fake.headers.Get("x-simulated-trading"))
	assert.NotEmpty(t, fake.headers.Get("OK-ACCESS-SIGN"))

	assert.Equal(t, common.StatusFilled, res.Status)
	assert.InDelta(t, 0.03, res.FilledQty, 1e-12)
	assert.InDelta(t, 50000.5, res.AvgPrice, 1e-9)
}

func TestQuantityBelowOneContract(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.PlaceMarketOrder(context.Background(), common.MarketOrder{Symbol: "BTC-USDT", Side: common.SideBuy, Qty: 0.001})
	assert.True(t, common.IsPermanent(err))
}

func TestStopOrderRoundTrip(t *testing.T) {
	c, fake := newTestClient(t)

	res, err := c.PlaceStopOrder(context.Background(), common.StopOrder{
		Symbol: "BTC-USDT", Side: common.SideSell, Type: common.OrderTypeStopMarket, Qty: 0.03, TriggerPrice: 48000,
	})
	require.NoError(t, err)
	assert.Equal(t, "algo:a-77", res.ExchangeOrderID)
	require.Len(t, fake.algos, 1)
	assert.Equal(t, "48000", fake.algos[0]["slTriggerPx"])
	assert.Equal(t, true, fake.algos[0]["reduceOnly"])

	require.NoError(t, c.CancelOrder(context.Background(), "BTC-USDT", res.ExchangeOrderID))
}

func TestPositionsInBaseUnits(t *testing.T) {
	c, _ := newTestClient(t)
	positions, err := c.GetPositions(context.Background(), "BTC-USDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTC-USDT", positions[0].Symbol)
	assert.Equal(t, common.PositionShort, positions[0].Side)
	assert.InDelta(t, 0.05, positions[0].Qty, 1e-12)
}

func TestErrorCodes(t *testing.T) {
	c, _ := newTestClient(t)

	err := c.SetLeverage(context.Background(), "BTC-USDT", 5)
	require.Error(t, err)
	assert.True(t, common.IsPermanent(err))

	assert.True(t, common.IsTransient(c.Ping(context.Background())))

	_, err = c.QueryOrder(context.Background(), "BTC-USDT", "missing")
	assert.ErrorIs(t, err, common.ErrOrderNotFound)
}

func TestSign(t *testing.T) {
	// base64 of a sha256 digest
	got := sign("2020-12-08T09:08:57.715ZGET/api/v5/account/balance?ccy=BTC", []byte("22582BD0CFF14C41EDBF1AB98506286D"))
	assert.Len(t, got, 44)
}

func TestMarketDataInBaseUnits(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	mark, err := c.MarkPrice(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.InDelta(t, 50123.4, mark, 1e-9)

	f, err := c.SymbolFilters(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USDT", f.Symbol)
	assert.Equal(t, "0.1", f.TickSize.String())
	// One contract is 0.01 BTC.
	assert.Equal(t, "0.01", f.StepSize.String())
	assert.Equal(t, "0.01", f.MinQty.String())
	assert.True(t, f.MinNotional.IsZero())
}
