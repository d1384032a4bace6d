package signal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-core/internal/ratelimit"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
	"signal-core/pkg/logging"
)

var webhookSecret = []byte("whsec-test-secret")

type fixture struct {
	gw    *Gateway
	store *db.MemoryStore
	now   time.Time
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	ctx := context.Background()

	key := bytes.Repeat([]byte{7}, crypto.KeySize)
	vault, err := crypto.NewKeyManagerFromKeys(map[int][]byte{1: key})
	require.NoError(t, err)

	store := db.NewMemoryStore()
	require.NoError(t, store.CreateAccount(ctx, db.Account{ID: "acct-1", ExchangeKind: db.ExchangePaper, Active: true}))
	require.NoError(t, store.CreateAccount(ctx, db.Account{ID: "acct-off", ExchangeKind: db.ExchangePaper, Active: false}))

	sealed, err := vault.EncryptBytes(webhookSecret)
	require.NoError(t, err)
	require.NoError(t, store.CreateWebhook(ctx, db.Webhook{ID: "wh-1", AccountID: "acct-1", SecretEncrypted: sealed, Active: true}))
	require.NoError(t, store.CreateWebhook(ctx, db.Webhook{ID: "wh-off", AccountID: "acct-1", SecretEncrypted: sealed, Active: false}))
	require.NoError(t, store.CreateWebhook(ctx, db.Webhook{ID: "wh-orphan", AccountID: "acct-off", SecretEncrypted: sealed, Active: true}))

	f := &fixture{store: store, now: time.Unix(1_717_000_000, 0)}
	limiter := ratelimit.New(ratelimit.Config{Capacity: capacity, RefillPerMinute: 10}).WithClock(func() time.Time { return f.now })
	f.gw = NewGateway(store, vault, limiter, 10*time.Minute, logging.Discard()).WithClock(func() time.Time { return f.now })
	return f
}

func body(action, symbol string) []byte {
	return []byte(fmt.Sprintf(`{"action":%q,"symbol":%q,"timestamp":1717000000}`, action, symbol))
}

func TestAdmitValidSignal(t *testing.T) {
	f := newFixture(t, 10)
	raw := body("long", "btc-usdt")

	adm, err := f.gw.Admit(context.Background(), raw, Sign(webhookSecret, raw), "wh-1")
	require.NoError(t, err)

	assert.False(t, adm.Duplicate)
	assert.Equal(t, ActionLong, adm.Signal.Action)
	assert.Equal(t, "BTC-USDT", adm.Signal.Symbol)
	assert.Equal(t, "acct-1", adm.Signal.AccountID)
	assert.Equal(t, time.Unix(1_717_000_000, 0).UTC(), adm.Signal.Timestamp)
	assert.Len(t, adm.Signal.Hash, 64)
	assert.Equal(t, StatePending, adm.Prior.State)
}

func TestAdmitAcceptsPrefixedSignature(t *testing.T) {
	f := newFixture(t, 10)
	raw := body("SHORT", "ETHUSDT")

	_, err := f.gw.Admit(context.Background(), raw, "sha256="+Sign(webhookSecret, raw), "wh-1")
	assert.NoError(t, err)
}

func TestAdmitUnauthorized(t *testing.T) {
	f := newFixture(t, 10)
	raw := body("LONG", "BTCUSDT")
	good := Sign(webhookSecret, raw)

	tests := []struct {
		name      string
		body      []byte
		signature string
		webhook   string
	}{
		{"wrong secret", raw, Sign([]byte("other"), raw), "wh-1"},
		{"tampered body", body("SHORT", "BTCUSDT"), good, "wh-1"},
		{"not hex", raw, "zzzz", "wh-1"},
		{"empty signature", raw, "", "wh-1"},
		{"unknown webhook", raw, good, "wh-missing"},
		{"disabled webhook", raw, good, "wh-off"},
		{"inactive account", raw, good, "wh-orphan"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.gw.Admit(context.Background(), tt.body, tt.signature, tt.webhook)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
	assert.Zero(t, f.gw.Window().Len())
}

func TestAdmitInvalidPayload(t *testing.T) {
	f := newFixture(t, 50)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed json", `{"action":`, "body"},
		{"missing action", `{"symbol":"BTCUSDT","timestamp":1}`, "action"},
		{"unknown action", `{"action":"HODL","symbol":"BTCUSDT","timestamp":1}`, "action"},
		{"missing symbol", `{"action":"LONG","timestamp":1}`, "symbol"},
		{"malformed symbol", `{"action":"LONG","symbol":"BTC$USDT","timestamp":1}`, "symbol"},
		{"missing timestamp", `{"action":"LONG","symbol":"BTCUSDT"}`, "timestamp"},
		{"zero timestamp", `{"action":"LONG","symbol":"BTCUSDT","timestamp":0}`, "timestamp"},
		{"bad timestamp string", `{"action":"LONG","symbol":"BTCUSDT","timestamp":"yesterday"}`, "timestamp"},
		{"negative price", `{"action":"LONG","symbol":"BTCUSDT","timestamp":1,"price":-1}`, "price"},
		{"zero leverage", `{"action":"LONG","symbol":"BTCUSDT","timestamp":1,"leverage":0}`, "leverage"},
		{"probability out of range", `{"action":"LONG","symbol":"BTCUSDT","timestamp":1,"sources":[{"name":"a","probability":1.5,"confidence":0.5}]}`, "sources[0]"},
		{"duplicate source", `{"action":"LONG","symbol":"BTCUSDT","timestamp":1,"sources":[{"name":"a","probability":0.5,"confidence":0.5},{"name":"a","probability":0.5,"confidence":0.5}]}`, "sources[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := []byte(tt.body)
			_, err := f.gw.Admit(context.Background(), raw, Sign(webhookSecret, raw), "wh-1")
			require.ErrorIs(t, err, ErrInvalidPayload)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestAdmitTimestampFormats(t *testing.T) {
	want := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		ts   string
	}{
		{"seconds", fmt.Sprint(want.Unix())},
		{"milliseconds", fmt.Sprint(want.UnixMilli())},
		{"numeric string", fmt.Sprintf("%q", fmt.Sprint(want.Unix()))},
		{"rfc3339", fmt.Sprintf("%q", want.Format(time.RFC3339))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, err := parseTimestamp([]byte(tt.ts))
			require.NoError(t, err)
			assert.True(t, want.Equal(ts), "got %s", ts)
		})
	}
}

func TestAdmitDuplicateWithinWindow(t *testing.T) {
	f := newFixture(t, 10)
	raw := body("LONG", "BTCUSDT")
	sig := Sign(webhookSecret, raw)

	first, err := f.gw.Admit(context.Background(), raw, sig, "wh-1")
	require.NoError(t, err)
	first.Resolve(Outcome{State: StateFilled, Admit: true, OrderID: "ord-1"})

	// Same content, different formatting.
	reformatted := []byte(`{ "symbol": "BTC/USDT", "timestamp": 1717000000, "action": "long" }`)
	second, err := f.gw.Admit(context.Background(), reformatted, Sign(webhookSecret, reformatted), "wh-1")
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Signal.Hash, second.Signal.Hash)
	assert.Equal(t, StateFilled, second.Prior.State)
	assert.Equal(t, "ord-1", second.Prior.OrderID)
}

func TestAdmitDuplicateAfterWindowIsFresh(t *testing.T) {
	f := newFixture(t, 10)
	raw := body("LONG", "BTCUSDT")
	sig := Sign(webhookSecret, raw)

	_, err := f.gw.Admit(context.Background(), raw, sig, "wh-1")
	require.NoError(t, err)

	f.now = f.now.Add(11 * time.Minute)
	again, err := f.gw.Admit(context.Background(), raw, sig, "wh-1")
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
}

func TestAdmitRateLimitedAfterAuthentication(t *testing.T) {
	f := newFixture(t, 2)

	// Forged traffic must not drain the bucket.
	for i := 0; i < 5; i++ {
		raw := body("LONG", "BTCUSDT")
		_, err := f.gw.Admit(context.Background(), raw, "deadbeef", "wh-1")
		require.ErrorIs(t, err, ErrUnauthorized)
	}

	for i := 0; i < 2; i++ {
		raw := []byte(fmt.Sprintf(`{"action":"LONG","symbol":"BTCUSDT","timestamp":%d}`, 1717000000+i))
		_, err := f.gw.Admit(context.Background(), raw, Sign(webhookSecret, raw), "wh-1")
		require.NoError(t, err)
	}

	raw := body("SHORT", "BTCUSDT")
	_, err := f.gw.Admit(context.Background(), raw, Sign(webhookSecret, raw), "wh-1")
	var denied *ratelimit.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))
}

func TestIdempotencyKeyIsPerAccount(t *testing.T) {
	a := Signal{Hash: "h", AccountID: "one"}
	b := Signal{Hash: "h", AccountID: "two"}
	assert.NotEqual(t, a.IdempotencyKey(), b.IdempotencyKey())
	assert.Equal(t, a.IdempotencyKey(), a.IdempotencyKey())
}

func TestActionHelpers(t *testing.T) {
	a, ok := ParseAction(" close_long ")
	require.True(t, ok)
	assert.Equal(t, ActionCloseLong, a)
	assert.True(t, a.IsExit())
	assert.False(t, ActionShort.IsExit())

	_, ok = ActionCloseAll.PositionSide()
	assert.False(t, ok)

	_, ok = ParseAction("BUY")
	assert.False(t, ok)
}

func TestAdmitDuplicateIgnoresLeverageAndSources(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	raw := []byte(`{"action":"LONG","symbol":"BTCUSDT","timestamp":1717000000,"leverage":3,` +
		`"sources":[{"name":"lstm","probability":0.8,"confidence":0.7}]}`)
	first, err := f.gw.Admit(ctx, raw, Sign(webhookSecret, raw), "wh-1")
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	resent := []byte(`{"action":"LONG","symbol":"BTCUSDT","timestamp":1717000000,"leverage":10,` +
		`"sources":[{"name":"lstm","probability":0.2,"confidence":0.9}]}`)
	second, err := f.gw.Admit(ctx, resent, Sign(webhookSecret, resent), "wh-1")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Signal.Hash, second.Signal.Hash)
	assert.Equal(t, 3, first.Signal.Leverage)
}
