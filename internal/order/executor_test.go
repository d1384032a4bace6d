package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-core/internal/events"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/logging"
)

type fakeAdapter struct {
	mu       sync.Mutex
	place    func(n int, o common.MarketOrder) (common.OrderResult, error)
	query    func(clientID string) (common.OrderResult, error)
	orders   []common.MarketOrder
	stops    []common.StopOrder
	canceled []string
	leverage []int
}

func (f *fakeAdapter) Venue() string { return "fake" }

func (f *fakeAdapter) GetBalance(context.Context) (common.Balance, error) {
	return common.Balance{Asset: "USDT", Equity: 10_000, Available: 10_000}, nil
}

func (f *fakeAdapter) GetPositions(context.Context, string) ([]common.Position, error) {
	return nil, nil
}

func (f *fakeAdapter) SetLeverage(_ context.Context, _ string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage = append(f.leverage, leverage)
	return nil
}

func (f *fakeAdapter) PlaceMarketOrder(_ context.Context, o common.MarketOrder) (common.OrderResult, error) {
	f.mu.Lock()
	f.orders = append(f.orders, o)
	n := len(f.orders)
	place := f.place
	f.mu.Unlock()
	if place != nil {
		return place(n, o)
	}
	return common.OrderResult{ExchangeOrderID: fmt.Sprintf("x-%d", n), ClientID: o.ClientID, Status: common.StatusFilled, FilledQty: o.Qty, AvgPrice: 50010}, nil
}

func (f *fakeAdapter) PlaceStopOrder(_ context.Context, o common.StopOrder) (common.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, o)
	return common.OrderResult{ExchangeOrderID: "stop-" + string(o.Type), ClientID: o.ClientID, Status: common.StatusNew}, nil
}

func (f *fakeAdapter) CancelOrder(_ context.Context, _, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeAdapter) placed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

type querierAdapter struct {
	*fakeAdapter
}

func (q querierAdapter) QueryOrder(_ context.Context, _, clientID string) (common.OrderResult, error) {
	return q.query(clientID)
}

func longParams() risk.OrderParams {
	return risk.OrderParams{
		Symbol:       "BTC-USDT",
		Action:       signal.ActionLong,
		Side:         common.SideBuy,
		PositionSide: common.PositionLong,
		Quantity:     0.02,
		Leverage:     5,
		EntryPrice:   50000,
		StopLoss:     49400,
		TakeProfit:   51200,
	}
}

func intent(adapter common.Adapter, key string, params risk.OrderParams) Intent {
	return Intent{
		AccountID:      "acct-1",
		Symbol:         params.Symbol,
		SignalHash:     "hash-" + key,
		IdempotencyKey: key,
		Adapter:        adapter,
		Prepare: func(context.Context) (risk.OrderParams, error) {
			return params, nil
		},
	}
}

func newTestExecutor(store db.Store, rec *events.Recorder) *Executor {
	e := NewExecutor(store, events.NewBus(), rec, Config{MaxAttempts: 3, BackoffBase: time.Millisecond}, logging.Discard())
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return e
}

func TestExecuteOpensPositionWithProtection(t *testing.T) {
	store := db.NewMemoryStore()
	rec := &events.Recorder{}
	ex := newTestExecutor(store, rec)
	adapter := &fakeAdapter{}

	res, err := ex.Execute(context.Background(), intent(adapter, "key-1", longParams()))
	require.NoError(t, err)

	assert.Equal(t, db.OrderFilled, res.Order.Status)
	assert.Equal(t, 1, res.Order.Attempts)
	assert.Equal(t, 50010.0, res.Order.AvgPrice)
	require.NotNil(t, res.Position)
	assert.Equal(t, "LONG", res.Position.Side)
	assert.Equal(t, 50010.0, res.Position.EntryPrice)

	assert.Equal(t, []int{5}, adapter.leverage)
	require.Len(t, adapter.orders, 1)
	assert.Equal(t, ClientOrderID("key-1", LegMain), adapter.orders[0].ClientID)
	assert.False(t, adapter.orders[0].ReduceOnly)

	require.Len(t, adapter.stops, 2)
	assert.Equal(t, ClientOrderID("key-1", LegStopLoss), adapter.stops[0].ClientID)
	assert.Equal(t, ClientOrderID("key-1", LegTakeProfit), adapter.stops[1].ClientID)

	pos, err := store.GetOpenPosition(context.Background(), "acct-1", "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, "stop-STOP_MARKET", pos.StopOrderID)
	assert.Equal(t, "stop-TAKE_PROFIT_MARKET", pos.TakeProfitOrderID)

	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, events.NotifyFilled, sent[0].Type)
}

func TestExecuteReplayReturnsExistingOrder(t *testing.T) {
	store := db.NewMemoryStore()
	ex := newTestExecutor(store, &events.Recorder{})
	adapter := &fakeAdapter{}

	first, err := ex.Execute(context.Background(), intent(adapter, "key-1", longParams()))
	require.NoError(t, err)

	var prepared atomic.Int32
	in := intent(adapter, "key-1", longParams())
	in.Prepare = func(context.Context) (risk.OrderParams, error) {
		prepared.Add(1)
		return longParams(), nil
	}
	for i := 0; i < 5; i++ {
		res, err := ex.Execute(context.Background(), in)
		require.NoError(t, err)
		assert.True(t, res.Existing)
		assert.Equal(t, first.Order.ID, res.Order.ID)
	}

	assert.Equal(t, 1, adapter.placed())
	assert.Zero(t, prepared.Load())
	orders, err := store.ListOrders(context.Background(), db.OrderFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestExecuteConcurrentEntriesOpenOnePosition(t *testing.T) {
	store := db.NewMemoryStore()
	ex := newTestExecutor(store, &events.Recorder{})
	adapter := &fakeAdapter{}

	// Distinct signals racing on the same pair. Prepare sees the
	// position written by whichever entry wins the lock first.
	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := intent(adapter, fmt.Sprintf("key-%d", i), longParams())
			in.Prepare = func(ctx context.Context) (risk.OrderParams, error) {
				if _, err := store.GetOpenPosition(ctx, "acct-1", "BTC-USDT"); err == nil {
					return risk.OrderParams{}, &risk.SizingError{Reason: risk.PositionExists}
				}
				return longParams(), nil
			}
			_, errs[i] = ex.Execute(context.Background(), in)
		}(i)
	}
	wg.Wait()

	var ok, exists int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, &risk.SizingError{Reason: risk.PositionExists}):
			exists++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, exists)
	assert.Equal(t, 1, adapter.placed())

	open, err := store.ListOpenPositions(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Zero(t, ex.locks.Len())
}

func TestExecuteTransientExhaustsRetries(t *testing.T) {
	store := db.NewMemoryStore()
	rec := &events.Recorder{}
	ex := newTestExecutor(store, rec)
	var slept []time.Duration
	ex.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	ex.jitter = func(n int64) int64 { return n - 1 }

	adapter := &fakeAdapter{place: func(int, common.MarketOrder) (common.OrderResult, error) {
		return common.OrderResult{}, common.Transient("fake", "place order", errors.New("503"))
	}}

	res, err := ex.Execute(context.Background(), intent(adapter, "key-1", longParams()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderFailed)
	assert.Equal(t, db.OrderFailed, res.Order.Status)
	assert.Equal(t, 3, res.Order.Attempts)
	assert.Nil(t, res.Position)
	assert.Equal(t, 3, adapter.placed())
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, slept)

	stored, err := store.GetOrderByKey(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, db.OrderFailed, stored.Status)
	assert.Contains(t, stored.LastError, "503")

	_, err = store.GetOpenPosition(context.Background(), "acct-1", "BTC-USDT")
	assert.ErrorIs(t, err, db.ErrNotFound)

	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, events.NotifyFailed, sent[0].Type)
}

func TestExecuteFailedOrderCanBeRetried(t *testing.T) {
	store := db.NewMemoryStore()
	ex := newTestExecutor(store, &events.Recorder{})

	fail := true
	adapter := &fakeAdapter{}
	adapter.place = func(n int, o common.MarketOrder) (common.OrderResult, error) {
		if fail {
			return common.OrderResult{}, common.Transient("fake", "place order", errors.New("timeout"))
		}
		return common.OrderResult{ExchangeOrderID: "ok", Status: common.StatusFilled, FilledQty: o.Qty, AvgPrice: 50000}, nil
	}

	_, err := ex.Execute(context.Background(), intent(adapter, "key-1", longParams()))
	require.ErrorIs(t, err, ErrOrderFailed)

	fail = false
	res, err := ex.Execute(context.Background(), intent(adapter, "key-1", longParams()))
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.Equal(t, db.OrderFilled, res.Order.Status)
	assert.Equal(t, 4, res.Order.Attempts)
}

func TestExecutePermanentRejectsWithoutRetry(t *testing.T) {
	store := db.NewMemoryStore()
	rec := &events.Recorder{}
	ex := newTestExecutor(store, rec)
	adapter := &fakeAdapter{place: func(int, common.MarketOrder) (common.OrderResult, error) {
		return common.OrderResult{}, common.FromHTTP("fake", "place order", 400, "-2019", "Margin is insufficient")
	}}

	res, err := ex.Execute(context.Background(), intent(adapter, "key-1", longParams()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderRejected)
	assert.Equal(t, db.OrderRejected, res.Order.Status)
	assert.Equal(t, 1, adapter.placed())

	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, events.NotifyRejected, sent[0].Type)
}

func TestExecuteVenueRejectStatusIsPermanent(t *testing.T) {
	ex := newTestExecutor(db.NewMemoryStore(), &events.Recorder{})
	adapter := &fakeAdapter{place: func(int, common.MarketOrder) (common.OrderResult, error) {
		return common.OrderResult{ExchangeOrderID: "x", Status: common.StatusExpired}, nil
	}}

	_, err := ex.Execute(context.Background(), intent(adapter, "key-1", longParams()))
	assert.ErrorIs(t, err, ErrOrderRejected)
	assert.Equal(t, 1, adapter.placed())
}

func TestExecuteAdoptsFillFromQuery(t *testing.T) {
	store := db.NewMemoryStore()
	ex := newTestExecutor(store, &events.Recorder{})

	base := &fakeAdapter{place: func(int, common.MarketOrder) (common.OrderResult, error) {
		return common.OrderResult{}, context.DeadlineExceeded
	}}
	base.query = func(clientID string) (common.OrderResult, error) {
		return common.OrderResult{ExchangeOrderID: "late", ClientID: clientID, Status: common.StatusFilled, FilledQty: 0.02, AvgPrice: 49990}, nil
	}

	res, err := ex.Execute(context.Background(), intent(querierAdapter{base}, "key-1", longParams()))
	require.NoError(t, err)
	assert.Equal(t, db.OrderFilled, res.Order.Status)
	assert.Equal(t, "late", res.Order.ExchangeOrderID)
	assert.Equal(t, 2, res.Order.Attempts)
	assert.Equal(t, 1, base.placed())
	require.NotNil(t, res.Position)
	assert.Equal(t, 49990.0, res.Position.EntryPrice)
}

func TestExecuteCloseIsReduceOnlyAndCancelsProtection(t *testing.T) {
	store := db.NewMemoryStore()
	ex := newTestExecutor(store, &events.Recorder{})
	adapter := &fakeAdapter{}
	ctx := context.Background()

	opened, err := ex.Execute(ctx, intent(adapter, "open", longParams()))
	require.NoError(t, err)

	closeParams := risk.OrderParams{
		Symbol:       "BTC-USDT",
		Action:       signal.ActionCloseLong,
		Side:         common.SideSell,
		PositionSide: common.PositionLong,
		Quantity:     opened.Position.Quantity,
		Leverage:     5,
		ReduceOnly:   true,
		Close:        true,
		PositionID:   opened.Position.ID,
	}
	res, err := ex.Execute(ctx, intent(adapter, "close", closeParams))
	require.NoError(t, err)

	require.Len(t, adapter.orders, 2)
	assert.True(t, adapter.orders[1].ReduceOnly)
	assert.Equal(t, common.SideSell, adapter.orders[1].Side)
	assert.Equal(t, []int{5}, adapter.leverage)
	assert.ElementsMatch(t, []string{"stop-STOP_MARKET", "stop-TAKE_PROFIT_MARKET"}, adapter.canceled)

	require.NotNil(t, res.Position)
	assert.Equal(t, db.PositionClosed, res.Position.Status)
	assert.Equal(t, risk.ExitSignal, res.Position.CloseReason)

	_, err = store.GetOpenPosition(ctx, "acct-1", "BTC-USDT")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestExecutePrepareErrorCreatesNoOrder(t *testing.T) {
	store := db.NewMemoryStore()
	ex := newTestExecutor(store, &events.Recorder{})
	adapter := &fakeAdapter{}

	in := intent(adapter, "key-1", longParams())
	in.Prepare = func(context.Context) (risk.OrderParams, error) {
		return risk.OrderParams{}, &risk.SizingError{Reason: risk.BelowMinimum}
	}
	_, err := ex.Execute(context.Background(), in)
	assert.ErrorIs(t, err, &risk.SizingError{Reason: risk.BelowMinimum})
	assert.Zero(t, adapter.placed())

	_, err = store.GetOrderByKey(context.Background(), "key-1")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestTransitions(t *testing.T) {
	o := &db.Order{Status: db.OrderPending}
	require.NoError(t, transition(o, db.OrderSubmitted))
	require.NoError(t, transition(o, db.OrderRetrying))
	require.NoError(t, transition(o, db.OrderSubmitted))
	require.NoError(t, transition(o, db.OrderFilled))

	err := transition(o, db.OrderSubmitted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, db.OrderFilled, o.Status)

	assert.ErrorIs(t, transition(&db.Order{Status: db.OrderPending}, db.OrderFilled), ErrInvalidTransition)
	assert.ErrorIs(t, transition(&db.Order{Status: db.OrderRejected}, db.OrderPending), ErrInvalidTransition)
}

func TestClientOrderID(t *testing.T) {
	id := ClientOrderID("some-key", LegMain)
	assert.Len(t, id, 31)
	assert.Regexp(t, `^[0-9a-f]{30}e$`, id)
	assert.Equal(t, id, ClientOrderID("some-key", LegMain))
	assert.NotEqual(t, id, ClientOrderID("other-key", LegMain))
	assert.Equal(t, id[:30], ClientOrderID("some-key", LegStopLoss)[:30])
}

func TestPairLockHonoursContext(t *testing.T) {
	locks := newPairLocks()
	unlock, err := locks.Lock(context.Background(), pairKey("a", "BTC-USDT"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, pairKey("a", "BTC-USDT"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := locks.Lock(context.Background(), pairKey("b", "BTC-USDT"))
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.Zero(t, locks.Len())
}

func TestBackoffIsCapped(t *testing.T) {
	ex := NewExecutor(db.NewMemoryStore(), nil, nil, Config{BackoffBase: 100 * time.Millisecond, BackoffMax: 300 * time.Millisecond}, logging.Discard())
	ex.jitter = func(n int64) int64 { return n - 1 }

	assert.Equal(t, 100*time.Millisecond, ex.backoff(1))
	assert.Equal(t, 200*time.Millisecond, ex.backoff(2))
	assert.Equal(t, 300*time.Millisecond, ex.backoff(3))
	assert.Equal(t, 300*time.Millisecond, ex.backoff(40))
}

func TestCalculatePnL(t *testing.T) {
	assert.InDelta(t, 20, CalculatePnL("LONG", 2, 100, 110, 0), 1e-9)
	assert.InDelta(t, 19, CalculatePnL("BUY", -2, 100, 110, 1), 1e-9)
	assert.InDelta(t, 20, CalculatePnL("SHORT", 2, 110, 100, 0), 1e-9)
	assert.Zero(t, CalculatePnL("LONG", 0, 100, 110, 0))
}

func TestAsyncExecutorRunsJobs(t *testing.T) {
	a := NewAsyncExecutor(2, 4, logging.Discard())
	var observed atomic.Int32
	a.SetObserver(func(ExecutionResult) { observed.Add(1) })
	a.Start(context.Background())

	ok, err := a.Submit("ok", func(context.Context) (Result, error) {
		return Result{Order: db.Order{ID: "o-1"}}, nil
	})
	require.NoError(t, err)
	bad, err := a.Submit("bad", func(context.Context) (Result, error) {
		return Result{}, errors.New("boom")
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := ok.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "o-1", res.Order.ID)

	_, err = bad.Wait(ctx)
	assert.EqualError(t, err, "boom")

	a.Close()
	assert.Equal(t, int32(2), observed.Load())
	assert.Zero(t, a.Pending())

	_, err = a.Submit("late", func(context.Context) (Result, error) { return Result{}, nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAsyncExecutorQueueFull(t *testing.T) {
	a := NewAsyncExecutor(1, 1, logging.Discard())
	// Not started: the queue holds exactly one job.
	_, err := a.Submit("one", func(context.Context) (Result, error) { return Result{}, nil })
	require.NoError(t, err)
	_, err = a.Submit("two", func(context.Context) (Result, error) { return Result{}, nil })
	assert.ErrorIs(t, err, ErrQueueFull)

	a.Close()
	assert.Zero(t, a.Pending())
}

func TestRecoverFailsInterruptedOrders(t *testing.T) {
	store := db.NewMemoryStore()
	rec := &events.Recorder{}
	ctx := context.Background()
	for i, status := range []string{db.OrderPending, db.OrderRetrying, db.OrderFilled} {
		require.NoError(t, store.CreateOrder(ctx, db.Order{
			ID:             fmt.Sprintf("o-%d", i),
			IdempotencyKey: fmt.Sprintf("k-%d", i),
			AccountID:      "acct-1",
			Symbol:         "BTC-USDT",
			Status:         status,
		}))
	}

	ex := newTestExecutor(store, rec)
	n, err := ex.Recover(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	failed, err := store.ListOrders(ctx, db.OrderFilter{Status: db.OrderFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 2)
	assert.Len(t, rec.Sent(), 2)
}

func TestExecuteCloseOfAlreadyClosedPositionRecordsFill(t *testing.T) {
	store := db.NewMemoryStore()
	rec := &events.Recorder{}
	ex := newTestExecutor(store, rec)
	adapter := &fakeAdapter{}
	ctx := context.Background()

	opened, err := ex.Execute(ctx, intent(adapter, "open", longParams()))
	require.NoError(t, err)

	// The position is settled elsewhere between the fill and its bookkeeping.
	adapter.place = func(n int, o common.MarketOrder) (common.OrderResult, error) {
		require.NoError(t, store.ClosePosition(ctx, opened.Position.ID, "closed on exchange", 49400, time.Now()))
		return common.OrderResult{ExchangeOrderID: "x-close", Status: common.StatusFilled, FilledQty: o.Qty, AvgPrice: 49500}, nil
	}
	closeParams := risk.OrderParams{
		Symbol:       "BTC-USDT",
		Action:       signal.ActionCloseLong,
		Side:         common.SideSell,
		PositionSide: common.PositionLong,
		Quantity:     opened.Position.Quantity,
		ReduceOnly:   true,
		Close:        true,
		PositionID:   opened.Position.ID,
	}
	res, err := ex.Execute(ctx, intent(adapter, "close", closeParams))
	require.NoError(t, err)
	assert.Nil(t, res.Position)

	stored, err := store.GetOrderByKey(ctx, "close")
	require.NoError(t, err)
	assert.Equal(t, db.OrderFilled, stored.Status)
	assert.Empty(t, stored.LastError)
	assert.Equal(t, 49500.0, stored.AvgPrice)

	sent := rec.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, events.NotifyFilled, sent[1].Type)
	assert.Contains(t, sent[1].Detail, "already closed")
}

func TestLockPairExcludesExecute(t *testing.T) {
	store := db.NewMemoryStore()
	ex := newTestExecutor(store, &events.Recorder{})
	adapter := &fakeAdapter{}

	unlock, err := ex.LockPair(context.Background(), "acct-1", "BTC-USDT")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ex.Execute(context.Background(), intent(adapter, "key-1", longParams()))
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, adapter.placed())

	unlock()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not proceed after unlock")
	}
	assert.Equal(t, 1, adapter.placed())
}

type staticAdapters struct{ adapter common.Adapter }

func (s staticAdapters) Get(context.Context, string) (common.Adapter, error) { return s.adapter, nil }

func TestRecoverAdoptsFillsReportedByVenue(t *testing.T) {
	store := db.NewMemoryStore()
	rec := &events.Recorder{}
	ctx := context.Background()

	for _, o := range []db.Order{
		{ID: "filled", IdempotencyKey: "k-filled", ClientOrderID: "cid-filled", Side: "SELL", Quantity: 0.5, Leverage: 3, Status: db.OrderSubmitted},
		{ID: "unknown", IdempotencyKey: "k-unknown", ClientOrderID: "cid-unknown", Side: "BUY", Quantity: 0.5, Status: db.OrderRetrying},
		{ID: "pending", IdempotencyKey: "k-pending", ClientOrderID: "cid-pending", Side: "BUY", Quantity: 0.5, Status: db.OrderPending},
	} {
		o.AccountID, o.Symbol = "acct-1", "ETH-USDT"
		if o.ID == "unknown" {
			o.Symbol = "SOL-USDT"
		}
		require.NoError(t, store.CreateOrder(ctx, o))
	}

	var queried []string
	var mu sync.Mutex
	adapter := querierAdapter{fakeAdapter: &fakeAdapter{
		query: func(clientID string) (common.OrderResult, error) {
			mu.Lock()
			queried = append(queried, clientID)
			mu.Unlock()
			if clientID == "cid-filled" {
				return common.OrderResult{ExchangeOrderID: "x-9", ClientID: clientID, Status: common.StatusFilled, FilledQty: 0.5, AvgPrice: 3000}, nil
			}
			return common.OrderResult{}, common.ErrOrderNotFound
		},
	}}

	ex := newTestExecutor(store, rec)
	n, err := ex.Recover(ctx, staticAdapters{adapter})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{"cid-filled", "cid-unknown"}, queried)

	filled, err := store.GetOrderByKey(ctx, "k-filled")
	require.NoError(t, err)
	assert.Equal(t, db.OrderFilled, filled.Status)
	assert.Equal(t, "x-9", filled.ExchangeOrderID)

	pos, err := store.GetOpenPosition(ctx, "acct-1", "ETH-USDT")
	require.NoError(t, err)
	assert.Equal(t, "SHORT", pos.Side)
	assert.Equal(t, 0.5, pos.Quantity)
	assert.Equal(t, 3000.0, pos.EntryPrice)

	for _, key := range []string{"k-unknown", "k-pending"} {
		o, err := store.GetOrderByKey(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, db.OrderFailed, o.Status, key)
	}

	var fills, failures int
	for _, n := range rec.Sent() {
		switch n.Type {
		case events.NotifyFilled:
			fills++
		case events.NotifyFailed:
			failures++
		}
	}
	assert.Equal(t, 1, fills)
	assert.Equal(t, 2, failures)
}
