package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"signal-core/pkg/exchanges/common"
)

// ErrCircuitOpen is returned while a venue is being shed after repeated
// transient failures.
var ErrCircuitOpen = errors.New("circuit open")

// State of a Breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker opens after FailureThreshold consecutive transient failures and
// lets a single trial call through once Timeout has elapsed.
type Breaker struct {
	threshold int
	timeout   time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(threshold int, timeout time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Breaker{threshold: threshold, timeout: timeout, now: time.Now}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

// Record feeds a call outcome back. Only transient failures count; a
// permanent error still proves the venue is reachable.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasTrial := b.state == StateHalfOpen
	b.probing = false

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		return
	case common.IsTransient(err):
		b.failures++
		if wasTrial || b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	default:
		b.state = StateClosed
		b.failures = 0
	}
}

// State returns the current state, promoting open to half-open when the
// timeout has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.timeout {
		return StateHalfOpen
	}
	return b.state
}

// guarded wraps an adapter with a breaker.
type guarded struct {
	inner   common.Adapter
	breaker *Breaker
}

// guardedQuerier also forwards order status queries.
type guardedQuerier struct {
	*guarded
	q common.OrderQuerier
}

// Guard returns adapter wrapped with b. Optional OrderQuerier support is
// preserved.
func Guard(adapter common.Adapter, b *Breaker) common.Adapter {
	g := &guarded{inner: adapter, breaker: b}
	if q, ok := adapter.(common.OrderQuerier); ok {
		return guardedQuerier{guarded: g, q: q}
	}
	return g
}

func (g *guarded) open(op string) error {
	if err := g.breaker.Allow(); err != nil {
		return common.Transient(g.inner.Venue(), op, err)
	}
	return nil
}

func (g *guarded) Venue() string { return g.inner.Venue() }

func (g *guarded) GetBalance(ctx context.Context) (common.Balance, error) {
	if err := g.open("balance"); err != nil {
		return common.Balance{}, err
	}
	b, err := g.inner.GetBalance(ctx)
	g.breaker.Record(err)
	return b, err
}

func (g *guarded) GetPositions(ctx context.Context, symbol string) ([]common.Position, error) {
	if err := g.open("positions"); err != nil {
		return nil, err
	}
	p, err := g.inner.GetPositions(ctx, symbol)
	g.breaker.Record(err)
	return p, err
}

func (g *guarded) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := g.open("set leverage"); err != nil {
		return err
	}
	err := g.inner.SetLeverage(ctx, symbol, leverage)
	g.breaker.Record(err)
	return err
}

func (g *guarded) PlaceMarketOrder(ctx context.Context, o common.MarketOrder) (common.OrderResult, error) {
	if err := g.open("place order"); err != nil {
		return common.OrderResult{}, err
	}
	r, err := g.inner.PlaceMarketOrder(ctx, o)
	g.breaker.Record(err)
	return r, err
}

func (g *guarded) PlaceStopOrder(ctx context.Context, o common.StopOrder) (common.OrderResult, error) {
	if err := g.open("place stop"); err != nil {
		return common.OrderResult{}, err
	}
	r, err := g.inner.PlaceStopOrder(ctx, o)
	g.breaker.Record(err)
	return r, err
}

func (g *guarded) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := g.open("cancel order"); err != nil {
		return err
	}
	err := g.inner.CancelOrder(ctx, symbol, orderID)
	if errors.Is(err, common.ErrOrderNotFound) {
		g.breaker.Record(nil)
	} else {
		g.breaker.Record(err)
	}
	return err
}

func (g guardedQuerier) QueryOrder(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	if err := g.open("query order"); err != nil {
		return common.OrderResult{}, err
	}
	r, err := g.q.QueryOrder(ctx, symbol, clientID)
	if errors.Is(err, common.ErrOrderNotFound) {
		g.breaker.Record(nil)
	} else {
		g.breaker.Record(err)
	}
	return r, err
}
