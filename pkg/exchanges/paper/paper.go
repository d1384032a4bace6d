// Package paper is an in-process venue that fills market orders against a
// mark price feed. It backs dry-run accounts.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"signal-core/pkg/exchanges/common"
)

const venue = "paper"

// PriceSource supplies the mark price fills are simulated against.
type PriceSource interface {
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}

// PriceFunc adapts a function to PriceSource.
type PriceFunc func(ctx context.Context, symbol string) (float64, error)

// MarkPrice implements PriceSource.
func (f PriceFunc) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	return f(ctx, symbol)
}

// Config tunes the simulation.
type Config struct {
	InitialEquity float64
	FeeRate       float64 // 0.0004 = 4 bps taker
	SlippageBps   float64 // upper bound of adverse slippage per fill
	LatencyMin    time.Duration
	LatencyMax    time.Duration
	Seed          int64 // 0 seeds from the clock
}

// Exchange simulates a one-way-mode perpetual futures account.
type Exchange struct {
	cfg    Config
	prices PriceSource
	log    logrus.FieldLogger

	mu        sync.Mutex
	rng       *rand.Rand
	wallet    float64
	leverage  map[string]int
	positions map[string]*paperPosition
	orders    map[string]common.OrderResult // by client id
	stops     map[string]common.StopOrder   // by exchange id
	nextID    int64
}

type paperPosition struct {
	side       common.PositionSide
	qty        float64
	entryPrice float64
}

var (
	_ common.Adapter      = (*Exchange)(nil)
	_ common.OrderQuerier = (*Exchange)(nil)
	_ common.Pinger       = (*Exchange)(nil)
)

// New creates a paper exchange.
func New(cfg Config, prices PriceSource, log logrus.FieldLogger) *Exchange {
	if log == nil {
		log = logrus.StandardLogger()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.LatencyMin > cfg.LatencyMax {
		cfg.LatencyMin, cfg.LatencyMax = cfg.LatencyMax, cfg.LatencyMin
	}
	return &Exchange{
		cfg:       cfg,
		prices:    prices,
		log:       log.WithField("venue", venue),
		rng:       rand.New(rand.NewSource(seed)),
		wallet:    cfg.InitialEquity,
		leverage:  make(map[string]int),
		positions: make(map[string]*paperPosition),
		orders:    make(map[string]common.OrderResult),
		stops:     make(map[string]common.StopOrder),
	}
}

// Venue implements common.Adapter.
func (e *Exchange) Venue() string { return venue }

// Ping implements common.Pinger.
func (e *Exchange) Ping(context.Context) error { return nil }

// GetBalance marks open positions to market.
func (e *Exchange) GetBalance(ctx context.Context) (common.Balance, error) {
	e.mu.Lock()
	snapshot := make(map[string]paperPosition, len(e.positions))
	for sym, p := range e.positions {
		snapshot[sym] = *p
	}
	wallet := e.wallet
	e.mu.Unlock()

	equity := wallet
	margin := 0.0
	for sym, p := range snapshot {
		mark, err := e.prices.MarkPrice(ctx, sym)
		if err != nil {
			mark = p.entryPrice
		}
		equity += unrealized(p, mark)
		margin += p.qty * mark / float64(e.leverageFor(sym))
	}
	return common.Balance{Asset: "USDT", Equity: equity, Available: equity - margin}, nil
}

// GetPositions returns open positions; symbol may be empty for all.
func (e *Exchange) GetPositions(ctx context.Context, symbol string) ([]common.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []common.Position
	for sym, p := range e.positions {
		if symbol != "" && sym != symbol {
			continue
		}
		out = append(out, common.Position{
			Symbol:     sym,
			Side:       p.side,
			Qty:        p.qty,
			EntryPrice: p.entryPrice,
			Leverage:   e.leverageLocked(sym),
		})
	}
	return out, nil
}

// SetLeverage records leverage for margin accounting.
func (e *Exchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return common.Permanent(venue, "leverage", fmt.Errorf("leverage %d below 1", leverage))
	}
	e.mu.Lock()
	e.leverage[symbol] = leverage
	e.mu.Unlock()
	return nil
}

// PlaceMarketOrder fills immediately at mark price plus adverse slippage.
func (e *Exchange) PlaceMarketOrder(ctx context.Context, o common.MarketOrder) (common.OrderResult, error) {
	if o.Qty <= 0 {
		return common.OrderResult{}, common.Permanent(venue, "order", fmt.Errorf("quantity must be positive"))
	}
	if err := e.sleep(ctx); err != nil {
		return common.OrderResult{}, common.FromTransport(venue, "order", err)
	}
	mark, err := e.prices.MarkPrice(ctx, o.Symbol)
	if err != nil {
		return common.OrderResult{}, common.Transient(venue, "order", fmt.Errorf("mark price: %w", err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if o.ClientID != "" {
		if prev, ok := e.orders[o.ClientID]; ok {
			return prev, nil
		}
	}

	price := e.slip(mark, o.Side)
	qty := o.Qty
	pos := e.positions[o.Symbol]
	if o.ReduceOnly {
		if pos == nil || pos.side.EntrySide() == o.Side {
			return common.OrderResult{}, &common.ExchangeError{
				Kind: common.KindPermanent, Venue: venue, Op: "order", Code: "REDUCE_ONLY",
				Message: "reduce-only order would increase position",
			}
		}
		if qty > pos.qty {
			qty = pos.qty
		}
	}

	e.fillLocked(o.Symbol, o.Side, qty, price)

	e.nextID++
	res := common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(e.nextID, 10),
		ClientID:        o.ClientID,
		Status:          common.StatusFilled,
		FilledQty:       qty,
		AvgPrice:        price,
	}
	if o.ClientID != "" {
		e.orders[o.ClientID] = res
	}
	e.log.WithFields(logrus.Fields{
		"symbol": o.Symbol, "side": o.Side, "qty": qty, "price": price, "wallet": e.wallet,
	}).Info("paper fill")
	return res, nil
}

// PlaceStopOrder records a resting trigger order. Triggers are evaluated by
// OnMark.
func (e *Exchange) PlaceStopOrder(_ context.Context, o common.StopOrder) (common.OrderResult, error) {
	if o.TriggerPrice <= 0 || o.Qty <= 0 {
		return common.OrderResult{}, common.Permanent(venue, "stop order", fmt.Errorf("invalid stop %+v", o))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := strconv.FormatInt(e.nextID, 10)
	e.stops[id] = o
	res := common.OrderResult{ExchangeOrderID: id, ClientID: o.ClientID, Status: common.StatusNew}
	if o.ClientID != "" {
		e.orders[o.ClientID] = res
	}
	return res, nil
}

// CancelOrder removes a resting stop.
func (e *Exchange) CancelOrder(_ context.Context, _ string, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.stops[orderID]; !ok {
		return common.ErrOrderNotFound
	}
	delete(e.stops, orderID)
	return nil
}

// QueryOrder implements common.OrderQuerier.
func (e *Exchange) QueryOrder(_ context.Context, _ string, clientID string) (common.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.orders[clientID]
	if !ok {
		return common.OrderResult{}, common.ErrOrderNotFound
	}
	return res, nil
}

// OnMark fires resting stops for symbol whose trigger price was crossed and
// returns how many fired.
func (e *Exchange) OnMark(symbol string, mark float64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	fired := 0
	for id, s := range e.stops {
		if s.Symbol != symbol || !triggered(s, mark) {
			continue
		}
		delete(e.stops, id)
		pos := e.positions[symbol]
		if pos == nil || pos.side.EntrySide() == s.Side {
			continue
		}
		qty := s.Qty
		if qty > pos.qty {
			qty = pos.qty
		}
		e.fillLocked(symbol, s.Side, qty, mark)
		fired++
	}
	return fired
}

func triggered(s common.StopOrder, mark float64) bool {
	// A sell stop protects a long: stop below, take-profit above.
	sellSide := s.Side == common.SideSell
	switch s.Type {
	case common.OrderTypeStopMarket:
		return (sellSide && mark <= s.TriggerPrice) || (!sellSide && mark >= s.TriggerPrice)
	case common.OrderTypeTakeProfitMarket:
		return (sellSide && mark >= s.TriggerPrice) || (!sellSide && mark <= s.TriggerPrice)
	}
	return false
}

func (e *Exchange) fillLocked(symbol string, side common.Side, qty, price float64) {
	fee := qty * price * e.cfg.FeeRate
	e.wallet -= fee

	pos := e.positions[symbol]
	if pos == nil {
		ps := common.PositionLong
		if side == common.SideSell {
			ps = common.PositionShort
		}
		e.positions[symbol] = &paperPosition{side: ps, qty: qty, entryPrice: price}
		return
	}
	if pos.side.EntrySide() == side {
		total := pos.qty*pos.entryPrice + qty*price
		pos.qty += qty
		pos.entryPrice = total / pos.qty
		return
	}

	closed := qty
	if closed > pos.qty {
		closed = pos.qty
	}
	e.wallet += unrealized(paperPosition{side: pos.side, qty: closed, entryPrice: pos.entryPrice}, price)
	pos.qty -= closed
	if pos.qty <= 1e-12 {
		delete(e.positions, symbol)
	}
	if rest := qty - closed; rest > 1e-12 {
		e.fillLocked(symbol, side, rest, price)
	}
}

func unrealized(p paperPosition, mark float64) float64 {
	if p.side == common.PositionShort {
		return (p.entryPrice - mark) * p.qty
	}
	return (mark - p.entryPrice) * p.qty
}

func (e *Exchange) slip(mark float64, side common.Side) float64 {
	frac := e.cfg.SlippageBps / 10000.0
	if frac <= 0 {
		return mark
	}
	noise := e.rng.Float64() * frac
	if side == common.SideBuy {
		return mark * (1 + noise)
	}
	return mark * (1 - noise)
}

func (e *Exchange) sleep(ctx context.Context) error {
	if e.cfg.LatencyMax <= 0 {
		return nil
	}
	e.mu.Lock()
	d := e.cfg.LatencyMin
	if span := e.cfg.LatencyMax - e.cfg.LatencyMin; span > 0 {
		d += time.Duration(e.rng.Int63n(int64(span) + 1))
	}
	e.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Exchange) leverageFor(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leverageLocked(symbol)
}

func (e *Exchange) leverageLocked(symbol string) int {
	if l := e.leverage[symbol]; l > 0 {
		return l
	}
	return 1
}
