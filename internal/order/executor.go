// Package order drives exchange adapters with idempotency keys, bounded
// retries and per-(account, symbol) mutual exclusion.
package order

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"signal-core/internal/events"
	"signal-core/internal/risk"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/logging"
)

// Executor persists orders, sends them to an exchange adapter, and emits updates.
type Executor struct {
	store    db.Store
	bus      *events.Bus
	notifier events.Notifier
	cfg      Config
	locks    *pairLocks
	log      logrus.FieldLogger

	invalidator Invalidator
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	jitter      func(n int64) int64
}

// NewExecutor creates an executor. bus and notifier may be nil.
func NewExecutor(store db.Store, bus *events.Bus, notifier events.Notifier, cfg Config, log logrus.FieldLogger) *Executor {
	return &Executor{
		store:    store,
		bus:      bus,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		locks:    newPairLocks(),
		log:      logging.OrStandard(log),
		now:      time.Now,
		sleep:    sleepCtx,
		jitter:   rand.Int64N,
	}
}

// SetInvalidator registers the cache to drop after fills.
func (e *Executor) SetInvalidator(inv Invalidator) {
	e.invalidator = inv
}

// LockPair takes the per-(account, symbol) lock Execute holds. Anything else
// that rewrites positions must hold it too.
func (e *Executor) LockPair(ctx context.Context, accountID, symbol string) (func(), error) {
	return e.locks.Lock(ctx, pairKey(accountID, symbol))
}

// Execute runs one intent to a terminal order state. The pair lock is held
// from the idempotency check through the position update.
func (e *Executor) Execute(ctx context.Context, in Intent) (Result, error) {
	start := e.now()
	logger := e.log.WithFields(logrus.Fields{
		"account_id":      in.AccountID,
		"symbol":          in.Symbol,
		"idempotency_key": in.IdempotencyKey,
	})

	unlock, err := e.locks.Lock(ctx, pairKey(in.AccountID, in.Symbol))
	if err != nil {
		return Result{}, fmt.Errorf("acquire pair lock: %w", err)
	}
	defer unlock()

	existing, err := e.store.GetOrderByKey(ctx, in.IdempotencyKey)
	switch {
	case err == nil && existing.Status != db.OrderFailed:
		logger.WithField("status", existing.Status).Info("Idempotent replay, returning existing order")
		return Result{Order: existing, Existing: true, Latency: e.now().Sub(start)}, nil
	case err != nil && !errors.Is(err, db.ErrNotFound):
		return Result{}, fmt.Errorf("idempotency check: %w", err)
	}
	retry := err == nil

	params, err := in.Prepare(ctx)
	if err != nil {
		return Result{}, err
	}

	now := e.now().UTC()
	o := db.Order{
		ID:             uuid.NewString(),
		IdempotencyKey: in.IdempotencyKey,
		SignalHash:     in.SignalHash,
		AccountID:      in.AccountID,
		Symbol:         params.Symbol,
		Side:           string(params.Side),
		Type:           string(common.OrderTypeMarket),
		Quantity:       params.Quantity,
		ReduceOnly:     params.Close,
		Leverage:       params.Leverage,
		Status:         db.OrderPending,
		ClientOrderID:  ClientOrderID(in.IdempotencyKey, LegMain),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if retry {
		// Same row, attempt counter continues.
		o.ID, o.Attempts, o.CreatedAt, o.Status = existing.ID, existing.Attempts, existing.CreatedAt, existing.Status
		if err := transition(&o, db.OrderPending); err != nil {
			return Result{}, err
		}
		o.LastError = ""
		if err := e.store.UpdateOrder(ctx, o); err != nil {
			return Result{}, fmt.Errorf("reset failed order: %w", err)
		}
	} else if err := e.store.CreateOrder(ctx, o); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			prior, gerr := e.store.GetOrderByKey(ctx, in.IdempotencyKey)
			if gerr == nil {
				return Result{Order: prior, Existing: true, Latency: e.now().Sub(start)}, nil
			}
		}
		return Result{}, fmt.Errorf("create order: %w", err)
	}
	e.publish(events.EventOrderUpdate, o)

	res := Result{Order: o, Params: params}
	fill, submitErr := e.submit(ctx, in.Adapter, &res.Order, params, logger)
	if submitErr != nil {
		res.Latency = e.now().Sub(start)
		return res, submitErr
	}

	pos, err := e.complete(ctx, in, &res.Order, params, fill, logger)
	res.Position = pos
	res.Latency = e.now().Sub(start)
	return res, err
}

// Recover settles orders left in flight by a previous process. A submitted
// order the venue reports as filled is adopted with its position change;
// anything else is marked FAILED so its idempotency key can be retried.
// adapters may be nil, in which case no venue is asked. It returns the number
// of orders recovered.
func (e *Executor) Recover(ctx context.Context, adapters AdapterSource) (int, error) {
	var n int
	for _, status := range []string{db.OrderPending, db.OrderSubmitted, db.OrderRetrying} {
		orders, err := e.store.ListOrders(ctx, db.OrderFilter{Status: status})
		if err != nil {
			return n, fmt.Errorf("list %s orders: %w", status, err)
		}
		for i := range orders {
			if err := e.recoverOrder(ctx, adapters, &orders[i]); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (e *Executor) recoverOrder(ctx context.Context, adapters AdapterSource, o *db.Order) error {
	logger := e.log.WithFields(logrus.Fields{
		"order_id":   o.ID,
		"account_id": o.AccountID,
		"symbol":     o.Symbol,
		"status":     o.Status,
	})
	unlock, err := e.locks.Lock(ctx, pairKey(o.AccountID, o.Symbol))
	if err != nil {
		return fmt.Errorf("acquire pair lock: %w", err)
	}
	defer unlock()

	// PENDING was never sent; the others may have reached the venue.
	sent := o.Status != db.OrderPending && o.ClientOrderID != ""
	// PENDING and RETRYING pass through SUBMITTED first.
	o.Status = db.OrderSubmitted

	cause := errors.New("interrupted before completion")
	if sent && adapters != nil {
		fill, ok, qerr := e.queryInterrupted(ctx, adapters, o, logger)
		if ok {
			return e.adoptRecovered(ctx, o, fill, logger)
		}
		if qerr != nil {
			cause = fmt.Errorf("interrupted before completion, status query failed: %w", qerr)
		}
	}

	if err := e.finish(ctx, o, db.OrderFailed, cause, logger); err != nil {
		return err
	}
	e.notify(ctx, events.NotifyFailed, o, o.LastError)
	logger.Warn("Recovered interrupted order")
	return nil
}

// queryInterrupted asks the venue whether o filled. An unknown order is not
// an error.
func (e *Executor) queryInterrupted(ctx context.Context, adapters AdapterSource, o *db.Order, logger logrus.FieldLogger) (common.OrderResult, bool, error) {
	adapter, err := adapters.Get(ctx, o.AccountID)
	if err != nil {
		return common.OrderResult{}, false, fmt.Errorf("resolve adapter: %w", err)
	}
	querier, ok := adapter.(common.OrderQuerier)
	if !ok {
		return common.OrderResult{}, false, nil
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	res, err := querier.QueryOrder(cctx, o.Symbol, o.ClientOrderID)
	switch {
	case errors.Is(err, common.ErrOrderNotFound):
		return common.OrderResult{}, false, nil
	case err != nil:
		logger.WithError(err).Warn("Order status query failed during recovery")
		return common.OrderResult{}, false, err
	}
	return res, res.Status == common.StatusFilled || res.FilledQty > 0, nil
}

// adoptRecovered records a fill found after a restart. Entries open a
// position without protection orders, since their trigger prices were not
// persisted; closes settle the tracked position.
func (e *Executor) adoptRecovered(ctx context.Context, o *db.Order, fill common.OrderResult, logger logrus.FieldLogger) error {
	now := e.now().UTC()
	if err := transition(o, db.OrderFilled); err != nil {
		return err
	}
	o.LastError, o.UpdatedAt = "", now
	o.AvgPrice, o.FilledQty = fill.AvgPrice, fill.FilledQty
	if o.FilledQty <= 0 {
		o.FilledQty = o.Quantity
	}
	if fill.ExchangeOrderID != "" {
		o.ExchangeOrderID = fill.ExchangeOrderID
	}

	var (
		change db.PositionChange
		detail string
	)
	open, err := e.store.GetOpenPosition(ctx, o.AccountID, o.Symbol)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("load open position: %w", err)
	}
	switch {
	case o.ReduceOnly && err == nil:
		change = db.PositionChange{CloseID: open.ID, CloseReason: risk.ExitSignal, ExitPrice: o.AvgPrice, At: now}
		detail = fmt.Sprintf("recovered close of %s %s @ %.8g", open.Side, open.Symbol, o.AvgPrice)
	case o.ReduceOnly:
		detail = fmt.Sprintf("recovered reduce-only %s %.8g @ %.8g", o.Side, o.FilledQty, o.AvgPrice)
	case err == nil:
		// The pair already has a tracked position; reconciliation reports the mismatch.
		detail = fmt.Sprintf("recovered %s %.8g @ %.8g, pair already tracked", o.Side, o.FilledQty, o.AvgPrice)
	default:
		side := common.PositionLong
		if common.Side(o.Side) == common.SideSell {
			side = common.PositionShort
		}
		pos := &db.Position{
			ID:         uuid.NewString(),
			AccountID:  o.AccountID,
			Symbol:     o.Symbol,
			Side:       string(side),
			EntryPrice: o.AvgPrice,
			Quantity:   o.FilledQty,
			Leverage:   o.Leverage,
			Status:     db.PositionOpen,
			OpenedAt:   now,
		}
		change = db.PositionChange{Open: pos, At: now}
		detail = fmt.Sprintf("recovered %s %s %.8g @ %.8g without protection orders", pos.Side, pos.Symbol, pos.Quantity, pos.EntryPrice)
	}

	if err := e.store.CompleteOrder(ctx, *o, change); err != nil {
		return fmt.Errorf("complete recovered order %s: %w", o.ID, err)
	}
	e.publish(events.EventOrderUpdate, *o)
	switch {
	case change.Open != nil:
		EmitPositionUpdate(e.bus, events.EventPositionOpened, *change.Open)
	case change.CloseID != "":
		open.Status, open.ExitPrice, open.CloseReason, open.ClosedAt = db.PositionClosed, o.AvgPrice, risk.ExitSignal, &now
		EmitPositionUpdate(e.bus, events.EventPositionClosed, open)
	}
	if e.invalidator != nil {
		e.invalidator.Invalidate(o.AccountID)
	}
	e.notify(ctx, events.NotifyFilled, o, detail)
	logger.Warn("Adopted fill of interrupted order")
	return nil
}

// submit runs the retry loop and leaves o in FILLED, REJECTED or FAILED.
func (e *Executor) submit(ctx context.Context, adapter common.Adapter, o *db.Order, p risk.OrderParams, logger logrus.FieldLogger) (common.OrderResult, error) {
	querier, _ := adapter.(common.OrderQuerier)
	leverageSet := p.Close

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := transition(o, db.OrderSubmitted); err != nil {
			return common.OrderResult{}, err
		}
		o.Attempts++
		e.save(ctx, o, logger)

		alog := logger.WithField("attempt", o.Attempts)

		// A timed-out submission may still have reached the exchange.
		if o.Attempts > 1 && querier != nil {
			if found, ok := e.lookup(ctx, querier, p.Symbol, o.ClientOrderID, alog); ok {
				alog.Info("Adopting fill from earlier attempt")
				return found, e.finish(ctx, o, db.OrderFilled, nil, logger)
			}
		}

		res, err := e.attempt(ctx, adapter, o, p, &leverageSet)
		if err == nil {
			return res, e.finish(ctx, o, db.OrderFilled, nil, logger)
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}

		if !common.IsTransient(err) {
			alog.WithError(err).Warn("Order rejected")
			e.finish(ctx, o, db.OrderRejected, err, logger)
			e.notify(ctx, events.NotifyRejected, o, err.Error())
			return common.OrderResult{}, fmt.Errorf("%w: %w", ErrOrderRejected, err)
		}

		if attempt == e.cfg.MaxAttempts {
			break
		}
		alog.WithError(err).Warn("Transient failure, retrying")
		if terr := transition(o, db.OrderRetrying); terr != nil {
			return common.OrderResult{}, terr
		}
		o.LastError = err.Error()
		e.save(ctx, o, logger)

		if serr := e.sleep(ctx, e.backoff(attempt)); serr != nil {
			lastErr = serr
			break
		}
	}

	logger.WithError(lastErr).WithField("attempts", o.Attempts).Error("Order failed after retries")
	if o.Status == db.OrderRetrying {
		// Interrupted during backoff.
		_ = transition(o, db.OrderSubmitted)
	}
	e.finish(ctx, o, db.OrderFailed, lastErr, logger)
	e.notify(ctx, events.NotifyFailed, o, lastErr.Error())
	return common.OrderResult{}, fmt.Errorf("%w after %d attempts: %w", ErrOrderFailed, o.Attempts, lastErr)
}

// attempt performs one submission. A market order the venue has not
// confirmed as filled is reported as transient so the next attempt queries it.
func (e *Executor) attempt(ctx context.Context, adapter common.Adapter, o *db.Order, p risk.OrderParams, leverageSet *bool) (common.OrderResult, error) {
	if !*leverageSet {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		err := adapter.SetLeverage(cctx, p.Symbol, p.Leverage)
		cancel()
		if err != nil {
			return common.OrderResult{}, err
		}
		*leverageSet = true
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	res, err := adapter.PlaceMarketOrder(cctx, common.MarketOrder{
		Symbol:     p.Symbol,
		Side:       p.Side,
		Qty:        p.Quantity,
		ReduceOnly: p.Close,
		ClientID:   o.ClientOrderID,
	})
	if err != nil {
		return common.OrderResult{}, err
	}
	o.ExchangeOrderID = res.ExchangeOrderID

	switch {
	case res.Status == common.StatusFilled || res.FilledQty > 0:
		return res, nil
	case res.Status == common.StatusRejected || res.Status == common.StatusCanceled || res.Status == common.StatusExpired:
		return common.OrderResult{}, common.Permanent(adapter.Venue(), "place order", fmt.Errorf("order %s ended %s", res.ExchangeOrderID, res.Status))
	default:
		return common.OrderResult{}, common.Transient(adapter.Venue(), "place order", fmt.Errorf("order %s not confirmed: %s", res.ExchangeOrderID, res.Status))
	}
}

func (e *Executor) lookup(ctx context.Context, q common.OrderQuerier, symbol, clientID string, logger logrus.FieldLogger) (common.OrderResult, bool) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	res, err := q.QueryOrder(cctx, symbol, clientID)
	if err != nil {
		if !errors.Is(err, common.ErrOrderNotFound) {
			logger.WithError(err).Debug("Order status query failed")
		}
		return common.OrderResult{}, false
	}
	if res.Status == common.StatusFilled || res.FilledQty > 0 {
		return res, true
	}
	return common.OrderResult{}, false
}

// complete records the fill together with its position change, then places
// or cancels protection orders.
func (e *Executor) complete(ctx context.Context, in Intent, o *db.Order, p risk.OrderParams, fill common.OrderResult, logger logrus.FieldLogger) (*db.Position, error) {
	now := e.now().UTC()
	price := fill.AvgPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	qty := fill.FilledQty
	if qty <= 0 {
		qty = p.Quantity
	}
	o.AvgPrice, o.FilledQty = price, qty
	if fill.ExchangeOrderID != "" {
		o.ExchangeOrderID = fill.ExchangeOrderID
	}

	var (
		change        db.PositionChange
		pos           *db.Position
		closed        db.Position
		alreadyClosed bool
	)
	if p.Close {
		if p.PositionID != "" {
			var err error
			closed, err = e.store.GetOpenPosition(ctx, in.AccountID, p.Symbol)
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				logger.WithError(err).Warn("Load position before close failed")
			}
			change = db.PositionChange{CloseID: p.PositionID, CloseReason: risk.ExitSignal, ExitPrice: price, At: now}
		}
	} else {
		pos = &db.Position{
			ID:         uuid.NewString(),
			AccountID:  in.AccountID,
			Symbol:     p.Symbol,
			Side:       string(p.PositionSide),
			EntryPrice: price,
			Quantity:   qty,
			Leverage:   p.Leverage,
			StopLoss:   p.StopLoss,
			TakeProfit: p.TakeProfit,
			Status:     db.PositionOpen,
			OpenedAt:   now,
		}
		change = db.PositionChange{Open: pos, At: now}
	}

	o.UpdatedAt = now
	err := e.store.CompleteOrder(ctx, *o, change)
	if err != nil && change.CloseID != "" && errors.Is(err, db.ErrNotFound) {
		// Something else closed the position first; the fill still stands.
		logger.WithField("position_id", change.CloseID).Warn("Position already closed, recording fill only")
		err = e.store.CompleteOrder(ctx, *o, db.PositionChange{At: now})
		alreadyClosed = true
	}
	if err != nil {
		// The fill happened; record it on the order even though the
		// position could not be written.
		o.LastError = fmt.Sprintf("position update: %v", err)
		e.save(ctx, o, logger)
		logger.WithError(err).Error("Filled order could not update position")
		e.notify(ctx, events.NotifyFilled, o, "filled, position update failed: "+err.Error())
		return nil, fmt.Errorf("complete order: %w", err)
	}
	e.publish(events.EventOrderUpdate, *o)
	if e.invalidator != nil {
		e.invalidator.Invalidate(in.AccountID)
	}

	if p.Close {
		if alreadyClosed {
			e.notify(ctx, events.NotifyFilled, o, fmt.Sprintf("reduce-only %s %.8g @ %.8g, position already closed", o.Side, qty, price))
			return nil, nil
		}
		if closed.ID != "" {
			e.cancelProtection(ctx, in.Adapter, closed, logger)
			closed.Status, closed.ExitPrice, closed.CloseReason, closed.ClosedAt = db.PositionClosed, price, risk.ExitSignal, &now
			pnl := CalculatePnL(string(closed.Side), closed.Quantity, closed.EntryPrice, price, 0)
			EmitPositionUpdate(e.bus, events.EventPositionClosed, closed)
			e.notify(ctx, events.NotifyFilled, o, fmt.Sprintf("closed %s %s @ %.8g pnl %.4f", closed.Side, closed.Symbol, price, pnl))
			return &closed, nil
		}
		e.notify(ctx, events.NotifyFilled, o, fmt.Sprintf("reduce-only %s %.8g @ %.8g", o.Side, qty, price))
		return nil, nil
	}

	e.placeProtection(ctx, in, pos, p, o, logger)
	EmitPositionUpdate(e.bus, events.EventPositionOpened, *pos)
	e.notify(ctx, events.NotifyFilled, o, fmt.Sprintf("opened %s %s %.8g @ %.8g", pos.Side, pos.Symbol, qty, price))
	return pos, nil
}

func (e *Executor) placeProtection(ctx context.Context, in Intent, pos *db.Position, p risk.OrderParams, o *db.Order, logger logrus.FieldLogger) {
	p.Quantity = pos.Quantity
	var slID, tpID string
	for _, stop := range risk.ProtectionOrders(p) {
		leg := byte(LegStopLoss)
		if stop.Type == common.OrderTypeTakeProfitMarket {
			leg = LegTakeProfit
		}
		stop.ClientID = ClientOrderID(in.IdempotencyKey, leg)

		res, err := e.withRetry(ctx, func(cctx context.Context) (common.OrderResult, error) {
			return in.Adapter.PlaceStopOrder(cctx, stop)
		})
		if err != nil {
			logger.WithError(err).WithField("type", stop.Type).Error("Protection order failed")
			e.notify(ctx, events.NotifyFailed, o, fmt.Sprintf("%s at %.8g not placed: %v", stop.Type, stop.TriggerPrice, err))
			continue
		}
		if leg == LegStopLoss {
			slID = res.ExchangeOrderID
		} else {
			tpID = res.ExchangeOrderID
		}
	}
	if slID == "" && tpID == "" {
		return
	}
	pos.StopOrderID, pos.TakeProfitOrderID = slID, tpID
	if err := e.store.SetProtection(ctx, pos.ID, slID, tpID); err != nil {
		logger.WithError(err).Error("Store protection order ids failed")
	}
}

func (e *Executor) cancelProtection(ctx context.Context, adapter common.Adapter, pos db.Position, logger logrus.FieldLogger) {
	for _, id := range []string{pos.StopOrderID, pos.TakeProfitOrderID} {
		if id == "" {
			continue
		}
		_, err := e.withRetry(ctx, func(cctx context.Context) (common.OrderResult, error) {
			return common.OrderResult{}, adapter.CancelOrder(cctx, pos.Symbol, id)
		})
		if err != nil && !errors.Is(err, common.ErrOrderNotFound) {
			logger.WithError(err).WithField("order_id", id).Warn("Cancel protection order failed")
		}
	}
}

// withRetry applies the transient retry policy to a single adapter call.
func (e *Executor) withRetry(ctx context.Context, call func(context.Context) (common.OrderResult, error)) (common.OrderResult, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		res, err := call(cctx)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !common.IsTransient(err) || attempt == e.cfg.MaxAttempts {
			break
		}
		if serr := e.sleep(ctx, e.backoff(attempt)); serr != nil {
			return common.OrderResult{}, serr
		}
	}
	return common.OrderResult{}, lastErr
}

// backoff is exponential with full jitter: uniform in [0, min(max, base*2^(n-1))].
func (e *Executor) backoff(attempt int) time.Duration {
	ceiling := e.cfg.BackoffMax
	if shift := attempt - 1; shift < 32 {
		if d := e.cfg.BackoffBase << shift; d > 0 && d < ceiling {
			ceiling = d
		}
	}
	return time.Duration(e.jitter(int64(ceiling) + 1))
}

func (e *Executor) finish(ctx context.Context, o *db.Order, status string, cause error, logger logrus.FieldLogger) error {
	if err := transition(o, status); err != nil {
		return err
	}
	if cause != nil {
		o.LastError = cause.Error()
	} else {
		o.LastError = ""
	}
	if status != db.OrderFilled {
		// Filled orders are persisted together with the position.
		e.save(ctx, o, logger)
		e.publish(events.EventOrderUpdate, *o)
	}
	return nil
}

// save persists o. Terminal writes use a detached context so a cancelled
// caller cannot leave the row mid-flight.
func (e *Executor) save(ctx context.Context, o *db.Order, logger logrus.FieldLogger) {
	o.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateOrder(context.WithoutCancel(ctx), *o); err != nil {
		logger.WithError(err).WithField("status", o.Status).Error("Persist order state failed")
	}
}

func (e *Executor) notify(ctx context.Context, typ events.NotificationType, o *db.Order, detail string) {
	if e.notifier == nil {
		return
	}
	n := events.Notification{
		Type:      typ,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		OrderID:   o.ID,
		Detail:    detail,
		At:        e.now().UTC(),
	}
	if err := e.notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		e.log.WithError(err).Warn("Notification delivery failed")
	}
}

func (e *Executor) publish(topic events.Event, payload any) {
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
