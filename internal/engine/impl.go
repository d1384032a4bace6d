package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"signal-core/internal/ensemble"
	"signal-core/internal/events"
	"signal-core/internal/indicators"
	"signal-core/internal/monitor"
	"signal-core/internal/order"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
	"signal-core/internal/strategy"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
	market "signal-core/pkg/market/binance"
)

// process runs on a worker. Whatever happens, the outcome is written back
// into the dedupe window and the audit log before the ticket completes.
func (s *Service) process(ctx context.Context, adm signal.Admission, received time.Time) (order.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.JobTimeout)
	defer cancel()

	sig := adm.Signal
	logger := s.log.WithFields(logrus.Fields{
		"signal_hash": sig.Hash,
		"account_id":  sig.AccountID,
		"symbol":      sig.Symbol,
		"action":      sig.Action,
	})

	var decision *ensemble.Decision
	res, err := s.run(ctx, sig, &decision, logger)
	if decision == nil && res.Existing {
		if rec, derr := s.Store.GetDecision(ctx, sig.Hash); derr == nil {
			decision = &ensemble.Decision{Admit: rec.Admit, CombinedProbability: rec.CombinedProbability, Reason: rec.Reason}
		}
	}

	outcome := classify(res, err, decision)
	outcome.IdempotencyKey = sig.IdempotencyKey()
	adm.Resolve(outcome)
	s.audit(sig.WebhookID, outcome.State, outcome.Reason, sig.Hash)
	s.record(ctx, sig, res, err, outcome, logger)
	s.Metrics.PipelineLatency.RecordDuration(s.now().Sub(received))
	s.Metrics.SetQueue(s.Workers.Pending(), s.busDropped())
	return res, err
}

func (s *Service) run(ctx context.Context, sig signal.Signal, decision **ensemble.Decision, logger logrus.FieldLogger) (order.Result, error) {
	acct, err := s.Store.GetAccount(ctx, sig.AccountID)
	if err != nil {
		return order.Result{}, fmt.Errorf("load account: %w", err)
	}
	cfg, err := strategy.Lookup(ctx, s.Store, acct.StrategyID)
	if err != nil {
		return order.Result{}, err
	}
	adapter, err := s.Adapters.Get(ctx, sig.AccountID)
	if err != nil {
		return order.Result{}, fmt.Errorf("resolve adapter: %w", err)
	}

	// Exits bypass the ensemble and need neither scores nor volatility.
	var (
		scores []ensemble.Score
		mkt    risk.MarketState
	)
	if !sig.Action.IsExit() {
		timer := monitor.NewTimer(s.Metrics.SourceLatency)
		scores, err = s.Sources.Collect(ctx, sig)
		timer.Stop()
		if err != nil {
			return order.Result{}, fmt.Errorf("collect sources: %w", err)
		}
		if mkt, err = s.marketState(ctx, adapter.Venue(), sig.Symbol); err != nil {
			return order.Result{}, err
		}
	}

	intent := order.Intent{
		AccountID:      sig.AccountID,
		Symbol:         sig.Symbol,
		SignalHash:     sig.Hash,
		IdempotencyKey: sig.IdempotencyKey(),
		Adapter:        adapter,
		Prepare: func(ctx context.Context) (risk.OrderParams, error) {
			d := ensemble.Decide(sig, scores, cfg)
			*decision = &d
			s.saveDecision(ctx, sig, d, logger)
			if !d.Admit {
				return risk.OrderParams{}, &risk.SizingError{Reason: risk.NotAdmitted, Detail: d.Reason}
			}
			state, err := s.accountState(ctx, sig, adapter)
			if err != nil {
				return risk.OrderParams{}, err
			}
			return s.Sizer.Size(d, state, cfg, mkt, risk.Request{Action: sig.Action, Leverage: sig.Leverage})
		},
	}

	timer := monitor.NewTimer(s.Metrics.OrderLatency)
	defer timer.Stop()
	return s.Executor.Execute(ctx, intent)
}

// marketState fetches mark price, recent klines and symbol filters
// concurrently. Indicator failures are sizing failures; fetch failures are
// not.
func (s *Service) marketState(ctx context.Context, venue, symbol string) (risk.MarketState, error) {
	var quotes VenueMarket = s.Market
	if vm, ok := s.VenueMarkets[venue]; ok {
		quotes = vm
	}
	var (
		mark    float64
		klines  []market.Kline
		filters market.SymbolFilters
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		mark, err = quotes.MarkPrice(gctx, symbol)
		return err
	})
	g.Go(func() (err error) {
		// One extra candle covers the one still forming.
		klines, err = s.Market.Klines(gctx, symbol, s.opts.KlineInterval, s.opts.ATRPeriod+2)
		return err
	})
	g.Go(func() (err error) {
		filters, err = quotes.SymbolFilters(gctx, symbol)
		return err
	})
	if err := g.Wait(); err != nil {
		return risk.MarketState{}, fmt.Errorf("market state %s: %w", symbol, err)
	}

	atr, err := indicators.ATR(indicators.Closed(klines, s.now()), s.opts.ATRPeriod)
	if err != nil {
		return risk.MarketState{}, &risk.SizingError{Reason: risk.InvalidMarketData, Detail: err.Error()}
	}
	return risk.MarketState{Symbol: symbol, MarkPrice: mark, ATR: atr, Filters: filters}, nil
}

// accountState reads positions from the store under the pair lock. An exit
// with nothing tracked locally falls back to what the exchange reports.
func (s *Service) accountState(ctx context.Context, sig signal.Signal, adapter common.Adapter) (risk.AccountState, error) {
	state := risk.AccountState{ID: sig.AccountID}

	pos, err := s.Store.GetOpenPosition(ctx, sig.AccountID, sig.Symbol)
	switch {
	case err == nil:
		state.Position = &pos
	case !errors.Is(err, db.ErrNotFound):
		return state, fmt.Errorf("load open position: %w", err)
	}

	if sig.Action.IsExit() {
		if state.Position == nil {
			state.Position, err = exchangePosition(ctx, adapter, sig)
		}
		return state, err
	}

	if state.OpenPositions, err = s.Store.CountOpenPositions(ctx, sig.AccountID); err != nil {
		return state, fmt.Errorf("count open positions: %w", err)
	}
	if state.Equity, err = s.Balances.Equity(ctx, sig.AccountID, adapter); err != nil {
		return state, fmt.Errorf("load equity: %w", err)
	}
	return state, nil
}

func exchangePosition(ctx context.Context, adapter common.Adapter, sig signal.Signal) (*db.Position, error) {
	remote, err := adapter.GetPositions(ctx, sig.Symbol)
	if err != nil {
		return nil, fmt.Errorf("load exchange positions: %w", err)
	}
	want, sided := sig.Action.PositionSide()
	for _, p := range remote {
		if p.Symbol != sig.Symbol || p.Qty <= 0 || (sided && p.Side != want) {
			continue
		}
		return &db.Position{
			AccountID:  sig.AccountID,
			Symbol:     p.Symbol,
			Side:       string(p.Side),
			EntryPrice: p.EntryPrice,
			Quantity:   p.Qty,
			Leverage:   p.Leverage,
			Status:     db.PositionOpen,
		}, nil
	}
	return nil, nil
}

func (s *Service) saveDecision(ctx context.Context, sig signal.Signal, d ensemble.Decision, logger logrus.FieldLogger) {
	if err := s.Store.SaveDecision(ctx, d.Record(sig, s.now().UTC())); err != nil {
		logger.WithError(err).Warn("Persist decision failed")
	}
	s.publish(events.EventDecision, d)
	if d.Admit {
		s.Metrics.Inc(monitor.DecisionsAdmitted)
	} else {
		s.Metrics.Inc(monitor.DecisionsSkipped)
	}
}

// record logs the outcome and emits the notifications the executor does not
// cover: business-rule rejections and failures before any order existed.
func (s *Service) record(ctx context.Context, sig signal.Signal, res order.Result, err error, out signal.Outcome, logger logrus.FieldLogger) {
	logger = logger.WithFields(logrus.Fields{"state": out.State, "order_id": out.OrderID})
	var typ events.NotificationType
	switch out.State {
	case signal.StateSkipped:
		if reason, _ := risk.ReasonOf(err); reason == risk.NotAdmitted {
			logger.WithField("reason", out.Reason).Info("Signal skipped by ensemble")
			return
		}
		logger.WithField("reason", out.Reason).Info("Signal skipped by risk rules")
		typ = events.NotifyRejected
	case signal.StateError:
		s.Metrics.Inc(monitor.PipelineErrors)
		logger.WithError(err).Error("Signal processing failed")
		if res.Order.ID != "" {
			return
		}
		typ = events.NotifyFailed
	default:
		logger.WithField("existing", res.Existing).Info("Signal processed")
		return
	}

	if s.Notifier == nil {
		return
	}
	n := events.Notification{
		Type:      typ,
		AccountID: sig.AccountID,
		Symbol:    sig.Symbol,
		Detail:    fmt.Sprintf("%s %s: %s", sig.Action, sig.Symbol, out.Reason),
		At:        s.now().UTC(),
	}
	if nerr := s.Notifier.Notify(context.WithoutCancel(ctx), n); nerr != nil {
		logger.WithError(nerr).Warn("Notification delivery failed")
	}
}

func classify(res order.Result, err error, d *ensemble.Decision) signal.Outcome {
	out := signal.Outcome{OrderID: res.Order.ID}
	if d != nil {
		out.Admit = d.Admit
		out.Probability = d.CombinedProbability
	}

	var se *risk.SizingError
	switch {
	case err == nil:
		out.State = stateOf(res.Order.Status)
		if res.Existing {
			out.Reason = "existing order"
		}
		return out
	case errors.As(err, &se):
		out.State = signal.StateSkipped
	case errors.Is(err, order.ErrOrderRejected):
		out.State = signal.StateRejected
	case errors.Is(err, order.ErrOrderFailed):
		out.State = signal.StateFailed
	default:
		out.State = signal.StateError
	}
	out.Reason = err.Error()
	return out
}

func stateOf(status string) string {
	switch status {
	case db.OrderFilled:
		return signal.StateFilled
	case db.OrderRejected:
		return signal.StateRejected
	case db.OrderFailed:
		return signal.StateFailed
	}
	return signal.StatePending
}
