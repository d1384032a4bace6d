// Package reconciliation keeps locally tracked positions in line with what
// the venues report.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"signal-core/internal/events"
	"signal-core/internal/order"
	"signal-core/internal/risk"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/logging"
)

const qtyEpsilon = 1e-9

// Store is the persistence subset reconciliation needs.
type Store interface {
	ListAccounts(ctx context.Context, activeOnly bool) ([]db.Account, error)
	ListOpenPositions(ctx context.Context, accountID string) ([]db.Position, error)
	GetOpenPosition(ctx context.Context, accountID, symbol string) (db.Position, error)
	ClosePosition(ctx context.Context, id, reason string, exitPrice float64, at time.Time) error
}

// AdapterSource resolves the adapter for an account.
type AdapterSource interface {
	Get(ctx context.Context, accountID string) (common.Adapter, error)
}

// PriceSource supplies mark prices.
type PriceSource interface {
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}

// PairLocker serializes position writes per (account, symbol) with order
// execution.
type PairLocker interface {
	LockPair(ctx context.Context, accountID, symbol string) (func(), error)
}

// MarkFeeder pushes marks into simulated venues so resting exits trigger.
type MarkFeeder interface {
	OnMark(accountID, symbol string, mark float64) int
}

// Report contains reconciliation results.
type Report struct {
	Timestamp time.Time      `json:"timestamp"`
	Accounts  int            `json:"accounts"`
	Diffs     []PositionDiff `json:"diffs"`
	Closed    int            `json:"closed"`
}

// HasDiffs reports whether anything disagreed.
func (r *Report) HasDiffs() bool { return len(r.Diffs) > 0 }

// PositionDiff is one local/exchange disagreement.
type PositionDiff struct {
	AccountID   string  `json:"account_id"`
	Symbol      string  `json:"symbol"`
	PositionID  string  `json:"position_id,omitempty"`
	LocalQty    float64 `json:"local_qty"`
	ExchangeQty float64 `json:"exchange_qty"`
	Reason      string  `json:"reason,omitempty"`
	Synced      bool    `json:"synced"`
}

// Service handles periodic reconciliation.
type Service struct {
	store    Store
	adapters AdapterSource
	prices   PriceSource
	feeder   MarkFeeder
	locker   PairLocker
	notifier events.Notifier
	bus      *events.Bus
	onClose  func(accountID string)
	interval time.Duration
	log      logrus.FieldLogger
	now      func() time.Time

	mu       sync.Mutex
	autoSync bool
	last     *Report
}

// NewService creates a reconciliation service. prices may be nil, in which
// case closed positions are attributed to the exchange.
func NewService(store Store, adapters AdapterSource, prices PriceSource, interval time.Duration, log logrus.FieldLogger) *Service {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Service{
		store:    store,
		adapters: adapters,
		prices:   prices,
		interval: interval,
		autoSync: true,
		log:      logging.OrStandard(log),
		now:      time.Now,
	}
}

// SetNotifier registers where local closes are reported.
func (s *Service) SetNotifier(n events.Notifier, bus *events.Bus) {
	s.notifier, s.bus = n, bus
}

// SetMarkFeeder registers the simulated-venue mark hook.
func (s *Service) SetMarkFeeder(f MarkFeeder) { s.feeder = f }

// SetLocker registers the lock order execution holds while it changes a
// pair's position. Without it closes are not serialized with execution.
func (s *Service) SetLocker(l PairLocker) { s.locker = l }

// OnClose registers a callback run after a position is closed locally.
func (s *Service) OnClose(fn func(accountID string)) { s.onClose = fn }

// SetAutoSync enables or disables closing stale local positions.
func (s *Service) SetAutoSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSync = enabled
	s.log.WithField("auto_sync", enabled).Info("Reconciliation auto-sync updated")
}

// LastReport returns the most recent report, if any.
func (s *Service) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start begins periodic reconciliation until ctx is done.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(ctx)
				if err != nil {
					s.log.WithError(err).Error("Reconciliation failed")
				}
				if report != nil && report.HasDiffs() {
					s.log.WithFields(logrus.Fields{
						"diffs":  len(report.Diffs),
						"closed": report.Closed,
					}).Warn("Reconciliation found differences")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.WithField("interval", s.interval).Info("Reconciliation service started")
}

// Reconcile compares every active account once. Per-account failures are
// joined; the remaining accounts are still processed.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: s.now().UTC()}
	accounts, err := s.store.ListAccounts(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	var errs []error
	for _, acct := range accounts {
		report.Accounts++
		if err := s.reconcileAccount(ctx, acct.ID, report); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", acct.ID, err))
		}
	}
	s.last = report
	return report, errors.Join(errs...)
}

func (s *Service) reconcileAccount(ctx context.Context, accountID string, report *Report) error {
	local, err := s.store.ListOpenPositions(ctx, accountID)
	if err != nil {
		return err
	}
	adapter, err := s.adapters.Get(ctx, accountID)
	if err != nil {
		return err
	}

	marks := make(map[string]float64, len(local))
	for _, p := range local {
		if _, ok := marks[p.Symbol]; ok || s.prices == nil {
			continue
		}
		mark, err := s.prices.MarkPrice(ctx, p.Symbol)
		if err != nil {
			s.log.WithError(err).WithField("symbol", p.Symbol).Debug("Mark price unavailable")
			continue
		}
		marks[p.Symbol] = mark
		if s.feeder != nil {
			s.feeder.OnMark(accountID, p.Symbol, mark)
		}
	}

	remote, err := adapter.GetPositions(ctx, "")
	if err != nil {
		return err
	}
	onExchange := make(map[string]common.Position, len(remote))
	for _, p := range remote {
		if p.Qty > qtyEpsilon {
			onExchange[p.Symbol] = p
		}
	}

	tracked := make(map[string]bool, len(local))
	for _, pos := range local {
		tracked[pos.Symbol] = true
		ex, ok := onExchange[pos.Symbol]
		if ok && string(ex.Side) == pos.Side {
			if math.Abs(ex.Qty-pos.Quantity) > qtyEpsilon {
				report.Diffs = append(report.Diffs, PositionDiff{
					AccountID: accountID, Symbol: pos.Symbol, PositionID: pos.ID,
					LocalQty: pos.Quantity, ExchangeQty: ex.Qty, Reason: "quantity mismatch",
				})
			}
			continue
		}

		// Flat (or flipped) on the venue: an exit order fired.
		mark := marks[pos.Symbol]
		diff := PositionDiff{
			AccountID: accountID, Symbol: pos.Symbol, PositionID: pos.ID,
			LocalQty: pos.Quantity, Reason: risk.ExitReason(pos, mark),
		}
		if ok {
			diff.ExchangeQty = ex.Qty
		}
		if s.autoSync {
			closed, err := s.settle(ctx, adapter, pos, diff.Reason, mark)
			if err != nil {
				return err
			}
			if !closed {
				// Execution moved the pair on since the snapshot.
				continue
			}
			diff.Synced = true
			report.Closed++
		}
		report.Diffs = append(report.Diffs, diff)
	}

	for sym, ex := range onExchange {
		if tracked[sym] {
			continue
		}
		// Exposure opened outside the pipeline is reported, never adopted.
		report.Diffs = append(report.Diffs, PositionDiff{
			AccountID: accountID, Symbol: sym, ExchangeQty: ex.Qty, Reason: "untracked exchange position",
		})
	}
	return nil
}

// settle closes pos locally under the pair lock, after checking that it is
// still the tracked position and that the venue still reports the pair flat.
func (s *Service) settle(ctx context.Context, adapter common.Adapter, pos db.Position, reason string, mark float64) (bool, error) {
	if s.locker != nil {
		unlock, err := s.locker.LockPair(ctx, pos.AccountID, pos.Symbol)
		if err != nil {
			return false, fmt.Errorf("lock %s: %w", pos.Symbol, err)
		}
		defer unlock()
	}

	current, err := s.store.GetOpenPosition(ctx, pos.AccountID, pos.Symbol)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("reload position %s: %w", pos.ID, err)
	case current.ID != pos.ID:
		return false, nil
	}

	remote, err := adapter.GetPositions(ctx, pos.Symbol)
	if err != nil {
		return false, err
	}
	for _, p := range remote {
		if p.Symbol == pos.Symbol && p.Qty > qtyEpsilon && string(p.Side) == pos.Side {
			return false, nil
		}
	}

	return true, s.closeLocal(ctx, adapter, current, reason, mark)
}

func (s *Service) closeLocal(ctx context.Context, adapter common.Adapter, pos db.Position, reason string, mark float64) error {
	now := s.now().UTC()
	if err := s.store.ClosePosition(ctx, pos.ID, reason, mark, now); err != nil {
		return fmt.Errorf("close position %s: %w", pos.ID, err)
	}

	// One leg fired; the other is still resting.
	for _, id := range []string{pos.StopOrderID, pos.TakeProfitOrderID} {
		if id == "" {
			continue
		}
		if err := adapter.CancelOrder(ctx, pos.Symbol, id); err != nil && !errors.Is(err, common.ErrOrderNotFound) {
			s.log.WithError(err).WithField("order_id", id).Warn("Cancel leftover protection order failed")
		}
	}

	pos.Status, pos.CloseReason, pos.ExitPrice, pos.ClosedAt = db.PositionClosed, reason, mark, &now
	order.EmitPositionUpdate(s.bus, events.EventPositionClosed, pos)

	detail := fmt.Sprintf("%s %s closed: %s", pos.Side, pos.Symbol, reason)
	if mark > 0 {
		detail += fmt.Sprintf(" near %.8g, pnl %.4f", mark, order.CalculatePnL(pos.Side, pos.Quantity, pos.EntryPrice, mark, 0))
	}
	s.log.WithFields(logrus.Fields{
		"account_id":  pos.AccountID,
		"symbol":      pos.Symbol,
		"position_id": pos.ID,
		"reason":      reason,
	}).Info("Position closed on exchange")

	if s.notifier != nil {
		n := events.Notification{Type: events.NotifyFilled, AccountID: pos.AccountID, Symbol: pos.Symbol, Detail: detail, At: now}
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.log.WithError(err).Warn("Notification delivery failed")
		}
	}
	if s.onClose != nil {
		s.onClose(pos.AccountID)
	}
	return nil
}
