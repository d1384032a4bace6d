package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store kept in process memory. It enforces the same
// uniqueness rules as the SQLite schema.
type MemoryStore struct {
	mu         sync.RWMutex
	accounts   map[string]Account
	webhooks   map[string]Webhook
	strategies map[string]StrategyRecord
	decisions  map[string]Decision
	orders     map[string]Order  // by id
	orderKeys  map[string]string // idempotency key -> id
	positions  map[string]Position
	audit      []AuditEntry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]Account),
		webhooks:   make(map[string]Webhook),
		strategies: make(map[string]StrategyRecord),
		decisions:  make(map[string]Decision),
		orders:     make(map[string]Order),
		orderKeys:  make(map[string]string),
		positions:  make(map[string]Position),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateAccount(_ context.Context, a Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; ok {
		return ErrDuplicate
	}
	m.accounts[a.ID] = a
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("account: %w", ErrNotFound)
	}
	return a, nil
}

func (m *MemoryStore) ListAccounts(_ context.Context, activeOnly bool) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Account
	for _, a := range m.accounts {
		if activeOnly && (!a.Active || a.DeletedAt != nil) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SoftDeleteAccount(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok || a.DeletedAt != nil {
		return ErrNotFound
	}
	a.Active = false
	a.DeletedAt = &at
	m.accounts[id] = a
	return nil
}

func (m *MemoryStore) CreateWebhook(_ context.Context, w Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[w.ID]; ok {
		return ErrDuplicate
	}
	m.webhooks[w.ID] = w
	return nil
}

func (m *MemoryStore) GetWebhook(_ context.Context, id string) (Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.webhooks[id]
	if !ok {
		return Webhook{}, fmt.Errorf("webhook: %w", ErrNotFound)
	}
	return w, nil
}

func (m *MemoryStore) UpsertStrategies(_ context.Context, recs []StrategyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.strategies[r.ID] = r
	}
	return nil
}

func (m *MemoryStore) GetStrategy(_ context.Context, id string) (StrategyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.strategies[id]
	if !ok {
		return StrategyRecord{}, fmt.Errorf("strategy: %w", ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) ListStrategies(_ context.Context) ([]StrategyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StrategyRecord, 0, len(m.strategies))
	for _, r := range m.strategies {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveDecision(_ context.Context, d Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[d.SignalHash]; !ok {
		m.decisions[d.SignalHash] = d
	}
	return nil
}

func (m *MemoryStore) GetDecision(_ context.Context, signalHash string) (Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.decisions[signalHash]
	if !ok {
		return Decision{}, fmt.Errorf("decision: %w", ErrNotFound)
	}
	return d, nil
}

func (m *MemoryStore) CreateOrder(_ context.Context, o Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orderKeys[o.IdempotencyKey]; ok {
		return ErrDuplicate
	}
	if _, ok := m.orders[o.ID]; ok {
		return ErrDuplicate
	}
	m.orders[o.ID] = o
	m.orderKeys[o.IdempotencyKey] = o.ID
	return nil
}

func (m *MemoryStore) GetOrderByKey(_ context.Context, key string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.orderKeys[key]
	if !ok {
		return Order{}, fmt.Errorf("order: %w", ErrNotFound)
	}
	return m.orders[id], nil
}

func (m *MemoryStore) UpdateOrder(_ context.Context, o Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateOrderLocked(o)
}

func (m *MemoryStore) updateOrderLocked(o Order) error {
	prev, ok := m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	// Identity columns are immutable, matching the SQL update.
	o.IdempotencyKey = prev.IdempotencyKey
	o.SignalHash = prev.SignalHash
	o.AccountID = prev.AccountID
	o.Symbol = prev.Symbol
	o.CreatedAt = prev.CreatedAt
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Order
	for _, o := range m.orders {
		if f.AccountID != "" && o.AccountID != f.AccountID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CompleteOrder(_ context.Context, o Order, change PositionChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; !ok {
		return ErrNotFound
	}
	// Validate the position side effect before mutating anything.
	switch {
	case change.Open != nil:
		if _, ok := m.openPositionLocked(change.Open.AccountID, change.Open.Symbol); ok {
			return ErrPositionExists
		}
	case change.CloseID != "":
		p, ok := m.positions[change.CloseID]
		if !ok || p.Status != PositionOpen {
			return ErrNotFound
		}
	}

	if err := m.updateOrderLocked(o); err != nil {
		return err
	}
	switch {
	case change.Open != nil:
		m.positions[change.Open.ID] = *change.Open
	case change.CloseID != "":
		m.closeLocked(change.CloseID, change.CloseReason, change.ExitPrice, change.At)
	}
	return nil
}

func (m *MemoryStore) openPositionLocked(accountID, symbol string) (Position, bool) {
	for _, p := range m.positions {
		if p.AccountID == accountID && p.Symbol == symbol && p.Status == PositionOpen {
			return p, true
		}
	}
	return Position{}, false
}

func (m *MemoryStore) closeLocked(id, reason string, exitPrice float64, at time.Time) {
	p := m.positions[id]
	p.Status = PositionClosed
	p.CloseReason = reason
	p.ExitPrice = exitPrice
	p.ClosedAt = &at
	m.positions[id] = p
}

func (m *MemoryStore) GetOpenPosition(_ context.Context, accountID, symbol string) (Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.openPositionLocked(accountID, symbol)
	if !ok {
		return Position{}, fmt.Errorf("position: %w", ErrNotFound)
	}
	return p, nil
}

func (m *MemoryStore) ListOpenPositions(_ context.Context, accountID string) ([]Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Position
	for _, p := range m.positions {
		if p.Status != PositionOpen || (accountID != "" && p.AccountID != accountID) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *MemoryStore) CountOpenPositions(ctx context.Context, accountID string) (int, error) {
	ps, err := m.ListOpenPositions(ctx, accountID)
	return len(ps), err
}

func (m *MemoryStore) SetProtection(_ context.Context, positionID, stopOrderID, takeProfitOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok {
		return ErrNotFound
	}
	p.StopOrderID = stopOrderID
	p.TakeProfitOrderID = takeProfitOrderID
	m.positions[positionID] = p
	return nil
}

func (m *MemoryStore) ClosePosition(_ context.Context, id, reason string, exitPrice float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok || p.Status != PositionOpen {
		return ErrNotFound
	}
	m.closeLocked(id, reason, exitPrice, at)
	return nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, entries []AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entries...)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]AuditEntry, 0, limit)
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}
