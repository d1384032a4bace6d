// Package gateway pools exchange adapters per account with LRU eviction,
// idle cleanup, health checks and a circuit breaker per venue connection.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/logging"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountInactive = errors.New("account is inactive")
	ErrPoolFull        = errors.New("gateway pool is full")
)

// AccountSource loads accounts.
type AccountSource interface {
	GetAccount(ctx context.Context, id string) (db.Account, error)
}

// Builder creates an adapter for an account.
type Builder interface {
	New(acct db.Account) (common.Adapter, error)
}

// cachedAdapter holds an adapter with metadata for lifecycle management.
type cachedAdapter struct {
	adapter      common.Adapter // guarded
	inner        common.Adapter
	breaker      *Breaker
	accountID    string
	exchangeKind string
	createdAt    time.Time
	lastUsed     time.Time
}

// Config holds configuration for the Manager.
type Config struct {
	MaxSize          int           // maximum cached adapters (LRU eviction)
	IdleTimeout      time.Duration // time before an idle adapter is removed
	HealthInterval   time.Duration // interval between health checks
	FailureThreshold int           // consecutive transient failures that open the circuit
	CircuitTimeout   time.Duration // time before a half-open trial call
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 5,
		CircuitTimeout:   30 * time.Second,
	}
}

// Manager manages a pool of adapters keyed by account id.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]*cachedAdapter
	lruOrder []string // oldest first

	config   Config
	accounts AccountSource
	builder  Builder
	log      logrus.FieldLogger
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(accounts AccountSource, builder Builder, cfg Config, log logrus.FieldLogger) *Manager {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	return &Manager{
		adapters: make(map[string]*cachedAdapter),
		config:   cfg,
		accounts: accounts,
		builder:  builder,
		log:      logging.OrStandard(log),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins background cleanup and health check goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.every(ctx, m.config.IdleTimeout/2, m.cleanupIdle)
	go m.every(ctx, m.config.HealthInterval, func() { m.healthCheckAll(ctx) })
}

func (m *Manager) every(ctx context.Context, interval time.Duration, fn func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop shuts the background loops down and drops every adapter.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cached := range m.adapters {
		closeAdapter(cached.inner)
		delete(m.adapters, id)
	}
	m.lruOrder = nil
}

// Get returns the pooled adapter for accountID, creating it on first use.
func (m *Manager) Get(ctx context.Context, accountID string) (common.Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.adapters[accountID]; ok {
		m.touchLRULocked(accountID)
		return cached.adapter, nil
	}

	acct, err := m.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	if !acct.Active || acct.DeletedAt != nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountInactive, accountID)
	}

	if len(m.adapters) >= m.config.MaxSize && !m.evictOldestLocked() {
		return nil, ErrPoolFull
	}

	inner, err := m.builder.New(acct)
	if err != nil {
		return nil, fmt.Errorf("create adapter: %w", err)
	}
	breaker := NewBreaker(m.config.FailureThreshold, m.config.CircuitTimeout)
	breaker.now = m.now

	now := m.now()
	cached := &cachedAdapter{
		adapter:      Guard(inner, breaker),
		inner:        inner,
		breaker:      breaker,
		accountID:    accountID,
		exchangeKind: acct.ExchangeKind,
		createdAt:    now,
		lastUsed:     now,
	}
	m.adapters[accountID] = cached
	m.lruOrder = append(m.lruOrder, accountID)

	m.log.WithFields(logrus.Fields{
		"account_id": accountID,
		"exchange":   acct.ExchangeKind,
		"pool_size":  len(m.adapters),
	}).Info("Adapter created")
	return cached.adapter, nil
}

// Invalidate drops the pooled adapter so the next Get rebuilds it from the
// stored account.
func (m *Manager) Invalidate(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.adapters[accountID]; ok {
		closeAdapter(cached.inner)
		delete(m.adapters, accountID)
		m.removeLRULocked(accountID)
	}
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		TotalAdapters:  len(m.adapters),
		MaxSize:        m.config.MaxSize,
		ByExchangeKind: make(map[string]int),
	}
	for _, cached := range m.adapters {
		stats.ByExchangeKind[cached.exchangeKind]++
		if cached.breaker.State() != StateClosed {
			stats.OpenCircuits++
		}
	}
	return stats
}

// PoolStats contains adapter pool statistics.
type PoolStats struct {
	TotalAdapters  int            `json:"total_adapters"`
	MaxSize        int            `json:"max_size"`
	ByExchangeKind map[string]int `json:"by_exchange_kind"`
	OpenCircuits   int            `json:"open_circuits"`
}

func (m *Manager) touchLRULocked(accountID string) {
	if cached, ok := m.adapters[accountID]; ok {
		cached.lastUsed = m.now()
	}
	for i, id := range m.lruOrder {
		if id == accountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, accountID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(accountID string) {
	for i, id := range m.lruOrder {
		if id == accountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldest := m.lruOrder[0]
	if cached, ok := m.adapters[oldest]; ok {
		closeAdapter(cached.inner)
		delete(m.adapters, oldest)
	}
	m.lruOrder = m.lruOrder[1:]
	m.log.WithField("account_id", oldest).Debug("Adapter evicted")
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, cached := range m.adapters {
		if now.Sub(cached.lastUsed) > m.config.IdleTimeout {
			closeAdapter(cached.inner)
			delete(m.adapters, id)
			m.removeLRULocked(id)
		}
	}
}

func (m *Manager) healthCheckAll(ctx context.Context) {
	m.mu.RLock()
	targets := make([]*cachedAdapter, 0, len(m.adapters))
	for _, cached := range m.adapters {
		targets = append(targets, cached)
	}
	m.mu.RUnlock()

	for _, cached := range targets {
		pinger, ok := cached.inner.(common.Pinger)
		if !ok {
			continue
		}
		if cached.breaker.State() == StateOpen {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := pinger.Ping(pctx)
		cancel()
		cached.breaker.Record(err)
		if err != nil {
			m.log.WithError(err).WithField("account_id", cached.accountID).Warn("Adapter health check failed")
		}
	}
}

func closeAdapter(a common.Adapter) {
	if closer, ok := a.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
