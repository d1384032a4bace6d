// Package balance caches account equity fetched from exchange adapters.
package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"signal-core/pkg/cache"
	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/logging"
)

// Balance is a cached equity snapshot.
type Balance struct {
	Asset     string    `json:"asset"`
	Total     float64   `json:"total"`
	Available float64   `json:"available"`
	SyncedAt  time.Time `json:"synced_at"`
}

// Fetcher is the adapter subset the manager needs.
type Fetcher interface {
	GetBalance(ctx context.Context) (common.Balance, error)
}

// Manager caches balances per account for a TTL. Concurrent misses for the
// same account share one exchange call.
type Manager struct {
	cache *cache.ShardedCache[Balance]
	group singleflight.Group
	now   func() time.Time
	log   logrus.FieldLogger
}

// NewManager creates a manager with the given TTL.
func NewManager(ttl time.Duration, log logrus.FieldLogger) *Manager {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Manager{
		cache: cache.New[Balance](ttl),
		now:   time.Now,
		log:   logging.OrStandard(log),
	}
}

// WithClock overrides the clock for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	m.cache.WithClock(now)
	return m
}

// Equity returns the account equity, fetching it from ex when the cached
// value is missing or stale.
func (m *Manager) Equity(ctx context.Context, accountID string, ex Fetcher) (float64, error) {
	b, err := m.Get(ctx, accountID, ex)
	if err != nil {
		return 0, err
	}
	return b.Total, nil
}

// Get returns the cached balance or syncs it.
func (m *Manager) Get(ctx context.Context, accountID string, ex Fetcher) (Balance, error) {
	if b, ok := m.cache.Get(accountID); ok {
		return b, nil
	}
	v, err, _ := m.group.Do(accountID, func() (any, error) {
		return m.Sync(ctx, accountID, ex)
	})
	if err != nil {
		return Balance{}, err
	}
	return v.(Balance), nil
}

// Sync fetches the latest balance and stores it.
func (m *Manager) Sync(ctx context.Context, accountID string, ex Fetcher) (Balance, error) {
	raw, err := ex.GetBalance(ctx)
	if err != nil {
		return Balance{}, fmt.Errorf("balance for %s: %w", accountID, err)
	}
	b := Balance{Asset: raw.Asset, Total: raw.Equity, Available: raw.Available, SyncedAt: m.now().UTC()}
	m.cache.Set(accountID, b)

	m.log.WithFields(logrus.Fields{
		"account_id": accountID,
		"total":      b.Total,
		"available":  b.Available,
	}).Debug("Balance synced")
	return b, nil
}

// Cached returns the last snapshot without contacting the exchange.
func (m *Manager) Cached(accountID string) (Balance, bool) {
	return m.cache.Get(accountID)
}

// Invalidate drops the cached balance, typically after a fill.
func (m *Manager) Invalidate(accountID string) {
	m.cache.Delete(accountID)
}

// StartJanitor evicts expired entries until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	m.cache.StartJanitor(ctx, interval)
}
