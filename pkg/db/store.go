// Package db persists accounts, webhooks, strategies, decisions, orders,
// positions and the signal audit log.
package db

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicate      = errors.New("duplicate record")
	ErrPositionExists = errors.New("open position already exists for pair")
)

// Store is the persistence contract shared by the SQLite and in-memory
// implementations.
type Store interface {
	CreateAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, id string) (Account, error)
	ListAccounts(ctx context.Context, activeOnly bool) ([]Account, error)
	SoftDeleteAccount(ctx context.Context, id string, at time.Time) error

	CreateWebhook(ctx context.Context, w Webhook) error
	GetWebhook(ctx context.Context, id string) (Webhook, error)

	UpsertStrategies(ctx context.Context, recs []StrategyRecord) error
	GetStrategy(ctx context.Context, id string) (StrategyRecord, error)
	ListStrategies(ctx context.Context) ([]StrategyRecord, error)

	// SaveDecision stores a decision once; later saves for the same signal
	// hash are ignored.
	SaveDecision(ctx context.Context, d Decision) error
	GetDecision(ctx context.Context, signalHash string) (Decision, error)

	// CreateOrder returns ErrDuplicate when the idempotency key exists.
	CreateOrder(ctx context.Context, o Order) error
	GetOrderByKey(ctx context.Context, key string) (Order, error)
	UpdateOrder(ctx context.Context, o Order) error
	ListOrders(ctx context.Context, f OrderFilter) ([]Order, error)
	// CompleteOrder persists a filled order and its position change in one
	// transaction. Opening onto an open pair returns ErrPositionExists.
	CompleteOrder(ctx context.Context, o Order, change PositionChange) error

	GetOpenPosition(ctx context.Context, accountID, symbol string) (Position, error)
	ListOpenPositions(ctx context.Context, accountID string) ([]Position, error)
	CountOpenPositions(ctx context.Context, accountID string) (int, error)
	SetProtection(ctx context.Context, positionID, stopOrderID, takeProfitOrderID string) error
	ClosePosition(ctx context.Context, id, reason string, exitPrice float64, at time.Time) error

	AppendAudit(ctx context.Context, entries []AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	Close() error
}
