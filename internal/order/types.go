package order

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"signal-core/internal/risk"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

var (
	// ErrOrderRejected wraps a permanent exchange failure.
	ErrOrderRejected = errors.New("order rejected")
	// ErrOrderFailed wraps the last transient failure once retries are exhausted.
	ErrOrderFailed = errors.New("order failed")
	// ErrInvalidTransition guards the order state machine.
	ErrInvalidTransition = errors.New("invalid order state transition")
)

// Client order id legs.
const (
	LegMain       = 'e'
	LegStopLoss   = 's'
	LegTakeProfit = 't'
)

// transitions is the order state machine:
// PENDING -> SUBMITTED -> {FILLED | REJECTED | RETRYING -> SUBMITTED | FAILED}.
// A FAILED order may be re-attempted from PENDING.
var transitions = map[string][]string{
	db.OrderPending:   {db.OrderSubmitted},
	db.OrderSubmitted: {db.OrderFilled, db.OrderRejected, db.OrderRetrying, db.OrderFailed},
	db.OrderRetrying:  {db.OrderSubmitted, db.OrderFailed},
	db.OrderFailed:    {db.OrderPending},
}

// transition moves o to the next status or returns ErrInvalidTransition.
func transition(o *db.Order, to string) error {
	for _, next := range transitions[o.Status] {
		if next == to {
			o.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
}

// Intent is one execution request for an (account, symbol) pair.
type Intent struct {
	AccountID      string
	Symbol         string
	SignalHash     string
	IdempotencyKey string
	Adapter        common.Adapter
	// Prepare computes order parameters from fresh state. It runs while the
	// pair lock is held; an error aborts the intent without an order.
	Prepare func(ctx context.Context) (risk.OrderParams, error)
}

// Result describes the order produced (or found) for an intent.
type Result struct {
	Order    db.Order         `json:"order"`
	Params   risk.OrderParams `json:"params"`
	Position *db.Position     `json:"position,omitempty"`
	Existing bool             `json:"existing"`
	Latency  time.Duration    `json:"latency"`
}

// Config bounds retries and per-call timeouts.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 250 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = 16 * c.BackoffBase
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// ClientOrderID derives a venue-safe client id (alphanumeric, 31 chars) from
// the idempotency key. Retries of the same order reuse the same id.
func ClientOrderID(idempotencyKey string, leg byte) string {
	sum := sha256.Sum256([]byte(idempotencyKey))
	return hex.EncodeToString(sum[:])[:30] + string(leg)
}

// Invalidator drops cached account state after a fill.
type Invalidator interface {
	Invalidate(accountID string)
}

// AdapterSource resolves the adapter for an account.
type AdapterSource interface {
	Get(ctx context.Context, accountID string) (common.Adapter, error)
}
