package engine

import (
	"context"
	"time"

	"signal-core/internal/balance"
	"signal-core/internal/ensemble"
	"signal-core/internal/order"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
	market "signal-core/pkg/market/binance"
)

// Admitter authenticates and deduplicates raw webhook deliveries.
type Admitter interface {
	Admit(ctx context.Context, body []byte, signature, webhookID string) (signal.Admission, error)
}

// AdapterSource resolves the pooled exchange adapter for an account.
type AdapterSource interface {
	Get(ctx context.Context, accountID string) (common.Adapter, error)
}

// MarketData supplies the public market state sizing depends on.
type MarketData interface {
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
	SymbolFilters(ctx context.Context, symbol string) (market.SymbolFilters, error)
}

// VenueMarket supplies the venue-specific part of market state: mark price
// and lot rules. Volatility always comes from MarketData.
type VenueMarket interface {
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	SymbolFilters(ctx context.Context, symbol string) (market.SymbolFilters, error)
}

// SourceCollector gathers probability scores for a signal.
type SourceCollector interface {
	Collect(ctx context.Context, sig signal.Signal) ([]ensemble.Score, error)
}

// EquitySource returns cached account equity.
type EquitySource interface {
	Equity(ctx context.Context, accountID string, ex balance.Fetcher) (float64, error)
}

// AuditRecorder accepts audit entries for asynchronous persistence.
type AuditRecorder interface {
	Record(e db.AuditEntry)
}

// Audit outcomes for deliveries that never reach the pipeline.
const (
	AuditUnauthorized = "UNAUTHORIZED"
	AuditRateLimited  = "RATE_LIMITED"
	AuditInvalid      = "INVALID"
	AuditDuplicate    = "DUPLICATE"
	AuditQueueFull    = "QUEUE_FULL"
)

// Options tunes market lookups and job bounds.
type Options struct {
	KlineInterval string
	ATRPeriod     int
	// JobTimeout bounds one signal from dequeue to terminal outcome.
	JobTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.KlineInterval == "" {
		o.KlineInterval = "1h"
	}
	if o.ATRPeriod <= 0 {
		o.ATRPeriod = 14
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 2 * time.Minute
	}
	return o
}

// Receipt acknowledges one webhook delivery. For a fresh signal Ticket
// completes when the pipeline reaches a terminal outcome; duplicates carry
// the prior outcome and no ticket.
type Receipt struct {
	Signal    signal.Signal
	Duplicate bool
	Prior     signal.Outcome
	Ticket    *order.Ticket

	admission signal.Admission
}

// Outcome returns the latest outcome recorded for the signal.
func (r Receipt) Outcome() signal.Outcome {
	return r.admission.Outcome()
}
