package sources

import (
	"context"
	"fmt"
	"time"

	"signal-core/internal/ensemble"
	"signal-core/internal/indicators"
	"signal-core/internal/signal"
	"signal-core/pkg/exchanges/common"
	market "signal-core/pkg/market/binance"
)

// KlineSource supplies the candles technical scores are computed from.
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
}

// Technical scores a signal from the symbol's own recent price action.
type Technical struct {
	name     string
	klines   KlineSource
	interval string
	trend    indicators.Trend
	now      func() time.Time
}

// NewTechnical returns a provider evaluating interval klines with the
// default trend windows.
func NewTechnical(name string, klines KlineSource, interval string) *Technical {
	if interval == "" {
		interval = "1h"
	}
	return &Technical{
		name:     name,
		klines:   klines,
		interval: interval,
		trend:    indicators.DefaultTrend(),
		now:      time.Now,
	}
}

func (t *Technical) Name() string { return t.name }

// Score returns the trend's probability for the signal's direction.
func (t *Technical) Score(ctx context.Context, sig signal.Signal) (ensemble.Score, error) {
	side, ok := sig.Action.PositionSide()
	if !ok || sig.Action.IsExit() {
		return ensemble.Score{}, fmt.Errorf("%s: action %s has no direction to score", t.name, sig.Action)
	}

	// One extra candle covers the one still forming.
	ks, err := t.klines.Klines(ctx, sig.Symbol, t.interval, t.trend.Lookback()+1)
	if err != nil {
		return ensemble.Score{}, fmt.Errorf("%s: klines: %w", t.name, err)
	}
	snap, err := t.trend.Evaluate(indicators.Closed(ks, t.now()))
	if err != nil {
		return ensemble.Score{}, fmt.Errorf("%s: %w", t.name, err)
	}

	p := snap.LongProbability()
	if side == common.PositionShort {
		p = 1 - p
	}
	return ensemble.Score{Name: t.name, Probability: p, Confidence: snap.Confidence()}, nil
}
