package indicators

import (
	"fmt"
	"math"

	"github.com/sdcoffey/techan"

	market "signal-core/pkg/market/binance"
)

// Trend scores closed klines with a moving-average crossover and RSI.
type Trend struct {
	ShortMA   int
	LongMA    int
	RSIPeriod int
}

// DefaultTrend returns the 7/25 crossover with a 14-period RSI.
func DefaultTrend() Trend {
	return Trend{ShortMA: 7, LongMA: 25, RSIPeriod: 14}
}

// Lookback is the number of klines Evaluate needs.
func (t Trend) Lookback() int {
	return max(t.LongMA, t.RSIPeriod+1)
}

// Snapshot is the indicator state at the last kline.
type Snapshot struct {
	Close    float64
	SMAShort float64
	SMALong  float64
	RSI      float64
}

// Evaluate computes the snapshot. Klines must be in ascending time order.
func (t Trend) Evaluate(klines []market.Kline) (Snapshot, error) {
	if t.ShortMA < 1 || t.LongMA <= t.ShortMA || t.RSIPeriod < 1 {
		return Snapshot{}, fmt.Errorf("invalid trend windows %d/%d/%d", t.ShortMA, t.LongMA, t.RSIPeriod)
	}
	if len(klines) < t.Lookback() {
		return Snapshot{}, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughData, len(klines), t.Lookback())
	}

	series := techan.NewTimeSeries()
	for _, k := range klines {
		if !series.AddCandle(toTechanCandle(k)) {
			return Snapshot{}, fmt.Errorf("kline at %d is out of order", k.OpenTime)
		}
	}
	closes := techan.NewClosePriceIndicator(series)
	last := series.LastIndex()

	s := Snapshot{
		Close:    closes.Calculate(last).Float(),
		SMAShort: techan.NewSimpleMovingAverage(closes, t.ShortMA).Calculate(last).Float(),
		SMALong:  techan.NewSimpleMovingAverage(closes, t.LongMA).Calculate(last).Float(),
		RSI:      techan.NewRelativeStrengthIndexIndicator(closes, t.RSIPeriod).Calculate(last).Float(),
	}
	if s.SMALong <= 0 || math.IsNaN(s.RSI) {
		return Snapshot{}, fmt.Errorf("degenerate kline window for trend")
	}
	return s, nil
}

// crossoverScale maps a relative MA spread to [-0.5, 0.5]; a 2.5% spread
// saturates.
const crossoverScale = 20

// LongProbability estimates the chance a long entry works out, in [0,1].
// The crossover and RSI components weigh equally.
func (s Snapshot) LongProbability() float64 {
	return clamp01(0.5*s.trendComponent() + 0.5*s.rsiComponent())
}

// Confidence is high when the crossover and RSI agree.
func (s Snapshot) Confidence() float64 {
	return clamp01(1 - math.Abs(s.trendComponent()-s.rsiComponent()))
}

func (s Snapshot) trendComponent() float64 {
	spread := (s.SMAShort - s.SMALong) / s.SMALong
	return 0.5 + math.Max(-0.5, math.Min(0.5, spread*crossoverScale))
}

func (s Snapshot) rsiComponent() float64 {
	return clamp01(s.RSI / 100)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
