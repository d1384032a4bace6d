package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	market "signal-core/pkg/market/binance"
)

const hourMs = int64(time.Hour / time.Millisecond)

func hourly(n int, start int64, mk func(i int) (o, h, l, c float64)) []market.Kline {
	out := make([]market.Kline, 0, n)
	for i := 0; i < n; i++ {
		o, h, l, c := mk(i)
		open := start + int64(i)*hourMs
		out = append(out, market.Kline{
			Symbol:    "BTC-USDT",
			OpenTime:  open,
			CloseTime: open + hourMs - 1,
			Open:      o,
			High:      h,
			Low:       l,
			Close:     c,
			Volume:    1,
		})
	}
	return out
}

func TestATRConstantRange(t *testing.T) {
	klines := hourly(20, 0, func(int) (float64, float64, float64, float64) {
		return 100, 105, 95, 100
	})

	v, err := ATR(klines, 14)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, v, 1e-9)
}

func TestATRIncludesGaps(t *testing.T) {
	// Each candle gaps 20 above the previous close with a 2-wide range, so
	// the true range is driven by the gap.
	klines := hourly(6, 0, func(i int) (float64, float64, float64, float64) {
		base := 100 + float64(i)*20
		return base, base + 2, base, base + 1
	})

	v, err := ATR(klines, 3)
	require.NoError(t, err)
	// high - previous close = (base+2) - (base-20+1) = 21
	assert.InDelta(t, 21.0, v, 1e-9)
}

func TestATRNotEnoughData(t *testing.T) {
	klines := hourly(14, 0, func(int) (float64, float64, float64, float64) {
		return 1, 2, 0.5, 1
	})
	_, err := ATR(klines, 14)
	assert.ErrorIs(t, err, ErrNotEnoughData)

	_, err = ATR(klines, 0)
	assert.Error(t, err)
}

func TestClosedDropsFormingCandle(t *testing.T) {
	klines := hourly(3, 0, func(int) (float64, float64, float64, float64) {
		return 1, 1, 1, 1
	})
	now := time.UnixMilli(2*hourMs + 10)

	closed := Closed(klines, now)
	assert.Len(t, closed, 2)
}
