// Package indicators computes volatility measures over exchange klines.
package indicators

import (
	"errors"
	"fmt"
	"time"

	"github.com/sdcoffey/big"
	"github.com/sdcoffey/techan"

	market "signal-core/pkg/market/binance"
)

// ErrNotEnoughData is returned when fewer than period+1 klines are supplied.
var ErrNotEnoughData = errors.New("not enough klines")

// ATR returns the average true range over the last period klines. Klines
// must be in ascending time order.
func ATR(klines []market.Kline, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("atr period must be >= 1, got %d", period)
	}
	if len(klines) <= period {
		return 0, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughData, len(klines), period+1)
	}

	series := techan.NewTimeSeries()
	for _, k := range klines {
		if !series.AddCandle(toTechanCandle(k)) {
			return 0, fmt.Errorf("kline at %d is out of order", k.OpenTime)
		}
	}

	atr := techan.NewAverageTrueRangeIndicator(series, period)
	v := atr.Calculate(series.LastIndex()).Float()
	if v <= 0 {
		return 0, fmt.Errorf("atr is not positive: %v", v)
	}
	return v, nil
}

// Closed drops klines whose close time is after now, i.e. the candle still
// being formed.
func Closed(klines []market.Kline, now time.Time) []market.Kline {
	cutoff := now.UnixMilli()
	for len(klines) > 0 && klines[len(klines)-1].CloseTime > cutoff {
		klines = klines[:len(klines)-1]
	}
	return klines
}

func toTechanCandle(k market.Kline) *techan.Candle {
	period := techan.TimePeriod{
		Start: time.UnixMilli(k.OpenTime),
		End:   time.UnixMilli(k.CloseTime),
	}

	candle := techan.NewCandle(period)
	candle.OpenPrice = big.NewDecimal(k.Open)
	candle.ClosePrice = big.NewDecimal(k.Close)
	candle.MaxPrice = big.NewDecimal(k.High)
	candle.MinPrice = big.NewDecimal(k.Low)
	candle.Volume = big.NewDecimal(k.Volume)
	candle.TradeCount = uint(k.NumberOfTrades)
	return candle
}
