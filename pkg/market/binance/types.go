package market

import "github.com/shopspring/decimal"

// Kline represents a single candlestick with all official Binance fields.
type Kline struct {
	Symbol              string  // canonical pair
	OpenTime            int64   // 0: Open time (ms)
	Open                float64 // 1: Open price
	High                float64 // 2: High price
	Low                 float64 // 3: Low price
	Close               float64 // 4: Close price
	Volume              float64 // 5: Base asset volume
	CloseTime           int64   // 6: Close time (ms)
	QuoteVolume         float64 // 7: Quote asset volume
	NumberOfTrades      int     // 8: Number of trades
	TakerBuyBaseVolume  float64 // 9: Taker buy base asset volume
	TakerBuyQuoteVolume float64 // 10: Taker buy quote asset volume
}

// SymbolFilters are the trading constraints that shape order quantities and
// trigger prices.
type SymbolFilters struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol  string           `json:"symbol"`
		Status  string           `json:"status"`
		Filters []map[string]any `json:"filters"`
	} `json:"symbols"`
}

type premiumIndex struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
	Time      int64  `json:"time"`
}
