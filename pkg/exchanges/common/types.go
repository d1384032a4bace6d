package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide is the direction of open exposure.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// EntrySide is the order side that opens a position in this direction.
func (p PositionSide) EntrySide() Side {
	if p == PositionShort {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the order types the pipeline submits.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// MarketOrder is a market order intent. Symbol is canonical (BASE-QUOTE).
type MarketOrder struct {
	Symbol     string
	Side       Side
	Qty        float64
	ReduceOnly bool
	ClientID   string
}

// StopOrder is a reduce-only trigger order protecting an open position.
type StopOrder struct {
	Symbol       string
	Side         Side
	Type         OrderType // STOP_MARKET or TAKE_PROFIT_MARKET
	Qty          float64
	TriggerPrice float64
	ClientID     string
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	FilledQty       float64
	AvgPrice        float64
}

// Balance is the margin balance in the settlement asset.
type Balance struct {
	Asset     string
	Equity    float64
	Available float64
}

// Position is open exposure as reported by a venue. Qty is always positive.
type Position struct {
	Symbol        string
	Side          PositionSide
	Qty           float64
	EntryPrice    float64
	Leverage      int
	UnrealizedPnL float64
}
