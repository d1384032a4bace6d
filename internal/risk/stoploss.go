package risk

import (
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

// Exit reasons recorded on closed positions.
const (
	ExitStopLoss   = "stop loss hit"
	ExitTakeProfit = "take profit hit"
	ExitExchange   = "closed on exchange"
	ExitSignal     = "exit signal"
)

// ProtectionOrders creates the reduce-only SL and TP orders for a filled
// entry. Exits and params without levels produce none. Client IDs are left
// for the caller.
func ProtectionOrders(p OrderParams) []common.StopOrder {
	if p.Close || p.Quantity <= 0 {
		return nil
	}
	exitSide := p.Side.Opposite()

	var orders []common.StopOrder
	if p.StopLoss > 0 {
		orders = append(orders, common.StopOrder{
			Symbol:       p.Symbol,
			Side:         exitSide,
			Type:         common.OrderTypeStopMarket,
			Qty:          p.Quantity,
			TriggerPrice: p.StopLoss,
		})
	}
	if p.TakeProfit > 0 {
		orders = append(orders, common.StopOrder{
			Symbol:       p.Symbol,
			Side:         exitSide,
			Type:         common.OrderTypeTakeProfitMarket,
			Qty:          p.Quantity,
			TriggerPrice: p.TakeProfit,
		})
	}
	return orders
}

// ExitReason guesses why a position that is flat on the exchange was closed,
// given the last mark price.
func ExitReason(pos db.Position, mark float64) string {
	if mark <= 0 {
		return ExitExchange
	}
	if pos.Side == string(common.PositionLong) {
		switch {
		case pos.StopLoss > 0 && mark <= pos.StopLoss:
			return ExitStopLoss
		case pos.TakeProfit > 0 && mark >= pos.TakeProfit:
			return ExitTakeProfit
		}
		return ExitExchange
	}
	switch {
	case pos.StopLoss > 0 && mark >= pos.StopLoss:
		return ExitStopLoss
	case pos.TakeProfit > 0 && mark <= pos.TakeProfit:
		return ExitTakeProfit
	}
	return ExitExchange
}
