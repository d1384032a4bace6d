package order

import (
	"math"
	"time"

	"signal-core/internal/events"
	"signal-core/pkg/db"
)

// PositionUpdate is the payload of position.opened and position.closed.
type PositionUpdate struct {
	Position    db.Position `json:"position"`
	RealizedPnL float64     `json:"realized_pnl,omitempty"`
	At          time.Time   `json:"at"`
}

// EmitPositionUpdate publishes a position lifecycle event.
func EmitPositionUpdate(bus *events.Bus, topic events.Event, pos db.Position) {
	if bus == nil {
		return
	}
	u := PositionUpdate{Position: pos, At: time.Now().UTC()}
	if topic == events.EventPositionClosed && pos.ExitPrice > 0 {
		u.RealizedPnL = CalculatePnL(pos.Side, pos.Quantity, pos.EntryPrice, pos.ExitPrice, 0)
	}
	bus.Publish(topic, u)
}

// CalculatePnL returns realized PnL for closing qty. side is the position
// side (LONG/SHORT) or its entry order side (BUY/SELL).
func CalculatePnL(side string, qty, entry, exit float64, fee float64) float64 {
	q := math.Abs(qty)
	if q == 0 {
		return 0
	}
	var pnl float64
	switch side {
	case "LONG", "BUY":
		pnl = (exit - entry) * q
	default:
		pnl = (entry - exit) * q
	}
	return pnl - fee
}
