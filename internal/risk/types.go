package risk

import (
	"errors"
	"fmt"

	"signal-core/internal/signal"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
	market "signal-core/pkg/market/binance"
)

// Reason classifies a sizing failure.
type Reason string

const (
	BelowMinimum         Reason = "BelowMinimum"
	PositionLimitReached Reason = "PositionLimitReached"
	InvalidRiskReward    Reason = "InvalidRiskReward"
	PositionExists       Reason = "PositionExists"
	NoPosition           Reason = "NoPosition"
	InvalidMarketData    Reason = "InvalidMarketData"
	NotAdmitted          Reason = "NotAdmitted"
)

// SizingError is a business-rule failure: no order is attempted.
type SizingError struct {
	Reason Reason
	Detail string
}

func (e *SizingError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("sizing: %s", e.Reason)
	}
	return fmt.Sprintf("sizing: %s: %s", e.Reason, e.Detail)
}

// Is matches another *SizingError with the same reason, so callers can write
// errors.Is(err, &SizingError{Reason: NoPosition}).
func (e *SizingError) Is(target error) bool {
	t, ok := target.(*SizingError)
	return ok && t.Reason == e.Reason
}

func sizingErr(reason Reason, format string, args ...any) error {
	return &SizingError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the sizing reason from err, if any.
func ReasonOf(err error) (Reason, bool) {
	var se *SizingError
	if errors.As(err, &se) {
		return se.Reason, true
	}
	return "", false
}

// AccountState is the account snapshot a sizing decision is made on.
type AccountState struct {
	ID            string
	Equity        float64
	OpenPositions int
	// Position is the open position on the signalled pair, if any.
	Position *db.Position
}

// MarketState is the market snapshot for the signalled pair.
type MarketState struct {
	Symbol    string
	MarkPrice float64
	ATR       float64
	Filters   market.SymbolFilters
}

// Request carries the per-signal inputs.
type Request struct {
	Action signal.Action
	// Leverage is a per-signal override; zero uses the config default.
	Leverage int
}

// OrderParams are the concrete, clamped order parameters handed to the
// executor.
type OrderParams struct {
	Symbol       string              `json:"symbol"`
	Action       signal.Action       `json:"action"`
	Side         common.Side         `json:"side"`
	PositionSide common.PositionSide `json:"position_side"`
	Quantity     float64             `json:"quantity"`
	Leverage     int                 `json:"leverage"`
	ReduceOnly   bool                `json:"reduce_only"`
	EntryPrice   float64             `json:"entry_price"`
	StopLoss     float64             `json:"stop_loss,omitempty"`
	TakeProfit   float64             `json:"take_profit,omitempty"`
	// Close is set for exits. PositionID names the local position being
	// closed; it is empty when the exposure is only known to the exchange.
	Close      bool   `json:"close"`
	PositionID string `json:"position_id,omitempty"`
}

// Notional is quantity times entry price.
func (p OrderParams) Notional() float64 {
	return p.Quantity * p.EntryPrice
}
