// Package risk turns an admitted decision into concrete, bounded order
// parameters and protective exit orders.
package risk

import (
	"math"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"signal-core/internal/ensemble"
	"signal-core/internal/strategy"
	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/logging"
)

// Sizer converts decisions into order parameters. It holds no state.
type Sizer struct {
	log logrus.FieldLogger
}

// NewSizer creates a sizer.
func NewSizer(log logrus.FieldLogger) *Sizer {
	return &Sizer{log: logging.OrStandard(log)}
}

// Size evaluates the rules in order and returns the first failure as a
// *SizingError. Leverage is always clamped to the config bounds.
func (s *Sizer) Size(d ensemble.Decision, acct AccountState, cfg strategy.Config, mkt MarketState, req Request) (OrderParams, error) {
	if !d.Admit {
		return OrderParams{}, sizingErr(NotAdmitted, "%s", d.Reason)
	}
	if req.Action.IsExit() {
		return s.sizeExit(acct, req)
	}
	return s.sizeEntry(acct, cfg, mkt, req)
}

func (s *Sizer) sizeEntry(acct AccountState, cfg strategy.Config, mkt MarketState, req Request) (OrderParams, error) {
	side, ok := req.Action.PositionSide()
	if !ok {
		return OrderParams{}, sizingErr(InvalidMarketData, "action %s has no entry side", req.Action)
	}

	// 1. Non-positive expectancy by construction.
	if cfg.TPMultiplier <= cfg.SLMultiplier && !cfg.AcknowledgeRisk {
		return OrderParams{}, sizingErr(InvalidRiskReward, "tp multiplier %.2f <= sl multiplier %.2f", cfg.TPMultiplier, cfg.SLMultiplier)
	}

	// 2. One open position per pair.
	if acct.Position != nil {
		return OrderParams{}, sizingErr(PositionExists, "%s %s already open", acct.Position.Side, acct.Position.Symbol)
	}

	// 3. Concurrent position limit.
	if acct.OpenPositions >= cfg.MaxOpenPositions {
		return OrderParams{}, sizingErr(PositionLimitReached, "%d/%d open", acct.OpenPositions, cfg.MaxOpenPositions)
	}

	if !positive(mkt.MarkPrice) || !positive(mkt.ATR) {
		return OrderParams{}, sizingErr(InvalidMarketData, "mark %.8f atr %.8f", mkt.MarkPrice, mkt.ATR)
	}
	if !positive(acct.Equity) {
		return OrderParams{}, sizingErr(BelowMinimum, "equity %.2f", acct.Equity)
	}

	// 4. Quantity from the equity fraction, floored to the lot step.
	mark := decimal.NewFromFloat(mkt.MarkPrice)
	budget := decimal.NewFromFloat(acct.Equity).Mul(decimal.NewFromFloat(cfg.PositionSizeFraction))
	qty := floorToStep(budget.Div(mark), mkt.Filters.StepSize)
	notional := qty.Mul(mark)

	f := mkt.Filters
	if !qty.IsPositive() || (f.MinQty.IsPositive() && qty.LessThan(f.MinQty)) {
		return OrderParams{}, sizingErr(BelowMinimum, "quantity %s below minimum %s", qty, f.MinQty)
	}
	if f.MinNotional.IsPositive() && notional.LessThan(f.MinNotional) {
		return OrderParams{}, sizingErr(BelowMinimum, "notional %s below minimum %s", notional.StringFixed(2), f.MinNotional)
	}

	// 5. Leverage clamp.
	requested := req.Leverage
	if requested == 0 {
		requested = cfg.DefaultLeverage
	}
	leverage := cfg.ClampLeverage(requested)
	if leverage != requested {
		s.log.WithFields(logrus.Fields{
			"symbol":    mkt.Symbol,
			"requested": requested,
			"leverage":  leverage,
		}).Info("Leverage clamped")
	}

	// 6. Volatility-scaled exits.
	atr := decimal.NewFromFloat(mkt.ATR)
	slDist := atr.Mul(decimal.NewFromFloat(cfg.SLMultiplier))
	tpDist := atr.Mul(decimal.NewFromFloat(cfg.TPMultiplier))
	var sl, tp decimal.Decimal
	if side == common.PositionLong {
		sl, tp = mark.Sub(slDist), mark.Add(tpDist)
	} else {
		sl, tp = mark.Add(slDist), mark.Sub(tpDist)
	}
	sl = roundToTick(sl, f.TickSize)
	tp = roundToTick(tp, f.TickSize)
	if !sl.IsPositive() || !tp.IsPositive() {
		return OrderParams{}, sizingErr(InvalidMarketData, "exit prices not positive: sl %s tp %s", sl, tp)
	}

	qtyF, _ := qty.Float64()
	slF, _ := sl.Float64()
	tpF, _ := tp.Float64()

	params := OrderParams{
		Symbol:       mkt.Symbol,
		Action:       req.Action,
		Side:         side.EntrySide(),
		PositionSide: side,
		Quantity:     qtyF,
		Leverage:     leverage,
		EntryPrice:   mkt.MarkPrice,
		StopLoss:     slF,
		TakeProfit:   tpF,
	}

	s.log.WithFields(logrus.Fields{
		"account_id":  acct.ID,
		"symbol":      params.Symbol,
		"side":        params.Side,
		"quantity":    params.Quantity,
		"leverage":    params.Leverage,
		"stop_loss":   params.StopLoss,
		"take_profit": params.TakeProfit,
	}).Debug("Entry sized")
	return params, nil
}

func (s *Sizer) sizeExit(acct AccountState, req Request) (OrderParams, error) {
	pos := acct.Position
	if pos == nil || pos.Quantity <= 0 {
		return OrderParams{}, sizingErr(NoPosition, "nothing to close")
	}
	side := common.PositionSide(pos.Side)
	if want, ok := req.Action.PositionSide(); ok && want != side {
		return OrderParams{}, sizingErr(NoPosition, "%s requested but open position is %s", req.Action, side)
	}

	return OrderParams{
		Symbol:       pos.Symbol,
		Action:       req.Action,
		Side:         side.EntrySide().Opposite(),
		PositionSide: side,
		Quantity:     pos.Quantity,
		Leverage:     pos.Leverage,
		ReduceOnly:   true,
		EntryPrice:   pos.EntryPrice,
		Close:        true,
		PositionID:   pos.ID,
	}, nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v.Truncate(8)
	}
	return v.Div(step).Floor().Mul(step)
}

func roundToTick(v, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return v.Round(8)
	}
	return v.Div(tick).Round(0).Mul(tick)
}
