package futures_usdt

import (
	"encoding/json"
	"strconv"
	"strings"

	"signal-core/pkg/exchanges/common"
)

// Binance error codes with a fixed retry classification.
const (
	codeDisconnected     = "-1001"
	codeTimeout          = "-1007"
	codeTooManyRequests  = "-1003"
	codeTimestamp        = "-1021"
	codeInvalidQty       = "-1121"
	codeNoSuchOrder      = "-2013"
	codeInvalidKey       = "-2015"
	codeMarginShortfall  = "-2019"
	codeReduceOnlyReject = "-2022"
	codeMinNotional      = "-4164"
)

var transientCodes = map[string]bool{
	codeDisconnected:    true,
	codeTimeout:         true,
	codeTooManyRequests: true,
	codeTimestamp:       true,
}

var permanentCodes = map[string]bool{
	codeInvalidQty:       true,
	codeInvalidKey:       true,
	codeMarginShortfall:  true,
	codeReduceOnlyReject: true,
	codeMinNotional:      true,
	codeNoSuchOrder:      true,
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classify turns an error response into a common.ExchangeError. Known codes
// override the status-based default.
func classify(op string, status int, body []byte) *common.ExchangeError {
	var ae apiError
	_ = json.Unmarshal(body, &ae)

	code := ""
	msg := strings.TrimSpace(string(body))
	if ae.Code != 0 {
		code = strconv.Itoa(ae.Code)
		msg = ae.Msg
	}
	xe := common.FromHTTP(venue, op, status, code, msg)
	switch {
	case transientCodes[code]:
		xe.Kind = common.KindTransient
	case permanentCodes[code]:
		xe.Kind = common.KindPermanent
	}
	return xe
}

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	AvgPrice      string `json:"avgPrice"`
	ExecutedQty   string `json:"executedQty"`
}

func (r orderResp) result() common.OrderResult {
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientID:        r.ClientOrderID,
		Status:          mapStatus(r.Status),
		FilledQty:       parseFloat(r.ExecutedQty),
		AvgPrice:        parseFloat(r.AvgPrice),
	}
}

// FuturesBalance is one row of /fapi/v2/balance.
type FuturesBalance struct {
	Asset              string `json:"asset"`
	Balance            string `json:"balance"`
	CrossWalletBalance string `json:"crossWalletBalance"`
	CrossUnPnl         string `json:"crossUnPnl"`
	AvailableBalance   string `json:"availableBalance"`
}

// PositionRisk is one row of /fapi/v2/positionRisk.
type PositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

// toVenueSymbol maps BTC-USDT to BTCUSDT.
func toVenueSymbol(canonical string) string {
	return strings.ReplaceAll(canonical, "-", "")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
