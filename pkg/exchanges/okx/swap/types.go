package swap

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"signal-core/pkg/exchanges/common"
)

// OKX error codes with a fixed retry classification.
const (
	codeServiceUnavailable = "50001"
	codeTimeout            = "50004"
	codeRateLimited        = "50011"
	codeSystemBusy         = "50013"
	codeInstrumentMissing  = "51001"
	codeInsufficientMargin = "51008"
	codeInvalidKey         = "50111"
	codeInvalidSign        = "50113"
	codeOrderNotExist      = "51603"
)

var transientCodes = map[string]bool{
	codeServiceUnavailable: true,
	codeTimeout:            true,
	codeRateLimited:        true,
	codeSystemBusy:         true,
}

var permanentCodes = map[string]bool{
	codeInstrumentMissing:  true,
	codeInsufficientMargin: true,
	codeInvalidKey:         true,
	codeInvalidSign:        true,
	codeOrderNotExist:      true,
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// classify maps an OKX error envelope to a common.ExchangeError. Batch
// endpoints report code "1" with the real reason in data[0].sCode.
func classify(op string, status int, env envelope) *common.ExchangeError {
	code, msg := env.Code, env.Msg
	var acks []orderAck
	if json.Unmarshal(env.Data, &acks) == nil && len(acks) > 0 && acks[0].SCode != "" && acks[0].SCode != "0" {
		code, msg = acks[0].SCode, acks[0].SMsg
	}
	if status < 300 {
		status = 0
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

type orderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	AlgoID  string `json:"algoId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

func firstAck(op string, data []orderAck) (orderAck, error) {
	if len(data) == 0 {
		return orderAck{}, common.Transient(venue, op, errEmptyAck)
	}
	if data[0].SCode != "" && data[0].SCode != "0" {
		return orderAck{}, classify(op, 0, envelope{Code: data[0].SCode, Msg: data[0].SMsg})
	}
	return data[0], nil
}

var errEmptyAck = errors.New("empty acknowledgement")

type orderDetail struct {
	InstID    string `json:"instId"`
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	State     string `json:"state"`
	AccFillSz string `json:"accFillSz"`
	AvgPx     string `json:"avgPx"`
}

type position struct {
	InstID  string `json:"instId"`
	PosSide string `json:"posSide"`
	Pos     string `json:"pos"`
	AvgPx   string `json:"avgPx"`
	Lever   string `json:"lever"`
	Upl     string `json:"upl"`
}

type accountBalance struct {
	TotalEq string `json:"totalEq"`
	Details []struct {
		Ccy     string `json:"ccy"`
		Eq      string `json:"eq"`
		AvailEq string `json:"availEq"`
	} `json:"details"`
}

type instrumentInfo struct {
	InstID string `json:"instId"`
	CtVal  string `json:"ctVal"`
	LotSz  string `json:"lotSz"`
	TickSz string `json:"tickSz"`
	MinSz  string `json:"minSz"`
}

func mapState(s string) common.OrderStatus {
	switch s {
	case "live":
		return common.StatusNew
	case "partially_filled":
		return common.StatusPartial
	case "filled":
		return common.StatusFilled
	case "canceled", "mmp_canceled":
		return common.StatusCanceled
	default:
		return common.StatusUnknown
	}
}

// toInstID maps BTC-USDT to BTC-USDT-SWAP.
func toInstID(canonical string) string {
	if strings.HasSuffix(canonical, "-SWAP") {
		return canonical
	}
	return canonical + "-SWAP"
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
