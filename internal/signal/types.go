// Package signal admits inbound webhook alerts: it authenticates them,
// validates and normalizes the payload, and suppresses duplicate deliveries.
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"signal-core/pkg/exchanges/common"
)

// Action is the trading instruction carried by a signal.
type Action string

const (
	ActionLong       Action = "LONG"
	ActionShort      Action = "SHORT"
	ActionCloseLong  Action = "CLOSE_LONG"
	ActionCloseShort Action = "CLOSE_SHORT"
	ActionCloseAll   Action = "CLOSE_ALL"
)

// ParseAction accepts an action name in any case.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case ActionLong, ActionShort, ActionCloseLong, ActionCloseShort, ActionCloseAll:
		return a, true
	}
	return "", false
}

// IsExit reports whether the action only reduces exposure.
func (a Action) IsExit() bool {
	switch a {
	case ActionCloseLong, ActionCloseShort, ActionCloseAll:
		return true
	}
	return false
}

// PositionSide is the side an entry opens or a close targets. CLOSE_ALL has
// no fixed side and returns false.
func (a Action) PositionSide() (common.PositionSide, bool) {
	switch a {
	case ActionLong, ActionCloseLong:
		return common.PositionLong, true
	case ActionShort, ActionCloseShort:
		return common.PositionShort, true
	}
	return "", false
}

// SourceScore is a probability estimate embedded in the payload by the sender.
type SourceScore struct {
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
	Confidence  float64 `json:"confidence"`
	Weight      float64 `json:"weight,omitempty"`
}

// Signal is an admitted, normalized trading instruction. It is immutable once
// returned by the gateway.
type Signal struct {
	WebhookID  string        `json:"webhook_id"`
	AccountID  string        `json:"account_id"`
	Symbol     string        `json:"symbol"`
	Action     Action        `json:"action"`
	Price      float64       `json:"price,omitempty"`
	Leverage   int           `json:"leverage,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Hash       string        `json:"hash"`
	Sources    []SourceScore `json:"sources,omitempty"`
	ReceivedAt time.Time     `json:"received_at"`
}

// IdempotencyKey derives the order key from the content hash and account.
func (s Signal) IdempotencyKey() string {
	sum := sha256.Sum256([]byte(s.Hash + "|" + s.AccountID))
	return hex.EncodeToString(sum[:])
}
