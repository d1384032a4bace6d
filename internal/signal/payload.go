package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"signal-core/pkg/exchanges/common"
)

var (
	// ErrUnauthorized covers unknown webhooks and signature mismatches.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidPayload is wrapped by every ValidationError.
	ErrInvalidPayload = errors.New("invalid payload")
)

// ValidationError names the payload field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPayload }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// millisThreshold separates unix-second from unix-millisecond timestamps.
const millisThreshold = 1e12

type payload struct {
	Action    string          `json:"action"`
	Symbol    string          `json:"symbol"`
	Ticker    string          `json:"ticker"`
	Price     *float64        `json:"price"`
	Leverage  *int            `json:"leverage"`
	Timestamp json.RawMessage `json:"timestamp"`
	Sources   []SourceScore   `json:"sources"`
}

// parsePayload decodes and validates the body and normalizes the symbol.
// Unknown fields are ignored.
func parsePayload(body []byte) (Signal, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Signal{}, invalid("body", "malformed json: %v", err)
	}

	if p.Action == "" {
		return Signal{}, invalid("action", "missing")
	}
	action, ok := ParseAction(p.Action)
	if !ok {
		return Signal{}, invalid("action", "unsupported action %q", p.Action)
	}

	rawSymbol := p.Symbol
	if rawSymbol == "" {
		rawSymbol = p.Ticker
	}
	if rawSymbol == "" {
		return Signal{}, invalid("symbol", "missing")
	}
	symbol, err := common.NormalizeSymbol(rawSymbol)
	if err != nil {
		return Signal{}, invalid("symbol", "%v", err)
	}

	ts, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return Signal{}, err
	}

	sig := Signal{Symbol: symbol, Action: action, Timestamp: ts}
	if p.Price != nil {
		if *p.Price < 0 || math.IsNaN(*p.Price) || math.IsInf(*p.Price, 0) {
			return Signal{}, invalid("price", "must be a non-negative number")
		}
		sig.Price = *p.Price
	}
	if p.Leverage != nil {
		if *p.Leverage < 1 {
			return Signal{}, invalid("leverage", "must be >= 1")
		}
		sig.Leverage = *p.Leverage
	}

	seen := make(map[string]bool, len(p.Sources))
	for i, s := range p.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			return Signal{}, invalid(field, "name is required")
		}
		if seen[s.Name] {
			return Signal{}, invalid(field, "duplicate source %q", s.Name)
		}
		seen[s.Name] = true
		if !unit(s.Probability) || !unit(s.Confidence) {
			return Signal{}, invalid(field, "probability and confidence must be within [0,1]")
		}
		sig.Sources = append(sig.Sources, s)
	}
	return sig, nil
}

func unit(v float64) bool { return v >= 0 && v <= 1 }

// parseTimestamp accepts unix seconds, unix milliseconds, a numeric string or
// an RFC3339 string.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, invalid("timestamp", "missing")
	}

	var n float64
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, invalid("timestamp", "malformed")
		}
		s = strings.TrimSpace(s)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, invalid("timestamp", "unrecognized format %q", s)
		}
		n = v
	} else if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, invalid("timestamp", "malformed")
	}

	if n <= 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return time.Time{}, invalid("timestamp", "must be positive")
	}
	if n > millisThreshold {
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
