package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// ErrOrderNotFound is returned by OrderQuerier when the venue has no order.
var ErrOrderNotFound = errors.New("order not found")

// ErrorKind separates failures worth retrying from those that are not.
type ErrorKind int

const (
	KindTransient ErrorKind = iota + 1
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ExchangeError is a classified venue failure.
type ExchangeError struct {
	Kind    ErrorKind
	Venue   string
	Op      string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *ExchangeError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Venue, e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" status %d", e.Status)
	}
	if e.Code != "" {
		msg += " code " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(venue, op string, err error) *ExchangeError {
	return &ExchangeError{Kind: KindTransient, Venue: venue, Op: op, Err: err}
}

// Permanent wraps err as not retryable.
func Permanent(venue, op string, err error) *ExchangeError {
	return &ExchangeError{Kind: KindPermanent, Venue: venue, Op: op, Err: err}
}

// FromHTTP classifies a non-2xx response by status alone. Venue adapters
// refine the kind with their own error codes.
func FromHTTP(venue, op string, status int, code, message string) *ExchangeError {
	kind := KindPermanent
	switch {
	case status >= 500,
		status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status == http.StatusTeapot: // binance IP back-off
		kind = KindTransient
	}
	return &ExchangeError{Kind: kind, Venue: venue, Op: op, Status: status, Code: code, Message: message}
}

// FromTransport classifies an error returned by the HTTP client itself.
func FromTransport(venue, op string, err error) *ExchangeError {
	if IsTransient(err) {
		return Transient(venue, op, err)
	}
	return Permanent(venue, op, err)
}

// IsTransient reports whether err is worth retrying: classified transient
// venue errors, timeouts and connectivity failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var xe *ExchangeError
	if errors.As(err, &xe) {
		return xe.Kind == KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// IsPermanent reports whether err is a venue error that must not be retried.
func IsPermanent(err error) bool {
	var xe *ExchangeError
	return errors.As(err, &xe) && xe.Kind == KindPermanent
}
