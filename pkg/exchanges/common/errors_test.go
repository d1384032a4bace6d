package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromHTTPClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := FromHTTP("test", "order", tt.status, "", "")
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, !tt.transient, IsPermanent(err))
		})
	}
}

func TestIsTransientUnwrapsCauses(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.True(t, IsTransient(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", Transient("x", "y", errors.New("boom")))))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, IsTransient(nil))
}

func TestExchangeErrorMessage(t *testing.T) {
	err := &ExchangeError{Kind: KindPermanent, Venue: "binance", Op: "order", Status: 400, Code: "-2019", Message: "Margin is insufficient."}
	assert.Contains(t, err.Error(), "binance order: permanent status 400 code -2019")
}

func TestWeightTracker(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := NewWeightTracker(100, time.Minute, nil)
	w.now = func() time.Time { return now }
	w.lastReset = now

	w.UpdateFromHeader("91")
	assert.True(t, w.ShouldDelay())

	now = now.Add(time.Minute)
	used, limit, _ := w.Usage()
	assert.Zero(t, used)
	assert.Equal(t, 100, limit)
	assert.False(t, w.ShouldDelay())
}

func TestTimeSync(t *testing.T) {
	server := time.Now().Add(5 * time.Second).UnixMilli()
	ts := NewTimeSync(func(context.Context) (int64, error) { return server, nil }, nil)
	assert.NoError(t, ts.Sync(context.Background()))
	assert.InDelta(t, 5000, ts.Offset(), 500)
}
