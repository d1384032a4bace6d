package common

import (
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// WeightTracker follows the request weight a venue reports back in response
// headers, so adapters can slow down before the venue bans the key.
type WeightTracker struct {
	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	log           logrus.FieldLogger
	now           func() time.Time
}

// NewWeightTracker creates a tracker for limit weight per resetInterval.
func NewWeightTracker(limit int, resetInterval time.Duration, log logrus.FieldLogger) *WeightTracker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &WeightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
		log:           log,
		now:           time.Now,
	}
}

// UpdateFromHeader records the used weight reported by the venue.
func (w *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	w.mu.Lock()
	now := w.now()
	if now.Sub(w.lastReset) >= w.resetInterval {
		w.lastReset = now
	}
	w.usedWeight = weight
	pct := w.percentLocked()
	w.mu.Unlock()

	fields := logrus.Fields{"used": weight, "limit": w.limit, "pct": pct}
	switch {
	case pct >= 95:
		w.log.WithFields(fields).Warn("request weight critical")
	case pct >= 80:
		w.log.WithFields(fields).Info("request weight high")
	}
}

// Usage returns the current weight, the limit and the percentage used.
func (w *WeightTracker) Usage() (used, limit int, pct float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.now().Sub(w.lastReset) >= w.resetInterval {
		return 0, w.limit, 0
	}
	return w.usedWeight, w.limit, w.percentLocked()
}

// ShouldDelay reports whether the next request should wait for the window.
func (w *WeightTracker) ShouldDelay() bool {
	_, _, pct := w.Usage()
	return pct >= 90
}

func (w *WeightTracker) percentLocked() float64 {
	if w.limit <= 0 {
		return 0
	}
	return float64(w.usedWeight) / float64(w.limit) * 100
}
