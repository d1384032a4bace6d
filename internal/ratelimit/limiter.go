// Package ratelimit admits webhook calls through a token bucket per webhook.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DeniedError is returned when a webhook has exhausted its bucket.
type DeniedError struct {
	WebhookID  string
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("rate limited: webhook %s, retry after %s", e.WebhookID, e.RetryAfter)
}

// Result is the outcome of a single admission attempt.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Config sizes every bucket.
type Config struct {
	Capacity        int     // burst
	RefillPerMinute float64 // tokens added per minute
	IdleTTL         time.Duration
}

// Limiter holds one bucket per webhook id.
type Limiter struct {
	cfg   Config
	limit rate.Limit
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter. Capacity below one is raised to one.
func New(cfg Config) *Limiter {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		limit:   rate.Limit(cfg.RefillPerMinute / 60),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// WithClock replaces the time source. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// TryAdmit takes one token for webhookID if available. A denied attempt
// leaves the bucket exactly as it was.
func (l *Limiter) TryAdmit(webhookID string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[webhookID]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.cfg.Capacity)}
		l.buckets[webhookID] = b
	}
	b.lastSeen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return Result{Allowed: false, RetryAfter: rate.InfDuration}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Result{Allowed: false, RetryAfter: delay}
	}
	return Result{Allowed: true}
}

// Allow is TryAdmit returning a *DeniedError on denial.
func (l *Limiter) Allow(webhookID string) error {
	res := l.TryAdmit(webhookID)
	if res.Allowed {
		return nil
	}
	return &DeniedError{WebhookID: webhookID, RetryAfter: res.RetryAfter}
}

// Tokens reports the tokens currently available to webhookID.
func (l *Limiter) Tokens(webhookID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[webhookID]
	if !ok {
		return float64(l.cfg.Capacity)
	}
	return b.lim.TokensAt(l.now())
}

// Sweep drops buckets that are full and idle for longer than IdleTTL. A
// dropped bucket is recreated full, so no caller gains capacity from it.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) < l.cfg.IdleTTL {
			continue
		}
		if b.lim.TokensAt(now) >= float64(l.cfg.Capacity) {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// StartSweeper runs Sweep every interval until ctx is done.
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}
