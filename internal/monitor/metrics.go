// Package monitor aggregates pipeline counters and latency distributions.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"signal-core/internal/gateway"
)

// Counter names.
const (
	SignalsReceived     = "signals_received"
	SignalsAdmitted     = "signals_admitted"
	SignalsDuplicate    = "signals_duplicate"
	SignalsUnauthorized = "signals_unauthorized"
	SignalsRateLimited  = "signals_rate_limited"
	SignalsInvalid      = "signals_invalid"
	DecisionsAdmitted   = "decisions_admitted"
	DecisionsSkipped    = "decisions_skipped"
	OrdersFilled        = "orders_filled"
	OrdersRejected      = "orders_rejected"
	OrdersFailed        = "orders_failed"
	PipelineErrors      = "pipeline_errors"
	QueueRejected       = "queue_rejected"
	APIRequests         = "api_requests"
	APIErrors           = "api_errors"
)

// SystemMetrics tracks pipeline performance.
type SystemMetrics struct {
	// End-to-end from ingest to terminal outcome.
	PipelineLatency *LatencyHistogram
	SourceLatency   *LatencyHistogram
	OrderLatency    *LatencyHistogram
	APILatency      *LatencyHistogram

	counters sync.Map // string -> *atomic.Uint64

	mu          sync.RWMutex
	gatewayPool gateway.PoolStats
	queueDepth  int
	busDropped  uint64
	started     time.Time
}

// LatencyHistogram tracks latency samples in a sliding window. Stats are
// computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		PipelineLatency: NewLatencyHistogram(1000),
		SourceLatency:   NewLatencyHistogram(1000),
		OrderLatency:    NewLatencyHistogram(1000),
		APILatency:      NewLatencyHistogram(1000),
		started:         time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts d to ms and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg and percentiles over the window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Inc increments the named counter.
func (m *SystemMetrics) Inc(name string) {
	m.counter(name).Add(1)
}

// Count returns the named counter.
func (m *SystemMetrics) Count(name string) uint64 {
	return m.counter(name).Load()
}

func (m *SystemMetrics) counter(name string) *atomic.Uint64 {
	if c, ok := m.counters.Load(name); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := m.counters.LoadOrStore(name, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}

// SetGatewayPoolStats updates adapter pool statistics.
func (m *SystemMetrics) SetGatewayPoolStats(stats gateway.PoolStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gatewayPool = stats
}

// SetQueue records work queue depth and event bus drops.
func (m *SystemMetrics) SetQueue(depth int, busDropped uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth, m.busDropped = depth, busDropped
}

// MetricsSnapshot is a point-in-time view.
type MetricsSnapshot struct {
	PipelineLatency LatencyStats      `json:"pipeline_latency"`
	SourceLatency   LatencyStats      `json:"source_latency"`
	OrderLatency    LatencyStats      `json:"order_latency"`
	APILatency      LatencyStats      `json:"api_latency"`
	Counters        map[string]uint64 `json:"counters"`
	GatewayPool     gateway.PoolStats `json:"gateway_pool"`
	QueueDepth      int               `json:"queue_depth"`
	BusDropped      uint64            `json:"bus_dropped"`
	GoroutineCount  int               `json:"goroutine_count"`
	HeapAlloc       uint64            `json:"heap_alloc_bytes"`
	Uptime          string            `json:"uptime"`
	Timestamp       time.Time         `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	counters := make(map[string]uint64)
	m.counters.Range(func(k, v any) bool {
		counters[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})

	m.mu.RLock()
	pool, depth, dropped := m.gatewayPool, m.queueDepth, m.busDropped
	m.mu.RUnlock()

	return MetricsSnapshot{
		PipelineLatency: m.PipelineLatency.Stats(),
		SourceLatency:   m.SourceLatency.Stats(),
		OrderLatency:    m.OrderLatency.Stats(),
		APILatency:      m.APILatency.Stats(),
		Counters:        counters,
		GatewayPool:     pool,
		QueueDepth:      depth,
		BusDropped:      dropped,
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		Uptime:          time.Since(m.started).Truncate(time.Second).String(),
		Timestamp:       time.Now(),
	}
}

// Timer measures an operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer starts a timer.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records the elapsed time.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
