// Package persistence batches write-heavy, loss-tolerant records to the store.
package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"signal-core/pkg/db"
	"signal-core/pkg/logging"
)

// AuditSink persists audit entries in one transaction.
type AuditSink interface {
	AppendAudit(ctx context.Context, entries []db.AuditEntry) error
}

// Metrics describes flush activity.
type Metrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// AuditWriter buffers audit entries and flushes them when the buffer fills
// or on a timer. A failed batch is kept and retried on the next flush.
type AuditWriter struct {
	sink     AuditSink
	maxSize  int
	interval time.Duration
	log      logrus.FieldLogger
	now      func() time.Time

	mu     sync.Mutex
	buffer []db.AuditEntry

	flushMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	writes, batches, errs atomic.Uint64
	lastMu                sync.Mutex
	lastSize              int
	lastFlush             time.Time
}

// NewAuditWriter creates a writer and starts its background flusher.
func NewAuditWriter(sink AuditSink, maxSize int, interval time.Duration, log logrus.FieldLogger) *AuditWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	w := &AuditWriter{
		sink:     sink,
		maxSize:  maxSize,
		interval: interval,
		log:      logging.OrStandard(log),
		now:      time.Now,
		buffer:   make([]db.AuditEntry, 0, maxSize),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.backgroundFlush()
	return w
}

// Record enqueues one audit entry. ID and CreatedAt are filled when empty.
func (w *AuditWriter) Record(e db.AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = w.now().UTC()
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, e)
	full := len(w.buffer) >= w.maxSize
	w.mu.Unlock()

	if full {
		_ = w.Flush(context.Background())
	}
}

// Flush writes everything buffered.
func (w *AuditWriter) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.buffer
	w.buffer = make([]db.AuditEntry, 0, w.maxSize)
	w.mu.Unlock()

	w.batches.Add(1)
	w.lastMu.Lock()
	w.lastSize, w.lastFlush = len(batch), w.now()
	w.lastMu.Unlock()

	if err := w.sink.AppendAudit(ctx, batch); err != nil {
		w.errs.Add(1)
		w.mu.Lock()
		w.buffer = append(batch, w.buffer...)
		w.mu.Unlock()
		w.log.WithError(err).WithField("entries", len(batch)).Error("Audit flush failed")
		return err
	}
	w.writes.Add(uint64(len(batch)))
	w.log.WithField("entries", len(batch)).Debug("Audit entries flushed")
	return nil
}

func (w *AuditWriter) backgroundFlush() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = w.Flush(context.Background())
		case <-w.done:
			if err := w.Flush(context.Background()); err != nil {
				w.log.WithError(err).Warn("Final audit flush failed")
			}
			return
		}
	}
}

// Pending returns the number of buffered entries.
func (w *AuditWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Metrics returns flush statistics.
func (w *AuditWriter) Metrics() Metrics {
	w.lastMu.Lock()
	defer w.lastMu.Unlock()
	return Metrics{
		TotalWrites:   w.writes.Load(),
		TotalBatches:  w.batches.Load(),
		TotalErrors:   w.errs.Load(),
		LastBatchSize: w.lastSize,
		LastFlushTime: w.lastFlush,
	}
}

// Close stops the flusher after a final flush.
func (w *AuditWriter) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	return nil
}
