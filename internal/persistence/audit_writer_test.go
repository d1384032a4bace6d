package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-core/pkg/db"
	"signal-core/pkg/logging"
)

type flakySink struct {
	mu      sync.Mutex
	fail    bool
	batches [][]db.AuditEntry
}

func (f *flakySink) AppendAudit(_ context.Context, entries []db.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("disk full")
	}
	f.batches = append(f.batches, append([]db.AuditEntry(nil), entries...))
	return nil
}

func TestAuditWriterFlushesWhenFull(t *testing.T) {
	store := db.NewMemoryStore()
	w := NewAuditWriter(store, 2, time.Hour, logging.Discard())
	defer w.Close()

	w.Record(db.AuditEntry{WebhookID: "wh", Outcome: "FILLED"})
	assert.Equal(t, 1, w.Pending())
	w.Record(db.AuditEntry{WebhookID: "wh", Outcome: "SKIPPED", Reason: "agreement"})
	assert.Zero(t, w.Pending())

	got, err := store.ListAudit(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, e := range got {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.CreatedAt.IsZero())
	}
	assert.Equal(t, uint64(2), w.Metrics().TotalWrites)
}

func TestAuditWriterKeepsFailedBatch(t *testing.T) {
	sink := &flakySink{fail: true}
	w := NewAuditWriter(sink, 100, time.Hour, logging.Discard())

	w.Record(db.AuditEntry{Outcome: "REJECTED"})
	require.Error(t, w.Flush(context.Background()))
	assert.Equal(t, 1, w.Pending())
	assert.Equal(t, uint64(1), w.Metrics().TotalErrors)

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()

	w.Record(db.AuditEntry{Outcome: "FILLED"})
	require.NoError(t, w.Close())

	require.Len(t, sink.batches, 1)
	assert.Equal(t, "REJECTED", sink.batches[0][0].Outcome)
	assert.Equal(t, "FILLED", sink.batches[0][1].Outcome)
}

func TestAuditWriterTimerFlush(t *testing.T) {
	sink := &flakySink{}
	w := NewAuditWriter(sink, 100, 10*time.Millisecond, logging.Discard())
	defer w.Close()

	w.Record(db.AuditEntry{Outcome: "FILLED"})
	assert.Eventually(t, func() bool { return w.Pending() == 0 }, time.Second, 5*time.Millisecond)
}
