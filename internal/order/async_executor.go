package order

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"signal-core/pkg/logging"
)

var (
	// ErrQueueFull is returned when the bounded job queue cannot take more work.
	ErrQueueFull = errors.New("execution queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("executor closed")
)

// Job is one unit of pipeline work run on the pool.
type Job func(ctx context.Context) (Result, error)

// ExecutionResult is reported to the observer after every job.
type ExecutionResult struct {
	Name      string        `json:"name"`
	OrderID   string        `json:"order_id,omitempty"`
	Success   bool          `json:"success"`
	Error     error         `json:"-"`
	ErrorMsg  string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

// Ticket tracks a submitted job.
type Ticket struct {
	Name string
	done chan struct{}
	res  Result
	err  error
}

// Done is closed once the job has finished.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the job finishes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.res, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type queued struct {
	ticket *Ticket
	job    Job
}

// AsyncExecutor runs jobs on a fixed worker pool fed by a bounded queue.
type AsyncExecutor struct {
	queue    chan queued
	workers  int
	log      logrus.FieldLogger
	observer func(ExecutionResult)

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	pending atomic.Int64
}

// NewAsyncExecutor creates a pool with the given worker count and queue size.
func NewAsyncExecutor(workers, queueSize int, log logrus.FieldLogger) *AsyncExecutor {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &AsyncExecutor{
		queue:   make(chan queued, queueSize),
		workers: workers,
		log:     logging.OrStandard(log),
	}
}

// SetObserver registers a callback invoked after each job. Call before Start.
func (a *AsyncExecutor) SetObserver(fn func(ExecutionResult)) {
	a.observer = fn
}

// Start launches the workers. Jobs run with ctx; cancelling it does not
// stop the workers, Close does.
func (a *AsyncExecutor) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.closed {
		return
	}
	a.started = true
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.worker(ctx)
	}
	a.log.WithField("workers", a.workers).Info("Execution workers started")
}

// Submit enqueues job without blocking.
func (a *AsyncExecutor) Submit(name string, job Job) (*Ticket, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, ErrClosed
	}
	t := &Ticket{Name: name, done: make(chan struct{})}
	select {
	case a.queue <- queued{ticket: t, job: job}:
		a.pending.Add(1)
		return t, nil
	default:
		return nil, ErrQueueFull
	}
}

// Pending returns queued plus running jobs.
func (a *AsyncExecutor) Pending() int {
	return int(a.pending.Load())
}

// Close stops accepting work and waits for queued jobs to drain.
func (a *AsyncExecutor) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	started := a.started
	a.mu.Unlock()

	if !started {
		// Nothing will drain the queue; release waiters.
		for q := range a.queue {
			q.ticket.err = ErrClosed
			close(q.ticket.done)
			a.pending.Add(-1)
		}
		return
	}
	a.wg.Wait()
}

func (a *AsyncExecutor) worker(ctx context.Context) {
	defer a.wg.Done()
	for q := range a.queue {
		a.run(ctx, q)
	}
}

func (a *AsyncExecutor) run(ctx context.Context, q queued) {
	defer a.pending.Add(-1)
	defer close(q.ticket.done)
	defer func() {
		if r := recover(); r != nil {
			a.log.WithField("job", q.ticket.Name).Errorf("Job panicked: %v", r)
			q.ticket.err = errors.New("job panicked")
		}
	}()

	start := time.Now()
	q.ticket.res, q.ticket.err = q.job(ctx)

	result := ExecutionResult{
		Name:      q.ticket.Name,
		OrderID:   q.ticket.res.Order.ID,
		Success:   q.ticket.err == nil,
		Error:     q.ticket.err,
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
	logger := a.log.WithFields(logrus.Fields{"job": result.Name, "latency": result.Latency})
	if q.ticket.err != nil {
		result.ErrorMsg = q.ticket.err.Error()
		logger.WithError(q.ticket.err).Debug("Job finished with error")
	} else {
		logger.Debug("Job finished")
	}
	if a.observer != nil {
		a.observer(result)
	}
}
