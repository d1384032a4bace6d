package events

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"signal-core/pkg/logging"
)

// Notifier receives terminal-state notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// BusNotifier publishes notifications on the bus.
type BusNotifier struct {
	Bus *Bus
}

func (b BusNotifier) Notify(_ context.Context, n Notification) error {
	b.Bus.Publish(EventNotification, n)
	return nil
}

// LogNotifier writes notifications as structured log lines.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	entry := logging.OrStandard(l.Log).WithFields(logrus.Fields{
		"notification": n.Type,
		"account_id":   n.AccountID,
		"symbol":       n.Symbol,
		"order_id":     n.OrderID,
	})
	switch n.Type {
	case NotifyFilled:
		entry.Info(n.Detail)
	default:
		entry.Warn(n.Detail)
	}
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, x := range m {
		if err := x.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	return nil
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}
