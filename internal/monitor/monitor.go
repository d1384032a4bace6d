package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"signal-core/internal/events"
	"signal-core/pkg/logging"
)

// AlertSink delivers operator alerts.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the logger.
type LogSink struct {
	Log logrus.FieldLogger
}

func (l LogSink) Send(message string) error {
	logging.OrStandard(l.Log).WithField("alert", true).Warn(message)
	return nil
}

// Monitor watches notifications, counts terminal outcomes and raises an
// alert for every non-fill.
type Monitor struct {
	Bus     *events.Bus
	Metrics *SystemMetrics
	Sink    AlertSink
	Log     logrus.FieldLogger
}

// Start consumes notifications until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	log := logging.OrStandard(m.Log)
	if m.Bus == nil {
		log.Warn("Monitor has no event bus; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(events.EventNotification, 100)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				n, ok := msg.(events.Notification)
				if !ok {
					continue
				}
				m.handle(n, log)
			}
		}
	}()
}

func (m *Monitor) handle(n events.Notification, log logrus.FieldLogger) {
	// Only notifications tied to an order count as order outcomes.
	if m.Metrics != nil && n.OrderID != "" {
		switch n.Type {
		case events.NotifyFilled:
			m.Metrics.Inc(OrdersFilled)
		case events.NotifyRejected:
			m.Metrics.Inc(OrdersRejected)
		case events.NotifyFailed:
			m.Metrics.Inc(OrdersFailed)
		}
	}
	if n.Type == events.NotifyFilled || m.Sink == nil {
		return
	}
	if err := m.Sink.Send(formatAlert(n)); err != nil {
		log.WithError(err).Warn("Alert delivery failed")
	}
}

func formatAlert(n events.Notification) string {
	at := n.At
	if at.IsZero() {
		at = time.Now()
	}
	msg := fmt.Sprintf("[%s] %s account=%s", at.UTC().Format(time.RFC3339), n.Type, n.AccountID)
	if n.Symbol != "" {
		msg += " symbol=" + n.Symbol
	}
	if n.Detail != "" {
		msg += ": " + n.Detail
	}
	return msg
}
