// Package engine runs admitted signals through decision, sizing and
// execution, and records what became of each one.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"signal-core/internal/events"
	"signal-core/internal/monitor"
	"signal-core/internal/order"
	"signal-core/internal/ratelimit"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
	"signal-core/pkg/logging"
)

// Deps wires the collaborators of the pipeline. Audit, Bus, Notifier and
// Metrics are optional.
type Deps struct {
	Gateway  Admitter
	Store    db.Store
	Adapters AdapterSource
	Market   MarketData
	// VenueMarkets overrides mark price and filters per adapter venue.
	// Venues without an entry use Market.
	VenueMarkets map[string]VenueMarket
	Sources      SourceCollector
	Balances     EquitySource
	Sizer        *risk.Sizer
	Executor     *order.Executor
	Workers      *order.AsyncExecutor
	Audit        AuditRecorder
	Bus          *events.Bus
	Notifier     events.Notifier
	Metrics      *monitor.SystemMetrics
	Log          logrus.FieldLogger
}

// Service is the entry point the HTTP layer talks to.
type Service struct {
	Deps
	opts Options
	log  logrus.FieldLogger
	now  func() time.Time
}

// NewService validates deps and returns a pipeline service.
func NewService(deps Deps, opts Options) (*Service, error) {
	switch {
	case deps.Gateway == nil:
		return nil, errors.New("engine: gateway is required")
	case deps.Store == nil:
		return nil, errors.New("engine: store is required")
	case deps.Adapters == nil:
		return nil, errors.New("engine: adapter source is required")
	case deps.Market == nil:
		return nil, errors.New("engine: market data is required")
	case deps.Sources == nil:
		return nil, errors.New("engine: source collector is required")
	case deps.Balances == nil:
		return nil, errors.New("engine: equity source is required")
	case deps.Executor == nil || deps.Workers == nil:
		return nil, errors.New("engine: executor and worker pool are required")
	}
	if deps.Sizer == nil {
		deps.Sizer = risk.NewSizer(deps.Log)
	}
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewSystemMetrics()
	}
	return &Service{
		Deps: deps,
		opts: opts.withDefaults(),
		log:  logging.OrStandard(deps.Log).WithField("component", "engine"),
		now:  time.Now,
	}, nil
}

// Ingest admits one webhook delivery and, when it is new, schedules it on
// the worker pool. Gateway errors are returned unchanged so callers can map
// them to responses; a full queue returns order.ErrQueueFull.
func (s *Service) Ingest(ctx context.Context, body []byte, signature, webhookID string) (Receipt, error) {
	s.Metrics.Inc(monitor.SignalsReceived)
	payloadHash := hashBody(body)

	adm, err := s.Gateway.Admit(ctx, body, signature, webhookID)
	if err != nil {
		s.rejected(ctx, webhookID, payloadHash, err)
		return Receipt{}, err
	}

	receipt := Receipt{Signal: adm.Signal, Duplicate: adm.Duplicate, Prior: adm.Prior, admission: adm}
	if adm.Duplicate {
		s.Metrics.Inc(monitor.SignalsDuplicate)
		s.audit(webhookID, AuditDuplicate, adm.Prior.State, adm.Signal.Hash)
		return receipt, nil
	}

	s.Metrics.Inc(monitor.SignalsAdmitted)
	s.publish(events.EventSignalAdmitted, adm.Signal)

	start := s.now()
	ticket, err := s.Workers.Submit(adm.Signal.Hash, func(ctx context.Context) (order.Result, error) {
		return s.process(ctx, adm, start)
	})
	if err != nil {
		s.Metrics.Inc(monitor.QueueRejected)
		adm.Resolve(signal.Outcome{State: signal.StateError, Reason: err.Error()})
		s.audit(webhookID, AuditQueueFull, err.Error(), adm.Signal.Hash)
		s.log.WithError(err).WithField("signal_hash", adm.Signal.Hash).Error("Signal could not be scheduled")
		return receipt, fmt.Errorf("schedule signal: %w", err)
	}
	receipt.Ticket = ticket
	s.Metrics.SetQueue(s.Workers.Pending(), s.busDropped())
	return receipt, nil
}

func (s *Service) rejected(ctx context.Context, webhookID, payloadHash string, err error) {
	var denied *ratelimit.DeniedError
	switch {
	case errors.Is(err, signal.ErrUnauthorized):
		s.Metrics.Inc(monitor.SignalsUnauthorized)
		s.audit(webhookID, AuditUnauthorized, err.Error(), payloadHash)
	case errors.As(err, &denied):
		s.Metrics.Inc(monitor.SignalsRateLimited)
		s.audit(webhookID, AuditRateLimited, err.Error(), payloadHash)
		s.notifyRateLimited(ctx, webhookID, denied)
	case errors.Is(err, signal.ErrInvalidPayload):
		s.Metrics.Inc(monitor.SignalsInvalid)
		s.audit(webhookID, AuditInvalid, err.Error(), payloadHash)
	default:
		s.Metrics.Inc(monitor.PipelineErrors)
		s.log.WithError(err).WithField("webhook_id", webhookID).Error("Admission failed")
	}
	s.publish(events.EventSignalRejected, map[string]string{"webhook_id": webhookID, "error": err.Error()})
}

func (s *Service) notifyRateLimited(ctx context.Context, webhookID string, denied *ratelimit.DeniedError) {
	if s.Notifier == nil {
		return
	}
	n := events.Notification{
		Type:   events.NotifyRateLimited,
		Detail: fmt.Sprintf("webhook %s throttled, retry after %s", webhookID, denied.RetryAfter.Round(time.Millisecond)),
		At:     s.now().UTC(),
	}
	if hook, err := s.Store.GetWebhook(ctx, webhookID); err == nil {
		n.AccountID = hook.AccountID
	}
	if err := s.Notifier.Notify(ctx, n); err != nil {
		s.log.WithError(err).Warn("Notification delivery failed")
	}
}

func (s *Service) audit(webhookID, outcome, reason, payloadHash string) {
	if s.Audit == nil {
		return
	}
	s.Audit.Record(db.AuditEntry{
		WebhookID:   webhookID,
		Outcome:     outcome,
		Reason:      reason,
		PayloadHash: payloadHash,
		CreatedAt:   s.now().UTC(),
	})
}

func (s *Service) publish(topic events.Event, payload any) {
	if s.Bus != nil {
		s.Bus.Publish(topic, payload)
	}
}

func (s *Service) busDropped() uint64 {
	if s.Bus == nil {
		return 0
	}
	return s.Bus.Dropped()
}

func hashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
