package signal

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"signal-core/pkg/cache"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
	"signal-core/pkg/logging"
)

// SignaturePrefix is an optional scheme marker on the signature header.
const SignaturePrefix = "sha256="

// Outcome states written back into the dedupe window.
const (
	StatePending  = "PENDING"
	StateSkipped  = "SKIPPED"
	StateFilled   = "FILLED"
	StateRejected = "REJECTED"
	StateFailed   = "FAILED"
	StateError    = "ERROR"
)

// WebhookStore resolves webhook identities and their owning accounts.
type WebhookStore interface {
	GetWebhook(ctx context.Context, id string) (db.Webhook, error)
	GetAccount(ctx context.Context, id string) (db.Account, error)
}

// Admitter applies per-webhook admission control.
type Admitter interface {
	Allow(webhookID string) error
}

// Outcome is the latest known result of an admitted signal. Duplicate
// deliveries receive it instead of triggering new work.
type Outcome struct {
	State          string  `json:"state"`
	Reason         string  `json:"reason,omitempty"`
	Admit          bool    `json:"admit"`
	Probability    float64 `json:"probability,omitempty"`
	OrderID        string  `json:"order_id,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// Record holds the outcome of one admitted signal while it is in the window.
type Record struct {
	mu      sync.Mutex
	outcome Outcome
}

// Resolve replaces the recorded outcome.
func (r *Record) Resolve(o Outcome) {
	r.mu.Lock()
	r.outcome = o
	r.mu.Unlock()
}

// Outcome returns the recorded outcome.
func (r *Record) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// Admission is the result of a successful Admit.
type Admission struct {
	Signal    Signal
	Duplicate bool
	Prior     Outcome
	record    *Record
}

// Resolve writes the final outcome back so later duplicates can see it.
func (a Admission) Resolve(o Outcome) {
	if a.record != nil {
		a.record.Resolve(o)
	}
}

// Outcome returns the outcome currently recorded for the signal.
func (a Admission) Outcome() Outcome {
	if a.record == nil {
		return a.Prior
	}
	return a.record.Outcome()
}

// Gateway authenticates, validates and deduplicates webhook deliveries. Its
// only state is the recent-hash window.
type Gateway struct {
	webhooks WebhookStore
	vault    crypto.Vault
	limiter  Admitter
	window   *cache.ShardedCache[*Record]
	now      func() time.Time
	log      logrus.FieldLogger
}

// NewGateway builds a gateway whose dedupe window lasts for window.
func NewGateway(webhooks WebhookStore, vault crypto.Vault, limiter Admitter, window time.Duration, log logrus.FieldLogger) *Gateway {
	return &Gateway{
		webhooks: webhooks,
		vault:    vault,
		limiter:  limiter,
		window:   cache.New[*Record](window),
		now:      time.Now,
		log:      logging.OrStandard(log),
	}
}

// WithClock replaces the time source for the gateway and its window.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	g.window.WithClock(now)
	return g
}

// Window exposes the dedupe cache so callers can run its janitor.
func (g *Gateway) Window() *cache.ShardedCache[*Record] {
	return g.window
}

// Admit runs the admission steps in order, stopping at the first failure:
// webhook lookup, signature check, rate limit, payload validation, symbol
// normalization, content hashing and duplicate suppression.
func (g *Gateway) Admit(ctx context.Context, body []byte, signature, webhookID string) (Admission, error) {
	logger := g.log.WithField("webhook_id", webhookID)

	hook, account, err := g.resolve(ctx, webhookID)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			logger.WithField("security_event", true).WithError(err).Warn("Webhook rejected")
		}
		return Admission{}, err
	}

	if err := g.verify(hook, body, signature); err != nil {
		logger.WithField("security_event", true).Warn("Webhook signature mismatch")
		return Admission{}, err
	}

	if err := g.limiter.Allow(webhookID); err != nil {
		return Admission{}, err
	}

	sig, err := parsePayload(body)
	if err != nil {
		logger.WithError(err).Info("Webhook payload rejected")
		return Admission{}, err
	}
	sig.WebhookID = webhookID
	sig.AccountID = account.ID
	sig.ReceivedAt = g.now().UTC()
	sig.Hash = contentHash(sig)

	rec := &Record{outcome: Outcome{State: StatePending}}
	if prior, loaded := g.window.SetIfAbsent(sig.Hash, rec); loaded {
		logger.WithField("signal_hash", sig.Hash).Info("Duplicate signal delivery")
		return Admission{Signal: sig, Duplicate: true, Prior: prior.Outcome(), record: prior}, nil
	}
	return Admission{Signal: sig, Prior: rec.Outcome(), record: rec}, nil
}

func (g *Gateway) resolve(ctx context.Context, webhookID string) (db.Webhook, db.Account, error) {
	if webhookID == "" {
		return db.Webhook{}, db.Account{}, fmt.Errorf("%w: missing webhook id", ErrUnauthorized)
	}
	hook, err := g.webhooks.GetWebhook(ctx, webhookID)
	if errors.Is(err, db.ErrNotFound) {
		return db.Webhook{}, db.Account{}, fmt.Errorf("%w: unknown webhook", ErrUnauthorized)
	}
	if err != nil {
		return db.Webhook{}, db.Account{}, fmt.Errorf("load webhook: %w", err)
	}
	if !hook.Active {
		return db.Webhook{}, db.Account{}, fmt.Errorf("%w: webhook disabled", ErrUnauthorized)
	}

	account, err := g.webhooks.GetAccount(ctx, hook.AccountID)
	if errors.Is(err, db.ErrNotFound) {
		return db.Webhook{}, db.Account{}, fmt.Errorf("%w: unknown account", ErrUnauthorized)
	}
	if err != nil {
		return db.Webhook{}, db.Account{}, fmt.Errorf("load account: %w", err)
	}
	if !account.Active || account.DeletedAt != nil {
		return db.Webhook{}, db.Account{}, fmt.Errorf("%w: account inactive", ErrUnauthorized)
	}
	return hook, account, nil
}

// verify decrypts the webhook secret for the duration of the check only.
func (g *Gateway) verify(hook db.Webhook, body []byte, signature string) error {
	given, err := decodeSignature(signature)
	if err != nil {
		return ErrUnauthorized
	}

	secret, err := g.vault.DecryptBytes(hook.SecretEncrypted)
	if err != nil {
		return fmt.Errorf("open webhook secret: %w", err)
	}
	defer crypto.WipeBytes(secret)

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), given) {
		return ErrUnauthorized
	}
	return nil
}

func decodeSignature(header string) ([]byte, error) {
	s := strings.TrimSpace(header)
	if len(s) >= len(SignaturePrefix) && strings.EqualFold(s[:len(SignaturePrefix)], SignaturePrefix) {
		s = s[len(SignaturePrefix):]
	}
	if s == "" {
		return nil, errors.New("empty signature")
	}
	return hex.DecodeString(s)
}

// Sign returns the hex HMAC-SHA256 of body, the value senders put in the
// signature header.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// contentHash covers the normalized fields that identify the alert event, so
// formatting differences in the raw body do not defeat duplicate detection.
// Leverage and source scores are parameters of the event and stay out: a
// redelivery with different scores is still the same alert, and the first
// admission wins.
func contentHash(s Signal) string {
	canonical := strings.Join([]string{
		s.WebhookID,
		string(s.Action),
		s.Symbol,
		strconv.FormatFloat(s.Price, 'f', -1, 64),
		strconv.FormatInt(s.Timestamp.UnixMilli(), 10),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
