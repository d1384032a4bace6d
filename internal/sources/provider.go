// Package sources collects (probability, confidence) scores for a signal
// from the payload or from remote model services.
package sources

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"signal-core/internal/ensemble"
	"signal-core/internal/signal"
	"signal-core/pkg/logging"
)

// ErrMissingScore is returned by Static when the payload lacks its source.
var ErrMissingScore = errors.New("score missing from payload")

// Provider yields one named score for a signal.
type Provider interface {
	Name() string
	Score(ctx context.Context, sig signal.Signal) (ensemble.Score, error)
}

// Static serves the score embedded in the signal payload under its name.
type Static struct {
	name string
}

// NewStatic returns a provider reading the named payload source.
func NewStatic(name string) Static { return Static{name: name} }

func (s Static) Name() string { return s.name }

func (s Static) Score(_ context.Context, sig signal.Signal) (ensemble.Score, error) {
	for _, src := range sig.Sources {
		if src.Name == s.name {
			return ensemble.Score{Name: src.Name, Probability: src.Probability, Confidence: src.Confidence, Weight: src.Weight}, nil
		}
	}
	return ensemble.Score{}, fmt.Errorf("%s: %w", s.name, ErrMissingScore)
}

// Registry fans a signal out to every registered provider.
type Registry struct {
	providers []Provider
	log       logrus.FieldLogger
}

// NewRegistry creates a registry. Provider names must be unique.
func NewRegistry(log logrus.FieldLogger, providers ...Provider) (*Registry, error) {
	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		if seen[p.Name()] {
			return nil, fmt.Errorf("duplicate provider %q", p.Name())
		}
		seen[p.Name()] = true
	}
	sorted := append([]Provider(nil), providers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })
	return &Registry{providers: sorted, log: logging.OrStandard(log)}, nil
}

// Names returns the registered provider names in order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.providers))
	for i, p := range r.providers {
		out[i] = p.Name()
	}
	return out
}

// Collect returns the scores for sig: one per provider, plus any payload
// score whose name no provider claims. Any provider failure fails the whole
// collection; a decision is never made on a subset.
func (r *Registry) Collect(ctx context.Context, sig signal.Signal) ([]ensemble.Score, error) {
	if len(r.providers) == 0 {
		return ensemble.FromSignal(sig), nil
	}

	scores := make([]ensemble.Score, len(r.providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range r.providers {
		g.Go(func() error {
			s, err := p.Score(gctx, sig)
			if err != nil {
				return fmt.Errorf("source %s: %w", p.Name(), err)
			}
			s.Name = p.Name()
			scores[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.log.WithError(err).WithField("signal_hash", sig.Hash).Warn("Probability collection failed")
		return nil, err
	}

	claimed := make(map[string]bool, len(scores))
	for _, s := range scores {
		claimed[s.Name] = true
	}
	for _, s := range ensemble.FromSignal(sig) {
		if !claimed[s.Name] {
			scores = append(scores, s)
		}
	}
	return scores, nil
}
