// Package ensemble combines independent probability sources into a single
// entry decision.
package ensemble

import (
	"fmt"
	"sort"
	"time"

	"signal-core/internal/signal"
	"signal-core/internal/strategy"
	"signal-core/pkg/db"
)

// Score is one source's estimate that the signalled trade succeeds.
type Score struct {
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
	Confidence  float64 `json:"confidence"`
	// Weight is what the source reported for itself. The strategy config
	// overrides it.
	Weight float64 `json:"weight,omitempty"`
}

// Decision is the verdict for one signal.
type Decision struct {
	SignalHash          string        `json:"signal_hash"`
	Action              signal.Action `json:"action"`
	CombinedProbability float64       `json:"combined_probability"`
	Confidence          float64       `json:"confidence"`
	MinConfidence       float64       `json:"min_confidence"`
	Agreement           float64       `json:"agreement"`
	Admit               bool          `json:"admit"`
	Reason              string        `json:"reason"`
}

const (
	ReasonExit     = "exit signal"
	ReasonAdmitted = "thresholds met"
)

// Decide evaluates sources against cfg. It is pure: equal inputs produce
// equal decisions. cfg is assumed validated; weights are never renormalized.
func Decide(sig signal.Signal, sources []Score, cfg strategy.Config) Decision {
	d := Decision{SignalHash: sig.Hash, Action: sig.Action}

	if sig.Action.IsExit() {
		d.Admit = true
		d.Reason = ReasonExit
		return d
	}
	if len(sources) == 0 {
		d.Reason = "no probability sources"
		return d
	}

	ordered := make([]Score, len(sources))
	copy(ordered, sources)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	present := make(map[string]bool, len(ordered))
	for _, s := range ordered {
		if _, ok := cfg.Weights[s.Name]; !ok {
			d.Reason = fmt.Sprintf("source %q has no configured weight", s.Name)
			return d
		}
		if present[s.Name] {
			d.Reason = fmt.Sprintf("source %q reported twice", s.Name)
			return d
		}
		present[s.Name] = true
	}
	for _, name := range cfg.SourceNames() {
		if !present[name] {
			d.Reason = fmt.Sprintf("configured source %q missing", name)
			return d
		}
	}

	minConf := ordered[0].Confidence
	for _, s := range ordered {
		w := cfg.Weights[s.Name]
		d.CombinedProbability += w * s.Probability
		d.Confidence += w * s.Confidence
		if s.Confidence < minConf {
			minConf = s.Confidence
		}
	}
	d.MinConfidence = minConf

	bullish := d.CombinedProbability >= 0.5
	agreeing := 0
	for _, s := range ordered {
		if (s.Probability >= 0.5) == bullish {
			agreeing++
		}
	}
	d.Agreement = float64(agreeing) / float64(len(ordered))

	switch {
	case d.CombinedProbability < cfg.MinProbability:
		d.Reason = fmt.Sprintf("combined probability %.4f below %.4f", d.CombinedProbability, cfg.MinProbability)
	case d.MinConfidence < cfg.MinConfidence:
		d.Reason = fmt.Sprintf("source confidence %.4f below %.4f", d.MinConfidence, cfg.MinConfidence)
	case d.Agreement < cfg.MinAgreement:
		d.Reason = fmt.Sprintf("agreement %.4f below %.4f", d.Agreement, cfg.MinAgreement)
	default:
		d.Admit = true
		d.Reason = ReasonAdmitted
	}
	return d
}

// Record converts the decision to its persisted form.
func (d Decision) Record(sig signal.Signal, at time.Time) db.Decision {
	return db.Decision{
		SignalHash:          d.SignalHash,
		AccountID:           sig.AccountID,
		Symbol:              sig.Symbol,
		Action:              string(d.Action),
		CombinedProbability: d.CombinedProbability,
		Confidence:          d.Confidence,
		Agreement:           d.Agreement,
		Admit:               d.Admit,
		Reason:              d.Reason,
		CreatedAt:           at,
	}
}

// FromSignal converts scores embedded in the payload.
func FromSignal(sig signal.Signal) []Score {
	out := make([]Score, 0, len(sig.Sources))
	for _, s := range sig.Sources {
		out = append(out, Score{Name: s.Name, Probability: s.Probability, Confidence: s.Confidence, Weight: s.Weight})
	}
	return out
}
