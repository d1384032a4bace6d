package ensemble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-core/internal/signal"
	"signal-core/internal/strategy"
)

func conservative() strategy.Config {
	return strategy.Config{
		ID:                   "conservative",
		Weights:              map[string]float64{"lstm": 0.4, "llm": 0.3, "ta": 0.3},
		MinProbability:       0.8,
		MinConfidence:        0.7,
		MinAgreement:         0.7,
		DefaultLeverage:      3,
		MaxLeverage:          5,
		PositionSizeFraction: 0.1,
		SLMultiplier:         1.5,
		TPMultiplier:         3,
		MaxOpenPositions:     3,
	}
}

func longSignal() signal.Signal {
	return signal.Signal{Hash: "abc", Action: signal.ActionLong, Symbol: "BTC-USDT", AccountID: "acct"}
}

func scenarioSources() []Score {
	return []Score{
		{Name: "lstm", Probability: 0.85, Confidence: 0.8, Weight: 0.4},
		{Name: "llm", Probability: 0.78, Confidence: 0.75, Weight: 0.3},
		{Name: "ta", Probability: 0.9, Confidence: 0.7, Weight: 0.3},
	}
}

func TestDecideAdmitsStrongConsensus(t *testing.T) {
	d := Decide(longSignal(), scenarioSources(), conservative())

	require.True(t, d.Admit, d.Reason)
	// 0.4*0.85 + 0.3*0.78 + 0.3*0.9
	assert.InDelta(t, 0.844, d.CombinedProbability, 1e-9)
	assert.InDelta(t, 0.837, d.CombinedProbability, 0.01)
	assert.InDelta(t, 0.755, d.Confidence, 1e-9)
	assert.Equal(t, 0.7, d.MinConfidence)
	assert.Equal(t, 1.0, d.Agreement)
	assert.Equal(t, ReasonAdmitted, d.Reason)
}

func TestDecideIsPure(t *testing.T) {
	cfg := conservative()
	sources := scenarioSources()

	first := Decide(longSignal(), sources, cfg)
	// Reordering inputs must not change float summation.
	reversed := []Score{sources[2], sources[1], sources[0]}
	second := Decide(longSignal(), reversed, cfg)
	third := Decide(longSignal(), sources, cfg)

	assert.Equal(t, first, second)
	assert.Equal(t, first, third)
	assert.Equal(t, "lstm", sources[0].Name, "input must not be reordered")
}

func TestDecideUsesConfiguredWeights(t *testing.T) {
	sources := scenarioSources()
	for i := range sources {
		sources[i].Weight = 0.01
	}
	d := Decide(longSignal(), sources, conservative())
	assert.InDelta(t, 0.844, d.CombinedProbability, 1e-9)
}

func TestDecideRejects(t *testing.T) {
	tests := []struct {
		name    string
		sources []Score
		reason  string
	}{
		{
			name:   "empty",
			reason: "no probability sources",
		},
		{
			name: "low probability",
			sources: []Score{
				{Name: "lstm", Probability: 0.7, Confidence: 0.9},
				{Name: "llm", Probability: 0.7, Confidence: 0.9},
				{Name: "ta", Probability: 0.7, Confidence: 0.9},
			},
			reason: "combined probability",
		},
		{
			name: "one unsure source",
			sources: []Score{
				{Name: "lstm", Probability: 0.9, Confidence: 0.9},
				{Name: "llm", Probability: 0.9, Confidence: 0.4},
				{Name: "ta", Probability: 0.9, Confidence: 0.9},
			},
			reason: "source confidence",
		},
		{
			name: "dissenting source",
			sources: []Score{
				{Name: "lstm", Probability: 1.0, Confidence: 0.9},
				{Name: "llm", Probability: 1.0, Confidence: 0.9},
				{Name: "ta", Probability: 0.4, Confidence: 0.9},
			},
			reason: "agreement",
		},
		{
			name: "missing configured source",
			sources: []Score{
				{Name: "lstm", Probability: 0.9, Confidence: 0.9},
				{Name: "llm", Probability: 0.9, Confidence: 0.9},
			},
			reason: `configured source "ta" missing`,
		},
		{
			name: "unknown source",
			sources: []Score{
				{Name: "lstm", Probability: 0.9, Confidence: 0.9},
				{Name: "llm", Probability: 0.9, Confidence: 0.9},
				{Name: "ta", Probability: 0.9, Confidence: 0.9},
				{Name: "oracle", Probability: 0.9, Confidence: 0.9},
			},
			reason: `source "oracle" has no configured weight`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(longSignal(), tt.sources, conservative())
			assert.False(t, d.Admit)
			assert.Contains(t, d.Reason, tt.reason)
		})
	}
}

func TestDecideAgreementFollowsCombinedDirection(t *testing.T) {
	cfg := conservative()
	cfg.MinProbability = 0
	sources := []Score{
		{Name: "lstm", Probability: 0.2, Confidence: 0.9},
		{Name: "llm", Probability: 0.3, Confidence: 0.9},
		{Name: "ta", Probability: 0.9, Confidence: 0.9},
	}
	d := Decide(longSignal(), sources, cfg)
	assert.Less(t, d.CombinedProbability, 0.5)
	assert.InDelta(t, 2.0/3.0, d.Agreement, 1e-9)
}

func TestDecideLowerAgreementForAggressivePresets(t *testing.T) {
	sources := []Score{
		{Name: "lstm", Probability: 0.95, Confidence: 0.8},
		{Name: "llm", Probability: 0.9, Confidence: 0.8},
		{Name: "ta", Probability: 0.45, Confidence: 0.8},
	}

	strict := conservative()
	strict.MinProbability = 0.6
	assert.False(t, Decide(longSignal(), sources, strict).Admit)

	aggressive := strict
	aggressive.MinAgreement = 0.6
	assert.True(t, Decide(longSignal(), sources, aggressive).Admit)
}

func TestDecideExitBypassesGates(t *testing.T) {
	sig := longSignal()
	sig.Action = signal.ActionCloseAll
	d := Decide(sig, nil, conservative())
	assert.True(t, d.Admit)
	assert.Equal(t, ReasonExit, d.Reason)
}

func TestFromSignal(t *testing.T) {
	sig := longSignal()
	sig.Sources = []signal.SourceScore{{Name: "lstm", Probability: 0.6, Confidence: 0.5}}
	scores := FromSignal(sig)
	require.Len(t, scores, 1)
	assert.Equal(t, Score{Name: "lstm", Probability: 0.6, Confidence: 0.5}, scores[0])
}
