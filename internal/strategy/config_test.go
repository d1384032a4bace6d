package strategy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-core/pkg/db"
)

func validConfig() Config {
	return Config{
		ID:                   "test",
		Weights:              map[string]float64{"lstm": 0.4, "llm": 0.3, "ta": 0.3},
		MinProbability:       0.8,
		MinConfidence:        0.7,
		MinAgreement:         0.7,
		DefaultLeverage:      5,
		MaxLeverage:          10,
		PositionSizeFraction: 0.1,
		SLMultiplier:         1.5,
		TPMultiplier:         3,
		MaxOpenPositions:     3,
	}
}

func TestValidateAcceptsWeightsWithinEpsilon(t *testing.T) {
	cfg := validConfig()
	cfg.Weights = map[string]float64{"a": 0.1, "b": 0.2, "c": 0.7 + 5e-7}
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"weights under one", func(c *Config) { c.Weights["ta"] = 0.2 }},
		{"weights over one", func(c *Config) { c.Weights["ta"] = 0.31 }},
		{"negative weight", func(c *Config) { c.Weights = map[string]float64{"a": 1.5, "b": -0.5} }},
		{"no weights", func(c *Config) { c.Weights = nil }},
		{"probability above one", func(c *Config) { c.MinProbability = 1.2 }},
		{"negative agreement", func(c *Config) { c.MinAgreement = -0.1 }},
		{"zero max leverage", func(c *Config) { c.MaxLeverage = 0 }},
		{"zero default leverage", func(c *Config) { c.DefaultLeverage = 0 }},
		{"fraction above one", func(c *Config) { c.PositionSizeFraction = 1.5 }},
		{"zero fraction", func(c *Config) { c.PositionSizeFraction = 0 }},
		{"zero sl", func(c *Config) { c.SLMultiplier = 0 }},
		{"tp below sl", func(c *Config) { c.TPMultiplier = 1 }},
		{"tp equals sl", func(c *Config) { c.TPMultiplier = c.SLMultiplier }},
		{"no open positions", func(c *Config) { c.MaxOpenPositions = 0 }},
		{"missing id", func(c *Config) { c.ID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcknowledgedRisk(t *testing.T) {
	cfg := validConfig()
	cfg.TPMultiplier = 1
	require.Error(t, cfg.Validate())

	cfg.AcknowledgeRisk = true
	assert.NoError(t, cfg.Validate())
}

func TestClampLeverage(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 10, cfg.ClampLeverage(50))
	assert.Equal(t, 1, cfg.ClampLeverage(0))
	assert.Equal(t, 1, cfg.ClampLeverage(-3))
	assert.Equal(t, 7, cfg.ClampLeverage(7))
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{ID: "x"}.WithDefaults()
	assert.Equal(t, DefaultPositionSizeFraction, cfg.PositionSizeFraction)
	assert.Equal(t, 1, cfg.DefaultLeverage)
	assert.Equal(t, 1, cfg.MaxLeverage)
	assert.Equal(t, 1, cfg.MaxOpenPositions)
}

func TestEmbeddedPresets(t *testing.T) {
	presets, err := LoadPresets("")
	require.NoError(t, err)

	byID := make(map[string]Config)
	for _, p := range presets {
		byID[p.ID] = p
	}
	require.Contains(t, byID, "conservative")
	require.Contains(t, byID, "balanced")
	require.Contains(t, byID, "aggressive")

	c := byID["conservative"]
	assert.Equal(t, 0.8, c.MinProbability)
	assert.Equal(t, 0.7, c.MinConfidence)
	assert.Equal(t, 0.7, c.MinAgreement)

	assert.Less(t, byID["aggressive"].MinAgreement, byID["balanced"].MinAgreement)
	assert.Equal(t, 0.10, byID["balanced"].PositionSizeFraction)
}

func TestLoadPresetsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	doc := `
strategies:
  - id: custom
    weights: {lstm: 0.5, ta: 0.5}
    min_probability: 0.6
    min_confidence: 0.5
    min_agreement: 0.5
    default_leverage: 2
    max_leverage: 4
    sl_multiplier: 1
    tp_multiplier: 2
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	presets, err := LoadPresets(path)
	require.NoError(t, err)
	require.Len(t, presets, 1)
	assert.Equal(t, DefaultPositionSizeFraction, presets[0].PositionSizeFraction)
	assert.Equal(t, 1, presets[0].MaxOpenPositions)
}

func TestParsePresetsRejectsBadWeights(t *testing.T) {
	doc := `
strategies:
  - id: broken
    weights: {lstm: 0.5, ta: 0.4}
    default_leverage: 1
    max_leverage: 1
    sl_multiplier: 1
    tp_multiplier: 2
`
	_, err := ParsePresets([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights sum")
}

func TestParsePresetsRejectsDuplicateIDs(t *testing.T) {
	doc := `
strategies:
  - {id: a, weights: {x: 1}, sl_multiplier: 1, tp_multiplier: 2}
  - {id: a, weights: {x: 1}, sl_multiplier: 1, tp_multiplier: 2}
`
	_, err := ParsePresets([]byte(doc))
	assert.ErrorContains(t, err, "duplicate")
}

func TestSyncAndLookup(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()

	presets, err := LoadPresets("")
	require.NoError(t, err)
	require.NoError(t, SyncPresets(ctx, store, presets))

	cfg, err := Lookup(ctx, store, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultPresetID, cfg.ID)
	assert.InDelta(t, 1.0, cfg.Weights["lstm"]+cfg.Weights["llm"]+cfg.Weights["ta"], WeightEpsilon)

	_, err = Lookup(ctx, store, "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestFromRecordRejectsInvalidConfig(t *testing.T) {
	rec := db.StrategyRecord{ID: "bad", Config: `{"weights":{"a":0.2}}`}
	_, err := FromRecord(rec)
	assert.Error(t, err)
}
