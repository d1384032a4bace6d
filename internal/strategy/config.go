package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"signal-core/pkg/db"
)

// WeightEpsilon is the tolerance allowed when source weights are summed.
const WeightEpsilon = 1e-6

// DefaultPositionSizeFraction is the share of equity committed per entry when
// a config leaves it unset.
const DefaultPositionSizeFraction = 0.10

// Config holds the per-account tunables evaluated for every signal.
type Config struct {
	ID                   string             `yaml:"id" json:"id"`
	Name                 string             `yaml:"name" json:"name"`
	Weights              map[string]float64 `yaml:"weights" json:"weights"`
	MinProbability       float64            `yaml:"min_probability" json:"min_probability"`
	MinConfidence        float64            `yaml:"min_confidence" json:"min_confidence"`
	MinAgreement         float64            `yaml:"min_agreement" json:"min_agreement"`
	DefaultLeverage      int                `yaml:"default_leverage" json:"default_leverage"`
	MaxLeverage          int                `yaml:"max_leverage" json:"max_leverage"`
	PositionSizeFraction float64            `yaml:"position_size_fraction" json:"position_size_fraction"`
	SLMultiplier         float64            `yaml:"sl_multiplier" json:"sl_multiplier"`
	TPMultiplier         float64            `yaml:"tp_multiplier" json:"tp_multiplier"`
	AcknowledgeRisk      bool               `yaml:"acknowledge_risk" json:"acknowledge_risk"`
	MaxOpenPositions     int                `yaml:"max_open_positions" json:"max_open_positions"`
}

// WithDefaults fills zero-valued optional fields.
func (c Config) WithDefaults() Config {
	if c.PositionSizeFraction == 0 {
		c.PositionSizeFraction = DefaultPositionSizeFraction
	}
	if c.DefaultLeverage == 0 {
		c.DefaultLeverage = 1
	}
	if c.MaxLeverage == 0 {
		c.MaxLeverage = c.DefaultLeverage
	}
	if c.MaxOpenPositions == 0 {
		c.MaxOpenPositions = 1
	}
	return c
}

// Validate rejects configs the pipeline must never evaluate. Weights that do
// not sum to one are an error; they are never renormalized.
func (c Config) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if len(c.Weights) == 0 {
		errs = append(errs, errors.New("at least one source weight is required"))
	}
	sum := 0.0
	for _, name := range c.SourceNames() {
		w := c.Weights[name]
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			errs = append(errs, fmt.Errorf("weight for %q must be a non-negative number", name))
		}
		sum += w
	}
	if len(c.Weights) > 0 && math.Abs(sum-1) > WeightEpsilon {
		errs = append(errs, fmt.Errorf("weights sum to %.9f, want 1", sum))
	}

	for name, v := range map[string]float64{
		"min_probability": c.MinProbability,
		"min_confidence":  c.MinConfidence,
		"min_agreement":   c.MinAgreement,
	} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			errs = append(errs, fmt.Errorf("%s must be within [0,1]", name))
		}
	}

	if c.DefaultLeverage < 1 {
		errs = append(errs, errors.New("default_leverage must be >= 1"))
	}
	if c.MaxLeverage < 1 {
		errs = append(errs, errors.New("max_leverage must be >= 1"))
	}
	if c.PositionSizeFraction <= 0 || c.PositionSizeFraction > 1 {
		errs = append(errs, errors.New("position_size_fraction must be within (0,1]"))
	}
	if c.SLMultiplier <= 0 || c.TPMultiplier <= 0 {
		errs = append(errs, errors.New("sl_multiplier and tp_multiplier must be > 0"))
	} else if c.TPMultiplier <= c.SLMultiplier && !c.AcknowledgeRisk {
		errs = append(errs, errors.New("tp_multiplier must exceed sl_multiplier unless acknowledge_risk is set"))
	}
	if c.MaxOpenPositions < 1 {
		errs = append(errs, errors.New("max_open_positions must be >= 1"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("strategy %q: %w", c.ID, err)
	}
	return nil
}

// SourceNames returns the configured source names in a stable order.
func (c Config) SourceNames() []string {
	names := make([]string, 0, len(c.Weights))
	for name := range c.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClampLeverage bounds a requested leverage to [1, MaxLeverage].
func (c Config) ClampLeverage(requested int) int {
	if requested < 1 {
		requested = 1
	}
	if c.MaxLeverage >= 1 && requested > c.MaxLeverage {
		requested = c.MaxLeverage
	}
	return requested
}

// ToRecord serializes the config for storage.
func (c Config) ToRecord(now time.Time) (db.StrategyRecord, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return db.StrategyRecord{}, fmt.Errorf("encode strategy %s: %w", c.ID, err)
	}
	return db.StrategyRecord{ID: c.ID, Name: c.Name, Config: string(raw), UpdatedAt: now}, nil
}

// FromRecord decodes and validates a stored config.
func FromRecord(rec db.StrategyRecord) (Config, error) {
	var c Config
	if err := json.Unmarshal([]byte(rec.Config), &c); err != nil {
		return Config{}, fmt.Errorf("decode strategy %s: %w", rec.ID, err)
	}
	c.ID = rec.ID
	if c.Name == "" {
		c.Name = rec.Name
	}
	c = c.WithDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
