package strategy

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"signal-core/pkg/db"
)

//go:embed presets.yaml
var embeddedPresets []byte

// DefaultPresetID is assigned to accounts that do not name a strategy.
const DefaultPresetID = "balanced"

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Strategies []Config `yaml:"strategies"`
}

// LoadPresets reads strategies from a YAML file, or the built-in presets when
// path is empty. Every entry is validated; one bad entry fails the load.
func LoadPresets(path string) ([]Config, error) {
	data := embeddedPresets
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read presets: %w", err)
		}
		data = b
	}
	return ParsePresets(data)
}

// ParsePresets decodes and validates a presets document.
func ParsePresets(data []byte) ([]Config, error) {
	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}
	if len(file.Strategies) == 0 {
		return nil, fmt.Errorf("parse presets: no strategies defined")
	}

	seen := make(map[string]bool, len(file.Strategies))
	out := make([]Config, 0, len(file.Strategies))
	for _, cfg := range file.Strategies {
		cfg = cfg.WithDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("parse presets: duplicate strategy id %q", cfg.ID)
		}
		seen[cfg.ID] = true
		out = append(out, cfg)
	}
	return out, nil
}

// SyncPresets upserts configs into the store in one transaction.
func SyncPresets(ctx context.Context, store db.Store, configs []Config) error {
	now := time.Now().UTC()
	recs := make([]db.StrategyRecord, 0, len(configs))
	for _, cfg := range configs {
		rec, err := cfg.ToRecord(now)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	if err := store.UpsertStrategies(ctx, recs); err != nil {
		return fmt.Errorf("sync strategies: %w", err)
	}
	return nil
}

// Lookup resolves a strategy config by id from the store.
func Lookup(ctx context.Context, store db.Store, id string) (Config, error) {
	if id == "" {
		id = DefaultPresetID
	}
	rec, err := store.GetStrategy(ctx, id)
	if err != nil {
		return Config{}, fmt.Errorf("load strategy %s: %w", id, err)
	}
	return FromRecord(rec)
}
