package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	unsetEnv(t, "PORT", "DB_PATH", "ORDER_MAX_ATTEMPTS", "DEDUPE_WINDOW", "RATE_LIMIT_CAPACITY", "PROBABILITY_SOURCES")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 3, cfg.OrderMaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.DedupeWindow)
	assert.Equal(t, 10, cfg.RateLimitCapacity)
	assert.False(t, cfg.InMemory())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_PATH", ":memory:")
	t.Setenv("ORDER_MAX_ATTEMPTS", "5")
	t.Setenv("PROBABILITY_SOURCES", "lstm=localhost:50051, llm = localhost:50052")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.InMemory())
	assert.Equal(t, 5, cfg.OrderMaxAttempts)

	sources, err := cfg.Sources()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"lstm": "localhost:50051", "llm": "localhost:50052"}, sources)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.RateLimitCapacity = 0 }},
		{"no refill", func(c *Config) { c.RateLimitRefillPerMinute = 0 }},
		{"zero attempts", func(c *Config) { c.OrderMaxAttempts = 0 }},
		{"inverted backoff", func(c *Config) { c.OrderBackoffMax = time.Millisecond }},
		{"bad source", func(c *Config) { c.ProbabilitySources = "lstm" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	valid := validConfig()
	assert.NoError(t, valid.Validate())
}

func validConfig() Config {
	return Config{
		RateLimitCapacity:        10,
		RateLimitRefillPerMinute: 10,
		DedupeWindow:             time.Minute,
		OrderMaxAttempts:         3,
		OrderBackoffBase:         100 * time.Millisecond,
		OrderBackoffMax:          time.Second,
		ExchangeTimeout:          time.Second,
		WorkerCount:              1,
		ATRPeriod:                14,
	}
}

func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}
