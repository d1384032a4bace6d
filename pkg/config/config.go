package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds environment-driven settings for the signal pipeline.
type Config struct {
	Port      string `envconfig:"PORT" default:"8080"`
	DBPath    string `envconfig:"DB_PATH" default:"./data/signal.db"`
	JWTSecret string `envconfig:"JWT_SECRET" default:"dev-secret"`
	// AdminPasswordHash is a bcrypt hash; see the hash-password command.
	AdminPasswordHash string `envconfig:"ADMIN_PASSWORD_HASH"`
	LogLevel          string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat         string `envconfig:"LOG_FORMAT" default:"text"`

	// Execution
	DryRun          bool    `envconfig:"DRY_RUN" default:"false"`
	ExchangeTestnet bool    `envconfig:"EXCHANGE_TESTNET" default:"false"`
	PaperEquity     float64 `envconfig:"PAPER_EQUITY" default:"10000"`
	PaperSlippage   float64 `envconfig:"PAPER_SLIPPAGE_BPS" default:"2"`

	// Strategy presets (YAML); empty uses the embedded defaults.
	StrategyPresetsPath string `envconfig:"STRATEGY_PRESETS_PATH"`

	// Webhook admission
	RateLimitCapacity        int           `envconfig:"RATE_LIMIT_CAPACITY" default:"10"`
	RateLimitRefillPerMinute float64       `envconfig:"RATE_LIMIT_REFILL_PER_MINUTE" default:"10"`
	DedupeWindow             time.Duration `envconfig:"DEDUPE_WINDOW" default:"10m"`

	// Order execution
	OrderMaxAttempts int           `envconfig:"ORDER_MAX_ATTEMPTS" default:"3"`
	OrderBackoffBase time.Duration `envconfig:"ORDER_BACKOFF_BASE" default:"250ms"`
	OrderBackoffMax  time.Duration `envconfig:"ORDER_BACKOFF_MAX" default:"4s"`
	ExchangeTimeout  time.Duration `envconfig:"EXCHANGE_TIMEOUT" default:"10s"`
	WorkerCount      int           `envconfig:"WORKER_COUNT" default:"8"`
	WorkerQueueSize  int           `envconfig:"WORKER_QUEUE_SIZE" default:"256"`

	// Adapter circuit breaker
	CircuitFailureThreshold int           `envconfig:"CIRCUIT_FAILURE_THRESHOLD" default:"3"`
	CircuitTimeout          time.Duration `envconfig:"CIRCUIT_TIMEOUT" default:"5m"`

	// Probability providers, "name=host:port,name2=payload,name3=technical".
	ProbabilitySources string        `envconfig:"PROBABILITY_SOURCES"`
	SourceTimeout      time.Duration `envconfig:"SOURCE_TIMEOUT" default:"2s"`

	// Market data / volatility
	ATRInterval string `envconfig:"ATR_INTERVAL" default:"1h"`
	ATRPeriod   int    `envconfig:"ATR_PERIOD" default:"14"`

	// Background services
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"1m"`
	BalanceTTL        time.Duration `envconfig:"BALANCE_TTL" default:"30s"`
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.RateLimitCapacity < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_CAPACITY must be >= 1"))
	}
	if c.RateLimitRefillPerMinute <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_REFILL_PER_MINUTE must be > 0"))
	}
	if c.DedupeWindow <= 0 {
		errs = append(errs, errors.New("DEDUPE_WINDOW must be > 0"))
	}
	if c.OrderMaxAttempts < 1 {
		errs = append(errs, errors.New("ORDER_MAX_ATTEMPTS must be >= 1"))
	}
	if c.OrderBackoffMax < c.OrderBackoffBase {
		errs = append(errs, errors.New("ORDER_BACKOFF_MAX must be >= ORDER_BACKOFF_BASE"))
	}
	if c.ExchangeTimeout <= 0 {
		errs = append(errs, errors.New("EXCHANGE_TIMEOUT must be > 0"))
	}
	if c.WorkerCount < 1 {
		errs = append(errs, errors.New("WORKER_COUNT must be >= 1"))
	}
	if c.ATRPeriod < 1 {
		errs = append(errs, errors.New("ATR_PERIOD must be >= 1"))
	}
	if _, err := c.Sources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Sources parses ProbabilitySources into name -> address.
func (c *Config) Sources() (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range splitAndTrim(c.ProbabilitySources) {
		name, addr, ok := strings.Cut(part, "=")
		name, addr = strings.TrimSpace(name), strings.TrimSpace(addr)
		if !ok || name == "" || addr == "" {
			return nil, fmt.Errorf("PROBABILITY_SOURCES entry %q must be name=address", part)
		}
		out[name] = addr
	}
	return out, nil
}

// InMemory reports whether the in-memory store was requested.
func (c *Config) InMemory() bool {
	return c.DBPath == ":memory:"
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
