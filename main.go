package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"signal-core/internal/api"
	"signal-core/internal/balance"
	"signal-core/internal/engine"
	"signal-core/internal/events"
	"signal-core/internal/gateway"
	"signal-core/internal/monitor"
	"signal-core/internal/order"
	"signal-core/internal/persistence"
	"signal-core/internal/ratelimit"
	"signal-core/internal/reconciliation"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
	"signal-core/internal/sources"
	"signal-core/internal/strategy"
	"signal-core/pkg/config"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/okx/swap"
	"signal-core/pkg/exchanges/paper"
	"signal-core/pkg/logging"
	market "signal-core/pkg/market/binance"
)

var buildVersion = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	if len(os.Args) > 1 {
		if err := runCommand(os.Args[1], os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.Configure(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Signal core stopped")
	}
}

// runCommand handles the operator helpers that do not start the server.
func runCommand(name string, args []string) error {
	switch name {
	case "hash-password":
		if len(args) != 1 {
			return errors.New("usage: signal-core hash-password <password>")
		}
		hash, err := api.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	case "token":
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		token, err := api.GenerateToken(api.AdminSubject, cfg.JWTSecret, time.Now().Add(72*time.Hour))
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	case "gen-key":
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	default:
		return fmt.Errorf("unknown command %q (want hash-password, token or gen-key)", name)
	}
}

func openStore(cfg *config.Config) (db.Store, error) {
	if cfg.InMemory() {
		return db.NewMemoryStore(), nil
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(database); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return database, nil
}

func run(cfg *config.Config, log logrus.FieldLogger) error {
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"version": buildVersion,
		"port":    cfg.Port,
		"db":      cfg.DBPath,
		"dry_run": cfg.DryRun,
		"testnet": cfg.ExchangeTestnet,
	}).Info("Starting signal core")

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	vault, err := crypto.NewKeyManager()
	if err != nil {
		return fmt.Errorf("init key manager: %w", err)
	}

	presets, err := strategy.LoadPresets(cfg.StrategyPresetsPath)
	if err != nil {
		return err
	}
	if err := strategy.SyncPresets(ctx, store, presets); err != nil {
		return err
	}
	log.WithField("strategies", len(presets)).Info("Strategy presets synced")

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	notifier := events.Multi{events.BusNotifier{Bus: bus}, events.LogNotifier{Log: log}}

	// Admission
	limiter := ratelimit.New(ratelimit.Config{
		Capacity:        cfg.RateLimitCapacity,
		RefillPerMinute: cfg.RateLimitRefillPerMinute,
		IdleTTL:         time.Hour,
	})
	limiter.StartSweeper(ctx, 10*time.Minute)
	admission := signal.NewGateway(store, vault, limiter, cfg.DedupeWindow, log)
	admission.Window().StartJanitor(ctx, time.Minute)

	// Market data; the stream keeps marks warm so sizing rarely hits REST.
	marketClient := market.NewClient(market.Config{
		Testnet: cfg.ExchangeTestnet,
		Timeout: cfg.ExchangeTimeout,
		MarkTTL: 3 * time.Second,
	})
	market.NewMarkStream(cfg.ExchangeTestnet, marketClient, log).Start(ctx)
	// OKX accounts size against OKX marks and contract lots.
	okxMarket := swap.NewClient(swap.Config{Sandbox: cfg.ExchangeTestnet, Timeout: cfg.ExchangeTimeout}, nil, log)

	// Adapter pool
	factory := &gateway.Factory{
		Vault:   vault,
		Timeout: cfg.ExchangeTimeout,
		DryRun:  cfg.DryRun,
		Testnet: cfg.ExchangeTestnet,
		Paper: paper.Config{
			InitialEquity: cfg.PaperEquity,
			FeeRate:       0.0004,
			SlippageBps:   cfg.PaperSlippage,
			LatencyMin:    20 * time.Millisecond,
			LatencyMax:    120 * time.Millisecond,
		},
		Prices: marketClient,
		Log:    log,
	}
	factory.Start(ctx)
	poolCfg := gateway.DefaultConfig()
	poolCfg.FailureThreshold = cfg.CircuitFailureThreshold
	poolCfg.CircuitTimeout = cfg.CircuitTimeout
	pool := gateway.NewManager(store, factory, poolCfg, log)
	pool.Start(ctx)
	defer pool.Stop()

	addrs, err := cfg.Sources()
	if err != nil {
		return err
	}
	registry, closeSources, err := sources.FromConfig(addrs, sources.Options{
		Timeout:  cfg.SourceTimeout,
		Klines:   marketClient,
		Interval: cfg.ATRInterval,
		Log:      log,
	})
	if err != nil {
		return fmt.Errorf("init probability sources: %w", err)
	}
	defer closeSources()

	balances := balance.NewManager(cfg.BalanceTTL, log)
	balances.StartJanitor(ctx, cfg.BalanceTTL)

	// Execution
	executor := order.NewExecutor(store, bus, notifier, order.Config{
		MaxAttempts: cfg.OrderMaxAttempts,
		BackoffBase: cfg.OrderBackoffBase,
		BackoffMax:  cfg.OrderBackoffMax,
		CallTimeout: cfg.ExchangeTimeout,
	}, log)
	executor.SetInvalidator(balances)
	if n, err := executor.Recover(ctx, pool); err != nil {
		return fmt.Errorf("recover in-flight orders: %w", err)
	} else if n > 0 {
		log.WithField("orders", n).Warn("Recovered orders interrupted by the previous run")
	}

	workers := order.NewAsyncExecutor(cfg.WorkerCount, cfg.WorkerQueueSize, log)
	// Queued jobs finish during shutdown instead of seeing a cancelled context.
	workers.Start(context.WithoutCancel(ctx))

	audit := persistence.NewAuditWriter(store, 100, 2*time.Second, log)

	svc, err := engine.NewService(engine.Deps{
		Gateway:  admission,
		Store:    store,
		Adapters: pool,
		Market:   marketClient,
		VenueMarkets: map[string]engine.VenueMarket{
			okxMarket.Venue(): okxMarket,
		},
		Sources:  registry,
		Balances: balances,
		Sizer:    risk.NewSizer(log),
		Executor: executor,
		Workers:  workers,
		Audit:    audit,
		Bus:      bus,
		Notifier: notifier,
		Metrics:  metrics,
		Log:      log,
	}, engine.Options{
		KlineInterval: cfg.ATRInterval,
		ATRPeriod:     cfg.ATRPeriod,
		JobTimeout:    2 * time.Minute,
	})
	if err != nil {
		return err
	}

	recon := reconciliation.NewService(store, pool, marketClient, cfg.ReconcileInterval, log)
	recon.SetMarkFeeder(factory)
	recon.SetLocker(executor)
	recon.SetNotifier(notifier, bus)
	recon.OnClose(balances.Invalidate)
	recon.Start(ctx)

	(&monitor.Monitor{Bus: bus, Metrics: metrics, Sink: monitor.LogSink{Log: log}, Log: log}).Start(ctx)

	server := api.NewServer(api.Config{
		Engine:            svc,
		Store:             store,
		Vault:             vault,
		Pool:              pool,
		Bus:               bus,
		Metrics:           metrics,
		Log:               log,
		JWTSecret:         cfg.JWTSecret,
		AdminPasswordHash: cfg.AdminPasswordHash,
		Version:           buildVersion,
	})
	server.StartJanitor(ctx, 10*time.Minute)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", httpServer.Addr).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown incomplete")
	}
	workers.Close()
	if err := audit.Close(); err != nil {
		log.WithError(err).Warn("Audit log flush failed")
	}
	log.Info("Shutdown complete")
	return nil
}
