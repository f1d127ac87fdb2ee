package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fortuna/assets"
	"fortuna/config"
	"fortuna/engine"
	"fortuna/hotstore"
	"fortuna/locks"
	"fortuna/observability"
	"fortuna/observability/logging"
	telemetry "fortuna/observability/otel"
	"fortuna/rollup"
	"fortuna/rpc"
	"fortuna/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lotteryd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "", "path to the lotteryd configuration file (defaults apply when omitted)")
	flag.Parse()

	var cfg config.Config
	if *configFile == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(*configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	logger := logging.Setup("lotteryd", cfg.Environment)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "lotteryd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	hot, err := hotstore.Open(cfg.HotStore.Path)
	if err != nil {
		return fmt.Errorf("open hot store: %w", err)
	}
	defer func() { _ = hot.Close() }()

	lockSvc, err := locks.Open(cfg.Locks.Path)
	if err != nil {
		return fmt.Errorf("open lock store: %w", err)
	}
	defer func() { _ = lockSvc.Close() }()

	assetClient := assets.NewClient(assets.Config{
		URL:     cfg.Assets.Endpoint,
		Token:   cfg.Assets.Token,
		Timeout: cfg.Assets.Timeout.Duration,
	})

	overrides := make(map[string]engine.Cell, len(cfg.Pressure.Matrix))
	for key, cell := range cfg.Pressure.Matrix {
		overrides[key] = engine.Cell{EmptyWeightPpm: cell.EmptyWeightPpm, CapPpm: cell.CapPpm}
	}
	pressure := engine.NewController(hot, cfg.Pressure.Staleness.Duration, cfg.Pressure.Window.Duration,
		engine.WithMatrixOverrides(overrides),
		engine.WithPressureMetrics(observability.Pressure()),
	)

	pipeline, err := engine.New(engine.Config{
		Store:                store,
		Hot:                  hot,
		Locks:                lockSvc,
		Assets:               assetClient,
		Pressure:             pressure,
		DrawDeadline:         cfg.Pipeline.DrawDeadline.Duration,
		IdempotencyTTL:       cfg.Pipeline.IdempotencyTTL.Duration,
		IdempotencyWait:      cfg.Pipeline.IdempotencyWait.Duration,
		IdempotencyRetention: cfg.Pipeline.IdempotencyRetention.Duration,
		PricingCacheTTL:      cfg.Pipeline.PricingCacheTTL.Duration,
		LockTTL:              cfg.Locks.TTL.Duration,
		LockHeartbeat:        cfg.Locks.Heartbeat.Duration,
		LockAcquireTimeout:   cfg.Locks.AcquireTimeout.Duration,
		Params: engine.Params{
			PityThreshold:        cfg.Pipeline.PityThreshold,
			AntiEmptyThreshold:   cfg.Pipeline.AntiEmptyThreshold,
			AntiEmptyFallbackPpm: cfg.Pipeline.AntiEmptyFallbackPpm,
			AntiEmptyBoostPpm:    cfg.Pipeline.AntiEmptyBoostPpm,
			AntiHighThreshold:    cfg.Pipeline.AntiHighThreshold,
			AntiHighCooldown:     cfg.Pipeline.AntiHighCooldown,
			AntiHighFactorPpm:    cfg.Pipeline.AntiHighFactorPpm,
			LuckDebt: engine.LuckDebtParams{
				AlphaPpm:  cfg.Pipeline.LuckDebt.AlphaPpm,
				TargetPpm: cfg.Pipeline.LuckDebt.TargetPpm,
				GainPpm:   cfg.Pipeline.LuckDebt.GainPpm,
				MaxPpm:    cfg.Pipeline.LuckDebt.MaxPpm,
			},
		},
	}, engine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	rollupSvc := rollup.New(rollup.Config{
		Store:        store,
		Hot:          hot,
		Interval:     cfg.Metrics.RollupInterval.Duration,
		HotRetention: cfg.Metrics.HotRetention.Duration,
		HLLRetention: cfg.Metrics.HLLRetention.Duration,
		ExportDir:    cfg.Metrics.ExportDir,
	}, rollup.WithLogger(logger))

	outboxWorker := assets.NewWorker(store, assetClient,
		assets.WithInterval(cfg.Outbox.PollInterval.Duration),
		assets.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		assets.WithBackoff(cfg.Outbox.Backoff.Duration),
		assets.WithWorkerLogger(logger),
	)

	rpcServer := rpc.NewServer(rpc.Config{
		Pipeline:      pipeline,
		Store:         store,
		Rollup:        rollupSvc,
		AdminToken:    cfg.AdminToken,
		RatePerMinute: float64(cfg.RateLimit.PerMinute),
		RateBurst:     cfg.RateLimit.Burst,
		RateDisabled:  cfg.RateLimit.Disabled,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      rpcServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go rollupSvc.Run(stopCtx)
	go outboxWorker.Run(stopCtx)

	errs := make(chan error, 1)
	go func() {
		logger.Info("lotteryd listening", "address", cfg.ListenAddress, "environment", cfg.Environment)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
