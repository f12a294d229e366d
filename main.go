package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"autotrader/config"
	"autotrader/internal/adapters/binanceclient"
	"autotrader/internal/adapters/httpapi"
	"autotrader/internal/adapters/logger"
	"autotrader/internal/adapters/notifier"
	"autotrader/internal/adapters/signalsource"
	"autotrader/internal/adapters/sqlite"
	"autotrader/internal/app"
	"autotrader/internal/domain"
	"autotrader/internal/execution"
	"autotrader/internal/ledger"
	"autotrader/internal/metrics"
	"autotrader/internal/ports"
	"autotrader/internal/retry"
	"autotrader/internal/risk"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// 1. Load Configuration
	cfg, warnings, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel, "mode": cfg.Mode})
	for _, w := range warnings {
		appLogger.Warn(ctx, "Config: "+w)
	}

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Error(ctx, err, "FATAL: autotrader exited with error")
		os.Exit(1)
	}
	appLogger.Info(ctx, "Application finished gracefully.")
}

func run(ctx context.Context, cfg *config.Config, appLogger ports.Logger) error {
	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		return err
	}
	closeRepo := true
	defer func() {
		if !closeRepo {
			return
		}
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()

	if cfg.SettingsFile != "" {
		seed, err := config.LoadSettingsSeed(cfg.SettingsFile)
		if err != nil {
			appLogger.Warn(ctx, "Settings file ignored", map[string]interface{}{"path": cfg.SettingsFile, "error": err.Error()})
		} else {
			n, err := repo.SeedSettings(ctx, seed)
			if err != nil {
				return err
			}
			appLogger.Info(ctx, "Settings seeded from file", map[string]interface{}{"path": cfg.SettingsFile, "inserted": n})
		}
	}

	// 4. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.New(reg)

	policy := retry.DefaultPolicy()
	policy.Timeout = cfg.RequestTimeout
	policy.MaxRetries = cfg.MaxRetries
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		appLogger.Warn(ctx, "Retrying remote call", map[string]interface{}{"attempt": attempt, "delay": delay.String(), "error": err.Error()})
	}

	// 5. Initialize Exchange Client (Binance Adapter). Virtual mode uses it for prices and symbols.
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		return err
	}
	if err := retry.Do(ctx, policy, binanceClient.Ping); err != nil {
		if cfg.Mode == domain.ModeReal {
			return err
		}
		appLogger.Warn(ctx, "Exchange unreachable, simulated prices fall back to signal entries", map[string]interface{}{"error": err.Error()})
	}

	// 6. Capital ledger
	ledgerCfg := ledger.Config{
		Logger:       appLogger,
		Store:        repo,
		Metrics:      appMetrics,
		StartBalance: cfg.VirtualStartBalance,
		Currency:     cfg.QuoteAsset,
	}
	if cfg.Mode == domain.ModeReal {
		if err := binanceClient.SetServerTime(ctx); err != nil {
			return err
		}
		ledgerCfg.Wallet = binanceClient
	}
	capitalLedger, err := ledger.New(ctx, ledgerCfg)
	if err != nil {
		return err
	}
	if cfg.Mode == domain.ModeReal {
		if err := capitalLedger.Refresh(ctx); err != nil {
			return err
		}
	}

	// 7. Execution adapter
	bracket := execution.BracketConfig{TakeProfitPct: cfg.TakeProfitPct, StopLossPct: cfg.StopLossPct}
	var broker ports.Broker
	switch cfg.Mode {
	case domain.ModeReal:
		broker, err = execution.NewReal(execution.RealConfig{
			Logger:          appLogger,
			Client:          binanceClient,
			Ledger:          capitalLedger,
			Trades:          repo,
			QuoteAsset:      cfg.QuoteAsset,
			DefaultLeverage: cfg.DefaultLeverage,
			Bracket:         bracket,
			Retry:           policy,
			SettleDelay:     cfg.SettleDelay,
			Metrics:         appMetrics,
		})
	default:
		simCfg := execution.SimulatedConfig{
			Logger:          appLogger,
			Ledger:          capitalLedger,
			Trades:          repo,
			Settings:        repo,
			Prices:          binanceClient,
			StaticSymbols:   cfg.Symbols,
			QuoteAsset:      cfg.QuoteAsset,
			DefaultLeverage: cfg.DefaultLeverage,
			Bracket:         bracket,
			Retry:           policy,
			Metrics:         appMetrics,
		}
		if len(cfg.Symbols) == 0 {
			simCfg.Symbols = binanceClient
		}
		broker, err = execution.NewSimulated(ctx, simCfg)
	}
	if err != nil {
		return err
	}

	// 8. Collaborators
	signals, err := signalsource.New(signalsource.Config{URL: cfg.SignalSourceURL, Retry: policy, Logger: appLogger})
	if err != nil {
		return err
	}
	discord, err := notifier.New(notifier.Config{WebhookURL: cfg.DiscordWebhookURL, Logger: appLogger})
	if err != nil {
		return err
	}

	// 9. Automation controller
	controller, err := app.NewController(ctx, app.Deps{
		Logger:   appLogger,
		Broker:   broker,
		Ledger:   capitalLedger,
		Gate:     risk.NewGate(app.DefaultSettings().Limits()),
		Signals:  signals,
		Trades:   repo,
		Settings: repo,
		Notifier: discord,
		Metrics:  appMetrics,
	})
	if err != nil {
		return err
	}

	// 10. Control API
	server, err := httpapi.New(httpapi.Config{
		Addr:       cfg.HTTPAddr,
		Logger:     appLogger,
		Automation: controller,
		Trades:     repo,
		Capital:    capitalLedger,
		Gatherer:   reg,
	})
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	if cfg.AutoStart {
		controller.Start()
	}

	select {
	case <-sigCtx.Done():
		appLogger.Info(ctx, "Shutdown signal received")
	case err = <-serveErr:
		if err != nil {
			appLogger.Error(ctx, err, "HTTP API stopped unexpectedly")
		}
	}

	if controller.IsRunning() && !controller.Stop() {
		appLogger.Warn(ctx, "Automation loop did not stop within the join timeout, waiting for the cycle to finish")
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		appLogger.Error(ctx, shutdownErr, "HTTP API shutdown failed")
	}
	// The worker may still be writing trades and stats.
	if waitErr := controller.Wait(shutdownCtx); waitErr != nil {
		appLogger.Error(ctx, waitErr, "Automation worker still running, database left open")
		closeRepo = false
	}
	return err
}
