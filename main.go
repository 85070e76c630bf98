package main

import (
	"context"
	"errors"
	"fmt"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"cryptoRiskGuard/config"
	"cryptoRiskGuard/internal/adapters/binanceclient"
	"cryptoRiskGuard/internal/adapters/httpapi"
	"cryptoRiskGuard/internal/adapters/logger"
	"cryptoRiskGuard/internal/adapters/metrics"
	"cryptoRiskGuard/internal/adapters/notify"
	"cryptoRiskGuard/internal/adapters/sqlite"
	"cryptoRiskGuard/internal/admission"
	"cryptoRiskGuard/internal/app"
	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/feed"
	"cryptoRiskGuard/internal/ledger"
	"cryptoRiskGuard/internal/monitor"
	"cryptoRiskGuard/internal/policy"
	"cryptoRiskGuard/internal/ports"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewLogrusLogger(logger.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel, "format": cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Error(context.Background(), err, "Risk guard exited with error")
		stop()
		os.Exit(1)
	}
	appLogger.Info(context.Background(), "Application finished gracefully.")
}

func run(ctx context.Context, cfg *config.Config, appLogger ports.Logger) error {
	recorder := metrics.NewRecorder()

	// 3. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		Metrics:              recorder,
		MarginAsset:          cfg.Asset,
		RetryBase:            cfg.RetryBase,
		RetryAttempts:        cfg.RetryAttempts,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		return fmt.Errorf("initialize Binance client: %w", err)
	}
	appLogger.Info(ctx, "Binance client initialized")

	// 4. Load the risk policy
	table, err := loadPolicy(ctx, cfg, binanceClient, appLogger)
	if err != nil {
		return err
	}
	store, err := policy.New(table)
	if err != nil {
		return fmt.Errorf("validate risk policy: %w", err)
	}
	appLogger.Info(ctx, "Risk policy loaded", map[string]interface{}{"tiers": len(table.Tiers), "symbols": len(table.Symbols)})

	// 5. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		return fmt.Errorf("initialize database repository: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized")

	// 6. Risk core
	ledgers := ledger.NewRegistry(ledger.Config{
		Asset:  cfg.Asset,
		Mode:   cfg.PositionMode,
		Rates:  store,
		Logger: appLogger,
	})
	controller, err := admission.NewController(admission.Config{
		Ledgers:      ledgers,
		Policy:       store,
		Gateway:      binanceClient,
		Orders:       repo,
		Metrics:      recorder,
		Logger:       appLogger,
		EntryTimeout: cfg.EntryTimeout,
		ExitTimeout:  cfg.ExitTimeout,
	})
	if err != nil {
		return fmt.Errorf("initialize admission controller: %w", err)
	}

	hub := notify.NewHub(appLogger, nil)
	events := app.NewEventRecorder(repo, ledgers, notify.FanOut{hub}, recorder, appLogger)
	riskMonitor, err := monitor.New(monitor.Config{
		Ledgers:  ledgers,
		Policy:   store,
		Enforcer: controller,
		Sink:     events,
		Metrics:  recorder,
		Logger:   appLogger,
		Interval: cfg.MonitorInterval,
	})
	if err != nil {
		return fmt.Errorf("initialize risk monitor: %w", err)
	}

	service, err := app.NewRiskService(app.Config{
		Ledgers:    ledgers,
		Controller: controller,
		Monitor:    riskMonitor,
		Recorder:   events,
		Repo:       repo,
		Metrics:    recorder,
		Logger:     appLogger,
	})
	if err != nil {
		return fmt.Errorf("initialize risk service: %w", err)
	}

	// 7. Restore persisted state, then align the wallet balance with the exchange
	if err := service.Restore(ctx); err != nil {
		return err
	}
	balance, err := binanceClient.GetAccountBalance(ctx, cfg.Asset)
	if err != nil {
		return fmt.Errorf("fetch account balance: %w", err)
	}
	if err := service.SyncBalance(ctx, cfg.AccountID, balance); err != nil {
		return err
	}

	server, err := httpapi.New(httpapi.Config{
		Addr:    cfg.HTTPAddr,
		Logger:  appLogger,
		Ledgers: ledgers,
		Status:  riskMonitor,
		Trading: controller,
		Trader:  service,
		Events:  repo,
		Metrics: recorder.Handler(),
		Alerts:  hub.ServeWS,
		Checks: []httpapi.HealthCheck{
			{Name: "database", Check: repo.Ping},
			{Name: "exchange", Check: binanceClient.Ping},
		},
	})
	if err != nil {
		return fmt.Errorf("initialize http api: %w", err)
	}

	// 8. Run everything under one lifecycle
	prices := feed.NewDispatcher(cfg.ChannelBuffer, appLogger, recorder)
	fills := feed.NewFillDispatcher(cfg.ChannelBuffer)
	streamErr := func(stream string) func(error) {
		return func(err error) {
			appLogger.Warn(ctx, "Stream error", map[string]interface{}{"stream": stream, "error": err.Error()})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer prices.Close()
		done, err := binanceClient.StreamMarkPrices(gctx, cfg.Symbols, prices.Handler(gctx), streamErr("markPrice"))
		if err != nil {
			return err
		}
		<-done
		return streamEnded(gctx, "mark price")
	})
	g.Go(func() error {
		defer fills.Close()
		done, err := binanceClient.StreamFills(gctx, cfg.AccountID, fills.Handler(gctx), streamErr("userData"))
		if err != nil {
			return err
		}
		<-done
		return streamEnded(gctx, "user data")
	})
	g.Go(func() error { return service.Start(gctx, prices.Updates(), fills.Fills()) })
	g.Go(func() error { return riskMonitor.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	appLogger.Info(ctx, "Risk guard running", map[string]interface{}{"accountID": cfg.AccountID, "symbols": cfg.Symbols, "mode": string(cfg.PositionMode)})
	return g.Wait()
}

// loadPolicy reads the configured policy and overlays the exchange filters when enabled.
func loadPolicy(ctx context.Context, cfg *config.Config, client *binanceclient.Client, appLogger ports.Logger) (domain.PolicyTable, error) {
	table := config.DefaultPolicyFile()
	if cfg.PolicyFile != "" {
		var err error
		if table, err = config.LoadPolicyFile(cfg.PolicyFile); err != nil {
			return domain.PolicyTable{}, err
		}
	} else {
		appLogger.Warn(ctx, "POLICY_FILE not set, using the built-in risk policy")
	}
	if !cfg.SyncLimits {
		return table, nil
	}

	fetched, err := client.FetchSymbolLimits(ctx, cfg.Symbols)
	if err != nil {
		return domain.PolicyTable{}, fmt.Errorf("fetch exchange symbol limits: %w", err)
	}
	table, missing := policy.OverlayExchangeLimits(table, fetched)
	if len(missing) > 0 {
		appLogger.Warn(ctx, "Policy symbols unknown to the exchange keep their configured limits", map[string]interface{}{"symbols": missing})
	}
	return table, nil
}

func streamEnded(ctx context.Context, stream string) error {
	if ctx.Err() != nil {
		return nil
	}
	return errors.New(stream + " stream stopped after exhausting reconnect attempts")
}
