package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bot-pedidos/internal/cache"
	"bot-pedidos/internal/catalog"
	"bot-pedidos/internal/config"
	"bot-pedidos/internal/convo"
	"bot-pedidos/internal/delivery"
	"bot-pedidos/internal/httpserver"
	"bot-pedidos/internal/ledger"
	"bot-pedidos/internal/logging"
	"bot-pedidos/internal/metrics"
	"bot-pedidos/internal/repo"
	"bot-pedidos/internal/sched"
	"bot-pedidos/internal/session"
	"bot-pedidos/internal/wa"
	"bot-pedidos/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting wa-order-bot", "env", cfg.AppEnv, "timezone", cfg.Location().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated", "postgres", cfg.UsePostgres())

	orders, err := ledger.New(ctx, repository, cfg.Location(), logger, metricRegistry)
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}

	var states convo.StateStore = convo.NewMemoryStateStore()
	if cfg.RedisAddr != "" {
		redisClient := cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
		states = convo.NewRedisStateStore(redisClient, cfg.RedisStateTTL)

		events, unsubscribe := orders.Subscribe(64)
		defer unsubscribe()
		go ledger.Relay(ctx, events, redisClient, cfg.LedgerEventsChannel, logger)
	} else {
		logger.Info("redis not configured, conversation state kept in memory")
	}

	products := catalog.New(catalog.Config{
		Path:         cfg.CatalogPath,
		ImageTimeout: cfg.CatalogTimeout,
	}, catalog.NewHTTPSource(catalog.SourceConfig{
		URL:     cfg.CatalogSourceURL,
		APIKey:  cfg.CatalogAPIKey,
		Timeout: cfg.CatalogTimeout,
	}), logger, metricRegistry)

	quoter := delivery.New(delivery.Config{
		BaseURL: cfg.DeliveryBaseURL,
		APIKey:  cfg.DeliveryAPIKey,
		Timeout: cfg.DeliveryTimeout,
		MapDir:  cfg.MapDir,
	}, logger, metricRegistry)

	sessions := session.New(repository, logger)

	waClient, err := wa.New(ctx, wa.Config{
		StorePath: cfg.WhatsAppStorePath,
		LogLevel:  cfg.WhatsAppLogLevel,
		Metrics:   metricRegistry,
	}, logger)
	if err != nil {
		return fmt.Errorf("init whatsapp client: %w", err)
	}
	defer waClient.Close()

	engine := convo.New(convo.Deps{
		Catalog:   products,
		Quoter:    quoter,
		Ledger:    orders,
		Sessions:  sessions,
		States:    states,
		Messenger: waClient,
	}, convo.Options{
		IdleTimeout:         cfg.IdleTimeout,
		OperatorJID:         cfg.OperatorJID,
		CatalogDocumentPath: cfg.CatalogDocumentPath,
		ReceiptDir:          cfg.ReceiptDir,
		PaymentInstructions: cfg.PaymentInstructions,
	}, logger, metricRegistry)
	waClient.SetMessageProcessor(engine)

	sweeper := sched.NewSessionSweeper(cfg.SweepInterval, cfg.IdleTimeout, sessions, engine, logger, metricRegistry)
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session sweeper stopped", "error", err)
		}
	}()

	waCtx, waCancel := context.WithCancel(ctx)
	defer waCancel()
	go func() {
		if err := waClient.Start(waCtx); err != nil {
			logger.Error("whatsapp client stopped", "error", err)
			stop()
		}
	}()

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Dependencies{
		Orders:   orders,
		Catalog:  products,
		Database: repository,
		Location: cfg.Location(),
	}, cfg.PublicBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if pending := sessions.Flush(shutdownCtx); pending > 0 {
		logger.Warn("session writes still pending at shutdown", "pending", pending)
	}

	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Repository, error) {
	if cfg.UsePostgres() {
		repository, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
		if err != nil {
			return nil, fmt.Errorf("init postgres repository: %w", err)
		}
		return repository, nil
	}
	repository, err := repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	if err != nil {
		return nil, fmt.Errorf("init sqlite repository: %w", err)
	}
	return repository, nil
}
