// Jobpilot API — приём заявок на отклик.
//
// API:
//   - Создаёт applications (по одной и пакетами)
//   - Ставит их в очередь pending и публикует application.pending
//   - Отдаёт статус, history и сводку по пакету
//   - Принимает запросы на отмену
//
// Продвижением applications занимается jobpilot-worker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaiso/Jobpilot/internal/api"
	"github.com/shaiso/Jobpilot/internal/config"
	"github.com/shaiso/Jobpilot/internal/mq"
	"github.com/shaiso/Jobpilot/internal/repo"
	"github.com/shaiso/Jobpilot/internal/retry"
	"github.com/shaiso/Jobpilot/internal/statemachine"
	"github.com/shaiso/Jobpilot/internal/telemetry"
)

func main() {
	cfg, err := config.Load(os.Getenv("JOBPILOT_CONFIG"))
	if err != nil {
		telemetry.NewLogger(telemetry.LogConfig{}).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.Logging.LogConfig(), "jobpilot-api")
	logger.Info("starting jobpilot-api", "environment", cfg.App.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Подключаемся к базе данных
	pool, err := repo.NewPool(ctx, cfg.Database.Postgres.PoolConfig())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	if cfg.Database.Postgres.Migrate {
		if err := repo.Migrate(ctx, pool); err != nil {
			logger.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	}

	store := repo.NewPostgresStore(pool)
	policy := retry.New(cfg.Retry.Policy())
	controller := statemachine.New(statemachine.Config{
		Store:          store,
		MatchThreshold: cfg.Analysis.MatchThreshold,
		Limits:         policy,
		Hooks:          []statemachine.Hook{telemetry.ObserveTransition},
		Logger:         logger,
	})

	// RabbitMQ — опционально, воркеры опрашивают очередь и без него
	var notifier api.Notifier
	mqCfg := cfg.RabbitMQ.ConnectionConfig()
	mqCfg.Logger = logger
	mqConn, err := mq.NewConnection(mqCfg)
	if err != nil {
		logger.Warn("RabbitMQ not available, workers will poll the queue", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		notifier = mq.NewPublisher(mqConn, logger)
		logger.Info("RabbitMQ connected")
	}

	handler := api.NewHandler(api.Config{
		Controller:  controller,
		Store:       store,
		Notifier:    notifier,
		HealthCheck: pool.Ping,
		Logger:      logger,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.HTTP.APIAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.HTTP.APIAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("jobpilot-api stopped")
}
