// Jobpilot Worker — продвигает applications по state machine.
//
// Worker:
//   - Забирает готовые applications из очереди pending
//   - Захватывает lease в Redis, чтобы одну application вёл один воркер
//   - Запускает decision loop: вызовы decision/automation сервисов и переходы
//   - Откладывает retry через очередь с notBefore
//   - Периодически возвращает в очередь зависшие applications
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Jobpilot/internal/config"
	"github.com/shaiso/Jobpilot/internal/gateway"
	"github.com/shaiso/Jobpilot/internal/lease"
	"github.com/shaiso/Jobpilot/internal/mq"
	"github.com/shaiso/Jobpilot/internal/orchestrator"
	"github.com/shaiso/Jobpilot/internal/repo"
	"github.com/shaiso/Jobpilot/internal/retry"
	"github.com/shaiso/Jobpilot/internal/scheduler"
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
	logger := telemetry.SetupLogger(cfg.Logging.LogConfig(), "jobpilot-worker")
	logger.Info("starting jobpilot-worker", "environment", cfg.App.Environment)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.Database.Postgres.PoolConfig())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	if cfg.Database.Postgres.Migrate {
		if err := repo.Migrate(ctx, pool); err != nil {
			logger.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	}
	store := repo.NewPostgresStore(pool)

	// Redis — lease table
	rdb := redis.NewClient(cfg.Redis.Options())
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	leases := lease.NewRedisTable(lease.RedisConfig{Client: rdb, KeyPrefix: cfg.Redis.KeyPrefix})
	logger.Info("redis connected")

	// RabbitMQ — опционально
	hooks := []statemachine.Hook{telemetry.ObserveTransition}
	var (
		notifier orchestrator.Notifier
		mqConn   *mq.Connection
	)
	mqCfg := cfg.RabbitMQ.ConnectionConfig()
	mqCfg.Logger = logger
	mqConn, err = mq.NewConnection(mqCfg)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		mqConn = nil
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		publisher := mq.NewPublisher(mqConn, logger)
		notifier = publisher
		hooks = append(hooks, publisher.TransitionHook())
		logger.Info("RabbitMQ connected")
	}

	// State machine, retry policy, gateways
	policy := retry.New(cfg.Retry.Policy())
	controller := statemachine.New(statemachine.Config{
		Store:          store,
		MatchThreshold: cfg.Analysis.MatchThreshold,
		Limits:         policy,
		Hooks:          hooks,
		Logger:         logger,
	})

	timeout := cfg.Gateways.CallTimeout
	decision := gateway.GuardDecision(gateway.NewHTTPDecision(cfg.Gateways.Decision.HTTPConfig(timeout)), timeout)
	automation := gateway.GuardAutomation(gateway.NewHTTPAutomation(cfg.Gateways.Automation.HTTPConfig(timeout)), timeout)

	loop := orchestrator.New(orchestrator.Config{
		Controller: controller,
		Decision:   decision,
		Automation: automation,
		Policy:     policy,
		Queue:      store,
		Notifier:   notifier,
		MaxSteps:   cfg.Pool.MaxSteps,
		Logger:     logger,
	})

	// Worker pool
	workers := scheduler.NewPool(scheduler.PoolConfig{
		Queue:        store,
		Leases:       leases,
		Runner:       loop,
		Conn:         mqConn,
		Size:         cfg.Pool.Size,
		WorkerID:     cfg.Pool.WorkerID,
		PollInterval: cfg.Pool.PollInterval,
		LeaseTTL:     cfg.Pool.LeaseTTL,
		RequeueDelay: cfg.Pool.RequeueDelay,
		Logger:       logger,
	})
	if err := workers.Start(ctx); err != nil {
		logger.Error("failed to start pool", "error", err)
		os.Exit(1)
	}

	// Sweeper
	var sweeper *scheduler.Sweeper
	if cfg.Sweeper.Enabled {
		sweeper, err = scheduler.NewSweeper(scheduler.SweeperConfig{
			Store:      store,
			Notifier:   notifier,
			Spec:       cfg.Sweeper.Spec,
			StaleAfter: cfg.Sweeper.StaleAfter,
			BatchSize:  cfg.Sweeper.BatchSize,
			Logger:     logger,
		})
		if err == nil {
			err = sweeper.Start(ctx)
		}
		if err != nil {
			logger.Error("failed to start sweeper", "error", err)
			os.Exit(1)
		}
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := health(r.Context(), pool, rdb); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.HTTP.WorkerAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.HTTP.WorkerAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	if sweeper != nil {
		sweeper.Stop()
	}
	workers.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("jobpilot-worker stopped")
}

// health проверяет зависимости воркера.
func health(ctx context.Context, pool *pgxpool.Pool, rdb *redis.Client) error {
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}
