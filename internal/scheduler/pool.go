package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Jobpilot/internal/lease"
	"github.com/shaiso/Jobpilot/internal/mq"
	"github.com/shaiso/Jobpilot/internal/orchestrator"
	"github.com/shaiso/Jobpilot/internal/repo"
	"github.com/shaiso/Jobpilot/internal/telemetry"
)

// Default configuration values.
const (
	defaultPoolSize     = 4
	defaultPollInterval = time.Second
	defaultLeaseTTL     = 2 * time.Minute
	defaultRequeueDelay = 5 * time.Second
	defaultPrefetch     = 10
	releaseTimeout      = 5 * time.Second
)

// Runner продвигает одну application. Реализуется orchestrator.Loop.
type Runner interface {
	Run(ctx context.Context, id uuid.UUID) (orchestrator.Result, error)
}

// Queue — очередь pending. Реализуется repo.Store.
type Queue interface {
	DequeueReady(ctx context.Context) (uuid.UUID, error)
	EnqueuePending(ctx context.Context, id uuid.UUID, notBefore time.Time) error
}

// Pool — ограниченный пул воркеров.
//
// Каждый слот: DequeueReady → lease.Acquire → Runner.Run → lease.Release.
// Занятый lease не блокирует слот: запись возвращается в очередь
// с небольшой задержкой.
type Pool struct {
	queue  Queue
	leases lease.Table
	runner Runner
	conn   *mq.Connection

	size         int
	workerID     string
	pollInterval time.Duration
	leaseTTL     time.Duration
	requeueDelay time.Duration

	wake     chan struct{}
	consumer *mq.Consumer

	// Lifecycle
	now        func() time.Time
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// PoolConfig — конфигурация Pool.
type PoolConfig struct {
	Queue  Queue
	Leases lease.Table
	Runner Runner

	// Conn — опционально; application.pending будит слоты раньше poll.
	Conn *mq.Connection

	// Size — число слотов (default: 4).
	Size int

	// WorkerID — идентификатор процесса в lease (default: hostname-pid).
	WorkerID string

	// PollInterval — интервал опроса пустой очереди (default: 1s).
	PollInterval time.Duration

	// LeaseTTL — время жизни lease; heartbeat продлевает его каждую треть (default: 2m).
	LeaseTTL time.Duration

	// RequeueDelay — задержка повторной постановки при конфликте lease (default: 5s).
	RequeueDelay time.Duration

	// Now — источник времени (default: time.Now).
	Now func() time.Time

	Logger *slog.Logger
}

// NewPool создаёт новый Pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = defaultPoolSize
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = defaultRequeueDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pool{
		queue:        cfg.Queue,
		leases:       cfg.Leases,
		runner:       cfg.Runner,
		conn:         cfg.Conn,
		size:         cfg.Size,
		workerID:     cfg.WorkerID,
		pollInterval: cfg.PollInterval,
		leaseTTL:     cfg.LeaseTTL,
		requeueDelay: cfg.RequeueDelay,
		wake:         make(chan struct{}, cfg.Size),
		now:          cfg.Now,
		logger:       telemetry.WithWorkerID(cfg.Logger, cfg.WorkerID),
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Start запускает слоты и, если задан Conn, consumer application.pending.
func (p *Pool) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancelFunc = cancel

	p.logger.Info("starting pool",
		"size", p.size,
		"poll_interval", p.pollInterval,
		"lease_ttl", p.leaseTTL,
	)

	if p.conn != nil {
		p.consumer = mq.NewConsumer(p.conn, mq.ConsumerConfig{
			Queue:    mq.QueueApplicationsPending,
			Handler:  p.HandlePending,
			Prefetch: defaultPrefetch,
			Logger:   p.logger,
		})

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("pending consumer error", "error", err)
			}
		}()
	}

	for i := 0; i < p.size; i++ {
		holder := fmt.Sprintf("%s/%d", p.workerID, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.slot(ctx, holder)
		}()
	}

	p.logger.Info("pool started")
	return nil
}

// Stop останавливает пул и ждёт завершения слотов.
func (p *Pool) Stop() {
	p.stoppedMu.Lock()
	p.stopped = true
	p.stoppedMu.Unlock()

	p.logger.Info("stopping pool...")

	if p.cancelFunc != nil {
		p.cancelFunc()
	}
	if p.consumer != nil {
		p.consumer.Stop()
	}

	p.wg.Wait()

	p.logger.Info("pool stopped")
}

// IsStopped проверяет, остановлен ли пул.
func (p *Pool) IsStopped() bool {
	p.stoppedMu.RLock()
	defer p.stoppedMu.RUnlock()
	return p.stopped
}

// Wake будит один свободный слот. Не блокирует.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// HandlePending — mq.Handler для application.pending.
//
// Источник истины — очередь в хранилище, сообщение лишь будит слот.
func (p *Pool) HandlePending(_ context.Context, d *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.ApplicationPendingPayload](&d.Message)
	if err != nil {
		p.logger.Error("failed to parse application.pending payload", "error", err)
		return mq.ErrReject
	}

	p.logger.Debug("received application.pending",
		"application_id", payload.ApplicationID,
		"not_before", payload.NotBefore,
	)
	p.Wake()
	return nil
}

// slot — цикл одного слота.
func (p *Pool) slot(ctx context.Context, holder string) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		processed, err := p.ProcessNext(ctx, holder)
		if err != nil && !errors.Is(err, lease.ErrAlreadyRunning) && ctx.Err() == nil {
			p.logger.Error("slot iteration failed", "holder", holder, "error", err)
		}

		if ctx.Err() != nil {
			return
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// ProcessNext обрабатывает одну готовую запись очереди.
//
// Возвращает false, если очередь пуста. Если application уже ведёт
// другой воркер, запись возвращается в очередь и возвращается
// *lease.AlreadyRunningError.
func (p *Pool) ProcessNext(ctx context.Context, holder string) (bool, error) {
	// 1. Берём запись из очереди
	id, err := p.queue.DequeueReady(ctx)
	if errors.Is(err, repo.ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dequeue ready: %w", err)
	}

	logger := telemetry.WithApplicationID(p.logger, id.String())

	// 2. Захватываем lease
	l, err := p.leases.Acquire(ctx, id, holder, p.leaseTTL)
	if err != nil {
		if errors.Is(err, lease.ErrAlreadyRunning) {
			telemetry.LeaseConflicts.Inc()
			logger.Debug("application already running, requeueing", "error", err)
			if reqErr := p.requeue(ctx, id, p.requeueDelay); reqErr != nil {
				return true, errors.Join(err, reqErr)
			}
			return true, err
		}
		if reqErr := p.requeue(ctx, id, p.requeueDelay); reqErr != nil {
			logger.Error("failed to requeue after lease error", "error", reqErr)
		}
		return true, fmt.Errorf("acquire lease: %w", err)
	}

	// 3. Heartbeat продлевает lease, пока идёт Run
	runCtx, cancel := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		p.heartbeat(runCtx, l, cancel, logger)
	}()

	// 4. Decision loop
	res, runErr := p.runner.Run(runCtx, id)

	cancel()
	<-heartbeatDone

	// 5. Освобождаем lease даже при отменённом ctx
	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer releaseCancel()
	if err := p.leases.Release(releaseCtx, l); err != nil {
		logger.Warn("failed to release lease", "error", err)
	}

	if runErr != nil {
		// Прерванная или упавшая application не должна потеряться
		delay := p.requeueDelay
		if ctx.Err() != nil {
			delay = 0
		}
		if reqErr := p.requeue(releaseCtx, id, delay); reqErr != nil {
			logger.Error("failed to requeue after run error", "error", reqErr)
		}
		return true, fmt.Errorf("run application %s: %w", id, runErr)
	}

	logger.Debug("slot released application",
		"status", res.Status,
		"step", res.Step.String(),
		"transitions", res.Transitions,
	)
	return true, nil
}

// heartbeat продлевает lease каждую треть TTL.
// Потерянный lease отменяет Run: application может забрать другой воркер.
func (p *Pool) heartbeat(ctx context.Context, l *lease.Lease, cancelRun context.CancelFunc, logger *slog.Logger) {
	ticker := time.NewTicker(p.leaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.leases.Renew(ctx, l, p.leaseTTL)
			switch {
			case err == nil:
			case errors.Is(err, lease.ErrLeaseLost):
				logger.Warn("lease lost, cancelling run")
				cancelRun()
				return
			case ctx.Err() != nil:
				return
			default:
				logger.Warn("failed to renew lease", "error", err)
			}
		}
	}
}

func (p *Pool) requeue(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	if err := p.queue.EnqueuePending(ctx, id, p.now().UTC().Add(delay)); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	return nil
}
