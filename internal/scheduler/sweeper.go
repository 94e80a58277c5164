package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shaiso/Jobpilot/internal/orchestrator"
)

// Default configuration values.
const (
	defaultSweepSpec  = "@every 1m"
	defaultStaleAfter = 10 * time.Minute
	defaultBatchSize  = 100
)

// StalledStore — хранилище, в котором ищутся зависшие applications.
type StalledStore interface {
	ListStalled(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
	EnqueuePending(ctx context.Context, id uuid.UUID, notBefore time.Time) error
}

// Sweeper возвращает в очередь незавершённые applications, которые
// давно не менялись и отсутствуют в очереди pending (воркер упал,
// сообщение потерялось, API не успел поставить в очередь).
type Sweeper struct {
	store      StalledStore
	notifier   orchestrator.Notifier
	spec       string
	staleAfter time.Duration
	batchSize  int

	cron *cron.Cron
	mu   sync.Mutex

	now    func() time.Time
	logger *slog.Logger
}

// SweeperConfig — конфигурация Sweeper.
type SweeperConfig struct {
	Store StalledStore

	// Notifier — опционально, будит воркеров после постановки.
	Notifier orchestrator.Notifier

	// Spec — cron-выражение (default: @every 1m).
	Spec string

	// StaleAfter — сколько application может не меняться (default: 10m).
	StaleAfter time.Duration

	// BatchSize — applications за один тик (default: 100).
	BatchSize int

	Now    func() time.Time
	Logger *slog.Logger
}

// NewSweeper создаёт новый Sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Spec == "" {
		cfg.Spec = defaultSweepSpec
	}
	if err := ValidateSpec(cfg.Spec); err != nil {
		return nil, err
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Sweeper{
		store:      cfg.Store,
		notifier:   cfg.Notifier,
		spec:       cfg.Spec,
		staleAfter: cfg.StaleAfter,
		batchSize:  cfg.BatchSize,
		now:        cfg.Now,
		logger:     cfg.Logger.With(slog.String("component", "sweeper")),
	}, nil
}

// Tick выполняет один проход.
//
// 1. Находит зависшие applications (updated_at < now - staleAfter)
// 2. Ставит каждую в очередь pending с notBefore = now
// 3. Публикует application.pending (если notifier настроен)
//
// Ошибка одной application не блокирует остальные.
func (s *Sweeper) Tick(ctx context.Context) (int, error) {
	now := s.now().UTC()

	// 1. Находим зависшие
	ids, err := s.store.ListStalled(ctx, now.Add(-s.staleAfter), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stalled applications: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	// 2. Возвращаем в очередь
	requeued := 0
	for _, id := range ids {
		if err := s.store.EnqueuePending(ctx, id, now); err != nil {
			s.logger.Error("failed to requeue stalled application",
				"application_id", id,
				"error", err,
			)
			continue
		}
		requeued++

		// 3. Будим воркеров
		if s.notifier != nil {
			if err := s.notifier.PublishApplicationPending(ctx, id, now); err != nil {
				s.logger.Warn("failed to publish application.pending",
					"application_id", id,
					"error", err,
				)
			}
		}
	}

	s.logger.Info("sweeper tick completed",
		"stalled", len(ids),
		"requeued", requeued,
	)
	return requeued, nil
}

// Start запускает Tick по расписанию.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC))
	_, err := c.AddFunc(s.spec, func() {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweeper tick failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}

	c.Start()
	s.cron = c

	next, _ := NextRun(s.spec, s.now())
	s.logger.Info("sweeper started",
		"spec", s.spec,
		"stale_after", s.staleAfter,
		"next_run", next,
	)
	return nil
}

// Stop останавливает расписание и ждёт текущий Tick.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
}
