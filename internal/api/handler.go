package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Jobpilot/internal/repo"
	"github.com/shaiso/Jobpilot/internal/statemachine"
)

// Notifier будит воркеров. Реализуется mq.Publisher.
type Notifier interface {
	PublishApplicationPending(ctx context.Context, id uuid.UUID, notBefore time.Time) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	controller *statemachine.Controller
	store      repo.Store
	notifier   Notifier
	health     func(ctx context.Context) error
	now        func() time.Time
	logger     *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Controller *statemachine.Controller
	Store      repo.Store

	// Notifier — опционально; без него воркеры найдут заявку опросом очереди.
	Notifier Notifier

	// HealthCheck — опционально, проверка зависимостей для /healthz.
	HealthCheck func(ctx context.Context) error

	Now    func() time.Time
	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Handler{
		controller: cfg.Controller,
		store:      cfg.Store,
		notifier:   cfg.Notifier,
		health:     cfg.HealthCheck,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}
}

// enqueue ставит application в очередь и будит воркеров.
func (h *Handler) enqueue(ctx context.Context, id uuid.UUID) error {
	now := h.now().UTC()
	if err := h.store.EnqueuePending(ctx, id, now); err != nil {
		return err
	}

	if h.notifier != nil {
		if err := h.notifier.PublishApplicationPending(ctx, id, now); err != nil {
			h.logger.Warn("failed to publish application.pending", "application_id", id, "error", err)
		}
	}
	return nil
}
