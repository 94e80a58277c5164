package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Jobpilot/internal/domain"
	"github.com/shaiso/Jobpilot/internal/gateway"
	"github.com/shaiso/Jobpilot/internal/retry"
	"github.com/shaiso/Jobpilot/internal/statemachine"
	"github.com/shaiso/Jobpilot/internal/telemetry"
)

// Default configuration values.
const (
	defaultMaxSteps = 64
	maxStaleReloads = 5
)

// Decider — retry policy. Реализуется retry.Policy.
type Decider interface {
	Decide(f retry.Failure) retry.Decision
}

// Enqueuer ставит application в очередь pending. Реализуется repo.Store.
type Enqueuer interface {
	EnqueuePending(ctx context.Context, id uuid.UUID, notBefore time.Time) error
}

// Notifier будит воркеров после постановки в очередь. Реализуется mq.Publisher.
type Notifier interface {
	PublishApplicationPending(ctx context.Context, id uuid.UUID, notBefore time.Time) error
}

// handler обрабатывает один шаг application.
//
// Ошибки внешних сервисов не возвращаются, а превращаются в событие
// failure. error означает только отмену ctx или сбой инфраструктуры.
type handler func(ctx context.Context, app *domain.Application) (outcome, error)

// Loop — decision loop: продвигает application до COMPLETE
// или до приостановки на retry.
type Loop struct {
	controller *statemachine.Controller
	decision   gateway.Decision
	automation gateway.Automation
	policy     Decider
	queue      Enqueuer
	notifier   Notifier

	handlers map[domain.Step]handler

	maxSteps int
	now      func() time.Time
	logger   *slog.Logger
}

// Config — конфигурация Loop.
type Config struct {
	Controller *statemachine.Controller

	// Gateways — внешние сервисы (обычно обёрнуты gateway.Guard*).
	Decision   gateway.Decision
	Automation gateway.Automation

	Policy Decider

	// Queue — очередь pending для отложенных retry.
	Queue Enqueuer

	// Notifier — опционально, публикует application.pending.
	Notifier Notifier

	// MaxSteps — предел переходов за один Run (default: 64).
	MaxSteps int

	// Now — источник времени (default: time.Now).
	Now func() time.Time

	Logger *slog.Logger
}

// New создаёт новый Loop.
func New(cfg Config) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &Loop{
		controller: cfg.Controller,
		decision:   cfg.Decision,
		automation: cfg.Automation,
		policy:     cfg.Policy,
		queue:      cfg.Queue,
		notifier:   cfg.Notifier,
		maxSteps:   cfg.MaxSteps,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}
	l.registerHandlers()
	return l
}

// Run продвигает application, пока она не завершится
// или не будет приостановлена до retry.
//
// Переходы делаются синхронно, вызовы gateway строго по одному.
// StaleStateError приводит к перечитыванию записи и новому решению.
func (l *Loop) Run(ctx context.Context, id uuid.UUID) (res Result, err error) {
	started := time.Now()
	telemetry.ActiveLoops.Inc()
	defer func() {
		telemetry.ActiveLoops.Dec()
		telemetry.LoopDuration.WithLabelValues(resultLabel(res, err)).Observe(time.Since(started).Seconds())
	}()

	res = Result{ID: id}

	app, err := l.controller.Load(ctx, id)
	if err != nil {
		return res, fmt.Errorf("load application: %w", err)
	}

	logger := telemetry.WithApplicationID(l.logger, id.String())
	if app.BatchID != nil {
		logger = telemetry.WithBatchID(logger, app.BatchID.String())
	}

	stale := 0
	for {
		res.Step = app.Step()

		if app.IsFinished() {
			res.Status = StatusFinished
			res.Outcome = app.Outcome
			logger.Info("application finished",
				"outcome", app.Outcome,
				"transitions", res.Transitions,
			)
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if res.Transitions >= l.maxSteps {
			return res, fmt.Errorf("%w: %d transitions", ErrStepLimit, res.Transitions)
		}

		// 1. Решаем, что делать в текущем шаге
		var out outcome
		if app.CancelRequested {
			out = outcome{event: domain.EventCancel}
		} else {
			out, err = l.handle(ctx, app)
			if err != nil {
				return res, err
			}
		}

		// 2. Приостановка до retry
		if out.suspend {
			if err := l.suspend(ctx, app.ID, out.notBefore, logger); err != nil {
				return res, err
			}
			res.Status = StatusSuspended
			res.NotBefore = out.notBefore
			return res, nil
		}

		// 3. Переход
		next, err := l.transition(ctx, app, out)
		if err != nil {
			var staleErr *statemachine.StaleStateError
			if !errors.As(err, &staleErr) {
				return res, err
			}

			telemetry.StaleTransitions.Inc()
			stale++
			if stale > maxStaleReloads {
				return res, fmt.Errorf("%w: %v", ErrTooManyStale, err)
			}

			logger.Debug("stale transition, reloading",
				"expected", staleErr.Expected.String(),
				"actual", staleErr.Actual.String(),
			)
			if app, err = l.controller.Load(ctx, id); err != nil {
				return res, fmt.Errorf("reload application: %w", err)
			}
			continue
		}

		stale = 0
		res.Transitions++
		app = next
	}
}

// transition выполняет переход. retry, отклонённый guard'ом
// (попытки исчерпаны), превращается в escalate.
func (l *Loop) transition(ctx context.Context, app *domain.Application, out outcome) (*domain.Application, error) {
	req := statemachine.Request{
		ID:       app.ID,
		Expected: app.Step(),
		Event:    out.event,
		Input:    out.input,
		Version:  app.Version,
	}

	next, err := l.controller.Transition(ctx, req)
	if err == nil {
		return next, nil
	}

	if out.event == domain.EventRetry && errors.Is(err, statemachine.ErrGuardRejected) {
		l.logger.Warn("retry rejected, escalating",
			"application_id", app.ID,
			"reason", err,
		)
		req.Event = domain.EventEscalate
		req.Input = statemachine.Input{Outcome: domain.OutcomeMaxRetriesExhausted}
		next, err = l.controller.Transition(ctx, req)
		if err == nil {
			return next, nil
		}
	}

	if errors.Is(err, statemachine.ErrStaleState) {
		return nil, err
	}
	return nil, fmt.Errorf("%s on %s: %w", req.Event, req.Expected, err)
}

// suspend ставит application в очередь и будит воркеров.
func (l *Loop) suspend(ctx context.Context, id uuid.UUID, notBefore time.Time, logger *slog.Logger) error {
	if err := l.queue.EnqueuePending(ctx, id, notBefore); err != nil {
		return fmt.Errorf("enqueue pending: %w", err)
	}

	if l.notifier != nil {
		if err := l.notifier.PublishApplicationPending(ctx, id, notBefore); err != nil {
			// Очередь в БД — источник истины, сообщение только ускоряет подхват
			logger.Warn("failed to publish application.pending", "error", err)
		}
	}

	logger.Info("application suspended until retry", "not_before", notBefore)
	return nil
}

// handle вызывает обработчик текущего шага.
func (l *Loop) handle(ctx context.Context, app *domain.Application) (outcome, error) {
	h, ok := l.handlers[app.Step()]
	if !ok {
		return outcome{}, fmt.Errorf("%w: %s", ErrNoHandler, app.Step())
	}
	return h(ctx, app)
}

func resultLabel(res Result, err error) string {
	switch {
	case err != nil:
		return "error"
	case res.Status == StatusSuspended:
		return "suspended"
	default:
		return string(res.Outcome)
	}
}
