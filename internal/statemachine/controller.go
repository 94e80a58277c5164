package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Jobpilot/internal/domain"
	"github.com/shaiso/Jobpilot/internal/repo"
)

// Default configuration values.
const (
	defaultMatchThreshold = 0.7
	defaultMaxAttempts    = 3
	maxCancelAttempts     = 5
)

// AttemptLimiter возвращает лимит попыток для шага.
// Реализуется retry.Policy.
type AttemptLimiter interface {
	MaxAttempts(step domain.Step) int
}

// Failure — классифицированная ошибка, прикладываемая к failure/invalid.
type Failure struct {
	Class   domain.FailureClass
	Message string
}

// Input — данные, сопровождающие событие.
//
// Заполняются только поля, относящиеся к событию; пустые поля
// не затирают уже сохранённые artifacts.
type Input struct {
	// Analysis
	MatchScore      *float64
	Recommendations []string
	ContentRef      string

	// InProgress
	PageSnapshotRef string
	ActionPlan      *domain.ActionPlan
	FormStateRef    string
	ConfirmationRef string

	// CorrectedPlan — исправление от Decision Service после invalid.
	CorrectedPlan *domain.ActionPlan

	// Failure — обязателен для failure, опционален для invalid.
	Failure *Failure

	// RetryAt — время запланированного retry (для retry).
	RetryAt *time.Time

	// Outcome — итог для escalate (fatal-error / max-retries-exhausted).
	Outcome domain.Outcome

	// Cause — переопределяет cause в history.
	Cause string
}

// Request — запрос на переход.
type Request struct {
	ID       uuid.UUID
	Expected domain.Step
	Event    domain.Event
	Input    Input

	// Version — ожидаемая версия записи (0 — не проверять).
	// Рост версии без смены шага (например, флаг отмены) даёт StaleStateError.
	Version int64
}

// Hook вызывается после успешно зафиксированного перехода.
type Hook func(ctx context.Context, app *domain.Application, entry domain.HistoryEntry)

// Controller — state machine поверх repo.Store.
type Controller struct {
	store     repo.Store
	threshold float64
	limits    AttemptLimiter
	hooks     []Hook
	now       func() time.Time
	logger    *slog.Logger
}

// Config — конфигурация Controller.
type Config struct {
	Store repo.Store

	// MatchThreshold — порог match score (default: 0.7).
	MatchThreshold float64

	// Limits — лимиты попыток по шагам (default: 3 для всех).
	Limits AttemptLimiter

	// Hooks — наблюдатели переходов (MQ, метрики).
	Hooks []Hook

	// Now — источник времени (default: time.Now).
	Now func() time.Time

	Logger *slog.Logger
}

// New создаёт новый Controller.
func New(cfg Config) *Controller {
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = defaultMatchThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Controller{
		store:     cfg.Store,
		threshold: cfg.MatchThreshold,
		limits:    cfg.Limits,
		hooks:     cfg.Hooks,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
}

// Threshold возвращает порог match score.
func (c *Controller) Threshold() float64 {
	return c.threshold
}

// Create сохраняет новую application в состоянии INITIATED.
func (c *Controller) Create(ctx context.Context, payload domain.Payload, batchID *uuid.UUID) (*domain.Application, error) {
	app := domain.NewApplication(payload, batchID, c.now().UTC())
	if err := c.store.Create(ctx, app); err != nil {
		return nil, fmt.Errorf("create application: %w", err)
	}

	c.logger.Debug("application created",
		slog.String("application_id", app.ID.String()),
	)
	return app, nil
}

// Load возвращает application.
func (c *Controller) Load(ctx context.Context, id uuid.UUID) (*domain.Application, error) {
	return c.store.Load(ctx, id)
}

// Transition выполняет guarded-переход одним CAS.
//
// Если шаг уже продвинут этим же событием из Expected (повтор после
// сбоя), возвращается сохранённая application без изменений. Повтором
// считается только последняя запись history: запрос, совпадающий с более
// ранним переходом, получает *StaleStateError, как и любая другая
// рассинхронизация. Двойного продвижения нет ни в одном из случаев.
func (c *Controller) Transition(ctx context.Context, req Request) (*domain.Application, error) {
	// 1. Загружаем текущую запись
	app, err := c.store.Load(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("load application: %w", err)
	}

	// 2. Проверяем ожидаемый шаг и версию
	if !expected(app, req) {
		if app.Step() != req.Expected && isReplay(app, req) {
			return app, nil
		}
		return nil, staleError(app, req.Expected)
	}

	// 3. Ищем строку таблицы
	now := c.now().UTC()
	g := &guardContext{
		app:         app,
		input:       req.Input,
		threshold:   c.threshold,
		maxAttempts: c.maxAttempts(app),
		now:         now,
	}
	targetStep, err := resolve(app.Step(), req.Event, g)
	if err != nil {
		return nil, err
	}

	// 4. Строим новую версию
	next, entry, err := c.apply(app, req, targetStep, now)
	if err != nil {
		return nil, err
	}

	// 5. CAS
	if err := c.store.CompareAndSwap(ctx, app.ID, app.Version, next); err != nil {
		if !errors.Is(err, repo.ErrVersionConflict) {
			return nil, fmt.Errorf("compare and swap: %w", err)
		}

		// Кто-то успел раньше — возможно, тот же переход
		current, loadErr := c.store.Load(ctx, req.ID)
		if loadErr != nil {
			return nil, fmt.Errorf("reload application: %w", loadErr)
		}
		if current.Step() != req.Expected && isReplay(current, req) {
			return current, nil
		}
		return nil, staleError(current, req.Expected)
	}

	c.logger.Debug("application transitioned",
		slog.String("application_id", next.ID.String()),
		slog.String("from", entry.From.String()),
		slog.String("to", entry.To.String()),
		slog.String("event", string(entry.Event)),
		slog.Int("attempt", entry.Attempt),
	)

	for _, hook := range c.hooks {
		hook(ctx, next, entry)
	}

	return next, nil
}

// RequestCancel выставляет флаг отмены.
//
// Флаг увеличивает version, поэтому конкурирующий переход получит
// StaleStateError, перечитает запись и увидит флаг.
func (c *Controller) RequestCancel(ctx context.Context, id uuid.UUID) (*domain.Application, error) {
	for i := 0; i < maxCancelAttempts; i++ {
		app, err := c.store.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load application: %w", err)
		}
		if app.IsFinished() || app.CancelRequested {
			return app, nil
		}

		next := app.Clone()
		next.CancelRequested = true
		next.UpdatedAt = c.now().UTC()

		err = c.store.CompareAndSwap(ctx, id, app.Version, next)
		if err == nil {
			c.logger.Info("cancel requested",
				slog.String("application_id", id.String()),
				slog.String("step", next.Step().String()),
			)
			return next, nil
		}
		if !errors.Is(err, repo.ErrVersionConflict) {
			return nil, fmt.Errorf("compare and swap: %w", err)
		}
	}
	return nil, ErrCancelConflict
}

// --- Helpers ---

// maxAttempts — лимит для шага, в котором произошла ошибка.
func (c *Controller) maxAttempts(app *domain.Application) int {
	if c.limits == nil {
		return defaultMaxAttempts
	}
	step := app.Step()
	if app.ResumeStep != nil {
		step = *app.ResumeStep
	}
	return c.limits.MaxAttempts(step)
}

// apply строит новую версию application и запись history.
func (c *Controller) apply(app *domain.Application, req Request, targetStep domain.Step, now time.Time) (*domain.Application, domain.HistoryEntry, error) {
	from := app.Step()
	next := app.Clone()
	in := req.Input

	// Match score устанавливается один раз
	if in.MatchScore != nil {
		if next.MatchScore != nil && *next.MatchScore != *in.MatchScore {
			return nil, domain.HistoryEntry{}, fmt.Errorf("%w: %v", ErrMatchScoreImmutable, *next.MatchScore)
		}
		score := *in.MatchScore
		next.MatchScore = &score
	}
	if in.Recommendations != nil {
		next.Recommendations = append([]string(nil), in.Recommendations...)
	}

	mergeArtifacts(&next.Artifacts, in)

	cause := in.Cause
	switch {
	case req.Event.IsFailure():
		failure := in.Failure
		if failure == nil {
			failure = &Failure{Class: domain.FailureValidation, Message: "form validation failed"}
		}
		next.AttemptCount++
		next.LastError = &domain.LastError{
			Class:   failure.Class,
			Message: failure.Message,
			Step:    from,
			At:      now,
		}
		resume := from
		next.ResumeStep = &resume
		// Одно исправление — один retry
		if failure.Class == domain.FailureValidation && in.CorrectedPlan == nil {
			next.Artifacts.CorrectedPlan = nil
		}
		if cause == "" {
			cause = string(failure.Class) + ": " + failure.Message
		}

	case req.Event.IsForward():
		next.AttemptCount = 0
		next.LastError = nil
		next.ResumeStep = nil
		next.RetryAt = nil
		if req.Event == domain.EventValid && next.Artifacts.CorrectedPlan != nil {
			next.Artifacts.ActionPlan = next.Artifacts.CorrectedPlan
			next.Artifacts.CorrectedPlan = nil
		}
		if req.Event == domain.EventFormFilled {
			next.Artifacts.CorrectedPlan = nil
		}
		if cause == "" {
			cause = string(req.Event)
		}

	case req.Event == domain.EventRetry:
		if in.RetryAt != nil {
			at := in.RetryAt.UTC()
			next.RetryAt = &at
		}
		if cause == "" {
			cause = domain.CauseRetry
		}

	case req.Event == domain.EventResume:
		next.RetryAt = nil
		if cause == "" {
			cause = domain.CauseResumed
		}

	case req.Event == domain.EventEscalate:
		next.Outcome = in.Outcome
		if next.Outcome == domain.OutcomeNone {
			next.Outcome = domain.OutcomeMaxRetriesExhausted
		}
		if cause == "" {
			cause = string(next.Outcome)
		}

	case req.Event == domain.EventFinalize:
		next.Outcome = finalOutcome(from, next.Outcome)
		if cause == "" {
			cause = string(next.Outcome)
		}

	case req.Event == domain.EventCancel:
		next.Outcome = domain.OutcomeCancelled
		next.RetryAt = nil
		if cause == "" {
			cause = string(domain.OutcomeCancelled)
		}
	}

	next.SetStep(targetStep)
	next.UpdatedAt = now

	entry := domain.HistoryEntry{
		From:      from,
		To:        targetStep,
		Event:     req.Event,
		Cause:     cause,
		Attempt:   next.AttemptCount,
		Timestamp: now,
	}
	next.History = append(next.History, entry)

	return next, entry, nil
}

// mergeArtifacts переносит непустые ссылки из input.
func mergeArtifacts(a *domain.Artifacts, in Input) {
	if in.ContentRef != "" {
		a.ContentRef = in.ContentRef
	}
	if in.PageSnapshotRef != "" {
		a.PageSnapshotRef = in.PageSnapshotRef
	}
	if in.ActionPlan != nil {
		a.ActionPlan = in.ActionPlan.Clone()
	}
	if in.FormStateRef != "" {
		a.FormStateRef = in.FormStateRef
	}
	if in.ConfirmationRef != "" {
		a.ConfirmationRef = in.ConfirmationRef
	}
	if in.CorrectedPlan != nil {
		a.CorrectedPlan = in.CorrectedPlan.Clone()
	}
}

// finalOutcome определяет итог при finalize.
func finalOutcome(from domain.Step, current domain.Outcome) domain.Outcome {
	switch from {
	case domain.StepSubmitted:
		return domain.OutcomeSubmitted
	case domain.StepRejected:
		return domain.OutcomeRejected
	default:
		if current == domain.OutcomeNone {
			return domain.OutcomeMaxRetriesExhausted
		}
		return current
	}
}

// expected проверяет, что запись в том состоянии, на которое рассчитывал вызывающий.
func expected(app *domain.Application, req Request) bool {
	if app.Step() != req.Expected {
		return false
	}
	return req.Version == 0 || app.Version == req.Version
}

// isReplay проверяет, что последний переход — это уже применённый req.
func isReplay(app *domain.Application, req Request) bool {
	last := app.LastEntry()
	if last == nil {
		return false
	}
	return last.From == req.Expected && last.To == app.Step() && last.Event == req.Event
}

func staleError(app *domain.Application, expected domain.Step) *StaleStateError {
	return &StaleStateError{
		ID:       app.ID,
		Expected: expected,
		Actual:   app.Step(),
		Version:  app.Version,
	}
}
