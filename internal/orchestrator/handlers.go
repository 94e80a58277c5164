package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/shaiso/Jobpilot/internal/domain"
	"github.com/shaiso/Jobpilot/internal/gateway"
	"github.com/shaiso/Jobpilot/internal/retry"
	"github.com/shaiso/Jobpilot/internal/statemachine"
	"github.com/shaiso/Jobpilot/internal/telemetry"
)

// errNotConfirmed — Decision Service не подтвердил отправку.
var errNotConfirmed = errors.New("submission not confirmed")

// registerHandlers регистрирует обработчики шагов.
func (l *Loop) registerHandlers() {
	l.handlers = map[domain.Step]handler{
		domain.StepInitiated:         l.handleInitiated,
		domain.StepJobMatching:       l.handleJobMatching,
		domain.StepContentGeneration: l.handleContentGeneration,
		domain.StepReady:             l.handleReady,
		domain.StepNavigatingPortal:  l.handleNavigatingPortal,
		domain.StepFillingForm:       l.handleFillingForm,
		domain.StepValidatingForm:    l.handleValidatingForm,
		domain.StepSubmittingForm:    l.handleSubmittingForm,
		domain.StepRetryQueue:        l.handleRetryQueue,
		domain.StepBackToReady:       l.handleBackToReady,
		domain.StepSubmitted:         finalize,
		domain.StepRejected:          finalize,
		domain.StepMaxRetries:        finalize,
	}
}

// --- Analysis ---

func (l *Loop) handleInitiated(_ context.Context, app *domain.Application) (outcome, error) {
	if !app.Payload.Present() {
		return failed(domain.FailureFatal, "payload incomplete: resume, job and target are required"), nil
	}
	return outcome{event: domain.EventAccept}, nil
}

func (l *Loop) handleJobMatching(ctx context.Context, app *domain.Application) (outcome, error) {
	analysis, err := l.decision.Analyze(ctx, app.Payload.JobRef, app.Payload.ResumeRef)
	if err != nil {
		return l.failure(ctx, err)
	}

	score := analysis.MatchScore
	return outcome{
		event: domain.EventScoreComputed,
		input: statemachine.Input{
			MatchScore:      &score,
			Recommendations: analysis.Recommendations,
		},
	}, nil
}

// handleContentGeneration генерирует материалы только выше порога.
// Ниже порога content_ready без вызова уводит application в REJECTED.
func (l *Loop) handleContentGeneration(ctx context.Context, app *domain.Application) (outcome, error) {
	if app.MatchScore == nil || *app.MatchScore < l.controller.Threshold() {
		return outcome{event: domain.EventContentReady}, nil
	}

	content, err := l.decision.GenerateContent(ctx, app.Payload.JobRef, app.Payload.ResumeRef, app.Payload.PreferencesRef)
	if err != nil {
		return l.failure(ctx, err)
	}
	return outcome{
		event: domain.EventContentReady,
		input: statemachine.Input{ContentRef: content.ContentRef},
	}, nil
}

func (l *Loop) handleReady(context.Context, *domain.Application) (outcome, error) {
	return outcome{event: domain.EventStart}, nil
}

// --- InProgress ---

func (l *Loop) handleNavigatingPortal(ctx context.Context, app *domain.Application) (outcome, error) {
	snapshot, err := l.automation.Navigate(ctx, app.Payload.TargetURL)
	if err != nil {
		return l.failure(ctx, err)
	}
	return outcome{
		event: domain.EventPortalLoaded,
		input: statemachine.Input{PageSnapshotRef: snapshot},
	}, nil
}

// handleFillingForm заполняет форму.
//
// После ошибки валидации на этом шаге используется исправленный план
// вместо нового запроса к Decision Service.
func (l *Loop) handleFillingForm(ctx context.Context, app *domain.Application) (outcome, error) {
	// 1. План заполнения
	var plan domain.ActionPlan
	if corrected := app.Artifacts.CorrectedPlan; corrected != nil {
		plan = *corrected.Clone()
	} else {
		planned, err := l.decision.PlanAction(ctx, gateway.PlanRequest{
			SnapshotRef: app.Artifacts.PageSnapshotRef,
			Target:      app.Payload.TargetURL,
			ContentRef:  app.Artifacts.ContentRef,
		})
		if err != nil {
			return l.correctable(ctx, app, app.Artifacts.ActionPlan, err)
		}
		plan = planned
	}

	// 2. Заполнение
	formState, err := l.automation.FillForm(ctx, plan)
	if err != nil {
		return l.correctable(ctx, app, &plan, err)
	}

	return outcome{
		event: domain.EventFormFilled,
		input: statemachine.Input{
			ActionPlan:   &plan,
			FormStateRef: formState,
		},
	}, nil
}

// handleValidatingForm проверяет форму.
//
// Ожидающий исправленный план сначала применяется к форме. При отказе
// валидации у Decision Service запрашивается исправление; без него
// retry policy эскалирует.
func (l *Loop) handleValidatingForm(ctx context.Context, app *domain.Application) (outcome, error) {
	var in statemachine.Input
	formState := app.Artifacts.FormStateRef

	// 1. Исправленный план
	if corrected := app.Artifacts.CorrectedPlan; corrected != nil {
		ref, err := l.automation.FillForm(ctx, *corrected)
		if err != nil {
			return l.correctable(ctx, app, corrected, err)
		}
		formState = ref
		in.FormStateRef = ref
	}

	// 2. Валидация
	validation, err := l.automation.ValidateForm(ctx, formState)
	if err != nil {
		return l.failure(ctx, err)
	}
	if validation.Valid {
		return outcome{event: domain.EventValid, input: in}, nil
	}

	// 3. Запрос исправления
	previous := app.Artifacts.ActionPlan
	if app.Artifacts.CorrectedPlan != nil {
		previous = app.Artifacts.CorrectedPlan
	}
	correction, err := l.requestCorrection(ctx, app, previous, validation.Errors)
	if err != nil {
		return outcome{}, err
	}
	in.CorrectedPlan = correction

	in.Failure = &statemachine.Failure{
		Class:   domain.FailureValidation,
		Message: validationMessage(validation.Errors),
	}
	return outcome{event: domain.EventInvalid, input: in}, nil
}

// handleSubmittingForm отправляет форму и проверяет результат.
//
// Если confirmation уже получен, форма повторно не отправляется:
// retry после ошибки Verify повторяет только проверку.
func (l *Loop) handleSubmittingForm(ctx context.Context, app *domain.Application) (outcome, error) {
	// 1. Отправка
	confirmation := app.Artifacts.ConfirmationRef
	if confirmation == "" {
		ref, err := l.automation.Submit(ctx, app.Artifacts.FormStateRef)
		if err != nil {
			return l.failure(ctx, err)
		}
		confirmation = ref
	}

	// 2. Проверка результата
	verification, err := l.decision.Verify(ctx, confirmation)
	if err != nil {
		out, ctxErr := l.failure(ctx, err)
		out.input.ConfirmationRef = confirmation
		return out, ctxErr
	}
	if !verification.Confirmed {
		msg := errNotConfirmed.Error()
		if verification.Reason != "" {
			msg += ": " + verification.Reason
		}
		out := failed(domain.FailureTransient, msg)
		out.input.ConfirmationRef = confirmation
		return out, nil
	}

	return outcome{
		event: domain.EventConfirmed,
		input: statemachine.Input{ConfirmationRef: confirmation},
	}, nil
}

// --- Failed ---

// handleRetryQueue спрашивает retry policy.
func (l *Loop) handleRetryQueue(_ context.Context, app *domain.Application) (outcome, error) {
	failure := retry.Failure{
		Class:     domain.FailureTransient,
		Attempt:   app.AttemptCount,
		Corrected: app.Artifacts.CorrectedPlan != nil,
	}
	if app.LastError != nil {
		failure.Class = app.LastError.Class
		failure.Step = app.LastError.Step
	}
	if app.ResumeStep != nil {
		failure.Step = *app.ResumeStep
	}

	decision := l.policy.Decide(failure)
	telemetry.RetryDecisions.WithLabelValues(string(failure.Class), string(decision.Action)).Inc()

	l.logger.Info("retry decision",
		"application_id", app.ID,
		"class", failure.Class,
		"attempt", failure.Attempt,
		"step", failure.Step.String(),
		"action", decision.Action,
		"delay", decision.Delay,
		"reason", decision.Reason,
	)

	if decision.Action == retry.ActionRetry {
		at := l.now().UTC().Add(decision.Delay)
		return outcome{
			event: domain.EventRetry,
			input: statemachine.Input{RetryAt: &at},
		}, nil
	}

	return outcome{
		event: domain.EventEscalate,
		input: statemachine.Input{Outcome: decision.Outcome()},
	}, nil
}

// handleBackToReady возобновляет шаг, когда наступило RetryAt.
// Раньше срока application возвращается в очередь.
func (l *Loop) handleBackToReady(_ context.Context, app *domain.Application) (outcome, error) {
	if app.RetryAt != nil && l.now().Before(*app.RetryAt) {
		return outcome{suspend: true, notBefore: *app.RetryAt}, nil
	}
	return outcome{event: domain.EventResume}, nil
}

// --- Terminal-bound ---

func finalize(context.Context, *domain.Application) (outcome, error) {
	return outcome{event: domain.EventFinalize}, nil
}

// --- Helpers ---

// failure превращает ошибку gateway в событие failure.
// Если вызов прервала отмена ctx, событие не создаётся.
func (l *Loop) failure(ctx context.Context, err error) (outcome, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return outcome{}, ctxErr
	}
	return failed(gateway.Classify(err), err.Error()), nil
}

// correctable превращает ошибку заполнения в событие failure.
// Для ошибки валидации (неверный селектор, невалидный план) у Decision
// Service запрашивается исправленный план.
func (l *Loop) correctable(ctx context.Context, app *domain.Application, previous *domain.ActionPlan, err error) (outcome, error) {
	out, ctxErr := l.failure(ctx, err)
	if ctxErr != nil || out.input.Failure.Class != domain.FailureValidation {
		return out, ctxErr
	}

	correction, cErr := l.requestCorrection(ctx, app, previous, []string{err.Error()})
	if cErr != nil {
		return outcome{}, cErr
	}
	out.input.CorrectedPlan = correction
	return out, nil
}

// requestCorrection просит у Decision Service исправленный план.
// Ошибка запроса не прерывает шаг: без исправления retry policy эскалирует.
func (l *Loop) requestCorrection(ctx context.Context, app *domain.Application, previous *domain.ActionPlan, errs []string) (*domain.ActionPlan, error) {
	correction, err := l.decision.PlanAction(ctx, gateway.PlanRequest{
		SnapshotRef: app.Artifacts.PageSnapshotRef,
		Target:      app.Payload.TargetURL,
		ContentRef:  app.Artifacts.ContentRef,
		Errors:      errs,
		Previous:    previous,
	})
	switch {
	case err == nil:
		return &correction, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		l.logger.Warn("correction request failed",
			"application_id", app.ID,
			"error", err,
		)
		return nil, nil
	}
}

func failed(class domain.FailureClass, message string) outcome {
	return outcome{
		event: domain.EventFailure,
		input: statemachine.Input{
			Failure: &statemachine.Failure{Class: class, Message: message},
		},
	}
}

func validationMessage(errs []string) string {
	if len(errs) == 0 {
		return "form validation failed"
	}
	return "form validation failed: " + strings.Join(errs, "; ")
}
