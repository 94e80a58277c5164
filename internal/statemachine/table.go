package statemachine

import (
	"fmt"
	"time"

	"github.com/shaiso/Jobpilot/internal/domain"
)

// matcher проверяет исходный шаг строки таблицы.
type matcher func(domain.Step) bool

// target вычисляет целевой шаг (для resume он зависит от application).
type target func(app *domain.Application) domain.Step

// guard возвращает nil, если переход разрешён.
type guard func(g *guardContext) error

// guardContext — данные, доступные guard'у.
type guardContext struct {
	app         *domain.Application
	input       Input
	threshold   float64
	maxAttempts int
	now         time.Time
}

// score возвращает сохранённый match score или переданный в input.
func (g *guardContext) score() (float64, bool) {
	if g.app.MatchScore != nil {
		return *g.app.MatchScore, true
	}
	if g.input.MatchScore != nil {
		return *g.input.MatchScore, true
	}
	return 0, false
}

// rule — строка таблицы переходов.
type rule struct {
	from  matcher
	event domain.Event
	to    target
	guard guard
}

// --- Matchers ---

func exactly(step domain.Step) matcher {
	return func(s domain.Step) bool { return s == step }
}

func inState(states ...domain.State) matcher {
	return func(s domain.Step) bool {
		for _, st := range states {
			if s.State == st {
				return true
			}
		}
		return false
	}
}

func nonTerminal(s domain.Step) bool {
	return !s.IsTerminal()
}

func to(step domain.Step) target {
	return func(*domain.Application) domain.Step { return step }
}

func resumeTarget(app *domain.Application) domain.Step {
	if app.ResumeStep == nil {
		return domain.Step{}
	}
	return *app.ResumeStep
}

// --- Guards ---

func payloadPresent(g *guardContext) error {
	if !g.app.Payload.Present() {
		return fmt.Errorf("%w: payload incomplete", ErrGuardRejected)
	}
	return nil
}

func scoreSet(g *guardContext) error {
	if _, ok := g.score(); !ok {
		return fmt.Errorf("%w: match score not set", ErrGuardRejected)
	}
	return nil
}

func scoreAtLeastThreshold(g *guardContext) error {
	score, ok := g.score()
	if !ok || score < g.threshold {
		return fmt.Errorf("%w: score below threshold", ErrGuardRejected)
	}
	return nil
}

func scoreBelowThreshold(g *guardContext) error {
	score, ok := g.score()
	if !ok || score >= g.threshold {
		return fmt.Errorf("%w: score not below threshold", ErrGuardRejected)
	}
	return nil
}

func failureAttached(g *guardContext) error {
	if g.input.Failure == nil || !g.input.Failure.Class.Valid() {
		return fmt.Errorf("%w: failure not attached", ErrGuardRejected)
	}
	return nil
}

func attemptsLeft(g *guardContext) error {
	if g.app.AttemptCount >= g.maxAttempts {
		return fmt.Errorf("%w: attempts exhausted (%d/%d)", ErrGuardRejected, g.app.AttemptCount, g.maxAttempts)
	}
	if g.app.ResumeStep == nil || !g.app.ResumeStep.IsResumable() {
		return fmt.Errorf("%w: nothing to resume", ErrGuardRejected)
	}
	return nil
}

func resumeDue(g *guardContext) error {
	if g.app.ResumeStep == nil || !g.app.ResumeStep.IsResumable() {
		return fmt.Errorf("%w: nothing to resume", ErrGuardRejected)
	}
	if g.app.RetryAt != nil && g.now.Before(*g.app.RetryAt) {
		return fmt.Errorf("%w: retry not due until %s", ErrGuardRejected, g.app.RetryAt.Format(time.RFC3339))
	}
	return nil
}

// transitions — таблица переходов. Первая подходящая строка побеждает.
var transitions = []rule{
	{exactly(domain.StepInitiated), domain.EventAccept, to(domain.StepJobMatching), payloadPresent},
	{exactly(domain.StepJobMatching), domain.EventScoreComputed, to(domain.StepContentGeneration), scoreSet},
	{exactly(domain.StepContentGeneration), domain.EventContentReady, to(domain.StepReady), scoreAtLeastThreshold},
	{exactly(domain.StepContentGeneration), domain.EventContentReady, to(domain.StepRejected), scoreBelowThreshold},
	{exactly(domain.StepReady), domain.EventStart, to(domain.StepNavigatingPortal), nil},
	{exactly(domain.StepNavigatingPortal), domain.EventPortalLoaded, to(domain.StepFillingForm), nil},
	{exactly(domain.StepFillingForm), domain.EventFormFilled, to(domain.StepValidatingForm), nil},
	{exactly(domain.StepValidatingForm), domain.EventValid, to(domain.StepSubmittingForm), nil},
	{exactly(domain.StepValidatingForm), domain.EventInvalid, to(domain.StepRetryQueue), nil},
	{exactly(domain.StepSubmittingForm), domain.EventConfirmed, to(domain.StepSubmitted), nil},

	{inState(domain.StateInitiated, domain.StateAnalysis, domain.StateInProgress), domain.EventFailure, to(domain.StepRetryQueue), failureAttached},

	{exactly(domain.StepRetryQueue), domain.EventRetry, to(domain.StepBackToReady), attemptsLeft},
	{exactly(domain.StepRetryQueue), domain.EventEscalate, to(domain.StepMaxRetries), nil},
	{exactly(domain.StepBackToReady), domain.EventResume, resumeTarget, resumeDue},

	{exactly(domain.StepSubmitted), domain.EventFinalize, to(domain.StepComplete), nil},
	{exactly(domain.StepMaxRetries), domain.EventFinalize, to(domain.StepComplete), nil},
	{exactly(domain.StepRejected), domain.EventFinalize, to(domain.StepComplete), nil},

	{nonTerminal, domain.EventCancel, to(domain.StepComplete), nil},
}

// resolve находит целевой шаг для (from, event).
//
// Если строки для пары есть, но все guard'ы отказали, возвращается
// ошибка первого guard'а. Если строк нет — ErrIllegalTransition.
func resolve(from domain.Step, event domain.Event, g *guardContext) (domain.Step, error) {
	var guardErr error

	for _, r := range transitions {
		if r.event != event || !r.from(from) {
			continue
		}
		if r.guard != nil {
			if err := r.guard(g); err != nil {
				if guardErr == nil {
					guardErr = err
				}
				continue
			}
		}

		next := r.to(g.app)
		if !next.Valid() {
			return domain.Step{}, fmt.Errorf("%w: %s on %s leads to invalid step", ErrIllegalTransition, event, from)
		}
		return next, nil
	}

	if guardErr != nil {
		return domain.Step{}, guardErr
	}
	return domain.Step{}, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, event, from)
}

// Allowed возвращает события, для которых у шага есть строки в таблице.
func Allowed(from domain.Step) []domain.Event {
	seen := make(map[domain.Event]bool)
	var events []domain.Event
	for _, r := range transitions {
		if r.from(from) && !seen[r.event] {
			seen[r.event] = true
			events = append(events, r.event)
		}
	}
	return events
}
