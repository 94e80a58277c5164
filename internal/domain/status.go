package domain

import (
	"fmt"
	"strings"
)

// State — верхнеуровневое состояние application.
//
// Жизненный цикл:
//
//	INITIATED → ANALYSIS → READY → IN_PROGRESS → SUBMITTED → COMPLETE
//	                     ↘ REJECTED → COMPLETE
//	(ошибки)  → FAILED (RETRY_QUEUE ⇄ BACK_TO_READY, → MAX_RETRIES) → COMPLETE
type State string

const (
	// StateInitiated — application создана, ещё не анализировалась.
	StateInitiated State = "INITIATED"

	// StateAnalysis — анализ вакансии и резюме (composite).
	StateAnalysis State = "ANALYSIS"

	// StateReady — анализ пройден, можно подавать.
	StateReady State = "READY"

	// StateRejected — match score ниже порога.
	StateRejected State = "REJECTED"

	// StateInProgress — работа с порталом и формой (composite).
	StateInProgress State = "IN_PROGRESS"

	// StateSubmitted — форма отправлена и подтверждена.
	StateSubmitted State = "SUBMITTED"

	// StateFailed — ошибка и восстановление (composite).
	StateFailed State = "FAILED"

	// StateComplete — финальное состояние.
	StateComplete State = "COMPLETE"
)

// SubState — подсостояние composite-состояния.
// Пустая строка — подсостояния нет.
type SubState string

const (
	SubNone SubState = ""

	// Analysis
	SubJobMatching       SubState = "JOB_MATCHING"
	SubContentGeneration SubState = "CONTENT_GENERATION"

	// InProgress
	SubNavigatingPortal SubState = "NAVIGATING_PORTAL"
	SubFillingForm      SubState = "FILLING_FORM"
	SubValidatingForm   SubState = "VALIDATING_FORM"
	SubSubmittingForm   SubState = "SUBMITTING_FORM"

	// Failed
	SubRetryQueue  SubState = "RETRY_QUEUE"
	SubBackToReady SubState = "BACK_TO_READY"
	SubMaxRetries  SubState = "MAX_RETRIES"
)

// subStates — допустимые подсостояния для каждого composite-состояния.
var subStates = map[State][]SubState{
	StateAnalysis:   {SubJobMatching, SubContentGeneration},
	StateInProgress: {SubNavigatingPortal, SubFillingForm, SubValidatingForm, SubSubmittingForm},
	StateFailed:     {SubRetryQueue, SubBackToReady, SubMaxRetries},
}

// IsComposite возвращает true для состояний с подсостояниями.
func (s State) IsComposite() bool {
	_, ok := subStates[s]
	return ok
}

// Step — пара (state, subState), tagged variant вместо иерархии.
//
// Таблица переходов строится по Step, а не по State.
type Step struct {
	State State    `json:"state"`
	Sub   SubState `json:"sub_state,omitempty"`
}

// Часто используемые шаги.
var (
	StepInitiated         = Step{State: StateInitiated}
	StepJobMatching       = Step{State: StateAnalysis, Sub: SubJobMatching}
	StepContentGeneration = Step{State: StateAnalysis, Sub: SubContentGeneration}
	StepReady             = Step{State: StateReady}
	StepRejected          = Step{State: StateRejected}
	StepNavigatingPortal  = Step{State: StateInProgress, Sub: SubNavigatingPortal}
	StepFillingForm       = Step{State: StateInProgress, Sub: SubFillingForm}
	StepValidatingForm    = Step{State: StateInProgress, Sub: SubValidatingForm}
	StepSubmittingForm    = Step{State: StateInProgress, Sub: SubSubmittingForm}
	StepSubmitted         = Step{State: StateSubmitted}
	StepRetryQueue        = Step{State: StateFailed, Sub: SubRetryQueue}
	StepBackToReady       = Step{State: StateFailed, Sub: SubBackToReady}
	StepMaxRetries        = Step{State: StateFailed, Sub: SubMaxRetries}
	StepComplete          = Step{State: StateComplete}
)

// String возвращает "STATE" или "STATE.SUB".
func (s Step) String() string {
	if s.Sub == SubNone {
		return string(s.State)
	}
	return string(s.State) + "." + string(s.Sub)
}

// Valid проверяет, что подсостояние принадлежит своему родителю.
//
// Composite-состояние без подсостояния невалидно,
// простое состояние с подсостоянием — тоже.
func (s Step) Valid() bool {
	allowed, composite := subStates[s.State]
	if !composite {
		switch s.State {
		case StateInitiated, StateReady, StateRejected, StateSubmitted, StateComplete:
			return s.Sub == SubNone
		default:
			return false
		}
	}
	for _, sub := range allowed {
		if sub == s.Sub {
			return true
		}
	}
	return false
}

// IsTerminal возвращает true для COMPLETE.
func (s Step) IsTerminal() bool {
	return s.State == StateComplete
}

// IsResumable — шаги, в которые application возвращается после retry.
func (s Step) IsResumable() bool {
	return s.State == StateAnalysis || s.State == StateInProgress
}

// ParseStep парсит строку вида "STATE" или "STATE.SUB".
func ParseStep(raw string) (Step, error) {
	state, sub, _ := strings.Cut(raw, ".")
	step := Step{State: State(state), Sub: SubState(sub)}
	if !step.Valid() {
		return Step{}, fmt.Errorf("invalid step %q", raw)
	}
	return step, nil
}

// FailureClass — классификация ошибки внешнего вызова.
type FailureClass string

const (
	// FailureTransient — сеть, таймаут, rate limit. Retry с backoff.
	FailureTransient FailureClass = "transient"

	// FailureValidation — форма отклонена, неверный селектор. Retry с исправленным планом.
	FailureValidation FailureClass = "validation"

	// FailureFatal — ошибка аккаунта/аутентификации, нарушение политики. Без retry.
	FailureFatal FailureClass = "fatal"
)

// Valid проверяет, что класс известен.
func (c FailureClass) Valid() bool {
	switch c {
	case FailureTransient, FailureValidation, FailureFatal:
		return true
	default:
		return false
	}
}

// Outcome — итоговая причина завершения application.
type Outcome string

const (
	OutcomeNone                Outcome = ""
	OutcomeSubmitted           Outcome = "submitted"
	OutcomeRejected            Outcome = "rejected"
	OutcomeMaxRetriesExhausted Outcome = "max-retries-exhausted"
	OutcomeFatalError          Outcome = "fatal-error"
	OutcomeCancelled           Outcome = "cancelled"
)

// IsSuccess возвращает true только для пути SUBMITTED → COMPLETE.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeSubmitted
}
