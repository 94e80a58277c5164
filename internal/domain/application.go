package domain

import (
	"time"

	"github.com/google/uuid"
)

// Application — одна попытка пользователя откликнуться на одну вакансию.
//
// Application создаётся Job submission API в состоянии INITIATED
// и изменяется только через statemachine.Controller.
// Ядро никогда не удаляет application — только доводит до COMPLETE.
type Application struct {
	// ID — уникальный идентификатор, неизменяемый.
	ID uuid.UUID `json:"id"`

	// BatchID — группа applications, поданных одним запросом.
	BatchID *uuid.UUID `json:"batch_id,omitempty"`

	// State и SubState — текущий шаг state machine.
	State    State    `json:"state"`
	SubState SubState `json:"sub_state,omitempty"`

	// AttemptCount — попытки, израсходованные в текущем шаге.
	// Сбрасывается при успешном переходе вперёд.
	AttemptCount int `json:"attempt_count"`

	// MatchScore — результат анализа. Устанавливается один раз.
	MatchScore *float64 `json:"match_score,omitempty"`

	// Recommendations — рекомендации Decision Service по результату анализа.
	Recommendations []string `json:"recommendations,omitempty"`

	// History — append-only журнал переходов.
	History []HistoryEntry `json:"history"`

	// Payload — ссылки на данные внешних сервисов (ядро ими не владеет).
	Payload Payload `json:"payload"`

	// Artifacts — ссылки, полученные по ходу выполнения.
	Artifacts Artifacts `json:"artifacts"`

	// ResumeStep — шаг, в который application вернётся после retry.
	ResumeStep *Step `json:"resume_step,omitempty"`

	// RetryAt — не раньше этого времени выполняется запланированный retry.
	RetryAt *time.Time `json:"retry_at,omitempty"`

	// LastError — последняя ошибка. Очищается при успешном переходе.
	LastError *LastError `json:"last_error,omitempty"`

	// CancelRequested — флаг внешней отмены.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Outcome — причина завершения (заполняется на пути в COMPLETE).
	Outcome Outcome `json:"outcome,omitempty"`

	// Version — токен оптимистичной блокировки, растёт на каждом CAS.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Payload — ссылки на резюме, вакансию и предпочтения пользователя.
type Payload struct {
	ResumeRef      string `json:"resume_ref"`
	JobRef         string `json:"job_ref"`
	PreferencesRef string `json:"preferences_ref,omitempty"`

	// TargetURL — страница вакансии/портала для навигации.
	TargetURL string `json:"target_url"`
}

// Present проверяет, что резюме и вакансия переданы.
func (p Payload) Present() bool {
	return p.ResumeRef != "" && p.JobRef != "" && p.TargetURL != ""
}

// Artifacts — результаты шагов, нужные следующим шагам.
type Artifacts struct {
	ContentRef      string      `json:"content_ref,omitempty"`
	PageSnapshotRef string      `json:"page_snapshot_ref,omitempty"`
	ActionPlan      *ActionPlan `json:"action_plan,omitempty"`
	FormStateRef    string      `json:"form_state_ref,omitempty"`
	ConfirmationRef string      `json:"confirmation_ref,omitempty"`

	// CorrectedPlan — исправленный план после отклонённой валидации.
	CorrectedPlan *ActionPlan `json:"corrected_plan,omitempty"`
}

// ActionPlan — план заполнения формы от Decision Service.
type ActionPlan struct {
	Actions []Action `json:"actions"`
}

// Action — одно действие с элементом формы.
type Action struct {
	// Type: fill, select, click, upload.
	Type     string `json:"type"`
	Selector string `json:"selector"`
	Value    string `json:"value,omitempty"`
}

// LastError — классифицированная ошибка последнего шага.
type LastError struct {
	Class   FailureClass `json:"class"`
	Message string       `json:"message"`
	Step    Step         `json:"step"`
	At      time.Time    `json:"at"`
}

// HistoryEntry — одна запись журнала переходов.
type HistoryEntry struct {
	From      Step      `json:"from"`
	To        Step      `json:"to"`
	Event     Event     `json:"event"`
	Cause     string    `json:"cause,omitempty"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// NewApplication создаёт application в состоянии INITIATED
// с первой записью history.
func NewApplication(payload Payload, batchID *uuid.UUID, now time.Time) *Application {
	return &Application{
		ID:      uuid.New(),
		BatchID: batchID,
		State:   StateInitiated,
		Payload: payload,
		History: []HistoryEntry{{
			From:      StepInitiated,
			To:        StepInitiated,
			Event:     EventCreate,
			Cause:     CauseCreated,
			Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Step возвращает текущий шаг.
func (a *Application) Step() Step {
	return Step{State: a.State, Sub: a.SubState}
}

// SetStep устанавливает текущий шаг.
func (a *Application) SetStep(s Step) {
	a.State = s.State
	a.SubState = s.Sub
}

// IsFinished возвращает true, если application в COMPLETE.
func (a *Application) IsFinished() bool {
	return a.Step().IsTerminal()
}

// LastEntry возвращает последнюю запись history или nil.
func (a *Application) LastEntry() *HistoryEntry {
	if len(a.History) == 0 {
		return nil
	}
	return &a.History[len(a.History)-1]
}

// Clone возвращает глубокую копию application.
// Хранилища отдают и принимают копии, чтобы не делить slices и указатели.
func (a *Application) Clone() *Application {
	if a == nil {
		return nil
	}
	c := *a

	if a.BatchID != nil {
		id := *a.BatchID
		c.BatchID = &id
	}
	if a.MatchScore != nil {
		score := *a.MatchScore
		c.MatchScore = &score
	}
	if a.ResumeStep != nil {
		step := *a.ResumeStep
		c.ResumeStep = &step
	}
	if a.RetryAt != nil {
		at := *a.RetryAt
		c.RetryAt = &at
	}
	if a.LastError != nil {
		le := *a.LastError
		c.LastError = &le
	}

	c.Recommendations = append([]string(nil), a.Recommendations...)
	c.History = append([]HistoryEntry(nil), a.History...)
	c.Artifacts.ActionPlan = a.Artifacts.ActionPlan.Clone()
	c.Artifacts.CorrectedPlan = a.Artifacts.CorrectedPlan.Clone()

	return &c
}

// Clone возвращает копию плана.
func (p *ActionPlan) Clone() *ActionPlan {
	if p == nil {
		return nil
	}
	return &ActionPlan{Actions: append([]Action(nil), p.Actions...)}
}
