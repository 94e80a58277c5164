package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Jobpilot/internal/domain"
	"github.com/shaiso/Jobpilot/internal/statemachine"
)

// Application DTOs

// CreateApplicationRequest — запрос на создание application.
type CreateApplicationRequest struct {
	ResumeRef      string `json:"resume_ref"`
	JobRef         string `json:"job_ref"`
	PreferencesRef string `json:"preferences_ref,omitempty"`
	TargetURL      string `json:"target_url"`
}

// Payload конвертирует запрос в domain.Payload.
func (r CreateApplicationRequest) Payload() domain.Payload {
	return domain.Payload{
		ResumeRef:      r.ResumeRef,
		JobRef:         r.JobRef,
		PreferencesRef: r.PreferencesRef,
		TargetURL:      r.TargetURL,
	}
}

// ApplicationResponse — ответ с application.
type ApplicationResponse struct {
	ID              uuid.UUID             `json:"id"`
	BatchID         *uuid.UUID            `json:"batch_id,omitempty"`
	Step            string                `json:"step"`
	State           string                `json:"state"`
	SubState        string                `json:"sub_state,omitempty"`
	AttemptCount    int                   `json:"attempt_count"`
	MatchScore      *float64              `json:"match_score,omitempty"`
	Recommendations []string              `json:"recommendations,omitempty"`
	Outcome         string                `json:"outcome,omitempty"`
	CancelRequested bool                  `json:"cancel_requested,omitempty"`
	RetryAt         *time.Time            `json:"retry_at,omitempty"`
	LastError       *domain.LastError     `json:"last_error,omitempty"`
	Payload         domain.Payload        `json:"payload"`
	Artifacts       domain.Artifacts      `json:"artifacts"`
	History         []domain.HistoryEntry `json:"history,omitempty"`
	AllowedEvents   []domain.Event        `json:"allowed_events,omitempty"`
	Version         int64                 `json:"version"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// ApplicationFromDomain конвертирует domain.Application в ApplicationResponse.
// History включается только в ответ на GET одной application.
func ApplicationFromDomain(a *domain.Application, withHistory bool) ApplicationResponse {
	resp := ApplicationResponse{
		ID:              a.ID,
		BatchID:         a.BatchID,
		Step:            a.Step().String(),
		State:           string(a.State),
		SubState:        string(a.SubState),
		AttemptCount:    a.AttemptCount,
		MatchScore:      a.MatchScore,
		Recommendations: a.Recommendations,
		Outcome:         string(a.Outcome),
		CancelRequested: a.CancelRequested,
		RetryAt:         a.RetryAt,
		LastError:       a.LastError,
		Payload:         a.Payload,
		Artifacts:       a.Artifacts,
		AllowedEvents:   statemachine.Allowed(a.Step()),
		Version:         a.Version,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
	if withHistory {
		resp.History = a.History
	}
	return resp
}

// Batch DTOs

// CreateBatchRequest — запрос на пакетную подачу: одно резюме, много вакансий.
type CreateBatchRequest struct {
	ResumeRef      string     `json:"resume_ref"`
	PreferencesRef string     `json:"preferences_ref,omitempty"`
	Jobs           []BatchJob `json:"jobs"`
}

// BatchJob — одна вакансия пакета.
type BatchJob struct {
	JobRef    string `json:"job_ref"`
	TargetURL string `json:"target_url"`
}

// BatchResponse — ответ на создание пакета.
type BatchResponse struct {
	BatchID        uuid.UUID   `json:"batch_id"`
	ApplicationIDs []uuid.UUID `json:"application_ids"`
}

// BatchStatusResponse — сводка по пакету.
type BatchStatusResponse struct {
	BatchID   uuid.UUID      `json:"batch_id"`
	Total     int            `json:"total"`
	InFlight  int            `json:"in_flight"`
	Completed int            `json:"completed"`
	ByOutcome map[string]int `json:"by_outcome"`
	ByState   map[string]int `json:"by_state"`
}

// batchStatus считает сводку по applications пакета.
func batchStatus(batchID uuid.UUID, apps []domain.Application) BatchStatusResponse {
	resp := BatchStatusResponse{
		BatchID:   batchID,
		Total:     len(apps),
		ByOutcome: make(map[string]int),
		ByState:   make(map[string]int),
	}
	for i := range apps {
		app := &apps[i]
		resp.ByState[string(app.State)]++
		if app.IsFinished() {
			resp.Completed++
			resp.ByOutcome[string(app.Outcome)]++
		} else {
			resp.InFlight++
		}
	}
	return resp
}

// CancelBatchResponse — результат отмены пакета.
type CancelBatchResponse struct {
	BatchID   uuid.UUID `json:"batch_id"`
	Cancelled int       `json:"cancelled"`
	Finished  int       `json:"already_finished"`
}
