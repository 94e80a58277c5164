// Package gateway — границы с внешними сервисами.
//
// Decision — семантические решения (анализ, контент, план действий,
// проверка результата). Automation — действия в браузере (навигация,
// заполнение, валидация, отправка формы). Оба интерфейса узкие и
// типизированные; любая ошибка классифицируется как transient,
// validation или fatal.
package gateway

import (
	"context"

	"github.com/shaiso/Jobpilot/internal/domain"
)

// Analysis — результат анализа вакансии и резюме.
type Analysis struct {
	MatchScore      float64  `json:"match_score"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Content — сгенерированный материал (cover letter и т.п.).
type Content struct {
	ContentRef string `json:"content_ref"`
}

// PlanRequest — запрос плана заполнения формы.
type PlanRequest struct {
	SnapshotRef string `json:"snapshot_ref"`
	Target      string `json:"target"`
	ContentRef  string `json:"content_ref,omitempty"`

	// Errors и Previous заполняются при запросе исправления.
	Errors   []string           `json:"errors,omitempty"`
	Previous *domain.ActionPlan `json:"previous_plan,omitempty"`
}

// Verification — результат проверки отправки.
type Verification struct {
	Confirmed bool   `json:"confirmed"`
	Reason    string `json:"reason,omitempty"`
}

// Validation — результат проверки заполненной формы.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Decision — Semantic Decision Service.
type Decision interface {
	Analyze(ctx context.Context, jobRef, resumeRef string) (Analysis, error)
	GenerateContent(ctx context.Context, jobRef, resumeRef, preferencesRef string) (Content, error)
	PlanAction(ctx context.Context, req PlanRequest) (domain.ActionPlan, error)
	Verify(ctx context.Context, outcomeRef string) (Verification, error)
}

// Automation — Automation Executor.
type Automation interface {
	Navigate(ctx context.Context, target string) (pageSnapshotRef string, err error)
	FillForm(ctx context.Context, plan domain.ActionPlan) (formStateRef string, err error)
	ValidateForm(ctx context.Context, formStateRef string) (Validation, error)
	Submit(ctx context.Context, formStateRef string) (confirmationRef string, err error)
}
