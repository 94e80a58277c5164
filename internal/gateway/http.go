package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/Jobpilot/internal/domain"
	"github.com/xeipuuv/gojsonschema"
)

// maxResponseSize — ограничение тела ответа внешнего сервиса.
const maxResponseSize = 1 << 20

// HTTPConfig — конфигурация HTTP-клиента gateway.
type HTTPConfig struct {
	// BaseURL — адрес сервиса, например http://decision:8000.
	BaseURL string

	// Token — bearer token (опционально).
	Token string

	// Client — HTTP клиент (default: http.Client с Timeout).
	Client *http.Client

	// Timeout — таймаут клиента, если Client не задан (default: 30s).
	Timeout time.Duration
}

// httpClient — общий JSON-over-HTTP транспорт.
type httpClient struct {
	name    string
	baseURL string
	token   string
	client  *http.Client
}

func newHTTPClient(name string, cfg HTTPConfig) *httpClient {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultCallTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &httpClient{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
	}
}

// post отправляет JSON и декодирует ответ в out, проверяя его схемой.
func (c *httpClient) post(ctx context.Context, op, path string, in any, schema *gojsonschema.Schema, out any) error {
	fqOp := c.name + "." + op

	// 1. Тело запроса
	body, err := json.Marshal(in)
	if err != nil {
		return FatalError(fqOp, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return FatalError(fqOp, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// 2. Вызов — сетевые ошибки transient
	resp, err := c.client.Do(req)
	if err != nil {
		return TransientError(fqOp, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return TransientError(fqOp, fmt.Errorf("read response: %w", err))
	}

	// 3. Статус
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Class:      ClassifyStatus(resp.StatusCode),
			Op:         fqOp,
			StatusCode: resp.StatusCode,
			Err:        errors.New(errorMessage(raw, resp.Status)),
		}
	}

	// 4. Схема ответа
	if schema != nil {
		result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return TransientError(fqOp, fmt.Errorf("%w: %v", ErrInvalidResponse, err))
		}
		if !result.Valid() {
			msgs := make([]string, len(result.Errors()))
			for i, desc := range result.Errors() {
				msgs[i] = desc.String()
			}
			return TransientError(fqOp, fmt.Errorf("%w: %s", ErrInvalidResponse, strings.Join(msgs, "; ")))
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return TransientError(fqOp, fmt.Errorf("%w: %v", ErrInvalidResponse, err))
	}
	return nil
}

// errorMessage достаёт сообщение из JSON {"error": "..."} или тела целиком.
func errorMessage(raw []byte, status string) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return status
}

// --- Decision ---

// HTTPDecision — Decision поверх HTTP API сервиса решений.
//
//	POST /v1/analyze  {job_ref, resume_ref}                  → {match_score, recommendations}
//	POST /v1/content  {job_ref, resume_ref, preferences_ref} → {content_ref}
//	POST /v1/plan     PlanRequest                            → {actions: [...]}
//	POST /v1/verify   {outcome_ref}                          → {confirmed?, reason?, page_text?}
type HTTPDecision struct {
	api *httpClient
}

// NewHTTPDecision создаёт HTTPDecision.
func NewHTTPDecision(cfg HTTPConfig) *HTTPDecision {
	return &HTTPDecision{api: newHTTPClient("decision", cfg)}
}

func (d *HTTPDecision) Analyze(ctx context.Context, jobRef, resumeRef string) (Analysis, error) {
	req := map[string]string{"job_ref": jobRef, "resume_ref": resumeRef}

	var out Analysis
	if err := d.api.post(ctx, "analyze", "/v1/analyze", req, analyzeSchema, &out); err != nil {
		return Analysis{}, err
	}
	return out, nil
}

func (d *HTTPDecision) GenerateContent(ctx context.Context, jobRef, resumeRef, preferencesRef string) (Content, error) {
	req := map[string]string{
		"job_ref":         jobRef,
		"resume_ref":      resumeRef,
		"preferences_ref": preferencesRef,
	}

	var out Content
	if err := d.api.post(ctx, "generate_content", "/v1/content", req, contentSchema, &out); err != nil {
		return Content{}, err
	}
	return out, nil
}

func (d *HTTPDecision) PlanAction(ctx context.Context, req PlanRequest) (domain.ActionPlan, error) {
	var out domain.ActionPlan
	if err := d.api.post(ctx, "plan_action", "/v1/plan", req, planSchema, &out); err != nil {
		return domain.ActionPlan{}, err
	}
	if err := ValidatePlan(out); err != nil {
		return domain.ActionPlan{}, ValidationError("decision.plan_action", err)
	}
	return out, nil
}

// Verify проверяет отправку. Если сервис не вернул confirmed,
// решение принимается по тексту страницы.
func (d *HTTPDecision) Verify(ctx context.Context, outcomeRef string) (Verification, error) {
	req := map[string]string{"outcome_ref": outcomeRef}

	var out struct {
		Confirmed *bool  `json:"confirmed"`
		Reason    string `json:"reason"`
		PageText  string `json:"page_text"`
	}
	if err := d.api.post(ctx, "verify", "/v1/verify", req, verifySchema, &out); err != nil {
		return Verification{}, err
	}

	if out.Confirmed != nil {
		return Verification{Confirmed: *out.Confirmed, Reason: out.Reason}, nil
	}
	confirmed, reason := ConfirmedByText(out.PageText)
	return Verification{Confirmed: confirmed, Reason: reason}, nil
}

// --- Automation ---

// HTTPAutomation — Automation поверх HTTP API executor'а.
//
//	POST /v1/navigate {target}          → {page_snapshot_ref}
//	POST /v1/fill     {actions}         → {form_state_ref}
//	POST /v1/validate {form_state_ref}  → {valid, errors}
//	POST /v1/submit   {form_state_ref}  → {confirmation_ref}
type HTTPAutomation struct {
	api *httpClient
}

// NewHTTPAutomation создаёт HTTPAutomation.
func NewHTTPAutomation(cfg HTTPConfig) *HTTPAutomation {
	return &HTTPAutomation{api: newHTTPClient("automation", cfg)}
}

func (a *HTTPAutomation) Navigate(ctx context.Context, target string) (string, error) {
	var out struct {
		PageSnapshotRef string `json:"page_snapshot_ref"`
	}
	if err := a.api.post(ctx, "navigate", "/v1/navigate", map[string]string{"target": target}, navigateSchema, &out); err != nil {
		return "", err
	}
	return out.PageSnapshotRef, nil
}

func (a *HTTPAutomation) FillForm(ctx context.Context, plan domain.ActionPlan) (string, error) {
	if err := ValidatePlan(plan); err != nil {
		return "", ValidationError("automation.fill_form", err)
	}

	var out struct {
		FormStateRef string `json:"form_state_ref"`
	}
	if err := a.api.post(ctx, "fill_form", "/v1/fill", plan, fillSchema, &out); err != nil {
		return "", err
	}
	return out.FormStateRef, nil
}

func (a *HTTPAutomation) ValidateForm(ctx context.Context, formStateRef string) (Validation, error) {
	var out Validation
	if err := a.api.post(ctx, "validate_form", "/v1/validate", map[string]string{"form_state_ref": formStateRef}, validateSchema, &out); err != nil {
		return Validation{}, err
	}
	return out, nil
}

func (a *HTTPAutomation) Submit(ctx context.Context, formStateRef string) (string, error) {
	var out struct {
		ConfirmationRef string `json:"confirmation_ref"`
	}
	if err := a.api.post(ctx, "submit", "/v1/submit", map[string]string{"form_state_ref": formStateRef}, submitSchema, &out); err != nil {
		return "", err
	}
	return out.ConfirmationRef, nil
}
