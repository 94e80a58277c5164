package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// ApplicationResponse — application из API.
type ApplicationResponse struct {
	ID              string         `json:"id"`
	BatchID         string         `json:"batch_id,omitempty"`
	Step            string         `json:"step"`
	State           string         `json:"state"`
	SubState        string         `json:"sub_state,omitempty"`
	AttemptCount    int            `json:"attempt_count"`
	MatchScore      *float64       `json:"match_score,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
	Outcome         string         `json:"outcome,omitempty"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	RetryAt         string         `json:"retry_at,omitempty"`
	LastError       *LastError     `json:"last_error,omitempty"`
	Payload         Payload        `json:"payload"`
	History         []HistoryEntry `json:"history,omitempty"`
	AllowedEvents   []string       `json:"allowed_events,omitempty"`
	Version         int64          `json:"version"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
}

// Payload — ссылки на резюме и вакансию.
type Payload struct {
	ResumeRef      string `json:"resume_ref"`
	JobRef         string `json:"job_ref"`
	PreferencesRef string `json:"preferences_ref,omitempty"`
	TargetURL      string `json:"target_url"`
}

// LastError — последняя ошибка внешнего вызова.
type LastError struct {
	Class   string `json:"class"`
	Message string `json:"message"`
	At      string `json:"at"`
}

// Step — шаг application.
type Step struct {
	State string `json:"state"`
	Sub   string `json:"sub_state,omitempty"`
}

func (s Step) String() string {
	if s.Sub == "" {
		return s.State
	}
	return s.State + "." + s.Sub
}

// HistoryEntry — запись history.
type HistoryEntry struct {
	From      Step   `json:"from"`
	To        Step   `json:"to"`
	Event     string `json:"event"`
	Cause     string `json:"cause,omitempty"`
	Attempt   int    `json:"attempt"`
	Timestamp string `json:"timestamp"`
}

// BatchResponse — созданный пакет.
type BatchResponse struct {
	BatchID        string   `json:"batch_id"`
	ApplicationIDs []string `json:"application_ids"`
}

// BatchStatusResponse — сводка по пакету.
type BatchStatusResponse struct {
	BatchID   string         `json:"batch_id"`
	Total     int            `json:"total"`
	InFlight  int            `json:"in_flight"`
	Completed int            `json:"completed"`
	ByOutcome map[string]int `json:"by_outcome"`
	ByState   map[string]int `json:"by_state"`
}

// CancelBatchResponse — результат отмены пакета.
type CancelBatchResponse struct {
	BatchID   string `json:"batch_id"`
	Cancelled int    `json:"cancelled"`
	Finished  int    `json:"already_finished"`
}

// --- Request types ---

// SubmitRequest — создание application.
type SubmitRequest struct {
	ResumeRef      string `json:"resume_ref"`
	JobRef         string `json:"job_ref"`
	PreferencesRef string `json:"preferences_ref,omitempty"`
	TargetURL      string `json:"target_url"`
}

// BatchJob — вакансия пакета.
type BatchJob struct {
	JobRef    string `json:"job_ref"`
	TargetURL string `json:"target_url"`
}

// SubmitBatchRequest — создание пакета.
type SubmitBatchRequest struct {
	ResumeRef      string     `json:"resume_ref"`
	PreferencesRef string     `json:"preferences_ref,omitempty"`
	Jobs           []BatchJob `json:"jobs"`
}

// ListApplicationsOpts — параметры фильтрации applications.
type ListApplicationsOpts struct {
	BatchID string
	State   string
	Limit   int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Jobpilot API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Applications ---

// SubmitApplication создаёт application.
func (c *Client) SubmitApplication(req SubmitRequest) (*ApplicationResponse, error) {
	var app ApplicationResponse
	err := c.post("/api/v1/applications", req, &app)
	return &app, err
}

// GetApplication возвращает application по ID.
func (c *Client) GetApplication(id string) (*ApplicationResponse, error) {
	var app ApplicationResponse
	err := c.get("/api/v1/applications/"+url.PathEscape(id), &app)
	return &app, err
}

// ListApplications возвращает applications с фильтрацией.
func (c *Client) ListApplications(opts ListApplicationsOpts) ([]ApplicationResponse, error) {
	params := url.Values{}
	if opts.BatchID != "" {
		params.Set("batch_id", opts.BatchID)
	}
	if opts.State != "" {
		params.Set("state", opts.State)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var apps []ApplicationResponse
	err := c.list("/api/v1/applications", params, &apps)
	return apps, err
}

// CancelApplication запрашивает отмену application.
func (c *Client) CancelApplication(id string) (*ApplicationResponse, error) {
	var app ApplicationResponse
	err := c.post("/api/v1/applications/"+url.PathEscape(id)+"/cancel", nil, &app)
	return &app, err
}

// --- Batches ---

// SubmitBatch создаёт пакет applications.
func (c *Client) SubmitBatch(req SubmitBatchRequest) (*BatchResponse, error) {
	var batch BatchResponse
	err := c.post("/api/v1/batches", req, &batch)
	return &batch, err
}

// GetBatch возвращает сводку по пакету.
func (c *Client) GetBatch(id string) (*BatchStatusResponse, error) {
	var status BatchStatusResponse
	err := c.get("/api/v1/batches/"+url.PathEscape(id), &status)
	return &status, err
}

// CancelBatch запрашивает отмену пакета.
func (c *Client) CancelBatch(id string) (*CancelBatchResponse, error) {
	var res CancelBatchResponse
	err := c.post("/api/v1/batches/"+url.PathEscape(id)+"/cancel", nil, &res)
	return &res, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
