package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shaiso/Jobpilot/internal/domain"
	"github.com/shaiso/Jobpilot/internal/repo"
	"github.com/shaiso/Jobpilot/internal/statemachine"
	"github.com/shaiso/Jobpilot/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Helpers ---

type fakeNotifier struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (n *fakeNotifier) PublishApplicationPending(_ context.Context, id uuid.UUID, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, id)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type testEnv struct {
	store    *repo.MemoryStore
	notifier *fakeNotifier
	mux      *http.ServeMux
}

func newTestEnv(t *testing.T, health func(context.Context) error) *testEnv {
	t.Helper()

	store := repo.NewMemoryStore()
	notifier := &fakeNotifier{}
	h := NewHandler(Config{
		Controller:  statemachine.New(statemachine.Config{Store: store}),
		Store:       store,
		Notifier:    notifier,
		HealthCheck: health,
	})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &testEnv{store: store, notifier: notifier, mux: mux}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Data
}

var validRequest = CreateApplicationRequest{
	ResumeRef: "resume-42",
	JobRef:    "job-7",
	TargetURL: "https://careers.example.com/jobs/7",
}

func (e *testEnv) create(t *testing.T) ApplicationResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/applications", validRequest)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeData[ApplicationResponse](t, rec)
}

// --- Application Tests ---

func TestCreateApplication(t *testing.T) {
	env := newTestEnv(t, nil)

	app := env.create(t)

	assert.NotEqual(t, uuid.Nil, app.ID)
	assert.Equal(t, "INITIATED", app.Step)
	assert.Equal(t, int64(1), app.Version)
	require.Len(t, app.History, 1)
	assert.Equal(t, domain.EventCreate, app.History[0].Event)
	assert.Contains(t, app.AllowedEvents, domain.EventAccept)
	assert.Contains(t, app.AllowedEvents, domain.EventCancel)

	assert.Equal(t, 1, env.store.PendingLen())
	assert.Equal(t, 1, env.notifier.count())
}

func TestCreateApplication_Invalid(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/applications", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/applications", CreateApplicationRequest{ResumeRef: "resume-42"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Zero(t, env.store.PendingLen())
}

func TestGetApplication(t *testing.T) {
	env := newTestEnv(t, nil)
	created := env.create(t)

	rec := env.do(t, http.MethodGet, "/api/v1/applications/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeData[ApplicationResponse](t, rec)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, validRequest.JobRef, got.Payload.JobRef)
	assert.Len(t, got.History, 1)

	rec = env.do(t, http.MethodGet, "/api/v1/applications/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/applications/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListApplications(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 3; i++ {
		env.create(t)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/applications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data  []ApplicationResponse `json:"data"`
		Total int                   `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Equal(t, 3, list.Total)
	for _, app := range list.Data {
		assert.Empty(t, app.History)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/applications?state=READY", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeData[[]ApplicationResponse](t, rec))

	// total — число всех подходящих записей, а не размер страницы
	rec = env.do(t, http.MethodGet, "/api/v1/applications?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list.Data, 2)
	assert.Equal(t, 3, list.Total)

	rec = env.do(t, http.MethodGet, "/api/v1/applications?state=SOMEWHERE", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelApplication(t *testing.T) {
	env := newTestEnv(t, nil)
	created := env.create(t)

	// Воркер уже забрал запись из очереди
	_, err := env.store.DequeueReady(context.Background())
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/v1/applications/"+created.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeData[ApplicationResponse](t, rec)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, int64(2), got.Version)

	// Отмену выполнит воркер
	assert.Equal(t, 1, env.store.PendingLen())
	assert.Equal(t, 2, env.notifier.count())

	rec = env.do(t, http.MethodPost, "/api/v1/applications/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelApplication_Finished(t *testing.T) {
	env := newTestEnv(t, nil)

	app := domain.NewApplication(validRequest.Payload(), nil, time.Now())
	app.SetStep(domain.StepComplete)
	app.Outcome = domain.OutcomeSubmitted
	require.NoError(t, env.store.Create(context.Background(), app))

	rec := env.do(t, http.MethodPost, "/api/v1/applications/"+app.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, ErrCodeInvalidState, resp.Error.Code)
	assert.Equal(t, "COMPLETE", resp.Error.Step)
	assert.Empty(t, resp.Error.AllowedEvents)
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   ErrorCode
	}{
		{"not found", repo.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"already exists", repo.ErrAlreadyExists, http.StatusConflict, ErrCodeConflict},
		{"stale", &statemachine.StaleStateError{Expected: domain.StepReady, Actual: domain.StepNavigatingPortal}, http.StatusConflict, ErrCodeConflict},
		{"illegal", fmt.Errorf("%w: start on COMPLETE", statemachine.ErrIllegalTransition), http.StatusUnprocessableEntity, ErrCodeInvalidState},
		{"guard", statemachine.ErrGuardRejected, http.StatusUnprocessableEntity, ErrCodeInvalidState},
		{"internal", errors.New("connection reset"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			require.True(t, HandleError(rec, slog.Default(), tt.err, "application not found"))
			assert.Equal(t, tt.status, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}

	assert.False(t, HandleError(httptest.NewRecorder(), slog.Default(), nil, ""))
}

// --- Batch Tests ---

func TestBatchLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/batches", CreateBatchRequest{
		ResumeRef: "resume-42",
		Jobs: []BatchJob{
			{JobRef: "job-1", TargetURL: "https://a.example.com/1"},
			{JobRef: "job-2", TargetURL: "https://b.example.com/2"},
			{JobRef: "job-3", TargetURL: "https://c.example.com/3"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	batch := decodeData[BatchResponse](t, rec)
	require.Len(t, batch.ApplicationIDs, 3)
	assert.Equal(t, 3, env.store.PendingLen())

	path := "/api/v1/batches/" + batch.BatchID.String()

	rec = env.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeData[BatchStatusResponse](t, rec)
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 3, status.InFlight)
	assert.Equal(t, 3, status.ByState["INITIATED"])

	rec = env.do(t, http.MethodGet, "/api/v1/applications?batch_id="+batch.BatchID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[[]ApplicationResponse](t, rec), 3)

	rec = env.do(t, http.MethodPost, path+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decodeData[CancelBatchResponse](t, rec)
	assert.Equal(t, 3, cancelled.Cancelled)
	assert.Zero(t, cancelled.Finished)

	for _, id := range batch.ApplicationIDs {
		app, err := env.store.Load(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, app.CancelRequested)
	}
}

func TestCreateBatch_Invalid(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/batches", CreateBatchRequest{ResumeRef: "resume-42"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Одна плохая вакансия отклоняет весь пакет
	rec = env.do(t, http.MethodPost, "/api/v1/batches", CreateBatchRequest{
		ResumeRef: "resume-42",
		Jobs: []BatchJob{
			{JobRef: "job-1", TargetURL: "https://a.example.com/1"},
			{JobRef: "job-2"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	apps, err := env.store.List(context.Background(), repo.Filter{})
	require.NoError(t, err)
	assert.Empty(t, apps)
}

func TestGetBatch_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/batches/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- Service Tests ---

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	env = newTestEnv(t, func(context.Context) error { return errors.New("db down") })
	rec = env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsMiddleware(t *testing.T) {
	env := newTestEnv(t, nil)
	counter := telemetry.HTTPRequests.WithLabelValues(http.MethodGet, "404")
	before := testutil.ToFloat64(counter)

	env.do(t, http.MethodGet, "/api/v1/applications/"+uuid.NewString(), nil)

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
