package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	server *httptest.Server

	lastSubmit SubmitRequest
	lastBatch  SubmitBatchRequest
	lastQuery  string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}

	score := 0.82
	app := ApplicationResponse{
		ID:            "3f1c0a4e-0000-4000-8000-000000000001",
		Step:          "IN_PROGRESS.FILLING_FORM",
		State:         "IN_PROGRESS",
		SubState:      "FILLING_FORM",
		AttemptCount:  1,
		MatchScore:    &score,
		AllowedEvents: []string{"form_filled", "failure", "cancel"},
		History: []HistoryEntry{
			{From: Step{State: "INITIATED"}, To: Step{State: "INITIATED"}, Event: "create", Cause: "created"},
			{From: Step{State: "INITIATED"}, To: Step{State: "ANALYSIS", Sub: "JOB_MATCHING"}, Event: "start"},
		},
	}

	writeData := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{"data": v})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/applications", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastSubmit))
		writeData(w, http.StatusCreated, app)
	})
	mux.HandleFunc("GET /api/v1/applications", func(w http.ResponseWriter, r *http.Request) {
		f.lastQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"data": []ApplicationResponse{app}, "total": 1})
	})
	mux.HandleFunc("GET /api/v1/applications/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != app.ID {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{
				"code": "NOT_FOUND", "message": "application not found",
			}})
			return
		}
		writeData(w, http.StatusOK, app)
	})
	mux.HandleFunc("POST /api/v1/applications/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		cancelled := app
		cancelled.CancelRequested = true
		writeData(w, http.StatusOK, cancelled)
	})
	mux.HandleFunc("POST /api/v1/batches", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastBatch))
		ids := make([]string, len(f.lastBatch.Jobs))
		for i := range ids {
			ids[i] = app.ID
		}
		writeData(w, http.StatusCreated, BatchResponse{BatchID: "batch-1", ApplicationIDs: ids})
	})
	mux.HandleFunc("GET /api/v1/batches/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, BatchStatusResponse{
			BatchID:   r.PathValue("id"),
			Total:     3,
			InFlight:  1,
			Completed: 2,
			ByOutcome: map[string]int{"submitted": 1, "rejected": 1},
		})
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func run(t *testing.T, api *fakeAPI, jsonMode bool, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	clientFn := func() *Client { return NewClient(api.server.URL) }
	outputFn := func() *Output { return NewOutputTo(jsonMode, &stdout, &stderr) }

	root := &cobra.Command{Use: "jobpilot", SilenceUsage: true, SilenceErrors: true}
	root.AddCommand(NewAppCmd(clientFn, outputFn), NewBatchCmd(clientFn, outputFn))
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// --- App Tests ---

func TestAppSubmit(t *testing.T) {
	api := newFakeAPI(t)

	stdout, stderr, err := run(t, api, false,
		"app", "submit", "--resume", "resume-42", "--job", "job-7", "--url", "https://careers.example.com/7")
	require.NoError(t, err)

	assert.Equal(t, SubmitRequest{
		ResumeRef: "resume-42",
		JobRef:    "job-7",
		TargetURL: "https://careers.example.com/7",
	}, api.lastSubmit)
	assert.Contains(t, stderr, "Application submitted")
	assert.Contains(t, stdout, "IN_PROGRESS.FILLING_FORM")
	assert.Contains(t, stdout, "0.82")
}

func TestAppSubmit_MissingFlags(t *testing.T) {
	api := newFakeAPI(t)

	_, _, err := run(t, api, false, "app", "submit", "--resume", "resume-42")
	assert.Error(t, err)
}

func TestAppShow(t *testing.T) {
	api := newFakeAPI(t)
	id := "3f1c0a4e-0000-4000-8000-000000000001"

	stdout, _, err := run(t, api, true, "app", "show", id)
	require.NoError(t, err)
	var got ApplicationResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, id, got.ID)

	stdout, _, err = run(t, api, false, "app", "show", "--history", id)
	require.NoError(t, err)
	assert.Contains(t, stdout, "ANALYSIS.JOB_MATCHING")
	assert.Contains(t, stdout, "created")

	stdout, stderr, err := run(t, api, false, "app", "show", id)
	require.NoError(t, err)
	assert.Contains(t, stdout, "IN_PROGRESS.FILLING_FORM")
	assert.Contains(t, stderr, "Allowed events: form_filled, failure, cancel")

	_, _, err = run(t, api, false, "app", "show", "unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestAppList(t *testing.T) {
	api := newFakeAPI(t)

	stdout, _, err := run(t, api, false, "app", "list", "--state", "IN_PROGRESS", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, api.lastQuery, "state=IN_PROGRESS")
	assert.Contains(t, api.lastQuery, "limit=5")
	assert.Contains(t, stdout, "ATTEMPTS")
}

func TestAppCancel(t *testing.T) {
	api := newFakeAPI(t)

	stdout, stderr, err := run(t, api, false, "app", "cancel", "3f1c0a4e-0000-4000-8000-000000000001")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Cancel requested")
	assert.Contains(t, stdout, "(cancelling)")
}

// --- Batch Tests ---

func TestBatchSubmit(t *testing.T) {
	api := newFakeAPI(t)

	_, stderr, err := run(t, api, false, "batch", "submit", "--resume", "resume-42",
		"--job", "job-1=https://a.example.com/1",
		"--job", "job-2=https://b.example.com/2")
	require.NoError(t, err)

	require.Len(t, api.lastBatch.Jobs, 2)
	assert.Equal(t, BatchJob{JobRef: "job-2", TargetURL: "https://b.example.com/2"}, api.lastBatch.Jobs[1])
	assert.Contains(t, stderr, "2 applications")
}

func TestBatchSubmit_InvalidJob(t *testing.T) {
	api := newFakeAPI(t)

	_, _, err := run(t, api, false, "batch", "submit", "--resume", "resume-42", "--job", "job-1")
	assert.Error(t, err)

	_, _, err = run(t, api, false, "batch", "submit", "--resume", "resume-42")
	assert.Error(t, err)
}

func TestBatchShow(t *testing.T) {
	api := newFakeAPI(t)

	stdout, _, err := run(t, api, false, "batch", "show", "batch-1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "outcome:rejected")
	assert.Contains(t, stdout, "outcome:submitted")
}

// --- Output Tests ---

func TestOutputError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	NewOutputTo(false, &stdout, &stderr).Error("API error [NOT_FOUND]: application not found")

	assert.Empty(t, stdout.String())
	assert.Equal(t, "Error: API error [NOT_FOUND]: application not found\n", stderr.String())
}
