package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shaiso/Jobpilot/internal/domain"
	"github.com/shaiso/Jobpilot/internal/repo"
)

// ListApplications возвращает список applications с фильтрацией.
// GET /api/v1/applications?batch_id=...&state=...&limit=...&offset=...
func (h *Handler) ListApplications(w http.ResponseWriter, r *http.Request) {
	filter := repo.Filter{
		Limit:  parseInt(r.URL.Query().Get("limit"), 50),
		Offset: parseInt(r.URL.Query().Get("offset"), 0),
	}

	if batchIDStr := r.URL.Query().Get("batch_id"); batchIDStr != "" {
		batchID, err := uuid.Parse(batchIDStr)
		if err != nil {
			BadRequest(w, "invalid batch_id")
			return
		}
		filter.BatchID = &batchID
	}

	if state := r.URL.Query().Get("state"); state != "" {
		if !knownState(state) {
			BadRequest(w, "invalid state")
			return
		}
		filter.State = domain.State(state)
	}

	apps, err := h.store.List(r.Context(), filter)
	if HandleError(w, h.logger, err, "") {
		return
	}

	total, err := h.store.Count(r.Context(), filter)
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]ApplicationResponse, len(apps))
	for i := range apps {
		result[i] = ApplicationFromDomain(&apps[i], false)
	}

	List(w, result, total)
}

// CreateApplication создаёт application и ставит её в очередь.
// POST /api/v1/applications
func (h *Handler) CreateApplication(w http.ResponseWriter, r *http.Request) {
	var req CreateApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	payload := req.Payload()
	if !payload.Present() {
		BadRequest(w, "resume_ref, job_ref and target_url are required")
		return
	}

	app, err := h.controller.Create(r.Context(), payload, nil)
	if HandleError(w, h.logger, err, "") {
		return
	}

	if err := h.enqueue(r.Context(), app.ID); err != nil {
		// Заявка сохранена, её подхватит sweeper
		h.logger.Error("failed to enqueue application", "application_id", app.ID, "error", err)
	}

	Created(w, ApplicationFromDomain(app, true))
}

// GetApplication возвращает application по ID вместе с history.
// GET /api/v1/applications/{id}
func (h *Handler) GetApplication(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid application id")
		return
	}

	app, err := h.controller.Load(r.Context(), id)
	if HandleError(w, h.logger, err, "application not found") {
		return
	}

	Success(w, ApplicationFromDomain(app, true))
}

// CancelApplication запрашивает отмену application.
// POST /api/v1/applications/{id}/cancel
//
// Отмену выполняет воркер: флаг ставится здесь, application
// ставится в очередь, чтобы её подхватили без ожидания retry.
func (h *Handler) CancelApplication(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid application id")
		return
	}

	app, err := h.controller.Load(r.Context(), id)
	if HandleError(w, h.logger, err, "application not found") {
		return
	}
	if app.IsFinished() {
		InvalidState(w, app, "application is already finished")
		return
	}

	app, err = h.controller.RequestCancel(r.Context(), id)
	if HandleError(w, h.logger, err, "application not found") {
		return
	}

	if !app.IsFinished() {
		if err := h.enqueue(r.Context(), id); err != nil {
			h.logger.Error("failed to enqueue cancelled application", "application_id", id, "error", err)
		}
	}

	Success(w, ApplicationFromDomain(app, false))
}

// Health отвечает ok, если зависимости доступны.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Warn("health check failed", "error", err)
			Unavailable(w, "dependency unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func knownState(state string) bool {
	switch domain.State(state) {
	case domain.StateInitiated, domain.StateAnalysis, domain.StateReady, domain.StateRejected,
		domain.StateInProgress, domain.StateSubmitted, domain.StateFailed, domain.StateComplete:
		return true
	}
	return false
}

// parseInt парсит строку в неотрицательный int с дефолтным значением.
func parseInt(s string, defaultVal int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
