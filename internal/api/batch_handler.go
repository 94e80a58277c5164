package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/shaiso/Jobpilot/internal/domain"
	"github.com/shaiso/Jobpilot/internal/repo"
)

const (
	// maxBatchJobs — лимит вакансий в одном пакете.
	maxBatchJobs = 500

	batchPageSize = 200
)

// CreateBatch создаёт по application на каждую вакансию с общим batch_id.
// POST /api/v1/batches
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if len(req.Jobs) == 0 {
		BadRequest(w, "jobs must not be empty")
		return
	}
	if len(req.Jobs) > maxBatchJobs {
		BadRequest(w, fmt.Sprintf("too many jobs: %d (max %d)", len(req.Jobs), maxBatchJobs))
		return
	}

	// 1. Проверяем все payload до создания первой application
	payloads := make([]domain.Payload, len(req.Jobs))
	for i, job := range req.Jobs {
		payloads[i] = domain.Payload{
			ResumeRef:      req.ResumeRef,
			JobRef:         job.JobRef,
			PreferencesRef: req.PreferencesRef,
			TargetURL:      job.TargetURL,
		}
		if !payloads[i].Present() {
			BadRequest(w, fmt.Sprintf("jobs[%d]: resume_ref, job_ref and target_url are required", i))
			return
		}
	}

	// 2. Создаём и ставим в очередь
	batchID := uuid.New()
	resp := BatchResponse{BatchID: batchID, ApplicationIDs: make([]uuid.UUID, 0, len(payloads))}
	for _, payload := range payloads {
		app, err := h.controller.Create(r.Context(), payload, &batchID)
		if HandleError(w, h.logger, err, "") {
			return
		}
		if err := h.enqueue(r.Context(), app.ID); err != nil {
			h.logger.Error("failed to enqueue application",
				"application_id", app.ID,
				"batch_id", batchID,
				"error", err,
			)
		}
		resp.ApplicationIDs = append(resp.ApplicationIDs, app.ID)
	}

	h.logger.Info("batch created", "batch_id", batchID, "applications", len(resp.ApplicationIDs))
	Created(w, resp)
}

// GetBatch возвращает сводку по пакету.
// GET /api/v1/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid batch id")
		return
	}

	apps, err := h.batchApplications(r.Context(), batchID)
	if HandleError(w, h.logger, err, "") {
		return
	}
	if len(apps) == 0 {
		NotFound(w, "batch not found")
		return
	}

	Success(w, batchStatus(batchID, apps))
}

// CancelBatch запрашивает отмену всех незавершённых applications пакета.
// POST /api/v1/batches/{id}/cancel
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid batch id")
		return
	}

	apps, err := h.batchApplications(r.Context(), batchID)
	if HandleError(w, h.logger, err, "") {
		return
	}
	if len(apps) == 0 {
		NotFound(w, "batch not found")
		return
	}

	resp := CancelBatchResponse{BatchID: batchID}
	for i := range apps {
		if apps[i].IsFinished() {
			resp.Finished++
			continue
		}

		app, err := h.controller.RequestCancel(r.Context(), apps[i].ID)
		if err != nil {
			InternalError(w, h.logger, fmt.Errorf("cancel %s: %w", apps[i].ID, err))
			return
		}
		if app.IsFinished() {
			resp.Finished++
			continue
		}
		if err := h.enqueue(r.Context(), app.ID); err != nil {
			h.logger.Error("failed to enqueue cancelled application", "application_id", app.ID, "error", err)
		}
		resp.Cancelled++
	}

	h.logger.Info("batch cancel requested",
		"batch_id", batchID,
		"cancelled", resp.Cancelled,
		"already_finished", resp.Finished,
	)
	Success(w, resp)
}

// batchApplications постранично читает все applications пакета.
func (h *Handler) batchApplications(ctx context.Context, batchID uuid.UUID) ([]domain.Application, error) {
	var all []domain.Application
	for offset := 0; ; offset += batchPageSize {
		page, err := h.store.List(ctx, repo.Filter{BatchID: &batchID, Limit: batchPageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < batchPageSize {
			return all, nil
		}
	}
}
