package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Metrics(),
		Logging(h.logger),
	)

	// Applications
	mux.Handle("GET /api/v1/applications", chain(http.HandlerFunc(h.ListApplications)))
	mux.Handle("POST /api/v1/applications", chain(http.HandlerFunc(h.CreateApplication)))
	mux.Handle("GET /api/v1/applications/{id}", chain(http.HandlerFunc(h.GetApplication)))
	mux.Handle("POST /api/v1/applications/{id}/cancel", chain(http.HandlerFunc(h.CancelApplication)))

	// Batches
	mux.Handle("POST /api/v1/batches", chain(http.HandlerFunc(h.CreateBatch)))
	mux.Handle("GET /api/v1/batches/{id}", chain(http.HandlerFunc(h.GetBatch)))
	mux.Handle("POST /api/v1/batches/{id}/cancel", chain(http.HandlerFunc(h.CancelBatch)))

	// Service
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())
}
