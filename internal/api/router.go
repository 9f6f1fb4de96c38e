package api

import (
	"github.com/gorilla/mux"

	"github.com/scfuzzbench/benchq/internal/api/recovery"
)

// NewRouter wires the read-only operator routes.
func NewRouter(h *Handler) *mux.Router {
	router := mux.NewRouter()
	router.Use(recovery.Middleware)

	router.HandleFunc("/v1/health", h.CheckHealth).Methods("GET")
	router.HandleFunc("/v1/queue/depth", h.GetQueueDepth).Methods("GET")
	router.HandleFunc("/v1/workers", h.ListWorkers).Methods("GET")

	router.HandleFunc("/v1/runs/{runId}/status", h.GetRunStatus).Methods("GET")
	router.HandleFunc("/v1/runs/{runId}/shards", h.ListShards).Methods("GET")
	router.HandleFunc("/v1/runs/{runId}/events", h.ListEvents).Methods("GET")
	router.HandleFunc("/v1/runs/{runId}/dlq", h.ListDeadLetters).Methods("GET")

	return router
}
