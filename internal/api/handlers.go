package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/scfuzzbench/benchq/internal/api/respond"
	"github.com/scfuzzbench/benchq/internal/model"
	"github.com/scfuzzbench/benchq/internal/queue"
	"github.com/scfuzzbench/benchq/internal/report"
	"github.com/scfuzzbench/benchq/internal/store"
)

// Handler is the read-only HTTP transport over the shared state. It exists
// for operators; workers never talk to each other through it.
type Handler struct {
	store    store.Store
	queue    queue.Queue
	reporter *report.Reporter
	healthFn func() bool
	log      zerolog.Logger
}

func NewHandler(st store.Store, q queue.Queue, healthFn func() bool, log zerolog.Logger) *Handler {
	if healthFn == nil {
		healthFn = func() bool { return true }
	}
	return &Handler{
		store:    st,
		queue:    q,
		reporter: report.New(st),
		healthFn: healthFn,
		log:      log,
	}
}

// CheckHealth GET /v1/health
// Always returns 200; the body reports healthy/unhealthy.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	status := "unhealthy"
	if h.healthFn() {
		status = "healthy"
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// GetRunStatus GET /v1/runs/{runId}/status
func (h *Handler) GetRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	doc, err := h.reporter.Status(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, doc)
}

// ListShards GET /v1/runs/{runId}/shards
func (h *Handler) ListShards(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	shards, err := h.store.Shards().List(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"shards": shards, "count": len(shards)})
}

// ListEvents GET /v1/runs/{runId}/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	events, err := h.store.Events().List(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

// ListWorkers GET /v1/workers
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.store.Workers().List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"workers": workers, "count": len(workers)})
}

// ListDeadLetters GET /v1/runs/{runId}/dlq
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	dls, err := h.store.DeadLetters().List(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": dls, "count": len(dls)})
}

// GetQueueDepth GET /v1/queue/depth
func (h *Handler) GetQueueDepth(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		respond.WriteNotFound(w, "no queue configured")
		return
	}
	depth, err := h.queue.Depth(r.Context())
	if err != nil {
		respond.WriteInternalError(w, err.Error())
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"depth": depth})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		respond.WriteNotFound(w, err.Error())
	default:
		respond.WriteInternalError(w, err.Error())
	}
}
