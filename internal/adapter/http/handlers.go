// Package http implements the REST control surface: run submission, status,
// cancellation, artifacts, diff, events, and replay.
package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/Crucible/internal/domain/event"
	"github.com/Strob0t/Crucible/internal/domain/run"
	"github.com/Strob0t/Crucible/internal/git"
	"github.com/Strob0t/Crucible/internal/port/database"
	"github.com/Strob0t/Crucible/internal/service"
)

// RunService is the slice of the lifecycle manager the HTTP surface needs.
type RunService interface {
	Submit(ctx context.Context, req run.Request) (*run.Record, error)
	Status(ctx context.Context, id string) (*run.Record, error)
	Cancel(ctx context.Context, id string) (*run.Record, error)
	List(ctx context.Context, filter database.Filter) ([]run.Record, error)
	Artifacts(ctx context.Context, id string, includeDiff, includeEvents bool) (*service.ArtifactBundle, error)
	Diff(ctx context.Context, id string, format git.DiffFormat) (*service.DiffResult, error)
	Events(ctx context.Context, id string, afterSeq int64, limit int) ([]event.Event, error)
	Replay(ctx context.Context, id string) (*service.ReplayResult, error)
}

// Handlers carries the dependencies of all HTTP endpoints.
type Handlers struct {
	svc   RunService
	store database.Store
}

// NewHandlers creates the handler set.
func NewHandlers(svc RunService, store database.Store) *Handlers {
	return &Handlers{svc: svc, store: store}
}

// SubmitRun accepts a run request and returns the queued record.
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[run.Request](w, r)
	if !ok {
		return
	}
	rec, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// ListRuns returns runs matching the status/since/limit query filters.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := database.Filter{
		Status: run.Status(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = ts
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	recs, err := h.svc.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if recs == nil {
		recs = []run.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetRun returns the current state of one run.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CancelRun requests cooperative cancellation.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// GetArtifacts returns the run's artifact paths, optionally inlining the
// diff and events.
func (h *Handlers) GetArtifacts(w http.ResponseWriter, r *http.Request) {
	includeDiff := r.URL.Query().Get("diff") == "true"
	includeEvents := r.URL.Query().Get("events") == "true"
	bundle, err := h.svc.Artifacts(r.Context(), chi.URLParam(r, "id"), includeDiff, includeEvents)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// GetDiff returns the run's change set in the requested format.
func (h *Handlers) GetDiff(w http.ResponseWriter, r *http.Request) {
	format := git.DiffFormat(r.URL.Query().Get("format"))
	result, err := h.svc.Diff(r.Context(), chi.URLParam(r, "id"), format)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListRunEvents returns decoded events after the given cursor.
func (h *Handlers) ListRunEvents(w http.ResponseWriter, r *http.Request) {
	var afterSeq int64
	if v := r.URL.Query().Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "after_seq must be a non-negative integer")
			return
		}
		afterSeq = n
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events, err := h.svc.Events(r.Context(), chi.URLParam(r, "id"), afterSeq, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": chi.URLParam(r, "id"),
		"events": events,
	})
}

// ReplayRun re-derives the run summary from the persisted event log.
func (h *Handlers) ReplayRun(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Health reports service and store liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}
