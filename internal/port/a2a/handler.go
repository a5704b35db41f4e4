package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/Crucible/internal/domain"
	"github.com/Strob0t/Crucible/internal/domain/policy"
	"github.com/Strob0t/Crucible/internal/domain/run"
)

// RunService is the slice of the lifecycle manager the A2A surface maps
// tasks onto.
type RunService interface {
	Submit(ctx context.Context, req run.Request) (*run.Record, error)
	Status(ctx context.Context, id string) (*run.Record, error)
}

// Handler serves the A2A protocol endpoints: the agent card for discovery
// and a task surface that maps one task to one run.
type Handler struct {
	baseURL string
	svc     RunService
}

// NewHandler creates an A2A handler over the run service.
func NewHandler(baseURL string, svc RunService) *Handler {
	return &Handler{baseURL: baseURL, svc: svc}
}

// MountRoutes registers A2A routes on the given chi router.
// These are mounted at the root level, not under /api/v1.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/.well-known/agent.json", h.handleAgentCard)
	r.Post("/a2a/tasks", h.handleCreateTask)
	r.Get("/a2a/tasks/{id}", h.handleGetTask)
}

func (h *Handler) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	card := BuildAgentCard(h.baseURL)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(card)
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTaskError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	runReq, err := requestFromTask(req)
	if err != nil {
		writeTaskError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.svc.Submit(r.Context(), runReq)
	if err != nil {
		slog.Warn("a2a task rejected", "error", err)
		writeTaskError(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("a2a task created", "run_id", rec.ID, "skill", req.Skill)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(taskFromRecord(rec))
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeTaskError(w, http.StatusNotFound, "task not found")
			return
		}
		writeTaskError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(taskFromRecord(rec))
}

// requestFromTask maps the flexible A2A input onto a run request.
func requestFromTask(req TaskRequest) (run.Request, error) {
	instruction, _ := req.Input["instruction"].(string)
	if instruction == "" {
		return run.Request{}, errors.New("input.instruction is required")
	}
	workspace, _ := req.Input["workspace"].(string)
	if workspace == "" {
		return run.Request{}, errors.New("input.workspace is required")
	}

	out := run.Request{
		Instruction:    instruction,
		Workspace:      workspace,
		TimeoutSeconds: 600,
	}
	if mode, ok := req.Input["security_mode"].(string); ok && mode != "" {
		out.SecurityMode = policy.SecurityMode(mode)
	}
	if timeout, ok := req.Input["timeout_seconds"].(float64); ok && timeout > 0 {
		out.TimeoutSeconds = int(timeout)
	}
	return out, nil
}

// taskFromRecord folds a run record into the A2A task shape.
func taskFromRecord(rec *run.Record) TaskResponse {
	resp := TaskResponse{ID: rec.ID, Status: taskStatus(rec.Status)}
	if rec.Status == run.StatusFailed || rec.Status == run.StatusTimedOut || rec.Status == run.StatusCancelled {
		resp.Error = rec.Reason
	}
	if rec.Summary != nil {
		resp.Output = map[string]any{
			"summary":       rec.Summary.Text,
			"files_changed": rec.Summary.FilesChanged,
		}
	}
	return resp
}

func taskStatus(s run.Status) string {
	switch s {
	case run.StatusQueued:
		return TaskQueued
	case run.StatusSucceeded:
		return TaskCompleted
	case run.StatusFailed, run.StatusTimedOut, run.StatusCancelled:
		return TaskFailed
	default:
		return TaskRunning
	}
}

func writeTaskError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
