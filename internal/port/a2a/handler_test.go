package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/Crucible/internal/domain"
	"github.com/Strob0t/Crucible/internal/domain/event"
	"github.com/Strob0t/Crucible/internal/domain/policy"
	"github.com/Strob0t/Crucible/internal/domain/run"
)

type fakeRunService struct {
	recs map[string]*run.Record
}

func (s *fakeRunService) Submit(_ context.Context, req run.Request) (*run.Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	res, _ := policy.Resolve(policy.ModeWorkspaceWrite)
	rec := run.NewRecord(req, res)
	s.recs[rec.ID] = rec
	return rec, nil
}

func (s *fakeRunService) Status(_ context.Context, id string) (*run.Record, error) {
	rec, ok := s.recs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

func newTestHandler() (*fakeRunService, http.Handler) {
	svc := &fakeRunService{recs: map[string]*run.Record{}}
	r := chi.NewRouter()
	NewHandler("http://localhost:8080", svc).MountRoutes(r)
	return svc, r
}

func TestAgentCard(t *testing.T) {
	_, router := newTestHandler()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/.well-known/agent.json", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var card AgentCard
	if err := json.Unmarshal(rr.Body.Bytes(), &card); err != nil {
		t.Fatalf("decode card: %v", err)
	}
	if card.Name != "Crucible" {
		t.Fatalf("expected name Crucible, got %s", card.Name)
	}
	if len(card.Skills) == 0 || card.Skills[0].ID != "sandboxed-run" {
		t.Fatalf("unexpected skills: %+v", card.Skills)
	}
}

func TestCreateTaskSubmitsRun(t *testing.T) {
	svc, router := newTestHandler()

	body := `{"skill":"sandboxed-run","input":{"instruction":"fix lint","workspace":"/tmp/p","security_mode":"workspace_write"}}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/a2a/tasks", strings.NewReader(body)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp TaskResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "queued" {
		t.Fatalf("expected queued, got %s", resp.Status)
	}
	if _, ok := svc.recs[resp.ID]; !ok {
		t.Fatalf("run %s was not created", resp.ID)
	}
}

func TestCreateTaskRequiresInstruction(t *testing.T) {
	_, router := newTestHandler()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/a2a/tasks",
		strings.NewReader(`{"input":{"workspace":"/tmp/p"}}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGetTaskMapsRunStatus(t *testing.T) {
	svc, router := newTestHandler()

	rec, err := svc.Submit(context.Background(), run.Request{
		Instruction:    "x",
		Workspace:      "/tmp/p",
		TimeoutSeconds: 10,
		SecurityMode:   policy.ModeWorkspaceWrite,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec.Status = run.StatusSucceeded
	rec.Summary = &event.Summary{Text: "done", FilesChanged: []string{"a.go"}}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/a2a/tasks/"+rec.ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp TaskResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "completed" {
		t.Fatalf("expected completed, got %s", resp.Status)
	}
}

func TestGetTaskUnknown(t *testing.T) {
	_, router := newTestHandler()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/a2a/tasks/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
