package service_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/Crucible/internal/artifacts"
	"github.com/Strob0t/Crucible/internal/config"
	"github.com/Strob0t/Crucible/internal/contract"
	"github.com/Strob0t/Crucible/internal/domain"
	"github.com/Strob0t/Crucible/internal/domain/event"
	"github.com/Strob0t/Crucible/internal/domain/policy"
	"github.com/Strob0t/Crucible/internal/domain/run"
	"github.com/Strob0t/Crucible/internal/port/agentbackend"
	"github.com/Strob0t/Crucible/internal/port/database"
	"github.com/Strob0t/Crucible/internal/port/sandbox"
	"github.com/Strob0t/Crucible/internal/service"
)

// fakeStore is an in-memory run store.
type fakeStore struct {
	mu     sync.Mutex
	runs   map[string]*run.Record
	events map[string][]event.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: make(map[string]*run.Record), events: make(map[string][]event.Event)}
}

func (s *fakeStore) CreateRun(_ context.Context, rec *run.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.ID]; ok {
		return fmt.Errorf("run %s exists: %w", rec.ID, domain.ErrConflict)
	}
	s.runs[rec.ID] = rec.Snapshot()
	return nil
}

func (s *fakeStore) GetRun(_ context.Context, id string) (*run.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return rec.Snapshot(), nil
}

func (s *fakeStore) UpdateRun(_ context.Context, rec *run.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.runs[rec.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", rec.ID, domain.ErrNotFound)
	}
	if stored.Version != rec.Version {
		return fmt.Errorf("run %s version: %w", rec.ID, domain.ErrConflict)
	}
	next := rec.Snapshot()
	next.Version = rec.Version + 1
	s.runs[rec.ID] = next
	rec.Version = next.Version
	return nil
}

func (s *fakeStore) ListRuns(_ context.Context, filter database.Filter) ([]run.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []run.Record
	for _, rec := range s.runs {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, *rec.Snapshot())
	}
	return out, nil
}

func (s *fakeStore) AppendEvents(_ context.Context, runID string, events []event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[runID] = append(s.events[runID], events...)
	return nil
}

func (s *fakeStore) ListEvents(_ context.Context, runID string, afterSeq int64, limit int) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, ev := range s.events[runID] {
		if ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close()                     {}

// fakeProc scripts one process inside the fake runtime. Kill closes the
// output stream so the event drainer unblocks the way a real runtime would.
type fakeProc struct {
	pr     *io.PipeReader
	pw     *io.PipeWriter
	code   int
	stderr string

	killOnce sync.Once
	exited   chan struct{}
}

func newFakeProc(output string, code int) *fakeProc {
	pr, pw := io.Pipe()
	p := &fakeProc{pr: pr, pw: pw, code: code, exited: make(chan struct{})}
	go func() {
		_, _ = io.WriteString(pw, output)
		_ = pw.Close()
		close(p.exited)
	}()
	return p
}

// newBlockedProc scripts a process that only exits when killed.
func newBlockedProc() *fakeProc {
	pr, pw := io.Pipe()
	return &fakeProc{pr: pr, pw: pw, code: 137, exited: make(chan struct{})}
}

func (p *fakeProc) Output() io.Reader { return p.pr }

func (p *fakeProc) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.exited:
		return p.code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *fakeProc) Stderr() string { return p.stderr }

func (p *fakeProc) Kill() error {
	p.killOnce.Do(func() {
		_ = p.pw.Close()
		close(p.exited)
	})
	return nil
}

// fakeRuntime hands out scripted processes in Exec order.
type fakeRuntime struct {
	mu      sync.Mutex
	procs   []*fakeProc
	specs   []sandbox.Spec
	cmds    []sandbox.Command
	stopped int
	removed int
}

func (r *fakeRuntime) Create(_ context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = append(r.specs, spec)
	return sandbox.Handle{ID: "env-1", Name: spec.Name}, nil
}

func (r *fakeRuntime) Start(context.Context, sandbox.Handle) error { return nil }

func (r *fakeRuntime) Exec(_ context.Context, _ sandbox.Handle, cmd sandbox.Command) (sandbox.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	if len(r.procs) == 0 {
		return nil, errors.New("no scripted process left")
	}
	p := r.procs[0]
	r.procs = r.procs[1:]
	return p, nil
}

func (r *fakeRuntime) Stop(context.Context, sandbox.Handle, time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++
	return nil
}

func (r *fakeRuntime) Remove(context.Context, sandbox.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed++
	return nil
}

func (r *fakeRuntime) CopyOut(context.Context, sandbox.Handle, string) ([]byte, error) {
	return nil, errors.New("not scripted")
}

// nopHub discards broadcasts.
type nopHub struct{}

func (nopHub) BroadcastEvent(context.Context, string, any) {}

// scriptedBackend is swapped per test behind a stable registered name.
var (
	scriptedMu      sync.Mutex
	scriptedCurrent agentbackend.Backend
)

type scriptedBackend struct{}

func (scriptedBackend) Name() string { return "scripted" }

func (scriptedBackend) Command(inv agentbackend.Invocation) (sandbox.Command, error) {
	prompt := inv.Request.Instruction
	if inv.Attempt > 0 {
		prompt = inv.FixPrompt
	}
	return sandbox.Command{Argv: []string{"agent"}, Workdir: inv.Workdir, Stdin: prompt}, nil
}

func init() {
	agentbackend.Register("scripted", func(map[string]string) (agentbackend.Backend, error) {
		scriptedMu.Lock()
		defer scriptedMu.Unlock()
		return scriptedCurrent, nil
	})
	scriptedCurrent = scriptedBackend{}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Sandbox: config.Sandbox{
			DefaultImage: "crucible/base:latest",
			StopGrace:    time.Second,
		},
		Agent: config.Agent{DefaultBackend: "scripted"},
		Verify: config.Verify{
			MaxFixAttempts: 2,
		},
	}
}

func newTestManager(t *testing.T, rt *fakeRuntime) (*service.Manager, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	art, err := artifacts.NewStore(t.TempDir(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	contracts, err := contract.NewRegistry()
	if err != nil {
		t.Fatalf("contract registry: %v", err)
	}
	m := service.NewManager(testConfig(t), store, rt, art, contracts, nil, nopHub{})
	return m, store
}

func baseRequest() run.Request {
	// Backend is set explicitly so the profile classifier never routes a
	// test run onto a backend the test binary does not register.
	return run.Request{
		Instruction:    "add a health endpoint",
		Workspace:      "/tmp/project",
		Backend:        "scripted",
		TimeoutSeconds: 30,
		SecurityMode:   policy.ModeWorkspaceWrite,
	}
}

func waitForTerminal(t *testing.T, m *service.Manager, id string) *run.Record {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		rec, err := m.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if rec.Status.Terminal() {
			return rec
		}
		select {
		case <-deadline:
			t.Fatalf("run %s stuck in %s", id, rec.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// waitFor polls cond until it holds; finalization and teardown race the
// status poll, so teardown counters need their own wait.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

const agentOutput = `{"type":"message_delta","text":"working"}
{"type":"file_change","path":"health.go","action":"created","diff":"--- /dev/null\n+++ b/health.go\n@@ -0,0 +1 @@\n+package main\n"}
{"type":"completion","payload":{"summary":"added endpoint","files_changed":["health.go"]}}
`

func TestSubmitRunsToCompletion(t *testing.T) {
	rt := &fakeRuntime{procs: []*fakeProc{newFakeProc(agentOutput, 0)}}
	m, store := newTestManager(t, rt)

	rec, err := m.Submit(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Status != run.StatusQueued {
		t.Fatalf("expected queued snapshot, got %s", rec.Status)
	}

	final := waitForTerminal(t, m, rec.ID)
	if final.Status != run.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", final.Status, final.Reason)
	}
	if final.EventCount != 3 {
		t.Fatalf("expected 3 events, got %d", final.EventCount)
	}
	if final.Summary == nil || final.Summary.Text != "added endpoint" {
		t.Fatalf("unexpected summary: %+v", final.Summary)
	}
	if final.Progress.FilesChanged != 1 {
		t.Fatalf("expected 1 file change, got %d", final.Progress.FilesChanged)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Fatalf("unexpected exit code: %v", final.ExitCode)
	}

	events, err := store.ListEvents(context.Background(), rec.ID, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 persisted events, got %d", len(events))
	}
	if events[2].Seq != 3 {
		t.Fatalf("expected seq 3, got %d", events[2].Seq)
	}

	waitFor(t, "environment teardown", func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return rt.stopped == 1 && rt.removed == 1
	})

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.specs[0].NetworkMode != "none" {
		t.Fatalf("expected network none, got %q", rt.specs[0].NetworkMode)
	}
	if rt.specs[0].Mounts[0].ReadOnly {
		t.Fatal("workspace_write run mounted workspace read-only")
	}
}

func TestSubmitRejectsUnconfirmedFullAccess(t *testing.T) {
	m, _ := newTestManager(t, &fakeRuntime{})

	req := baseRequest()
	req.SecurityMode = policy.ModeFullAccess
	if _, err := m.Submit(context.Background(), req); !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestAgentFailureExitCode(t *testing.T) {
	output := `{"type":"error","message":"cannot parse module"}` + "\n"
	rt := &fakeRuntime{procs: []*fakeProc{newFakeProc(output, 2)}}
	m, _ := newTestManager(t, rt)

	rec, err := m.Submit(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitForTerminal(t, m, rec.ID)
	if final.Status != run.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.Reason, "exited with code 2") {
		t.Fatalf("unexpected reason: %q", final.Reason)
	}
	if !strings.Contains(final.Reason, "cannot parse module") {
		t.Fatalf("reason should carry the last error event, got %q", final.Reason)
	}
}

func TestVerifyFixLoop(t *testing.T) {
	rt := &fakeRuntime{procs: []*fakeProc{
		newFakeProc(agentOutput, 0),                  // initial agent
		newFakeProc("FAIL: TestHealth\n", 1),         // test check, first pass
		newFakeProc(`{"type":"completion","payload":{"summary":"fixed test","files_changed":["health_test.go"]}}`+"\n", 0), // fix agent
		newFakeProc("ok\n", 0),                       // test check, second pass
	}}
	m, _ := newTestManager(t, rt)

	req := baseRequest()
	req.Verify = &run.VerifyConfig{Test: "go test ./...", MaxFixAttempts: 2}
	rec, err := m.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitForTerminal(t, m, rec.ID)
	if final.Status != run.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", final.Status, final.Reason)
	}
	if final.Verify == nil || !final.Verify.Passed {
		t.Fatalf("unexpected verify result: %+v", final.Verify)
	}
	if final.FixAttempts != 1 {
		t.Fatalf("expected 1 fix attempt, got %d", final.FixAttempts)
	}
	// Event seq must continue across the fix invocation.
	if final.EventCount != 4 {
		t.Fatalf("expected 4 events, got %d", final.EventCount)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.cmds) != 4 {
		t.Fatalf("expected 4 execs, got %d", len(rt.cmds))
	}
	if rt.cmds[1].Argv[0] != "go" {
		t.Fatalf("expected check command second, got %v", rt.cmds[1].Argv)
	}
	if !strings.Contains(rt.cmds[2].Stdin, "FAIL: TestHealth") {
		t.Fatalf("fix prompt should carry diagnostics, got %q", rt.cmds[2].Stdin)
	}
}

func TestVerifyExhaustsFixBudget(t *testing.T) {
	rt := &fakeRuntime{procs: []*fakeProc{
		newFakeProc(agentOutput, 0),
		newFakeProc("FAIL\n", 1),
		newFakeProc("", 0), // fix agent
		newFakeProc("FAIL\n", 1),
	}}
	m, _ := newTestManager(t, rt)

	req := baseRequest()
	req.Verify = &run.VerifyConfig{Test: "go test ./...", MaxFixAttempts: 1}
	rec, err := m.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitForTerminal(t, m, rec.ID)
	if final.Status != run.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.Verify == nil || final.Verify.Passed {
		t.Fatalf("unexpected verify result: %+v", final.Verify)
	}
	if final.FixAttempts != 1 {
		t.Fatalf("expected 1 fix attempt, got %d", final.FixAttempts)
	}
}

func TestAgentTimeoutReachesTimedOut(t *testing.T) {
	rt := &fakeRuntime{procs: []*fakeProc{newBlockedProc()}}
	m, _ := newTestManager(t, rt)

	req := baseRequest()
	req.TimeoutSeconds = 1
	rec, err := m.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitForTerminal(t, m, rec.ID)
	if final.Status != run.StatusTimedOut {
		t.Fatalf("expected timed_out, got %s (%s)", final.Status, final.Reason)
	}
	if !strings.Contains(final.Reason, "timeout") {
		t.Fatalf("unexpected reason: %q", final.Reason)
	}

	waitFor(t, "environment removal after timeout", func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return rt.removed == 1
	})
}

func TestTimeoutDuringFixAttemptReachesTimedOut(t *testing.T) {
	// The timer expires while the fix re-invocation is in flight. Whichever
	// side observes the tick first, the run must end timed_out, never failed.
	rt := &fakeRuntime{procs: []*fakeProc{
		newFakeProc(agentOutput, 0),          // initial agent
		newFakeProc("FAIL: TestHealth\n", 1), // test check
		newBlockedProc(),                     // fix agent never finishes
	}}
	m, _ := newTestManager(t, rt)

	req := baseRequest()
	req.TimeoutSeconds = 1
	req.Verify = &run.VerifyConfig{Test: "go test ./...", MaxFixAttempts: 2}
	rec, err := m.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitForTerminal(t, m, rec.ID)
	if final.Status != run.StatusTimedOut {
		t.Fatalf("expected timed_out, got %s (%s)", final.Status, final.Reason)
	}
}

func TestReadOnlyWriteRejectionSurfaced(t *testing.T) {
	output := `{"type":"file_change","path":"main.go","action":"modified","diff":""}
{"type":"error","message":"write /workspace/main.go: read-only file system"}
`
	rt := &fakeRuntime{procs: []*fakeProc{newFakeProc(output, 1)}}
	m, _ := newTestManager(t, rt)

	req := baseRequest()
	req.SecurityMode = policy.ModeReadOnly
	rec, err := m.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitForTerminal(t, m, rec.ID)
	if final.Status != run.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.Reason, "read-only file system") {
		t.Fatalf("reason should surface the write rejection, got %q", final.Reason)
	}
	if final.Progress.FilesChanged != 1 {
		t.Fatalf("attempted write must still be recorded, got %d", final.Progress.FilesChanged)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.specs[0].Mounts[0].ReadOnly {
		t.Fatal("read_only run mounted workspace writable")
	}
}

func TestCancelActiveRun(t *testing.T) {
	rt := &fakeRuntime{procs: []*fakeProc{newBlockedProc()}}
	m, _ := newTestManager(t, rt)

	rec, err := m.Submit(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Wait until the run is actually executing before cancelling.
	deadline := time.After(5 * time.Second)
	for {
		cur, err := m.Status(context.Background(), rec.ID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if cur.Status == run.StatusRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("run never started, stuck in %s", cur.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := m.Cancel(context.Background(), rec.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	final := waitForTerminal(t, m, rec.ID)
	if final.Status != run.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
}

func TestCancelFinishedRunIsNoop(t *testing.T) {
	rt := &fakeRuntime{procs: []*fakeProc{newFakeProc(agentOutput, 0)}}
	m, _ := newTestManager(t, rt)

	rec, err := m.Submit(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForTerminal(t, m, rec.ID)

	got, err := m.Cancel(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("cancel terminal run: %v", err)
	}
	if got.Status != run.StatusSucceeded {
		t.Fatalf("cancel must not change a terminal status, got %s", got.Status)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	m, _ := newTestManager(t, &fakeRuntime{})
	if _, err := m.Cancel(context.Background(), "no-such-run"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadOnlyModeStagesPatch(t *testing.T) {
	rt := &fakeRuntime{procs: []*fakeProc{newFakeProc(agentOutput, 0)}}
	m, _ := newTestManager(t, rt)

	req := baseRequest()
	req.SecurityMode = policy.ModeReadOnly
	rec, err := m.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitForTerminal(t, m, rec.ID)
	if final.Status != run.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", final.Status, final.Reason)
	}

	rt.mu.Lock()
	if !rt.specs[0].Mounts[0].ReadOnly {
		t.Fatal("read_only run mounted workspace writable")
	}
	rt.mu.Unlock()

	diff, err := m.Diff(context.Background(), rec.ID, "")
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if !strings.Contains(diff.Diff, "health.go") {
		t.Fatalf("staged patch missing file change: %q", diff.Diff)
	}
}

func TestEventsPagination(t *testing.T) {
	rt := &fakeRuntime{procs: []*fakeProc{newFakeProc(agentOutput, 0)}}
	m, _ := newTestManager(t, rt)

	rec, err := m.Submit(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForTerminal(t, m, rec.ID)

	page, err := m.Events(context.Background(), rec.ID, 1, 1)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page) != 1 || page[0].Seq != 2 {
		t.Fatalf("expected exactly seq 2, got %+v", page)
	}
}

func TestReplayRecomputesSummary(t *testing.T) {
	rt := &fakeRuntime{procs: []*fakeProc{newFakeProc(agentOutput, 0)}}
	m, _ := newTestManager(t, rt)

	rec, err := m.Submit(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForTerminal(t, m, rec.ID)

	replay, err := m.Replay(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.EventCount != 3 {
		t.Fatalf("expected 3 replayed events, got %d", replay.EventCount)
	}
	if replay.Summary.Text != "added endpoint" {
		t.Fatalf("unexpected replayed summary: %q", replay.Summary.Text)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	m, _ := newTestManager(t, &fakeRuntime{})
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := m.Submit(context.Background(), baseRequest()); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict after shutdown, got %v", err)
	}
}
