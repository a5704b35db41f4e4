// Package service implements the run lifecycle manager and the control
// surface on top of the domain packages and the ports.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/Crucible/internal/artifacts"
	"github.com/Strob0t/Crucible/internal/config"
	"github.com/Strob0t/Crucible/internal/contract"
	"github.com/Strob0t/Crucible/internal/domain"
	"github.com/Strob0t/Crucible/internal/domain/policy"
	"github.com/Strob0t/Crucible/internal/domain/resource"
	"github.com/Strob0t/Crucible/internal/domain/route"
	"github.com/Strob0t/Crucible/internal/domain/run"
	"github.com/Strob0t/Crucible/internal/git"
	"github.com/Strob0t/Crucible/internal/port/agentbackend"
	"github.com/Strob0t/Crucible/internal/port/broadcast"
	"github.com/Strob0t/Crucible/internal/port/database"
	"github.com/Strob0t/Crucible/internal/port/messagequeue"
	"github.com/Strob0t/Crucible/internal/port/sandbox"
)

// Manager owns every run from submission to teardown. One goroutine per
// run; the registry map is the only shared structure and its mutex is never
// held across a blocking call.
type Manager struct {
	cfg       *config.Config
	store     database.Store
	runtime   sandbox.Runtime
	artifacts *artifacts.Store
	contracts *contract.Registry
	diff      *git.Service
	router    *route.Router
	hub       broadcast.Broadcaster
	queue     messagequeue.Queue // optional
	obs       RunObserver        // optional

	mu     sync.Mutex
	active map[string]*activeRun

	wg      sync.WaitGroup
	closing chan struct{}
}

// RunObserver receives lifecycle notifications for metric instruments.
type RunObserver interface {
	RunSubmitted(ctx context.Context)
	RunFinished(ctx context.Context, status run.Status, duration time.Duration, fixAttempts int)
	EventDecoded(ctx context.Context, eventType string)
}

// activeRun is the registry entry for one in-flight run. The record is
// mutated only by the run goroutine; every other reader takes mu and copies
// a snapshot.
type activeRun struct {
	mu  sync.Mutex
	rec *run.Record

	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

func (ar *activeRun) snapshot() *run.Record {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.rec.Snapshot()
}

func (ar *activeRun) requestCancel() {
	ar.cancelOnce.Do(func() { close(ar.cancel) })
}

// NewManager creates a Manager. Store, runtime, artifacts, contracts, diff
// and hub are required; queue and observer may be nil.
func NewManager(
	cfg *config.Config,
	store database.Store,
	runtime sandbox.Runtime,
	art *artifacts.Store,
	contracts *contract.Registry,
	diff *git.Service,
	hub broadcast.Broadcaster,
) *Manager {
	profiles := cfg.Agent.Profiles
	if len(profiles) == 0 {
		profiles = route.BuiltinProfiles()
	}
	return &Manager{
		cfg:       cfg,
		store:     store,
		runtime:   runtime,
		artifacts: art,
		contracts: contracts,
		diff:      diff,
		router:    route.NewRouter(profiles, cfg.Agent.DefaultProfile),
		hub:       hub,
		active:    make(map[string]*activeRun),
		closing:   make(chan struct{}),
	}
}

// SetQueue attaches a message queue for started/finished/event publications.
func (m *Manager) SetQueue(q messagequeue.Queue) { m.queue = q }

// SetObserver attaches a metrics observer.
func (m *Manager) SetObserver(o RunObserver) { m.obs = o }

// Submit validates the request, resolves its policy, creates the record,
// and launches the run goroutine. It returns a snapshot of the queued
// record; execution proceeds asynchronously.
func (m *Manager) Submit(ctx context.Context, req run.Request) (*run.Record, error) {
	select {
	case <-m.closing:
		return nil, fmt.Errorf("submit: manager shutting down: %w", domain.ErrConflict)
	default:
	}

	// Profile defaults fill gaps (backend, image, security mode) before
	// validation so a minimal request with just an instruction is viable.
	m.applyProfile(&req)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	res, err := policy.Resolve(req.SecurityMode)
	if err != nil {
		return nil, err
	}
	if err := policy.CheckConfirmation(res, req.Confirmed); err != nil {
		return nil, err
	}

	req.Limits = resource.Cap(
		resource.Merge(resource.Merge(resource.Defaults(), m.cfg.Sandbox.Limits), req.Limits),
		m.cfg.Sandbox.MaxLimits,
	)

	rec := run.NewRecord(req, res)
	rec.Backend = req.Backend
	rec.Image = req.Image
	rec.Profile = req.Profile

	if err := m.store.CreateRun(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}
	if _, err := m.artifacts.WriteRequest(rec.ID, req); err != nil {
		slog.Warn("write request artifact", "run_id", rec.ID, "error", err)
	}

	ar := &activeRun{
		rec:    rec,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.active[rec.ID] = ar
	m.mu.Unlock()

	if m.obs != nil {
		m.obs.RunSubmitted(ctx)
	}

	m.wg.Add(1)
	go m.execute(ar)

	return ar.snapshot(), nil
}

// applyProfile fills backend, image, security defaults from the named or
// classified profile. Explicit request fields always win.
func (m *Manager) applyProfile(req *run.Request) {
	var profile route.Profile
	if req.Profile != "" {
		if p, ok := m.router.Lookup(req.Profile); ok {
			profile = p
		}
	} else if req.Backend == "" {
		profile = m.router.Classify(req.Instruction)
		req.Profile = profile.Name
	}

	if req.Backend == "" {
		req.Backend = profile.Backend
	}
	if req.Backend == "" {
		req.Backend = m.cfg.Agent.DefaultBackend
	}
	if req.Image == "" {
		req.Image = profile.Image
	}
	if req.Image == "" {
		req.Image = m.cfg.Sandbox.DefaultImage
	}
	if req.SecurityMode == "" {
		req.SecurityMode = profile.SecurityMode
	}
	if req.SecurityMode == "" {
		req.SecurityMode = policy.ModeWorkspaceWrite
	}
	if req.Verify == nil && profile.Verify != nil {
		v := *profile.Verify
		req.Verify = &v
	}
	m.applyVerifyDefaults(req.Verify)
}

// applyVerifyDefaults fills empty check commands from the configuration so
// a request can enable verification without repeating the project commands.
func (m *Manager) applyVerifyDefaults(v *run.VerifyConfig) {
	if v == nil {
		return
	}
	if v.MaxFixAttempts == 0 {
		v.MaxFixAttempts = m.cfg.Verify.MaxFixAttempts
	}
	if v.Test == "" && v.Lint == "" && v.Build == "" {
		v.Test = m.cfg.Verify.TestCommand
		v.Lint = m.cfg.Verify.LintCommand
		v.Build = m.cfg.Verify.BuildCommand
	}
}

// lookup returns the registry entry for an in-flight run, if any.
func (m *Manager) lookup(id string) (*activeRun, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ar, ok := m.active[id]
	return ar, ok
}

// release drops a finished run from the registry.
func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// backend constructs the configured agent backend for a run.
func (m *Manager) backend(name string) (agentbackend.Backend, error) {
	b, err := agentbackend.New(name, m.cfg.Agent.Backends[name])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrConfig, err)
	}
	return b, nil
}

// Shutdown cancels all in-flight runs and waits for their teardown, bounded
// by the context.
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.closing)

	m.mu.Lock()
	for _, ar := range m.active {
		ar.requestCancel()
	}
	m.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
