package service

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"mvdan.cc/sh/v3/shell"

	"github.com/Strob0t/Crucible/internal/adapter/inference"
	"github.com/Strob0t/Crucible/internal/config"
	"github.com/Strob0t/Crucible/internal/domain"
)

// Supervisor keeps a local inference daemon alive: it launches the configured
// command, polls its health endpoint, and restarts it with exponential
// backoff after consecutive failures. A run never talks to the supervisor;
// it only keeps the daemon the agent backends depend on running.
type Supervisor struct {
	cfg    config.Inference
	client *inference.Client

	mu       sync.Mutex
	cmd      *exec.Cmd
	restarts int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSupervisor builds a supervisor for the configured daemon. Returns nil
// when no command is configured; callers treat a nil supervisor as disabled.
func NewSupervisor(cfg config.Inference, client *inference.Client) *Supervisor {
	if cfg.Command == "" {
		return nil
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		client: client,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the daemon and begins the health poll loop.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.launch(); err != nil {
		return err
	}
	go s.watch(ctx)
	return nil
}

// Stop terminates the poll loop and the daemon process.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminate()
}

func (s *Supervisor) launch() error {
	argv, err := shell.Fields(s.cfg.Command, nil)
	if err != nil {
		return fmt.Errorf("split inference command %q: %v: %w", s.cfg.Command, err, domain.ErrConfig)
	}
	if len(argv) == 0 {
		return fmt.Errorf("empty inference command: %w", domain.ErrConfig)
	}

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // G204: operator-configured daemon
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start inference daemon: %w", err)
	}

	// Reap the child so a crashed daemon never lingers as a zombie.
	go func() { _ = cmd.Wait() }()

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	slog.Info("inference daemon started", "pid", cmd.Process.Pid, "command", argv[0])
	return nil
}

// watch polls the daemon health endpoint. FailureThreshold consecutive
// failures trigger a restart; each restart doubles the backoff, and the
// supervisor gives up after MaxRestarts.
func (s *Supervisor) watch(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthInterval)
		err := s.client.Healthy(checkCtx)
		cancel()
		if err == nil {
			failures = 0
			continue
		}

		failures++
		slog.Warn("inference health check failed", "failures", failures, "error", err)
		if failures < s.cfg.FailureThreshold {
			continue
		}

		failures = 0
		if !s.restart() {
			slog.Error("inference daemon restart budget exhausted", "max_restarts", s.cfg.MaxRestarts)
			return
		}
	}
}

// restart tears the daemon down and relaunches it after the backoff for this
// attempt. Reports false once the restart budget is spent.
func (s *Supervisor) restart() bool {
	s.mu.Lock()
	if s.cfg.MaxRestarts > 0 && s.restarts >= s.cfg.MaxRestarts {
		s.mu.Unlock()
		return false
	}
	s.restarts++
	attempt := s.restarts
	s.terminate()
	s.mu.Unlock()

	backoff := s.cfg.RestartBackoff << (attempt - 1)
	slog.Info("restarting inference daemon", "attempt", attempt, "backoff", backoff)

	select {
	case <-s.stop:
		return false
	case <-time.After(backoff):
	}

	if err := s.launch(); err != nil {
		slog.Error("inference daemon relaunch failed", "error", err)
		return false
	}
	return true
}

// terminate kills the current child, if any. Caller holds mu.
func (s *Supervisor) terminate() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	if err := s.cmd.Process.Kill(); err != nil {
		slog.Debug("kill inference daemon", "error", err)
	}
	s.cmd = nil
}
