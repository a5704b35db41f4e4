// Package docker implements the sandbox runtime port by shelling out to the
// docker CLI. Every environment is created with a keepalive main process so
// agent invocations and verification commands run via docker exec against
// the same filesystem state.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Strob0t/Crucible/internal/domain"
	"github.com/Strob0t/Crucible/internal/port/sandbox"
)

// Config holds engine-level settings the adapter applies to every
// environment it creates.
type Config struct {
	Binary      string // docker binary, default "docker"
	TmpfsSize   string // size of the /tmp tmpfs, e.g. "256m"
	DefaultUser string // uid:gid the agent runs as unless the Spec overrides
}

// Client drives the docker CLI. Safe for concurrent use; each call is one
// CLI invocation.
type Client struct {
	bin         string
	tmpfsSize   string
	defaultUser string
}

// NewClient creates a docker runtime client.
func NewClient(cfg Config) *Client {
	bin := cfg.Binary
	if bin == "" {
		bin = "docker"
	}
	return &Client{bin: bin, tmpfsSize: cfg.TmpfsSize, defaultUser: cfg.DefaultUser}
}

var _ sandbox.Runtime = (*Client)(nil)

// Create materializes a container per the Spec. The container's main process
// is `sleep infinity`: the environment must outlive each agent invocation so
// fix retries see prior file state.
func (c *Client) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	args := []string{
		"create",
		"--name", spec.Name,
		"--security-opt=no-new-privileges",
		"--cap-drop=ALL",
	}
	if spec.Limits.MemoryMB > 0 {
		args = append(args, fmt.Sprintf("--memory=%dm", spec.Limits.MemoryMB))
	}
	if spec.Limits.CPUs > 0 {
		args = append(args, fmt.Sprintf("--cpus=%g", spec.Limits.CPUs))
	}
	if spec.Limits.PidsLimit > 0 {
		args = append(args, fmt.Sprintf("--pids-limit=%d", spec.Limits.PidsLimit))
	}
	if spec.NetworkMode != "" {
		args = append(args, fmt.Sprintf("--network=%s", spec.NetworkMode))
	}
	tmpfs := "/tmp"
	if c.tmpfsSize != "" {
		tmpfs = fmt.Sprintf("/tmp:size=%s", c.tmpfsSize)
	}
	args = append(args, "--tmpfs", tmpfs)
	user := spec.User
	if user == "" {
		user = c.defaultUser
	}
	if user != "" {
		args = append(args, "--user", user)
	}
	if spec.Workdir != "" {
		args = append(args, "--workdir", spec.Workdir)
	}
	for _, m := range spec.Mounts {
		bind := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			bind += ":ro"
		}
		args = append(args, "-v", bind)
	}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, spec.Image, "sleep", "infinity")

	out, err := c.run(ctx, args...)
	if err != nil {
		return sandbox.Handle{}, fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return sandbox.Handle{ID: strings.TrimSpace(out), Name: spec.Name}, nil
}

// Start starts the created container.
func (c *Client) Start(ctx context.Context, h sandbox.Handle) error {
	if _, err := c.run(ctx, "start", h.ID); err != nil {
		return fmt.Errorf("start container %s: %w", h.Name, err)
	}
	return nil
}

// Exec launches one process inside the container and returns it with a live
// stdout pipe. Stderr is buffered separately for the process log.
func (c *Client) Exec(ctx context.Context, h sandbox.Handle, cmd sandbox.Command) (sandbox.Process, error) {
	args := []string{"exec"}
	if cmd.Stdin != "" {
		args = append(args, "-i")
	}
	if cmd.Workdir != "" {
		args = append(args, "--workdir", cmd.Workdir)
	}
	for k, v := range cmd.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, h.ID)
	args = append(args, cmd.Argv...)

	execCmd := exec.CommandContext(ctx, c.bin, args...) //nolint:gosec // G204: argv is assembled internally
	stdout, err := execCmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("exec pipe: %w: %v", domain.ErrEnvironment, err)
	}
	p := &process{cmd: execCmd, stdout: stdout}
	execCmd.Stderr = &p.stderr
	if cmd.Stdin != "" {
		execCmd.Stdin = strings.NewReader(cmd.Stdin)
	}
	if err := execCmd.Start(); err != nil {
		return nil, fmt.Errorf("exec in container %s: %v: %w", h.Name, err, domain.ErrEnvironment)
	}
	return p, nil
}

// Stop stops the container, waiting up to grace before the engine kills it.
func (c *Client) Stop(ctx context.Context, h sandbox.Handle, grace time.Duration) error {
	secs := int(grace / time.Second)
	if secs < 1 {
		secs = 1
	}
	if _, err := c.run(ctx, "stop", "-t", fmt.Sprintf("%d", secs), h.ID); err != nil {
		if isGone(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", h.Name, err)
	}
	return nil
}

// Remove force-removes the container. Idempotent: an already-removed
// container is success.
func (c *Client) Remove(ctx context.Context, h sandbox.Handle) error {
	if _, err := c.run(ctx, "rm", "-f", h.ID); err != nil {
		if isGone(err) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", h.Name, err)
	}
	return nil
}

// CopyOut reads one file from inside the container via exec cat, which works
// uniformly on running containers without tar unpacking.
func (c *Client) CopyOut(ctx context.Context, h sandbox.Handle, path string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.bin, "exec", h.ID, "cat", path) //nolint:gosec // G204: argv is assembled internally
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("copy out %s from %s: %s: %v: %w",
			path, h.Name, strings.TrimSpace(stderr.String()), err, domain.ErrEnvironment)
	}
	return stdout.Bytes(), nil
}

// isGone reports whether a docker error means the container no longer
// exists.
func isGone(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") || strings.Contains(msg, "is not running")
}

// run executes one docker CLI invocation and returns stdout, wrapping
// stderr and the exit error into an environment failure.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...) //nolint:gosec // G204: argv is assembled internally
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %v: %w", strings.TrimSpace(stderr.String()), err, domain.ErrEnvironment)
	}
	return stdout.String(), nil
}

// process wraps one docker exec invocation.
type process struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr bytes.Buffer

	waitOnce sync.Once
	waitErr  error
	exitCode int
}

func (p *process) Output() io.Reader { return p.stdout }

func (p *process) Stderr() string { return p.stderr.String() }

// Wait blocks until the exec'd process exits. Exit codes propagate as codes,
// not errors; only failures to manage the process surface as errors.
func (p *process) Wait(ctx context.Context) (int, error) {
	done := make(chan struct{})
	go func() {
		p.waitOnce.Do(func() {
			err := p.cmd.Wait()
			var exitErr *exec.ExitError
			switch {
			case err == nil:
				p.exitCode = 0
			case errors.As(err, &exitErr):
				p.exitCode = exitErr.ExitCode()
			default:
				p.waitErr = fmt.Errorf("wait for process: %v: %w", err, domain.ErrEnvironment)
			}
		})
		close(done)
	}()
	select {
	case <-done:
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
