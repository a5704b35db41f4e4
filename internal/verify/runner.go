// Package verify executes the configured checks (test, lint, build) against
// a run's environment and drives the bounded fix-retry loop.
package verify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"mvdan.cc/sh/v3/shell"

	"github.com/Strob0t/Crucible/internal/domain"
	"github.com/Strob0t/Crucible/internal/domain/run"
	"github.com/Strob0t/Crucible/internal/port/sandbox"
)

// DefaultMaxOutputBytes caps the diagnostic output kept per check.
const DefaultMaxOutputBytes = 64 << 10

// CheckRunner executes one verification check and returns its normalized
// result. A non-nil error means the check could not be executed at all;
// a failing check is a result with Passed=false.
type CheckRunner interface {
	Run(ctx context.Context, check run.Check) (run.CheckResult, error)
}

// Runner executes checks inside the run's environment via the sandbox Exec
// capability, so checks see exactly the filesystem the agent produced.
type Runner struct {
	rt        sandbox.Runtime
	handle    sandbox.Handle
	workdir   string
	maxOutput int
}

// NewRunner creates a runner bound to one environment.
func NewRunner(rt sandbox.Runtime, h sandbox.Handle, workdir string) *Runner {
	return &Runner{rt: rt, handle: h, workdir: workdir, maxOutput: DefaultMaxOutputBytes}
}

// SetMaxOutputBytes overrides the per-check output cap.
func (r *Runner) SetMaxOutputBytes(n int) {
	if n > 0 {
		r.maxOutput = n
	}
}

// Run executes one check command. The command string is split with real
// shell field rules so quoted arguments survive.
func (r *Runner) Run(ctx context.Context, check run.Check) (run.CheckResult, error) {
	argv, err := shell.Fields(check.Command, nil)
	if err != nil {
		return run.CheckResult{}, fmt.Errorf("split %s command %q: %v: %w", check.Kind, check.Command, err, domain.ErrConfig)
	}
	if len(argv) == 0 {
		return run.CheckResult{}, fmt.Errorf("empty %s command: %w", check.Kind, domain.ErrConfig)
	}

	start := time.Now()
	proc, err := r.rt.Exec(ctx, r.handle, sandbox.Command{Argv: argv, Workdir: r.workdir})
	if err != nil {
		return run.CheckResult{}, fmt.Errorf("exec %s check: %w", check.Kind, err)
	}
	stdout, readErr := io.ReadAll(io.LimitReader(proc.Output(), int64(r.maxOutput)+1))
	if readErr == nil {
		// Keep draining past the cap; a check left blocked on a full stdout
		// pipe would never exit.
		_, readErr = io.Copy(io.Discard, proc.Output())
	}
	code, waitErr := proc.Wait(ctx)
	if waitErr != nil {
		return run.CheckResult{}, fmt.Errorf("wait for %s check: %w", check.Kind, waitErr)
	}
	if readErr != nil {
		// Output loss is diagnostic-only; the exit code already decided
		// pass/fail.
		stdout = append(stdout, []byte(fmt.Sprintf("\n[output read error: %v]", readErr))...)
	}

	output := r.normalize(string(stdout), proc.Stderr())
	return run.CheckResult{
		Kind:       check.Kind,
		Passed:     code == 0,
		ExitCode:   code,
		Output:     output,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// normalize merges stdout and stderr into one capped diagnostic blob.
func (r *Runner) normalize(stdout, stderr string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(stdout, "\n"))
	if stderr = strings.TrimRight(stderr, "\n"); stderr != "" {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(stderr)
	}
	out := b.String()
	if len(out) > r.maxOutput {
		out = out[:r.maxOutput] + "\n[truncated]"
	}
	return out
}
