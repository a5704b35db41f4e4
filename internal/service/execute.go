package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync/atomic"
	"time"

	cruotel "github.com/Strob0t/Crucible/internal/adapter/otel"
	"github.com/Strob0t/Crucible/internal/adapter/ws"
	"github.com/Strob0t/Crucible/internal/artifacts"
	"github.com/Strob0t/Crucible/internal/domain/event"
	"github.com/Strob0t/Crucible/internal/domain/policy"
	"github.com/Strob0t/Crucible/internal/domain/run"
	"github.com/Strob0t/Crucible/internal/logger"
	"github.com/Strob0t/Crucible/internal/port/agentbackend"
	"github.com/Strob0t/Crucible/internal/port/messagequeue"
	"github.com/Strob0t/Crucible/internal/port/sandbox"
	"github.com/Strob0t/Crucible/internal/verify"
)

const (
	// eventBuffer bounds the drainer-to-consumer channel. The drainer blocks
	// when the consumer lags; exit detection never does, because Wait runs on
	// its own goroutine.
	eventBuffer = 256

	workspaceTarget = "/workspace"
	scratchTarget   = "/crucible/scratch"
)

// agentOutcome is the result of one agent invocation inside the environment.
type agentOutcome struct {
	exitCode  int
	err       error
	cancelled bool
	timedOut  bool
}

// execute is the run goroutine: environment, agent, verify loop, finalize,
// teardown. It is the only writer of ar.rec.
func (m *Manager) execute(ar *activeRun) {
	defer m.wg.Done()

	rec := ar.rec
	ctx := logger.WithRunID(context.Background(), rec.ID)
	log := slog.With("run_id", rec.ID)

	ctx, span := cruotel.StartRunSpan(ctx, rec.ID, rec.Backend, string(rec.Resolution.Mode))
	defer func() { cruotel.EndRunSpan(span, string(rec.Status)) }()

	writer, err := m.artifacts.NewWriter(rec.ID)
	if err != nil {
		log.Error("open artifact writer", "error", err)
		m.finalize(ctx, ar, nil, run.StatusFailed, fmt.Sprintf("artifact store: %v", err))
		return
	}

	backend, err := m.backend(rec.Backend)
	if err != nil {
		writer.Logf("backend %q unavailable: %v", rec.Backend, err)
		m.finalize(ctx, ar, writer, run.StatusFailed, fmt.Sprintf("backend %q: %v", rec.Backend, err))
		return
	}

	m.transition(ctx, ar, run.StatusStarting, "")

	handle, err := m.createEnvironment(ctx, ar)
	if err != nil {
		log.Error("environment create failed", "error", err)
		writer.Logf("environment create failed: %v", err)
		m.finalize(ctx, ar, writer, run.StatusFailed, fmt.Sprintf("environment: %v", err))
		return
	}
	defer m.teardown(ar, handle, log)

	workdir := path.Join(workspaceTarget, rec.Request.Workdir)
	writer.Logf("environment %s ready, workdir %s", handle.Name, workdir)

	// One timer covers the whole run: agent, verification, and all fix
	// attempts share the request timeout.
	timer := time.NewTimer(rec.Request.Timeout())
	defer timer.Stop()

	m.transition(ctx, ar, run.StatusRunning, "")
	m.publishStarted(ctx, ar)

	out := m.invokeAgent(ctx, ar, writer, handle, backend, agentbackend.Invocation{
		Request: rec.Request,
		Workdir: workdir,
	}, timer)

	status, reason := m.concludeAgent(ctx, ar, writer, handle, backend, workdir, timer, out)
	m.finalize(ctx, ar, writer, status, reason)
}

// concludeAgent maps the initial invocation outcome to the terminal status,
// running the verify loop when the agent exited cleanly.
func (m *Manager) concludeAgent(
	ctx context.Context,
	ar *activeRun,
	writer *artifacts.Writer,
	handle sandbox.Handle,
	backend agentbackend.Backend,
	workdir string,
	timer *time.Timer,
	out agentOutcome,
) (run.Status, string) {
	rec := ar.rec

	switch {
	case out.cancelled:
		return run.StatusCancelled, "cancelled by caller"
	case out.timedOut:
		return run.StatusTimedOut, fmt.Sprintf("run exceeded %ds timeout", rec.Request.TimeoutSeconds)
	case out.err != nil:
		writer.Logf("agent invocation failed: %v", out.err)
		return run.StatusFailed, fmt.Sprintf("agent invocation: %v", out.err)
	}

	ar.mu.Lock()
	code := out.exitCode
	rec.ExitCode = &code
	ar.mu.Unlock()

	if out.exitCode != 0 {
		reason := fmt.Sprintf("agent exited with code %d", out.exitCode)
		if last := lastErrorMessage(rec); last != "" {
			reason = fmt.Sprintf("%s: %s", reason, last)
		}
		return run.StatusFailed, reason
	}

	if !rec.Request.Verify.Enabled() {
		return run.StatusSucceeded, ""
	}

	m.transition(ctx, ar, run.StatusVerifying, "")

	vsctx, vspan := cruotel.StartVerifySpan(ctx, rec.ID, rec.Request.Verify.MaxFixAttempts)
	defer vspan.End()

	// Checks honor context cancellation, so cancel and timeout are lifted
	// into a context that covers the whole verify loop.
	vctx, vcancel := context.WithCancel(vsctx)
	defer vcancel()
	var verifyTimedOut atomic.Bool
	watcherStop := make(chan struct{})
	defer close(watcherStop)
	go func() {
		select {
		case <-ar.cancel:
			vcancel()
		case <-timer.C:
			verifyTimedOut.Store(true)
			vcancel()
		case <-watcherStop:
		}
	}()

	result, verr := m.runVerify(vctx, ar, writer, handle, backend, workdir, timer)

	ar.mu.Lock()
	rec.Verify = result
	if result != nil {
		rec.FixAttempts = result.FixAttempts
	}
	ar.mu.Unlock()

	switch {
	case verr != nil:
		if isCancelled(ar) {
			return run.StatusCancelled, "cancelled by caller"
		}
		// The timer tick may have been consumed by a fix re-invocation's
		// select instead of the watcher; the deadline error from the fix
		// path marks that case.
		if verifyTimedOut.Load() || timerFired(timer) || errors.Is(verr, context.DeadlineExceeded) {
			return run.StatusTimedOut, fmt.Sprintf("run exceeded %ds timeout", rec.Request.TimeoutSeconds)
		}
		writer.Logf("verification aborted: %v", verr)
		return run.StatusFailed, fmt.Sprintf("verification: %v", verr)
	case result.Passed:
		return run.StatusSucceeded, ""
	default:
		return run.StatusFailed, fmt.Sprintf("verification failed after %d fix attempts", result.FixAttempts)
	}
}

// runVerify drives the bounded verify loop. Fix re-invocations run the
// agent again in the same environment; the loop observer flips the record
// between verifying and running.
func (m *Manager) runVerify(
	ctx context.Context,
	ar *activeRun,
	writer *artifacts.Writer,
	handle sandbox.Handle,
	backend agentbackend.Backend,
	workdir string,
	timer *time.Timer,
) (*run.VerifyResult, error) {
	rec := ar.rec
	runner := verify.NewRunner(m.runtime, handle, workdir)

	fix := func(fctx context.Context, prompt string, attempt int) error {
		out := m.invokeAgent(fctx, ar, writer, handle, backend, agentbackend.Invocation{
			Request:   rec.Request,
			FixPrompt: prompt,
			Attempt:   attempt,
			Workdir:   workdir,
		}, timer)
		switch {
		case out.cancelled:
			return context.Canceled
		case out.timedOut:
			return context.DeadlineExceeded
		case out.err != nil:
			return out.err
		case out.exitCode != 0:
			return fmt.Errorf("fix agent exited with code %d", out.exitCode)
		}
		return nil
	}

	return verify.Run(ctx, rec.Request.Verify, runner, fix, &loopObserver{m: m, ar: ar, ctx: ctx, writer: writer})
}

// loopObserver mirrors verify loop phases onto the run state machine.
type loopObserver struct {
	m      *Manager
	ar     *activeRun
	ctx    context.Context
	writer *artifacts.Writer
}

func (o *loopObserver) ChecksStarted(attempt int) {
	o.writer.Logf("verification pass %d starting", attempt)
	if o.ar.rec.Status == run.StatusRunning {
		o.m.transition(o.ctx, o.ar, run.StatusVerifying, "")
	}
}

func (o *loopObserver) FixStarted(attempt int, _ string) {
	o.writer.Logf("fix attempt %d starting", attempt)
	o.m.transition(o.ctx, o.ar, run.StatusRunning, "")
}

// invokeAgent launches one agent process and pumps its event stream until
// exit, cancellation, or timeout. It never blocks on a full event pipe.
func (m *Manager) invokeAgent(
	ctx context.Context,
	ar *activeRun,
	writer *artifacts.Writer,
	handle sandbox.Handle,
	backend agentbackend.Backend,
	inv agentbackend.Invocation,
	timer *time.Timer,
) agentOutcome {
	cmd, err := backend.Command(inv)
	if err != nil {
		return agentOutcome{err: fmt.Errorf("build command: %w", err)}
	}

	proc, err := m.runtime.Exec(ctx, handle, cmd)
	if err != nil {
		return agentOutcome{err: fmt.Errorf("exec agent: %w", err)}
	}

	ar.mu.Lock()
	seqBase := ar.rec.EventCount
	ar.mu.Unlock()

	events := make(chan event.Event, eventBuffer)
	go drainEvents(proc.Output(), seqBase, events)

	type waitResult struct {
		code int
		err  error
	}
	waitCh := make(chan waitResult, 1)
	go func() {
		code, werr := proc.Wait(ctx)
		waitCh <- waitResult{code: code, err: werr}
	}()

	var out agentOutcome
	cancelCh := ar.cancel
	timerCh := timer.C
	for events != nil || waitCh != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.applyEvent(ctx, ar, writer, ev)
		case res := <-waitCh:
			waitCh = nil
			out.exitCode = res.code
			out.err = res.err
			// Wait can fail before the stream closes (context cancelled
			// mid-invocation); kill so the drainer sees EOF.
			if res.err != nil {
				_ = proc.Kill()
			}
		case <-cancelCh:
			cancelCh = nil
			out.cancelled = true
			_ = proc.Kill()
		case <-timerCh:
			timerCh = nil
			out.timedOut = true
			_ = proc.Kill()
		}
	}

	if stderr := proc.Stderr(); stderr != "" {
		writer.Logf("agent stderr (attempt %d):\n%s", inv.Attempt, stderr)
	}
	return out
}

// drainEvents reads the process stdout, feeds the incremental parser, and
// forwards decoded events. Seq numbers continue across fix attempts via the
// base offset. Closing the channel signals stream end.
func drainEvents(r io.Reader, seqBase int64, out chan<- event.Event) {
	defer close(out)

	parser := event.NewParser()
	forward := func(events []event.Event) {
		for _, ev := range events {
			ev.Seq += seqBase
			out <- ev
		}
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			forward(parser.Feed(buf[:n]))
		}
		if err != nil {
			break
		}
	}
	forward(parser.Flush())
}

// applyEvent routes one decoded event to the record, the artifact log, the
// store, and the live broadcast.
func (m *Manager) applyEvent(ctx context.Context, ar *activeRun, writer *artifacts.Writer, ev event.Event) {
	ar.mu.Lock()
	ar.rec.AppendEvent(ev)
	ar.mu.Unlock()

	if err := writer.AppendEvent(ev); err != nil {
		slog.Warn("append event artifact", "run_id", ar.rec.ID, "error", err)
	}
	if err := m.store.AppendEvents(ctx, ar.rec.ID, []event.Event{ev}); err != nil {
		slog.Warn("persist event", "run_id", ar.rec.ID, "error", err)
	}
	if m.obs != nil {
		m.obs.EventDecoded(ctx, string(ev.Type()))
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	m.hub.BroadcastEvent(ctx, ws.EventRunEvent, ws.RunStreamEvent{RunID: ar.rec.ID, Event: raw})
	if m.queue != nil {
		payload, _ := json.Marshal(messagequeue.RunEventPayload{RunID: ar.rec.ID, Event: raw})
		if err := m.queue.Publish(ctx, messagequeue.SubjectRunEvent, payload); err != nil {
			slog.Debug("publish run event", "run_id", ar.rec.ID, "error", err)
		}
	}
}

// createEnvironment materializes the container for a run according to its
// policy resolution.
func (m *Manager) createEnvironment(ctx context.Context, ar *activeRun) (sandbox.Handle, error) {
	rec := ar.rec
	res := rec.Resolution

	mounts := []sandbox.Mount{{
		Source:   rec.Request.Workspace,
		Target:   workspaceTarget,
		ReadOnly: res.WorkspaceMount == policy.MountReadOnly,
	}}
	if res.WorkspaceMount == policy.MountReadWrite {
		scratch, err := m.artifacts.ScratchDir(rec.ID)
		if err != nil {
			return sandbox.Handle{}, fmt.Errorf("scratch dir: %w", err)
		}
		mounts = append(mounts, sandbox.Mount{Source: scratch, Target: scratchTarget})
	}

	network := "none"
	if res.NetworkAllowed {
		network = "bridge"
	}

	spec := sandbox.Spec{
		Name:        environmentName(rec.ID),
		Image:       rec.Image,
		Mounts:      mounts,
		Env:         rec.Request.Env,
		User:        m.cfg.Sandbox.User,
		Workdir:     workspaceTarget,
		NetworkMode: network,
		Limits:      rec.Request.Limits,
	}

	handle, err := m.runtime.Create(ctx, spec)
	if err != nil {
		return sandbox.Handle{}, err
	}
	if err := m.runtime.Start(ctx, handle); err != nil {
		_ = m.runtime.Remove(ctx, handle)
		return sandbox.Handle{}, err
	}

	ar.mu.Lock()
	rec.Environment = run.Environment{ID: handle.ID, Name: handle.Name}
	ar.mu.Unlock()
	return handle, nil
}

// teardown stops and removes the environment and destroys the scratch dir.
// Failures are logged with the run id and never escalate into the outcome.
func (m *Manager) teardown(ar *activeRun, handle sandbox.Handle, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.runtime.Stop(ctx, handle, m.cfg.Sandbox.StopGrace); err != nil {
		log.Warn("environment stop failed", "error", err)
	}
	if err := m.runtime.Remove(ctx, handle); err != nil {
		log.Warn("environment remove failed", "error", err)
	}
	if err := m.artifacts.DestroyScratch(ar.rec.ID); err != nil {
		log.Warn("scratch destroy failed", "error", err)
	}
}

// environmentName derives the container name from the run id.
func environmentName(runID string) string {
	id := runID
	if len(id) > 12 {
		id = id[:12]
	}
	return "crucible-run-" + id
}

// lastErrorMessage returns the message of the most recent error event.
func lastErrorMessage(rec *run.Record) string {
	for i := len(rec.Events) - 1; i >= 0; i-- {
		if e, ok := rec.Events[i].Payload.(event.Error); ok {
			return e.Message
		}
	}
	return ""
}

func isCancelled(ar *activeRun) bool {
	select {
	case <-ar.cancel:
		return true
	default:
		return false
	}
}

// timerFired reports whether the run timer has expired without consuming a
// pending tick.
func timerFired(t *time.Timer) bool {
	select {
	case <-t.C:
		return true
	default:
		return false
	}
}
