package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/Strob0t/Crucible/internal/adapter/ws"
	"github.com/Strob0t/Crucible/internal/artifacts"
	"github.com/Strob0t/Crucible/internal/domain"
	"github.com/Strob0t/Crucible/internal/domain/event"
	"github.com/Strob0t/Crucible/internal/domain/policy"
	"github.com/Strob0t/Crucible/internal/domain/run"
	"github.com/Strob0t/Crucible/internal/git"
	"github.com/Strob0t/Crucible/internal/port/messagequeue"
)

// transition moves the record, persists the new version, and broadcasts the
// status change. Persistence failures are logged; the in-memory record stays
// authoritative while the run is active.
func (m *Manager) transition(ctx context.Context, ar *activeRun, to run.Status, reason string) {
	ar.mu.Lock()
	if err := ar.rec.Transition(to); err != nil {
		ar.mu.Unlock()
		slog.Error("illegal transition", "run_id", ar.rec.ID, "to", to, "error", err)
		return
	}
	if reason != "" {
		ar.rec.Reason = reason
	}
	snap := ar.rec.Snapshot()
	ar.mu.Unlock()

	if err := m.store.UpdateRun(ctx, snap); err != nil {
		slog.Warn("persist transition", "run_id", snap.ID, "status", to, "error", err)
	} else {
		// UpdateRun bumped the snapshot's version; carry it back so the next
		// update does not conflict with our own write.
		ar.mu.Lock()
		ar.rec.Version = snap.Version
		ar.mu.Unlock()
	}

	m.hub.BroadcastEvent(ctx, ws.EventRunStatus, ws.RunStatusEvent{
		RunID:  snap.ID,
		Status: string(to),
		Reason: reason,
	})
}

// finalize produces the summary, validation verdict, and diff artifacts, then
// moves the run to its terminal status and releases it from the registry.
func (m *Manager) finalize(ctx context.Context, ar *activeRun, writer *artifacts.Writer, status run.Status, reason string) {
	rec := ar.rec

	if status == run.StatusSucceeded || status == run.StatusFailed {
		m.summarize(ctx, ar, writer)
	}

	m.transition(ctx, ar, status, reason)

	ar.mu.Lock()
	rec.Artifacts = m.artifacts.Paths(rec.ID)
	snap := rec.Snapshot()
	ar.mu.Unlock()

	if _, err := m.artifacts.WriteResult(rec.ID, snap); err != nil {
		slog.Warn("write result artifact", "run_id", rec.ID, "error", err)
	}
	if err := m.store.UpdateRun(ctx, snap); err != nil {
		slog.Warn("persist final record", "run_id", rec.ID, "error", err)
	}
	if writer != nil {
		writer.Logf("run finished: %s", status)
		if err := writer.Close(); err != nil {
			slog.Warn("close artifact writer", "run_id", rec.ID, "error", err)
		}
	}

	m.publishFinished(ctx, snap)
	if m.obs != nil {
		m.obs.RunFinished(ctx, status, duration(snap), snap.FixAttempts)
	}
	close(ar.done)
	m.release(rec.ID)
}

// summarize extracts the completion summary, validates it against the output
// contract, and captures the change set for the record's write workflow. Runs
// on the owning goroutine before the terminal transition.
func (m *Manager) summarize(ctx context.Context, ar *activeRun, writer *artifacts.Writer) {
	rec := ar.rec

	summary := event.ExtractSummary(rec.Events)
	ar.mu.Lock()
	rec.Summary = &summary
	ar.mu.Unlock()

	if payload, ok := event.LastCompletion(rec.Events); ok {
		m.validateCompletion(ar, payload)
	}

	patch, err := m.capturePatch(ctx, rec)
	if err != nil {
		slog.Warn("capture patch", "run_id", rec.ID, "error", err)
		if writer != nil {
			writer.Logf("patch capture failed: %v", err)
		}
		return
	}
	if patch == "" {
		return
	}
	if _, err := m.artifacts.WritePatch(rec.ID, patch); err != nil {
		slog.Warn("write patch artifact", "run_id", rec.ID, "error", err)
	}
}

// validateCompletion checks the completion payload against its contract.
// A schema violation degrades the record's validation status, it never
// changes the run outcome.
func (m *Manager) validateCompletion(ar *activeRun, payload json.RawMessage) {
	rec := ar.rec
	if m.contracts == nil {
		return
	}
	name := rec.Request.Contract

	vs := &run.ValidationStatus{Contract: name, Valid: true}
	if err := m.contracts.Validate(payload, name); err != nil {
		switch {
		case errors.Is(err, domain.ErrSchema):
			vs.Valid = false
			vs.Errors = []string{err.Error()}
		case errors.Is(err, domain.ErrNotFound):
			slog.Warn("output contract not registered", "run_id", rec.ID, "contract", name)
			return
		default:
			slog.Warn("contract validation", "run_id", rec.ID, "error", err)
			return
		}
	}
	ar.mu.Lock()
	rec.Validation = vs
	ar.mu.Unlock()
}

// capturePatch returns the run's change set: a git diff of the workspace for
// the direct workflow, or a patch assembled from file_change events for the
// staged workflow.
func (m *Manager) capturePatch(ctx context.Context, rec *run.Record) (string, error) {
	switch rec.Resolution.WriteWorkflow {
	case policy.WriteDirect:
		if m.diff == nil {
			return "", nil
		}
		return m.diff.Diff(ctx, rec.Request.Workspace, git.FormatUnified)
	case policy.WriteStagedPatch:
		return artifacts.StagedPatch(rec.Events), nil
	}
	return "", nil
}

// publishStarted announces the run over the queue, if one is attached.
func (m *Manager) publishStarted(ctx context.Context, ar *activeRun) {
	if m.queue == nil {
		return
	}
	snap := ar.snapshot()
	payload, err := json.Marshal(messagequeue.RunStartedPayload{
		RunID:        snap.ID,
		SecurityMode: string(snap.Request.SecurityMode),
		Backend:      snap.Backend,
		Image:        snap.Image,
	})
	if err != nil {
		return
	}
	if err := m.queue.Publish(ctx, messagequeue.SubjectRunStarted, payload); err != nil {
		slog.Debug("publish run started", "run_id", snap.ID, "error", err)
	}
}

func (m *Manager) publishFinished(ctx context.Context, snap *run.Record) {
	if m.queue == nil {
		return
	}
	payload, err := json.Marshal(messagequeue.RunFinishedPayload{
		RunID:       snap.ID,
		State:       string(snap.Status),
		ExitCode:    snap.ExitCode,
		Reason:      snap.Reason,
		FixAttempts: snap.FixAttempts,
		DurationMS:  duration(snap).Milliseconds(),
	})
	if err != nil {
		return
	}
	if err := m.queue.Publish(ctx, messagequeue.SubjectRunFinished, payload); err != nil {
		slog.Debug("publish run finished", "run_id", snap.ID, "error", err)
	}
}

// duration measures wall time from start (or creation, for runs that never
// started) to finish.
func duration(rec *run.Record) time.Duration {
	start := rec.CreatedAt
	if rec.StartedAt != nil {
		start = *rec.StartedAt
	}
	end := time.Now().UTC()
	if rec.FinishedAt != nil {
		end = *rec.FinishedAt
	}
	return end.Sub(start)
}
