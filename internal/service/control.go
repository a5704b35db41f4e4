package service

import (
	"context"
	"fmt"

	"github.com/Strob0t/Crucible/internal/domain"
	"github.com/Strob0t/Crucible/internal/domain/event"
	"github.com/Strob0t/Crucible/internal/domain/policy"
	"github.com/Strob0t/Crucible/internal/domain/run"
	"github.com/Strob0t/Crucible/internal/git"
	"github.com/Strob0t/Crucible/internal/port/database"
)

// Status returns the current state of a run. Active runs answer from the
// in-memory record; finished runs come from the store.
func (m *Manager) Status(ctx context.Context, id string) (*run.Record, error) {
	if ar, ok := m.lookup(id); ok {
		return ar.snapshot(), nil
	}
	return m.store.GetRun(ctx, id)
}

// Cancel requests cooperative cancellation. Cancelling a run that already
// reached a terminal state is a no-op success; an unknown id is ErrNotFound.
func (m *Manager) Cancel(ctx context.Context, id string) (*run.Record, error) {
	if ar, ok := m.lookup(id); ok {
		ar.requestCancel()
		return ar.snapshot(), nil
	}
	rec, err := m.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	// Already terminal: nothing left to stop.
	return rec, nil
}

// List returns runs matching the filter, newest first. Active runs are
// reported from memory so their status is never stale.
func (m *Manager) List(ctx context.Context, filter database.Filter) ([]run.Record, error) {
	recs, err := m.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	live := make(map[string]*activeRun, len(m.active))
	for id, ar := range m.active {
		live[id] = ar
	}
	m.mu.Unlock()

	for i := range recs {
		if ar, ok := live[recs[i].ID]; ok {
			recs[i] = *ar.snapshot()
		}
	}
	return recs, nil
}

// ArtifactBundle is the response shape for artifact retrieval.
type ArtifactBundle struct {
	RunID  string            `json:"run_id"`
	Paths  map[string]string `json:"paths"`
	Diff   string            `json:"diff,omitempty"`
	Events []event.Event     `json:"events,omitempty"`
}

// Artifacts returns the artifact paths for a run, optionally inlining the
// change patch and the decoded event stream.
func (m *Manager) Artifacts(ctx context.Context, id string, includeDiff, includeEvents bool) (*ArtifactBundle, error) {
	rec, err := m.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	bundle := &ArtifactBundle{RunID: rec.ID, Paths: m.artifacts.Paths(rec.ID)}
	if includeDiff {
		data, err := m.artifacts.Read(rec.ID, "diff")
		if err == nil {
			bundle.Diff = string(data)
		}
	}
	if includeEvents {
		events, err := m.Events(ctx, id, 0, 0)
		if err == nil {
			bundle.Events = events
		}
	}
	return bundle, nil
}

// DiffResult carries a diff rendering plus its summary statistics.
type DiffResult struct {
	RunID  string         `json:"run_id"`
	Format git.DiffFormat `json:"format"`
	Diff   string         `json:"diff"`
	Stats  git.DiffStats  `json:"stats"`
}

// Diff returns the run's change set. Direct-workflow runs diff the live
// workspace; staged runs answer from the stored patch, so the format for
// those is always unified.
func (m *Manager) Diff(ctx context.Context, id string, format git.DiffFormat) (*DiffResult, error) {
	if format == "" {
		format = git.FormatUnified
	}
	if !git.ValidFormat(format) {
		return nil, fmt.Errorf("unknown diff format %q: %w", format, domain.ErrValidation)
	}

	rec, err := m.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.Resolution.WriteWorkflow == policy.WriteStagedPatch {
		data, err := m.artifacts.Read(rec.ID, "diff")
		if err != nil {
			return nil, fmt.Errorf("staged patch: %w", err)
		}
		patch := string(data)
		return &DiffResult{
			RunID:  rec.ID,
			Format: git.FormatUnified,
			Diff:   patch,
			Stats:  git.ParseUnifiedStats(patch),
		}, nil
	}

	if m.diff == nil {
		return nil, fmt.Errorf("diff service unavailable: %w", domain.ErrConfig)
	}
	out, err := m.diff.Diff(ctx, rec.Request.Workspace, format)
	if err != nil {
		return nil, err
	}
	stats, err := m.diff.Stats(ctx, rec.Request.Workspace)
	if err != nil {
		return nil, err
	}
	return &DiffResult{RunID: rec.ID, Format: format, Diff: out, Stats: stats}, nil
}

// Events returns decoded events with Seq > afterSeq, up to limit (0 means
// unbounded). The store is the source of truth so finished and active runs
// answer identically.
func (m *Manager) Events(ctx context.Context, id string, afterSeq int64, limit int) ([]event.Event, error) {
	if _, err := m.Status(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListEvents(ctx, id, afterSeq, limit)
}

// ReplayResult is the outcome of re-deriving a run's summary from its
// recorded event stream.
type ReplayResult struct {
	RunID      string        `json:"run_id"`
	EventCount int           `json:"event_count"`
	Summary    event.Summary `json:"summary"`
}

// Replay re-parses the persisted event log and recomputes the summary. The
// stored record is left untouched; replay exists to audit what the stream
// supports, independent of what the live run concluded.
func (m *Manager) Replay(ctx context.Context, id string) (*ReplayResult, error) {
	if _, err := m.Status(ctx, id); err != nil {
		return nil, err
	}
	data, err := m.artifacts.Read(id, "events")
	if err != nil {
		return nil, fmt.Errorf("event log: %w", err)
	}
	events := event.Parse(data)
	return &ReplayResult{
		RunID:      id,
		EventCount: len(events),
		Summary:    event.ExtractSummary(events),
	}, nil
}
