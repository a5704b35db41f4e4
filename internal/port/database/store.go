// Package database defines the run store port (interface).
package database

import (
	"context"
	"time"

	"github.com/Strob0t/Crucible/internal/domain/event"
	"github.com/Strob0t/Crucible/internal/domain/run"
)

// Filter narrows ListRuns results. Zero values mean "no constraint".
type Filter struct {
	Status run.Status
	Since  time.Time
	Limit  int
}

// Store is the port interface for run persistence. Updates are
// version-locked: an UpdateRun whose record version does not match the
// stored version fails with domain.ErrConflict, and a missing run surfaces
// as domain.ErrNotFound.
type Store interface {
	CreateRun(ctx context.Context, rec *run.Record) error
	GetRun(ctx context.Context, id string) (*run.Record, error)
	UpdateRun(ctx context.Context, rec *run.Record) error
	ListRuns(ctx context.Context, filter Filter) ([]run.Record, error)

	// AppendEvents persists decoded events for a run in arrival order.
	AppendEvents(ctx context.Context, runID string, events []event.Event) error
	// ListEvents returns up to limit events with Seq > afterSeq.
	ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]event.Event, error)

	Ping(ctx context.Context) error
	Close()
}
