package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/Crucible/internal/domain"
	"github.com/Strob0t/Crucible/internal/domain/event"
	"github.com/Strob0t/Crucible/internal/domain/run"
	"github.com/Strob0t/Crucible/internal/port/database"
)

// Store implements database.Store using PostgreSQL. The full record is kept
// as a JSONB document; status, version and created_at are mirrored into
// columns for filtering and optimistic locking.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateRun(ctx context.Context, rec *run.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", rec.ID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, version, created_at, record)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.Status, rec.Version, rec.CreatedAt, doc)
	if err != nil {
		return fmt.Errorf("create run %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Record, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM runs WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}

	var rec run.Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal run %s: %w", id, err)
	}
	return &rec, nil
}

// UpdateRun persists rec if its version still matches the stored row, then
// bumps the version. A version mismatch on an existing run returns
// domain.ErrConflict.
func (s *Store) UpdateRun(ctx context.Context, rec *run.Record) error {
	next := *rec
	next.Version = rec.Version + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", rec.ID, err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, version = $3, record = $4
		 WHERE id = $1 AND version = $5`,
		rec.ID, next.Status, next.Version, doc, rec.Version)
	if err != nil {
		return fmt.Errorf("update run %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update run %s: %w", rec.ID, err)
		}
		if !exists {
			return fmt.Errorf("update run %s: %w", rec.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("update run %s: %w", rec.ID, domain.ErrConflict)
	}

	rec.Version = next.Version
	return nil
}

func (s *Store) ListRuns(ctx context.Context, filter database.Filter) ([]run.Record, error) {
	query := `SELECT record FROM runs`
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var records []run.Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var rec run.Record
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) AppendEvents(ctx context.Context, runID string, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		doc, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %d for run %s: %w", ev.Seq, runID, err)
		}
		batch.Queue(
			`INSERT INTO run_events (run_id, seq, ts, payload) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (run_id, seq) DO NOTHING`,
			runID, ev.Seq, ev.Time, doc)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("append events for run %s: %w", runID, err)
		}
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]event.Event, error) {
	query := `SELECT payload FROM run_events WHERE run_id = $1 AND seq > $2 ORDER BY seq`
	args := []any{runID, afterSeq}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev event.Event
		if err := json.Unmarshal(doc, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event for run %s: %w", runID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}
