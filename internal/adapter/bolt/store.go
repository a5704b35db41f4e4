// Package bolt implements the run store on an embedded bbolt database for
// single-node installs that should not depend on PostgreSQL.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/Strob0t/Crucible/internal/domain"
	"github.com/Strob0t/Crucible/internal/domain/event"
	"github.com/Strob0t/Crucible/internal/domain/run"
	"github.com/Strob0t/Crucible/internal/port/database"
)

var (
	runsBucket   = []byte("runs")
	eventsBucket = []byte("events")
)

// Store implements database.Store using bbolt. Runs are JSON values keyed
// by ID; events live in one sub-bucket per run, keyed by big-endian
// sequence number so cursor order is replay order.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the database file at path and ensures the
// top-level buckets exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(runsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) CreateRun(_ context.Context, rec *run.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(runsBucket)
		if bucket.Get([]byte(rec.ID)) != nil {
			return fmt.Errorf("create run %s: %w", rec.ID, domain.ErrConflict)
		}
		doc, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal run %s: %w", rec.ID, err)
		}
		return bucket.Put([]byte(rec.ID), doc)
	})
}

func (s *Store) GetRun(_ context.Context, id string) (*run.Record, error) {
	var rec *run.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(runsBucket).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
		}
		var parsed run.Record
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("unmarshal run %s: %w", id, err)
		}
		rec = &parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateRun persists rec if its version still matches the stored value,
// then bumps the version. A stale version returns domain.ErrConflict.
func (s *Store) UpdateRun(_ context.Context, rec *run.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(runsBucket)
		raw := bucket.Get([]byte(rec.ID))
		if raw == nil {
			return fmt.Errorf("update run %s: %w", rec.ID, domain.ErrNotFound)
		}

		var stored run.Record
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("unmarshal run %s: %w", rec.ID, err)
		}
		if stored.Version != rec.Version {
			return fmt.Errorf("update run %s: version %d does not match stored %d: %w",
				rec.ID, rec.Version, stored.Version, domain.ErrConflict)
		}

		next := *rec
		next.Version = rec.Version + 1
		doc, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal run %s: %w", rec.ID, err)
		}
		if err := bucket.Put([]byte(rec.ID), doc); err != nil {
			return err
		}
		rec.Version = next.Version
		return nil
	})
}

func (s *Store) ListRuns(_ context.Context, filter database.Filter) ([]run.Record, error) {
	var records []run.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(_, value []byte) error {
			var rec run.Record
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("unmarshal run: %w", err)
			}
			if filter.Status != "" && rec.Status != filter.Status {
				return nil
			}
			if !filter.Since.IsZero() && rec.CreatedAt.Before(filter.Since) {
				return nil
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Keys iterate in ID order; present newest first like the SQL store.
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}

func (s *Store) AppendEvents(_ context.Context, runID string, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket(eventsBucket).CreateBucketIfNotExists([]byte(runID))
		if err != nil {
			return fmt.Errorf("create event bucket for run %s: %w", runID, err)
		}
		for _, ev := range events {
			doc, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("marshal event %d for run %s: %w", ev.Seq, runID, err)
			}
			if err := bucket.Put(seqKey(ev.Seq), doc); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListEvents(_ context.Context, runID string, afterSeq int64, limit int) ([]event.Event, error) {
	var events []event.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(eventsBucket).Bucket([]byte(runID))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for key, value := cursor.Seek(seqKey(afterSeq + 1)); key != nil; key, value = cursor.Next() {
			if limit > 0 && len(events) >= limit {
				break
			}
			var ev event.Event
			if err := json.Unmarshal(value, &ev); err != nil {
				return fmt.Errorf("unmarshal event for run %s: %w", runID, err)
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) Ping(_ context.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(runsBucket) == nil {
			return fmt.Errorf("runs bucket missing: %w", domain.ErrEnvironment)
		}
		return nil
	})
}

func (s *Store) Close() {
	_ = s.db.Close()
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}
