// Package artifacts manages the persisted per-run directory layout: request
// and result snapshots, the JSONL event log, the plain-text process log, and
// the diff/patch file. Every byte written here passes through the masker
// first; credential material must never reach disk.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Strob0t/Crucible/internal/domain/event"
	"github.com/Strob0t/Crucible/internal/domain/run"
	"github.com/Strob0t/Crucible/internal/secrets"
)

// Artifact file names inside a run directory.
const (
	FileRequest = "request.json"
	FileResult  = "result.json"
	FileEvents  = "events.jsonl"
	FileLog     = "process.log"
	FilePatch   = "changes.patch"
)

// Store owns the artifact root. One Writer per run handles the append paths.
type Store struct {
	root    string
	scratch string
	masker  *secrets.Masker
}

// NewStore creates the artifact and scratch roots. The scratch root lives
// outside the artifact tree: scratch contents are mounted into write-mode
// environments and destroyed with them, never persisted.
func NewStore(root, scratch string, masker *secrets.Masker) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	if masker == nil {
		masker = secrets.NewMasker(nil)
	}
	return &Store{root: root, scratch: scratch, masker: masker}, nil
}

// RunDir returns the directory for one run, creating it on first use.
func (s *Store) RunDir(runID string) (string, error) {
	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	return dir, nil
}

// Paths returns the artifact paths that exist for a run, keyed by artifact
// name.
func (s *Store) Paths(runID string) map[string]string {
	dir := filepath.Join(s.root, runID)
	out := map[string]string{}
	for key, name := range map[string]string{
		"request": FileRequest,
		"result":  FileResult,
		"events":  FileEvents,
		"log":     FileLog,
		"diff":    FilePatch,
	} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			out[key] = p
		}
	}
	return out
}

// Read returns the masked content of one artifact by name.
func (s *Store) Read(runID, name string) ([]byte, error) {
	p, ok := s.Paths(runID)[name]
	if !ok {
		return nil, fmt.Errorf("artifact %q not found for run %s", name, runID)
	}
	return os.ReadFile(p) //nolint:gosec // G304: path comes from the store's own layout
}

// WriteRequest persists the immutable request snapshot at run creation.
func (s *Store) WriteRequest(runID string, req run.Request) (string, error) {
	return s.writeJSON(runID, FileRequest, req)
}

// WriteResult persists the final record snapshot at finalization.
func (s *Store) WriteResult(runID string, rec *run.Record) (string, error) {
	return s.writeJSON(runID, FileResult, rec)
}

// WritePatch persists the run's diff. Direct-workflow runs pass a git diff;
// staged-patch runs pass the patch assembled from file_change events.
func (s *Store) WritePatch(runID, patch string) (string, error) {
	dir, err := s.RunDir(runID)
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, FilePatch)
	if err := os.WriteFile(p, s.masker.MaskBytes([]byte(patch)), 0o600); err != nil {
		return "", fmt.Errorf("write patch: %w", err)
	}
	return p, nil
}

func (s *Store) writeJSON(runID, name string, v any) (string, error) {
	dir, err := s.RunDir(runID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", name, err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, s.masker.MaskBytes(data), 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return p, nil
}

// ScratchDir creates the per-run scratch directory for credentials and
// session state. 0700: only the service user may look inside.
func (s *Store) ScratchDir(runID string) (string, error) {
	dir := filepath.Join(s.scratch, runID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, nil
}

// DestroyScratch removes the run's scratch directory. Called on every
// terminal transition, alongside environment teardown.
func (s *Store) DestroyScratch(runID string) error {
	return os.RemoveAll(filepath.Join(s.scratch, runID))
}

// Writer appends events and log lines for one in-flight run. Safe for use
// from the drainer and run goroutines; writes are serialized internally.
type Writer struct {
	mu     sync.Mutex
	events *os.File
	log    *os.File
	masker *secrets.Masker
}

// NewWriter opens the append-mode event log and process log for a run.
func (s *Store) NewWriter(runID string) (*Writer, error) {
	dir, err := s.RunDir(runID)
	if err != nil {
		return nil, err
	}
	events, err := os.OpenFile(filepath.Join(dir, FileEvents), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // G304: store layout
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	log, err := os.OpenFile(filepath.Join(dir, FileLog), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // G304: store layout
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("open process log: %w", err)
	}
	return &Writer{events: events, log: log, masker: s.masker}, nil
}

// AppendEvent writes one event as a JSONL record.
func (w *Writer) AppendEvent(ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.events.Write(append(w.masker.MaskBytes(data), '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Logf appends one line to the plain-text process log.
func (w *Writer) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = w.log.WriteString(w.masker.Mask(line) + "\n")
}

// Close flushes and closes both logs.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err1 := w.events.Close()
	err2 := w.log.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
