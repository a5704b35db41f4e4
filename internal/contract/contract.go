// Package contract validates agent completion payloads against named output
// contracts. A contract is a closed CUE schema; validation failure degrades
// the run's summary to unvalidated instead of failing the run, since the
// agent's work may still be usable even when its self-report is malformed.
package contract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/Strob0t/Crucible/internal/domain"
)

// DefaultName is the contract applied when a request names none.
const DefaultName = "default"

// defaultSchema is the built-in minimum: a summary string and a list of
// changed file paths. Synthesized summaries satisfy it too.
const defaultSchema = `
summary: string
files_changed: [...string]
...
`

// Registry maps contract names to compiled CUE schemas. Compile once, reuse
// per validation; a cue.Context is not safe for concurrent compilation, so
// the registry guards it.
type Registry struct {
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
}

// NewRegistry creates a registry holding only the built-in default contract.
func NewRegistry() (*Registry, error) {
	r := &Registry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := r.register(DefaultName, defaultSchema); err != nil {
		return nil, err
	}
	return r, nil
}

// Register compiles and stores a named contract. The schema source is the
// body of a closed struct; an open trailer (`...`) in the source keeps extra
// payload fields legal for that contract.
func (r *Registry) Register(name, schema string) error {
	return r.register(name, schema)
}

func (r *Registry) register(name, schema string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.ctx.CompileString("close({" + schema + "})")
	if err := v.Err(); err != nil {
		return fmt.Errorf("compile contract %q: %v: %w", name, err, domain.ErrConfig)
	}
	r.schemas[name] = v
	return nil
}

// LoadDir registers every *.cue file in dir under its base name. A missing
// directory is not an error: installs without custom contracts are normal.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read contract dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".cue" {
			continue
		}
		src, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read contract %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), ".cue")
		if err := r.Register(name, string(src)); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the registered contract names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		out = append(out, name)
	}
	return out
}

// Validate checks a completion payload against the named contract. An empty
// name selects the default contract. The returned error wraps ErrSchema for
// payload violations and ErrNotFound for an unknown contract name; Details
// extracts the per-field messages for the run record.
func (r *Registry) Validate(payload []byte, name string) error {
	if name == "" {
		name = DefaultName
	}
	r.mu.Lock()
	schema, ok := r.schemas[name]
	ctx := r.ctx
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown output contract %q: %w", name, domain.ErrNotFound)
	}
	if len(payload) == 0 {
		return fmt.Errorf("empty completion payload: %w", domain.ErrSchema)
	}

	r.mu.Lock()
	value := ctx.CompileBytes(payload)
	r.mu.Unlock()
	if err := value.Err(); err != nil {
		return fmt.Errorf("completion payload is not valid data: %v: %w", err, domain.ErrSchema)
	}
	if err := schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("contract %q: %s: %w", name, describe(err), domain.ErrSchema)
	}
	return nil
}

// describe flattens CUE's error list into one line per violation.
func describe(err error) string {
	var parts []string
	for _, e := range cueerrors.Errors(err) {
		parts = append(parts, e.Error())
	}
	if len(parts) == 0 {
		return err.Error()
	}
	return strings.Join(parts, "; ")
}
