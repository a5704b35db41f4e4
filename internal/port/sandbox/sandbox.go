// Package sandbox defines the container runtime port: the abstraction over
// the isolation backend that materializes one environment per run. Mount
// permissions and network access arrive fully resolved from the policy
// engine; implementations carry no policy logic of their own.
package sandbox

import (
	"context"
	"io"
	"time"

	"github.com/Strob0t/Crucible/internal/domain/resource"
)

// Mount binds one host path into the environment.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// Spec describes the environment to create. The main process must be a
// keepalive: agent invocations and verification commands are launched with
// Exec so the environment outlives any single process.
type Spec struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Mounts      []Mount           `json:"mounts"`
	Env         map[string]string `json:"env,omitempty"`
	User        string            `json:"user,omitempty"`
	Workdir     string            `json:"workdir,omitempty"`
	NetworkMode string            `json:"network_mode,omitempty"`
	Limits      resource.Limits   `json:"limits"`
}

// Command is one process launched inside an existing environment.
type Command struct {
	Argv    []string          `json:"argv"`
	Env     map[string]string `json:"env,omitempty"`
	Workdir string            `json:"workdir,omitempty"`
	Stdin   string            `json:"stdin,omitempty"`
}

// Handle identifies one created environment.
type Handle struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Process is one running command inside an environment. Output must be
// drained by the caller; Wait blocks until the process exits and returns its
// exit code. Stderr returns whatever diagnostic output accumulated, valid
// after Wait.
type Process interface {
	// Output is the process stdout stream, consumed live by the event parser.
	Output() io.Reader
	// Wait blocks until exit. A non-nil error means the process could not be
	// managed; a nonzero code with nil error is a normal failed exit.
	Wait(ctx context.Context) (int, error)
	// Stderr returns captured diagnostic output, complete once Wait returns.
	Stderr() string
	// Kill forcibly terminates the process without touching the environment.
	Kill() error
}

// Runtime is the container runtime client port.
type Runtime interface {
	Create(ctx context.Context, spec Spec) (Handle, error)
	Start(ctx context.Context, h Handle) error
	Exec(ctx context.Context, h Handle, cmd Command) (Process, error)
	// Stop terminates the environment's processes, waiting up to grace before
	// killing.
	Stop(ctx context.Context, h Handle, grace time.Duration) error
	// Remove destroys the environment. Idempotent: removing an environment
	// the engine already discarded is success.
	Remove(ctx context.Context, h Handle) error
	// CopyOut reads one file from inside the environment.
	CopyOut(ctx context.Context, h Handle, path string) ([]byte, error)
}
