// Package agentbackend defines the agent backend port: a backend turns a
// run request (or a fix prompt on retry) into the command launched inside
// the run's environment.
package agentbackend

import (
	"github.com/Strob0t/Crucible/internal/domain/run"
	"github.com/Strob0t/Crucible/internal/port/sandbox"
)

// Invocation describes one agent process to launch. Attempt 0 is the
// initial instruction; attempts >= 1 are fix re-invocations carrying the
// verify loop's fix prompt.
type Invocation struct {
	Request   run.Request
	FixPrompt string
	Attempt   int
	// Workdir is the resolved working directory inside the environment.
	Workdir string
}

// Backend builds the process command for one agent invocation. The agent
// binary must speak the line-delimited event protocol on stdout.
type Backend interface {
	// Name returns the unique identifier for this backend
	// (e.g. "claude-cli", "exec").
	Name() string

	// Command returns the argv, env, and stdin for one invocation.
	Command(inv Invocation) (sandbox.Command, error)
}
