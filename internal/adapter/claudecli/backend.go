// Package claudecli implements the agentbackend.Backend interface for the
// Claude Code CLI running in headless stream-JSON mode.
package claudecli

import (
	"fmt"
	"strings"

	"github.com/Strob0t/Crucible/internal/port/agentbackend"
	"github.com/Strob0t/Crucible/internal/port/sandbox"
)

const backendName = "claude-cli"

func init() {
	agentbackend.Register(backendName, func(config map[string]string) (agentbackend.Backend, error) {
		return NewFromConfig(config)
	})
}

// Backend launches the claude binary in non-interactive print mode with
// streaming JSON output, which the event parser consumes line by line.
type Backend struct {
	binary string
	model  string
	// extraArgs are appended verbatim after the built-in flags.
	extraArgs []string
}

// New creates a Claude CLI backend with default settings.
func New() *Backend {
	return &Backend{binary: "claude"}
}

// NewFromConfig creates a backend from a flat config map. Recognized keys:
// "binary", "model", "extra_args" (space-separated).
func NewFromConfig(config map[string]string) (*Backend, error) {
	b := New()
	if v := config["binary"]; v != "" {
		b.binary = v
	}
	if v := config["model"]; v != "" {
		b.model = v
	}
	if v := config["extra_args"]; v != "" {
		b.extraArgs = strings.Fields(v)
	}
	return b, nil
}

// Name returns "claude-cli".
func (b *Backend) Name() string { return backendName }

// Command builds the argv and env for one invocation. The prompt is passed
// on stdin so that arbitrarily long instructions never hit argv limits.
func (b *Backend) Command(inv agentbackend.Invocation) (sandbox.Command, error) {
	prompt := inv.Request.Instruction
	if inv.Attempt > 0 {
		if inv.FixPrompt == "" {
			return sandbox.Command{}, fmt.Errorf("claudecli: fix attempt %d without fix prompt", inv.Attempt)
		}
		prompt = inv.FixPrompt
	}
	if prompt == "" {
		return sandbox.Command{}, fmt.Errorf("claudecli: empty prompt")
	}

	argv := []string{
		b.binary,
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if b.model != "" {
		argv = append(argv, "--model", b.model)
	}
	if inv.Attempt > 0 {
		// Fix attempts resume the conversation from the initial run so the
		// agent keeps its context about the changes it already made.
		argv = append(argv, "--continue")
	}
	argv = append(argv, b.extraArgs...)

	return sandbox.Command{
		Argv:    argv,
		Env:     inv.Request.Env,
		Workdir: inv.Workdir,
		Stdin:   prompt,
	}, nil
}
