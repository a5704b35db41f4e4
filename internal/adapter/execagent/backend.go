// Package execagent implements the agentbackend.Backend interface for any
// protocol-speaking binary driven through a configurable command template.
package execagent

import (
	"fmt"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/shell"

	"github.com/Strob0t/Crucible/internal/port/agentbackend"
	"github.com/Strob0t/Crucible/internal/port/sandbox"
)

const backendName = "exec"

func init() {
	agentbackend.Register(backendName, func(config map[string]string) (agentbackend.Backend, error) {
		return NewFromConfig(config)
	})
}

// Placeholders substituted into the command template before splitting.
// {prompt} expands to the instruction (or fix prompt on retries), {attempt}
// to the zero-based attempt number, {workdir} to the resolved workdir.
const (
	placeholderPrompt  = "{prompt}"
	placeholderAttempt = "{attempt}"
	placeholderWorkdir = "{workdir}"
)

// Backend runs an arbitrary agent command. The template must reference
// {prompt}, or the prompt is passed on stdin instead.
type Backend struct {
	template    string
	fixTemplate string
}

// NewFromConfig creates an exec backend from a flat config map. The
// "command" key is required; "fix_command" optionally overrides the
// template for fix attempts.
func NewFromConfig(config map[string]string) (*Backend, error) {
	tmpl := config["command"]
	if tmpl == "" {
		return nil, fmt.Errorf("execagent: config key %q is required", "command")
	}
	return &Backend{
		template:    tmpl,
		fixTemplate: config["fix_command"],
	}, nil
}

// Name returns "exec".
func (b *Backend) Name() string { return backendName }

// Command expands the template for one invocation.
func (b *Backend) Command(inv agentbackend.Invocation) (sandbox.Command, error) {
	prompt := inv.Request.Instruction
	tmpl := b.template
	if inv.Attempt > 0 {
		if inv.FixPrompt == "" {
			return sandbox.Command{}, fmt.Errorf("execagent: fix attempt %d without fix prompt", inv.Attempt)
		}
		prompt = inv.FixPrompt
		if b.fixTemplate != "" {
			tmpl = b.fixTemplate
		}
	}
	if prompt == "" {
		return sandbox.Command{}, fmt.Errorf("execagent: empty prompt")
	}

	// Without a {prompt} placeholder the prompt goes to stdin.
	stdin := ""
	if !strings.Contains(tmpl, placeholderPrompt) {
		stdin = prompt
	}

	// Split before substituting so a prompt containing quotes or spaces
	// still lands in a single argv element.
	fields, err := shell.Fields(tmpl, nil)
	if err != nil {
		return sandbox.Command{}, fmt.Errorf("execagent: split command template: %w", err)
	}
	if len(fields) == 0 {
		return sandbox.Command{}, fmt.Errorf("execagent: empty command template")
	}

	argv := make([]string, len(fields))
	for i, f := range fields {
		f = strings.ReplaceAll(f, placeholderPrompt, prompt)
		f = strings.ReplaceAll(f, placeholderAttempt, strconv.Itoa(inv.Attempt))
		f = strings.ReplaceAll(f, placeholderWorkdir, inv.Workdir)
		argv[i] = f
	}

	return sandbox.Command{
		Argv:    argv,
		Env:     inv.Request.Env,
		Workdir: inv.Workdir,
		Stdin:   stdin,
	}, nil
}
