package claudecli

import (
	"slices"
	"testing"

	"github.com/Strob0t/Crucible/internal/domain/run"
	"github.com/Strob0t/Crucible/internal/port/agentbackend"
)

func TestCommandInitialAttempt(t *testing.T) {
	b, err := NewFromConfig(map[string]string{"model": "opus"})
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}

	cmd, err := b.Command(agentbackend.Invocation{
		Request: run.Request{Instruction: "add input validation"},
		Workdir: "/workspace",
	})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if cmd.Argv[0] != "claude" {
		t.Fatalf("expected claude binary, got %q", cmd.Argv[0])
	}
	if !slices.Contains(cmd.Argv, "stream-json") {
		t.Fatalf("expected stream-json output format, got %v", cmd.Argv)
	}
	if !slices.Contains(cmd.Argv, "opus") {
		t.Fatalf("expected model flag, got %v", cmd.Argv)
	}
	if slices.Contains(cmd.Argv, "--continue") {
		t.Fatalf("initial attempt must not resume, got %v", cmd.Argv)
	}
	if cmd.Stdin != "add input validation" {
		t.Fatalf("expected instruction on stdin, got %q", cmd.Stdin)
	}
	if cmd.Workdir != "/workspace" {
		t.Fatalf("expected workdir /workspace, got %q", cmd.Workdir)
	}
}

func TestCommandFixAttemptResumes(t *testing.T) {
	b := New()

	cmd, err := b.Command(agentbackend.Invocation{
		Request:   run.Request{Instruction: "original"},
		FixPrompt: "lint failed, fix it",
		Attempt:   1,
	})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if !slices.Contains(cmd.Argv, "--continue") {
		t.Fatalf("expected --continue on fix attempt, got %v", cmd.Argv)
	}
	if cmd.Stdin != "lint failed, fix it" {
		t.Fatalf("expected fix prompt on stdin, got %q", cmd.Stdin)
	}
}

func TestCommandEmptyPrompt(t *testing.T) {
	b := New()
	if _, err := b.Command(agentbackend.Invocation{}); err == nil {
		t.Fatal("expected error for empty prompt")
	}
	if _, err := b.Command(agentbackend.Invocation{
		Request: run.Request{Instruction: "x"},
		Attempt: 2,
	}); err == nil {
		t.Fatal("expected error for fix attempt without fix prompt")
	}
}
