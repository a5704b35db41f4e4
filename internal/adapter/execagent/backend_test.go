package execagent

import (
	"strings"
	"testing"

	"github.com/Strob0t/Crucible/internal/domain/run"
	"github.com/Strob0t/Crucible/internal/port/agentbackend"
)

func TestCommandSubstitutesPrompt(t *testing.T) {
	b, err := NewFromConfig(map[string]string{"command": "myagent --task {prompt} --attempt {attempt}"})
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}

	cmd, err := b.Command(agentbackend.Invocation{
		Request: run.Request{Instruction: "fix the flaky test"},
		Workdir: "/workspace",
	})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}

	want := []string{"myagent", "--task", "fix the flaky test", "--attempt", "0"}
	if len(cmd.Argv) != len(want) {
		t.Fatalf("expected argv %v, got %v", want, cmd.Argv)
	}
	for i := range want {
		if cmd.Argv[i] != want[i] {
			t.Fatalf("argv[%d]: expected %q, got %q", i, want[i], cmd.Argv[i])
		}
	}
	if cmd.Stdin != "" {
		t.Fatalf("expected empty stdin when {prompt} is in the template, got %q", cmd.Stdin)
	}
}

func TestCommandStdinWithoutPlaceholder(t *testing.T) {
	b, err := NewFromConfig(map[string]string{"command": "myagent run"})
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}

	cmd, err := b.Command(agentbackend.Invocation{
		Request: run.Request{Instruction: "add a README"},
	})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if cmd.Stdin != "add a README" {
		t.Fatalf("expected prompt on stdin, got %q", cmd.Stdin)
	}
}

func TestCommandFixAttempt(t *testing.T) {
	b, err := NewFromConfig(map[string]string{
		"command":     "myagent --task {prompt}",
		"fix_command": "myagent --resume --task {prompt}",
	})
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}

	cmd, err := b.Command(agentbackend.Invocation{
		Request:   run.Request{Instruction: "original"},
		FixPrompt: "the tests failed",
		Attempt:   1,
	})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if cmd.Argv[1] != "--resume" {
		t.Fatalf("expected fix template argv, got %v", cmd.Argv)
	}
	if !strings.Contains(strings.Join(cmd.Argv, " "), "the tests failed") {
		t.Fatalf("expected fix prompt in argv, got %v", cmd.Argv)
	}
}

func TestCommandFixAttemptWithoutPrompt(t *testing.T) {
	b, err := NewFromConfig(map[string]string{"command": "myagent {prompt}"})
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if _, err := b.Command(agentbackend.Invocation{
		Request: run.Request{Instruction: "x"},
		Attempt: 1,
	}); err == nil {
		t.Fatal("expected error for fix attempt without fix prompt")
	}
}

func TestNewFromConfigRequiresCommand(t *testing.T) {
	if _, err := NewFromConfig(nil); err == nil {
		t.Fatal("expected error for missing command template")
	}
}
