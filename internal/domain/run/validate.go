package run

import (
	"fmt"
	"path"
	"strings"

	"github.com/Strob0t/Crucible/internal/domain"
)

// validExecModes enumerates all valid execution modes.
var validExecModes = map[ExecutionMode]bool{
	ExecAutonomous: true,
	ExecSuggest:    true,
	ExecConfirm:    true,
}

// Validate checks that a Request has all required fields and valid values.
// Everything caught here is ErrConfig: rejected before any resource exists.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Instruction) == "" {
		return fmt.Errorf("instruction is required: %w", domain.ErrConfig)
	}
	if r.Workspace == "" {
		return fmt.Errorf("workspace is required: %w", domain.ErrConfig)
	}
	if r.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout must be positive, got %d: %w", r.TimeoutSeconds, domain.ErrConfig)
	}
	if !r.SecurityMode.Valid() {
		return fmt.Errorf("invalid security_mode %q: %w", r.SecurityMode, domain.ErrConfig)
	}
	if r.ExecutionMode != "" && !validExecModes[r.ExecutionMode] {
		return fmt.Errorf("invalid execution_mode %q: %w", r.ExecutionMode, domain.ErrConfig)
	}
	if err := validateWorkdir(r.Workdir); err != nil {
		return err
	}
	if r.Verify != nil && r.Verify.MaxFixAttempts < 0 {
		return fmt.Errorf("max_fix_attempts must be >= 0, got %d: %w", r.Verify.MaxFixAttempts, domain.ErrConfig)
	}
	return nil
}

// validateWorkdir ensures the working subdirectory resolves inside the
// workspace: relative, and no ".." escape survives cleaning.
func validateWorkdir(workdir string) error {
	if workdir == "" {
		return nil
	}
	if path.IsAbs(workdir) {
		return fmt.Errorf("workdir must be relative to the workspace, got %q: %w", workdir, domain.ErrConfig)
	}
	clean := path.Clean(workdir)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("workdir %q escapes the workspace: %w", workdir, domain.ErrConfig)
	}
	return nil
}

func illegalTransition(from, to Status) error {
	return fmt.Errorf("illegal transition %s -> %s: %w", from, to, domain.ErrConflict)
}
