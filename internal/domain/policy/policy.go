// Package policy defines the security policy layer for Crucible runs.
// A declared SecurityMode resolves to concrete environment permissions:
// workspace mount mode, write workflow, network access, and whether the
// caller must confirm before execution.
package policy

import (
	"fmt"

	"github.com/Strob0t/Crucible/internal/domain"
)

// SecurityMode is the declared trust level for a run.
type SecurityMode string

const (
	ModeReadOnly       SecurityMode = "read_only"
	ModeWorkspaceWrite SecurityMode = "workspace_write"
	ModeFullAccess     SecurityMode = "full_access"
)

// validModes enumerates all valid security modes.
var validModes = map[SecurityMode]bool{
	ModeReadOnly:       true,
	ModeWorkspaceWrite: true,
	ModeFullAccess:     true,
}

// Valid reports whether the mode is a member of the closed set.
func (m SecurityMode) Valid() bool {
	return validModes[m]
}

// MountMode is the workspace bind-mount permission.
type MountMode string

const (
	MountReadOnly  MountMode = "ro"
	MountReadWrite MountMode = "rw"
)

// WriteWorkflow controls how agent file changes reach the workspace.
type WriteWorkflow string

const (
	// WriteDirect applies changes to the workspace as the agent makes them.
	WriteDirect WriteWorkflow = "direct"
	// WriteStagedPatch keeps the workspace untouched; changes are staged as a
	// reviewable patch assembled from the agent's file_change events.
	WriteStagedPatch WriteWorkflow = "staged-patch"
)

// Resolution is the full permission set derived from a SecurityMode.
type Resolution struct {
	Mode                 SecurityMode  `json:"mode"`
	WorkspaceMount       MountMode     `json:"workspace_mount"`
	WriteWorkflow        WriteWorkflow `json:"write_workflow"`
	NetworkAllowed       bool          `json:"network_allowed"`
	RequiresConfirmation bool          `json:"requires_confirmation"`
}

// resolutions is the closed mode table. An unlisted mode surfaces as
// ErrConfig from Resolve.
var resolutions = map[SecurityMode]Resolution{
	ModeReadOnly: {
		Mode:           ModeReadOnly,
		WorkspaceMount: MountReadOnly,
		WriteWorkflow:  WriteStagedPatch,
	},
	ModeWorkspaceWrite: {
		Mode:           ModeWorkspaceWrite,
		WorkspaceMount: MountReadWrite,
		WriteWorkflow:  WriteDirect,
	},
	ModeFullAccess: {
		Mode:                 ModeFullAccess,
		WorkspaceMount:       MountReadWrite,
		WriteWorkflow:        WriteDirect,
		NetworkAllowed:       true,
		RequiresConfirmation: true,
	},
}

// Resolve maps a SecurityMode to its Resolution. Pure: no side effects, and
// the same mode always yields an identical Resolution. Unknown modes are a
// configuration error.
func Resolve(mode SecurityMode) (Resolution, error) {
	res, ok := resolutions[mode]
	if !ok {
		return Resolution{}, fmt.Errorf("unknown security mode %q: %w", mode, domain.ErrConfig)
	}
	return res, nil
}

// CheckConfirmation enforces the full_access precondition: a mode whose
// resolution requires caller confirmation must arrive with confirmed=true
// before any environment is created. This is fatal, never retried.
func CheckConfirmation(res Resolution, confirmed bool) error {
	if res.RequiresConfirmation && !confirmed {
		return fmt.Errorf("security mode %q requires explicit caller confirmation: %w", res.Mode, domain.ErrConfig)
	}
	return nil
}
