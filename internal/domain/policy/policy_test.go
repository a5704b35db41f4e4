package policy_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/Strob0t/Crucible/internal/domain"
	"github.com/Strob0t/Crucible/internal/domain/policy"
)

func TestResolveAllModes(t *testing.T) {
	tests := []struct {
		mode policy.SecurityMode
		want policy.Resolution
	}{
		{
			mode: policy.ModeReadOnly,
			want: policy.Resolution{
				Mode:           policy.ModeReadOnly,
				WorkspaceMount: policy.MountReadOnly,
				WriteWorkflow:  policy.WriteStagedPatch,
			},
		},
		{
			mode: policy.ModeWorkspaceWrite,
			want: policy.Resolution{
				Mode:           policy.ModeWorkspaceWrite,
				WorkspaceMount: policy.MountReadWrite,
				WriteWorkflow:  policy.WriteDirect,
			},
		},
		{
			mode: policy.ModeFullAccess,
			want: policy.Resolution{
				Mode:                 policy.ModeFullAccess,
				WorkspaceMount:       policy.MountReadWrite,
				WriteWorkflow:        policy.WriteDirect,
				NetworkAllowed:       true,
				RequiresConfirmation: true,
			},
		},
	}
	for _, tt := range tests {
		got, err := policy.Resolve(tt.mode)
		if err != nil {
			t.Fatalf("Resolve(%s) failed: %v", tt.mode, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Resolve(%s) = %+v, want %+v", tt.mode, got, tt.want)
		}
	}
}

func TestResolveIsPure(t *testing.T) {
	for mode := range map[policy.SecurityMode]bool{
		policy.ModeReadOnly:       true,
		policy.ModeWorkspaceWrite: true,
		policy.ModeFullAccess:     true,
	} {
		first, err := policy.Resolve(mode)
		if err != nil {
			t.Fatalf("Resolve(%s) failed: %v", mode, err)
		}
		second, err := policy.Resolve(mode)
		if err != nil {
			t.Fatalf("Resolve(%s) second call failed: %v", mode, err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Errorf("Resolve(%s) not pure: %+v != %+v", mode, first, second)
		}
	}
}

func TestResolveUnknownMode(t *testing.T) {
	_, err := policy.Resolve("root")
	if err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if !errors.Is(err, domain.ErrConfig) {
		t.Errorf("expected ErrConfig, got: %v", err)
	}
}

func TestCheckConfirmation(t *testing.T) {
	full, err := policy.Resolve(policy.ModeFullAccess)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if err := policy.CheckConfirmation(full, false); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("unconfirmed full_access: expected ErrConfig, got %v", err)
	}
	if err := policy.CheckConfirmation(full, true); err != nil {
		t.Errorf("confirmed full_access: expected nil, got %v", err)
	}

	ro, err := policy.Resolve(policy.ModeReadOnly)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := policy.CheckConfirmation(ro, false); err != nil {
		t.Errorf("read_only without confirmation: expected nil, got %v", err)
	}
}

func TestSecurityModeValid(t *testing.T) {
	if !policy.ModeWorkspaceWrite.Valid() {
		t.Error("workspace_write should be valid")
	}
	if policy.SecurityMode("yolo").Valid() {
		t.Error("unknown mode should be invalid")
	}
}
