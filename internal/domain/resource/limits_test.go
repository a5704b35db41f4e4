package resource_test

import (
	"testing"

	"github.com/Strob0t/Crucible/internal/domain/resource"
)

func TestMerge(t *testing.T) {
	base := resource.Defaults()
	merged := resource.Merge(base, resource.Limits{MemoryMB: 4096})

	if merged.MemoryMB != 4096 {
		t.Errorf("expected memory 4096, got %d", merged.MemoryMB)
	}
	if merged.CPUs != base.CPUs {
		t.Errorf("expected cpus %v unchanged, got %v", base.CPUs, merged.CPUs)
	}
	if merged.PidsLimit != base.PidsLimit {
		t.Errorf("expected pids %d unchanged, got %d", base.PidsLimit, merged.PidsLimit)
	}
}

func TestCap(t *testing.T) {
	limits := resource.Limits{MemoryMB: 16384, CPUs: 8, PidsLimit: 100}
	capped := resource.Cap(limits, resource.Limits{MemoryMB: 8192, CPUs: 4})

	if capped.MemoryMB != 8192 {
		t.Errorf("expected memory capped to 8192, got %d", capped.MemoryMB)
	}
	if capped.CPUs != 4 {
		t.Errorf("expected cpus capped to 4, got %v", capped.CPUs)
	}
	if capped.PidsLimit != 100 {
		t.Errorf("expected pids uncapped at 100, got %d", capped.PidsLimit)
	}
}
