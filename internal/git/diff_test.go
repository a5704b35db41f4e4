package git

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestParseNumstat(t *testing.T) {
	out := "10\t2\tinternal/api/server.go\n0\t5\tREADME.md\n-\t-\tassets/logo.png\n"
	stats := ParseNumstat(out)
	if stats.FilesChanged != 3 {
		t.Fatalf("files changed = %d, want 3", stats.FilesChanged)
	}
	if stats.Insertions != 10 || stats.Deletions != 7 {
		t.Fatalf("insertions/deletions = %d/%d, want 10/7", stats.Insertions, stats.Deletions)
	}
	if !stats.Files[2].Binary {
		t.Fatal("binary file not marked")
	}
	if stats.Files[0].Path != "internal/api/server.go" {
		t.Fatalf("path = %q", stats.Files[0].Path)
	}
}

func TestParseNumstatEmpty(t *testing.T) {
	stats := ParseNumstat("")
	if stats.FilesChanged != 0 || len(stats.Files) != 0 {
		t.Fatalf("empty numstat produced %+v", stats)
	}
}

func TestParseUnifiedStats(t *testing.T) {
	diff := `--- a/main.go
+++ b/main.go
@@ -1,3 +1,4 @@
 package main
+import "fmt"
-// old comment
+// new comment
--- /dev/null
+++ b/new.go
@@ -0,0 +1,2 @@
+package main
+func New() {}
`
	stats := ParseUnifiedStats(diff)
	if stats.FilesChanged != 2 {
		t.Fatalf("files changed = %d, want 2", stats.FilesChanged)
	}
	if stats.Insertions != 4 {
		t.Fatalf("insertions = %d, want 4", stats.Insertions)
	}
	if stats.Deletions != 1 {
		t.Fatalf("deletions = %d, want 1", stats.Deletions)
	}
}

func TestValidFormat(t *testing.T) {
	for _, f := range []DiffFormat{FormatUnified, FormatStat, FormatNameOnly} {
		if !ValidFormat(f) {
			t.Errorf("ValidFormat(%s) = false", f)
		}
	}
	if ValidFormat("inline") {
		t.Error("ValidFormat(inline) = true")
	}
}

func TestPoolLimitsConcurrency(t *testing.T) {
	pool := NewPool(2)
	var active, peak atomic.Int32
	done := make(chan error, 8)
	block := make(chan struct{})
	for range 8 {
		go func() {
			done <- pool.Run(context.Background(), func() error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-block
				active.Add(-1)
				return nil
			})
		}()
	}
	close(block)
	for range 8 {
		if err := <-done; err != nil {
			t.Fatalf("pool run failed: %v", err)
		}
	}
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d exceeds pool limit 2", peak.Load())
	}
}

func TestPoolCancelledWhileWaiting(t *testing.T) {
	pool := NewPool(1)
	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = pool.Run(context.Background(), func() error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.Run(ctx, func() error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(hold)
}

func TestNilPoolRunsDirectly(t *testing.T) {
	var pool *Pool
	ran := false
	if err := pool.Run(context.Background(), func() error { ran = true; return nil }); err != nil {
		t.Fatalf("nil pool run failed: %v", err)
	}
	if !ran {
		t.Fatal("fn not executed")
	}
}
