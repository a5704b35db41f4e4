package artifacts

import (
	"fmt"
	"strings"

	"github.com/Strob0t/Crucible/internal/domain/event"
)

// StagedPatch assembles a reviewable patch from the diff hunks carried on
// file_change events. Used for the staged-patch write workflow, where the
// workspace mount is read-only and the physical tree never changes: the
// patch is the run's entire output. Later events for the same path replace
// earlier ones, so the patch reflects each file's final state.
func StagedPatch(events []event.Event) string {
	type change struct {
		action event.FileAction
		diff   string
	}
	latest := map[string]change{}
	var order []string
	for _, ev := range events {
		fc, ok := ev.Payload.(event.FileChange)
		if !ok || fc.Path == "" {
			continue
		}
		if _, seen := latest[fc.Path]; !seen {
			order = append(order, fc.Path)
		}
		latest[fc.Path] = change{action: fc.Action, diff: fc.Diff}
	}

	var b strings.Builder
	for _, path := range order {
		c := latest[path]
		if c.diff != "" {
			b.WriteString(strings.TrimRight(c.diff, "\n"))
			b.WriteByte('\n')
			continue
		}
		// No hunk on the event: emit a header-only entry so the review
		// still names the touched file.
		switch c.action {
		case event.FileDeleted:
			fmt.Fprintf(&b, "--- a/%s\n+++ /dev/null\n", path)
		case event.FileCreated:
			fmt.Fprintf(&b, "--- /dev/null\n+++ b/%s\n", path)
		default:
			fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", path, path)
		}
	}
	return b.String()
}
