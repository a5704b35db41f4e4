package messagequeue

import (
	"encoding/json"

	"github.com/Strob0t/Crucible/internal/domain/run"
)

// RunSubmitPayload is the schema for crucible.runs.submit messages: a full
// run request plus an optional reply subject for the accepted run id.
type RunSubmitPayload struct {
	Request run.Request `json:"request"`
	ReplyTo string      `json:"reply_to,omitempty"`
}

// RunAcceptedPayload is the reply schema for accepted submissions.
type RunAcceptedPayload struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RunStartedPayload is the schema for crucible.runs.started messages.
type RunStartedPayload struct {
	RunID        string `json:"run_id"`
	SecurityMode string `json:"security_mode"`
	Backend      string `json:"backend"`
	Image        string `json:"image"`
}

// RunFinishedPayload is the schema for crucible.runs.finished messages.
type RunFinishedPayload struct {
	RunID       string `json:"run_id"`
	State       string `json:"state"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Reason      string `json:"reason,omitempty"`
	FixAttempts int    `json:"fix_attempts"`
	DurationMS  int64  `json:"duration_ms"`
}

// RunEventPayload is the schema for crucible.runs.event messages. Event is
// the wire envelope of one decoded agent event.
type RunEventPayload struct {
	RunID string          `json:"run_id"`
	Event json.RawMessage `json:"event"`
}
