// Package event defines the structured protocol spoken by agent processes
// and the incremental parser that decodes it. Agents emit one JSON object per
// line on stdout; each line decodes into exactly one Event variant from a
// closed set. Malformed lines degrade into Error events instead of aborting
// the stream.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/Crucible/internal/domain"
)

// Type identifies an event variant on the wire.
type Type string

const (
	TypeMessageDelta Type = "message_delta"
	TypeToolCall     Type = "tool_call"
	TypeToolResult   Type = "tool_result"
	TypeFileChange   Type = "file_change"
	TypeCommandRun   Type = "command_run"
	TypeError        Type = "error"
	TypeCompletion   Type = "completion"
)

// validTypes enumerates the closed variant set.
var validTypes = map[Type]bool{
	TypeMessageDelta: true,
	TypeToolCall:     true,
	TypeToolResult:   true,
	TypeFileChange:   true,
	TypeCommandRun:   true,
	TypeError:        true,
	TypeCompletion:   true,
}

// FileAction describes what happened to a file in a FileChange event.
type FileAction string

const (
	FileCreated  FileAction = "created"
	FileModified FileAction = "modified"
	FileDeleted  FileAction = "deleted"
)

// Payload is implemented by exactly the seven event variants. The unexported
// method keeps the union closed: a new variant must live in this package and
// appear in every exhaustive switch.
type Payload interface {
	Kind() Type
}

// MessageDelta is a chunk of free-form assistant text.
type MessageDelta struct {
	Text string `json:"text"`
}

// Kind implements Payload.
func (MessageDelta) Kind() Type { return TypeMessageDelta }

// ToolCall records the agent invoking a tool.
type ToolCall struct {
	ID    string          `json:"id,omitempty"`
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Kind implements Payload.
func (ToolCall) Kind() Type { return TypeToolCall }

// ToolResult records the outcome of a prior ToolCall.
type ToolResult struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
}

// Kind implements Payload.
func (ToolResult) Kind() Type { return TypeToolResult }

// FileChange records a file the agent created, modified, or deleted. Diff, if
// present, is a unified diff hunk for the change; under the staged-patch
// write workflow these hunks are assembled into the run's patch artifact.
type FileChange struct {
	Path   string     `json:"path"`
	Action FileAction `json:"action"`
	Diff   string     `json:"diff,omitempty"`
}

// Kind implements Payload.
func (FileChange) Kind() Type { return TypeFileChange }

// CommandRun records a shell command the agent executed.
type CommandRun struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Kind implements Payload.
func (CommandRun) Kind() Type { return TypeCommandRun }

// Error carries an agent-reported error, or wraps a protocol-level problem
// (malformed line, unknown type) with the raw offending text preserved.
type Error struct {
	Message string `json:"message"`
	Raw     string `json:"raw,omitempty"`
}

// Kind implements Payload.
func (Error) Kind() Type { return TypeError }

// Completion carries the agent's self-reported summary payload, validated
// later against the run's output contract.
type Completion struct {
	Payload json.RawMessage `json:"payload"`
}

// Kind implements Payload.
func (Completion) Kind() Type { return TypeCompletion }

// Event is one decoded unit from the agent stream. Seq is assigned by the
// parser in arrival order, starting at 1. Immutable once parsed.
type Event struct {
	Seq     int64
	Time    time.Time
	Payload Payload
}

// Type returns the variant tag of the event's payload.
func (e Event) Type() Type {
	return e.Payload.Kind()
}

// wire is the flattened JSON envelope shared by all variants. Pointer fields
// distinguish "absent" from zero where the zero value is meaningful.
type wire struct {
	Type Type      `json:"type"`
	Seq  int64     `json:"seq,omitempty"`
	Time time.Time `json:"ts,omitempty"`

	Text string `json:"text,omitempty"`

	ID      string          `json:"id,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Output  string          `json:"output,omitempty"`

	Path   string     `json:"path,omitempty"`
	Action FileAction `json:"action,omitempty"`
	Diff   string     `json:"diff,omitempty"`

	Command    string `json:"command,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	Message string `json:"message,omitempty"`
	Raw     string `json:"raw,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload decodes one protocol line into a typed payload. The returned
// error wraps ErrProtocol; callers that consume live streams convert it into
// an Error event instead of propagating it.
func DecodePayload(line []byte) (Payload, error) {
	var w wire
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("malformed event line: %v: %w", err, domain.ErrProtocol)
	}
	switch w.Type {
	case TypeMessageDelta:
		return MessageDelta{Text: w.Text}, nil
	case TypeToolCall:
		return ToolCall{ID: w.ID, Tool: w.Tool, Input: w.Input}, nil
	case TypeToolResult:
		success := false
		if w.Success != nil {
			success = *w.Success
		}
		return ToolResult{ID: w.ID, Success: success, Output: w.Output}, nil
	case TypeFileChange:
		return FileChange{Path: w.Path, Action: w.Action, Diff: w.Diff}, nil
	case TypeCommandRun:
		exit := 0
		if w.ExitCode != nil {
			exit = *w.ExitCode
		}
		return CommandRun{Command: w.Command, ExitCode: exit, Stdout: w.Stdout, Stderr: w.Stderr, DurationMS: w.DurationMS}, nil
	case TypeError:
		return Error{Message: w.Message, Raw: w.Raw}, nil
	case TypeCompletion:
		return Completion{Payload: w.Payload}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q: %w", w.Type, domain.ErrProtocol)
	}
}

// MarshalJSON flattens the event into the wire envelope. The same encoding is
// used for the persisted JSONL log, stored rows, and broadcasts, so a
// persisted log replays byte-compatibly through the parser.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wire{Type: e.Type(), Seq: e.Seq, Time: e.Time}
	switch p := e.Payload.(type) {
	case MessageDelta:
		w.Text = p.Text
	case ToolCall:
		w.ID = p.ID
		w.Tool = p.Tool
		w.Input = p.Input
	case ToolResult:
		w.ID = p.ID
		w.Success = &p.Success
		w.Output = p.Output
	case FileChange:
		w.Path = p.Path
		w.Action = p.Action
		w.Diff = p.Diff
	case CommandRun:
		w.Command = p.Command
		w.ExitCode = &p.ExitCode
		w.Stdout = p.Stdout
		w.Stderr = p.Stderr
		w.DurationMS = p.DurationMS
	case Error:
		w.Message = p.Message
		w.Raw = p.Raw
	case Completion:
		w.Payload = p.Payload
	default:
		return nil, fmt.Errorf("unknown payload type %T: %w", e.Payload, domain.ErrProtocol)
	}
	return json.Marshal(w)
}

// UnmarshalJSON restores an event from its wire envelope.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal event: %v: %w", err, domain.ErrProtocol)
	}
	payload, err := DecodePayload(data)
	if err != nil {
		return err
	}
	e.Seq = w.Seq
	e.Time = w.Time
	e.Payload = payload
	return nil
}
