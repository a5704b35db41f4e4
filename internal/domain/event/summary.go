package event

import (
	"encoding/json"
	"fmt"
)

// TestCounts holds agent-reported test results.
type TestCounts struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped,omitempty"`
}

// TokenUsage holds agent-reported token consumption.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Summary is the agent's account of what it did, derived by folding the event
// list once a completion event or stream end is observed. Never mutated after
// creation.
type Summary struct {
	Text         string      `json:"summary"`
	FilesChanged []string    `json:"files_changed"`
	Commands     []string    `json:"commands,omitempty"`
	Tests        *TestCounts `json:"tests,omitempty"`
	NextSteps    []string    `json:"next_steps,omitempty"`
	Usage        TokenUsage  `json:"usage"`

	// Synthesized marks the fallback path: the agent closed its stream
	// without a completion event and the summary was assembled from
	// accumulated file_change and command_run events.
	Synthesized bool `json:"synthesized,omitempty"`

	// Raw is the completion payload exactly as the agent emitted it; contract
	// validation runs against these bytes, not the decoded struct.
	Raw json.RawMessage `json:"-"`
}

// LastCompletion returns the payload of the last completion event, if any.
func LastCompletion(events []Event) (json.RawMessage, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if c, ok := events[i].Payload.(Completion); ok {
			return c.Payload, true
		}
	}
	return nil, false
}

// ExtractSummary folds an event list into a Summary. When a completion event
// is present the last one's payload wins verbatim, and earlier file_change or
// command_run events are ignored. Otherwise the summary is synthesized from
// them best-effort.
func ExtractSummary(events []Event) Summary {
	if raw, ok := LastCompletion(events); ok {
		var s Summary
		// A payload that fails to decode still flows through: validation
		// against the output contract reports the defect without losing Raw.
		_ = json.Unmarshal(raw, &s)
		s.Synthesized = false
		s.Raw = raw
		return s
	}
	return synthesize(events)
}

func synthesize(events []Event) Summary {
	var (
		files    []string
		seen     = map[string]bool{}
		commands []string
	)
	for _, ev := range events {
		switch p := ev.Payload.(type) {
		case FileChange:
			if p.Path != "" && !seen[p.Path] {
				seen[p.Path] = true
				files = append(files, p.Path)
			}
		case CommandRun:
			if p.Command != "" {
				commands = append(commands, p.Command)
			}
		}
	}
	s := Summary{
		Text:         fmt.Sprintf("agent exited without a completion event; observed %d file change(s) and %d command(s)", len(files), len(commands)),
		FilesChanged: files,
		Commands:     commands,
		Synthesized:  true,
	}
	raw, err := json.Marshal(s)
	if err == nil {
		s.Raw = raw
	}
	return s
}
