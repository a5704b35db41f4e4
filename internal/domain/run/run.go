// Package run defines the Run domain entity: one end-to-end execution of a
// delegated task, from submission to terminal state.
package run

import (
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/Crucible/internal/domain/event"
	"github.com/Strob0t/Crucible/internal/domain/policy"
	"github.com/Strob0t/Crucible/internal/domain/resource"
)

// Status represents the current state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusVerifying Status = "verifying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// transitions is the closed legality table for the run state machine.
// Cancellation and timeout are additionally reachable from every non-terminal
// state; CanTransition folds that rule in.
var transitions = map[Status]map[Status]bool{
	StatusQueued:    {StatusStarting: true, StatusFailed: true},
	StatusStarting:  {StatusRunning: true, StatusFailed: true},
	StatusRunning:   {StatusVerifying: true, StatusSucceeded: true, StatusFailed: true},
	StatusVerifying: {StatusRunning: true, StatusSucceeded: true, StatusFailed: true},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled || to == StatusTimedOut {
		return true
	}
	return transitions[from][to]
}

// ExecutionMode controls how much latitude the agent gets inside the
// environment.
type ExecutionMode string

const (
	// ExecAutonomous lets the agent act without asking.
	ExecAutonomous ExecutionMode = "autonomous"
	// ExecSuggest restricts the agent to proposing changes.
	ExecSuggest ExecutionMode = "suggest"
	// ExecConfirm makes the agent pause for approval before acting.
	ExecConfirm ExecutionMode = "confirm"
)

// CheckKind identifies one verification check.
type CheckKind string

const (
	CheckTest  CheckKind = "test"
	CheckLint  CheckKind = "lint"
	CheckBuild CheckKind = "build"
)

// VerifyConfig declares which checks run after a successful agent exit and
// how many fix re-invocations are allowed across the whole run.
type VerifyConfig struct {
	Test           string `json:"test,omitempty" yaml:"test,omitempty"`
	Lint           string `json:"lint,omitempty" yaml:"lint,omitempty"`
	Build          string `json:"build,omitempty" yaml:"build,omitempty"`
	MaxFixAttempts int    `json:"max_fix_attempts" yaml:"max_fix_attempts"`
}

// Check pairs a check kind with its configured command.
type Check struct {
	Kind    CheckKind `json:"kind"`
	Command string    `json:"command"`
}

// Enabled reports whether any check is configured.
func (c *VerifyConfig) Enabled() bool {
	return c != nil && (c.Test != "" || c.Lint != "" || c.Build != "")
}

// Checks returns the configured checks in execution order. Build runs last
// because it assumes the tree the earlier checks left behind.
func (c *VerifyConfig) Checks() []Check {
	if c == nil {
		return nil
	}
	var out []Check
	if c.Test != "" {
		out = append(out, Check{Kind: CheckTest, Command: c.Test})
	}
	if c.Lint != "" {
		out = append(out, Check{Kind: CheckLint, Command: c.Lint})
	}
	if c.Build != "" {
		out = append(out, Check{Kind: CheckBuild, Command: c.Build})
	}
	return out
}

// CheckResult is the normalized outcome of one verification check.
type CheckResult struct {
	Kind       CheckKind `json:"kind"`
	Passed     bool      `json:"passed"`
	ExitCode   int       `json:"exit_code"`
	Output     string    `json:"output,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// VerifyResult aggregates all checks of the final verification pass plus the
// number of fix attempts the run consumed. Belongs to exactly one Record.
type VerifyResult struct {
	Passed      bool          `json:"passed"`
	Checks      []CheckResult `json:"checks"`
	FixAttempts int           `json:"fix_attempts"`
}

// Request is the caller's immutable description of a run.
type Request struct {
	Instruction    string              `json:"instruction"`
	ExecutionMode  ExecutionMode       `json:"execution_mode,omitempty"`
	Workspace      string              `json:"workspace"`
	Workdir        string              `json:"workdir,omitempty"`
	TimeoutSeconds int                 `json:"timeout_seconds"`
	SecurityMode   policy.SecurityMode `json:"security_mode"`
	Verify         *VerifyConfig       `json:"verify,omitempty"`
	Contract       string              `json:"contract,omitempty"`
	Env            map[string]string   `json:"env,omitempty"`
	Backend        string              `json:"backend,omitempty"`
	Image          string              `json:"image,omitempty"`
	Profile        string              `json:"profile,omitempty"`
	Limits         resource.Limits     `json:"limits"`
	Confirmed      bool                `json:"confirmed,omitempty"`
}

// Timeout returns the request timeout as a duration.
func (r *Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// ValidationStatus records the outcome of checking the completion payload
// against its output contract. An invalid payload degrades the summary, it
// never fails the run.
type ValidationStatus struct {
	Contract string   `json:"contract"`
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
}

// Environment identifies the isolated execution context backing a run.
type Environment struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Record is the mutable state of one run. It is owned exclusively by the
// lifecycle manager's run goroutine; every other reader receives a Snapshot.
type Record struct {
	ID          string             `json:"id"`
	Request     Request            `json:"request"`
	Resolution  policy.Resolution  `json:"resolution"`
	Status      Status             `json:"status"`
	Backend     string             `json:"backend,omitempty"`
	Image       string             `json:"image,omitempty"`
	Profile     string             `json:"profile,omitempty"`
	Environment Environment        `json:"environment"`
	ExitCode    *int               `json:"exit_code,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Events      []event.Event      `json:"-"`
	EventCount  int64              `json:"event_count"`
	Progress    Progress           `json:"progress"`
	Summary     *event.Summary     `json:"summary,omitempty"`
	Validation  *ValidationStatus  `json:"validation,omitempty"`
	Verify      *VerifyResult      `json:"verify,omitempty"`
	FixAttempts int                `json:"fix_attempts"`
	Artifacts   map[string]string  `json:"artifacts,omitempty"`
	Version     int64              `json:"version"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty"`
}

// Progress carries the live counters reported while a run is in flight.
type Progress struct {
	FilesChanged int `json:"files_changed"`
	CommandsRun  int `json:"commands_run"`
}

// NewRecord creates a queued record for a validated request.
func NewRecord(req Request, res policy.Resolution) *Record {
	return &Record{
		ID:         uuid.NewString(),
		Request:    req,
		Resolution: res,
		Status:     StatusQueued,
		Version:    1,
		CreatedAt:  time.Now().UTC(),
	}
}

// Transition moves the record to the next status, stamping started/finished
// times. Illegal transitions return ErrConflict-wrapped errors so callers can
// distinguish races from bugs.
func (r *Record) Transition(to Status) error {
	if !CanTransition(r.Status, to) {
		return illegalTransition(r.Status, to)
	}
	r.Status = to
	now := time.Now().UTC()
	if to == StatusRunning && r.StartedAt == nil {
		r.StartedAt = &now
	}
	if to.Terminal() && r.FinishedAt == nil {
		r.FinishedAt = &now
	}
	return nil
}

// AppendEvent transfers ownership of a parsed event to the record and
// advances the progress counters.
func (r *Record) AppendEvent(ev event.Event) {
	r.Events = append(r.Events, ev)
	r.EventCount++
	switch ev.Payload.(type) {
	case event.FileChange:
		r.Progress.FilesChanged++
	case event.CommandRun:
		r.Progress.CommandsRun++
	}
}

// Snapshot returns a point-in-time deep copy safe to hand to readers while
// the owning goroutine keeps mutating the original.
func (r *Record) Snapshot() *Record {
	out := *r
	out.Events = append([]event.Event(nil), r.Events...)
	if r.ExitCode != nil {
		code := *r.ExitCode
		out.ExitCode = &code
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	if r.Summary != nil {
		s := *r.Summary
		out.Summary = &s
	}
	if r.Validation != nil {
		v := *r.Validation
		v.Errors = append([]string(nil), r.Validation.Errors...)
		out.Validation = &v
	}
	if r.Verify != nil {
		v := *r.Verify
		v.Checks = append([]CheckResult(nil), r.Verify.Checks...)
		out.Verify = &v
	}
	if r.Artifacts != nil {
		out.Artifacts = make(map[string]string, len(r.Artifacts))
		for k, v := range r.Artifacts {
			out.Artifacts[k] = v
		}
	}
	return &out
}
