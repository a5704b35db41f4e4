package a2a

// Task lifecycle states on the wire. A run's richer state machine is
// collapsed onto these four when answering A2A clients.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// AgentCard is the discovery document served from /.well-known/agent.json.
type AgentCard struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	URL          string  `json:"url"`
	Version      string  `json:"version"`
	Skills       []Skill `json:"skills"`
	Capabilities struct {
		Streaming bool `json:"streaming"`
	} `json:"capabilities"`
}

// Skill advertises one capability on the agent card.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	InputModes  []string `json:"inputModes"`
	OutputModes []string `json:"outputModes"`
}

// TaskRequest is an incoming task. Input is schemaless per the protocol;
// requestFromTask pulls out the fields this agent understands.
type TaskRequest struct {
	ID      string         `json:"id"`
	Skill   string         `json:"skill"`
	Input   map[string]any `json:"input"`
	Context map[string]any `json:"context,omitempty"`
}

// TaskResponse reports a task's state back to the caller.
type TaskResponse struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}
