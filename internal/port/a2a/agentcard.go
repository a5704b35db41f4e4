package a2a

// BuildAgentCard returns the static AgentCard served at
// /.well-known/agent.json for peer-agent discovery.
func BuildAgentCard(baseURL string) AgentCard {
	return AgentCard{
		Name:        "Crucible",
		Description: "Sandboxed, verifiable execution of delegated coding tasks",
		URL:         baseURL,
		Version:     "0.1.0",
		Skills: []Skill{
			{
				ID:          "sandboxed-run",
				Name:        "Sandboxed Run",
				Description: "Execute a coding task in an isolated environment with post-run verification",
				InputModes:  []string{"text"},
				OutputModes: []string{"text"},
			},
		},
		Capabilities: struct {
			Streaming bool `json:"streaming"`
		}{Streaming: true},
	}
}
