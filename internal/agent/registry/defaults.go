package registry

// DefaultAgents returns the built-in agent type this system ships with.
// Additional types (other CLI agents) register the same way at startup.
func DefaultAgents() []*AgentTypeConfig {
	return []*AgentTypeConfig{
		{
			ID:          "claude",
			Name:        "Claude Agent",
			Description: "Streaming-JSON coding agent launched inside the task's sandbox.",
			DockerImage: "kandev/agent-sandbox",
			DockerTag:   "latest",
			Enabled:     true,
		},
	}
}


