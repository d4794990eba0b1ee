// Package session provides session processing and the agentic loop.
package session

// Agent represents an agent configuration for processing.
type Agent struct {
	// Name is the agent identifier.
	Name string `json:"name"`

	// Prompt is the base system prompt for this agent.
	Prompt string `json:"prompt"`

	// Temperature for LLM sampling.
	Temperature float64 `json:"temperature,omitempty"`

	// TopP for nucleus sampling.
	TopP float64 `json:"topP,omitempty"`

	// MaxSteps is the maximum number of agentic loop iterations.
	MaxSteps int `json:"maxSteps,omitempty"`

	// Tools is the list of enabled tool IDs.
	Tools []string `json:"tools,omitempty"`

	// DisabledTools is the list of disabled tool IDs.
	DisabledTools []string `json:"disabledTools,omitempty"`

	// Permission contains permission policy for this agent.
	Permission AgentPermission `json:"permission,omitempty"`
}

// AgentPermission defines permission policies for an agent.
type AgentPermission struct {
	// DoomLoop defines how to handle repeated identical tool calls.
	// Values: "allow", "deny", "ask" (default)
	DoomLoop string `json:"doomLoop,omitempty"`

	// Bash defines the permission policy for bash commands.
	// Values: "allow", "deny", "ask" (default)
	Bash string `json:"bash,omitempty"`

	// Write defines the permission policy for file writes.
	// Values: "allow", "deny", "ask" (default)
	Write string `json:"write,omitempty"`
}

// ToolEnabled returns whether a tool is enabled for this agent.
func (a *Agent) ToolEnabled(toolID string) bool {
	// Check if explicitly disabled
	for _, disabled := range a.DisabledTools {
		if disabled == toolID {
			return false
		}
	}

	// If Tools is empty, all tools are enabled
	if len(a.Tools) == 0 {
		return true
	}

	// Check if explicitly enabled
	for _, enabled := range a.Tools {
		if enabled == toolID {
			return true
		}
	}

	return false
}
