package invoker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/driftworks/conductor/common/models"
)

// Agent is the resolved configuration for a single agent node invocation
type Agent struct {
	ID           string
	Name         string
	Model        string
	Temperature  *float64
	SystemPrompt string
	Tools        []string
}

// Result carries everything the engine persists about an invocation
type Result struct {
	OutputData    json.RawMessage
	AgentResponse string
	TokensUsed    int
	ModelUsed     string
	Temperature   *float64
	ToolsCalled   []string
	ToolResults   json.RawMessage
}

// Invoker runs an agent against the node input and the aggregated
// upstream context
type Invoker interface {
	Invoke(ctx context.Context, agent *Agent, input, execContext json.RawMessage) (*Result, error)
}

// agentData is the settings payload embedded in an agent node's spec data
type agentData struct {
	AgentID      string   `json:"agent_id"`
	Model        string   `json:"model"`
	Temperature  *float64 `json:"temperature"`
	SystemPrompt string   `json:"system_prompt"`
	Tools        []string `json:"tools"`
}

// AgentFromNode extracts the agent configuration from a spec node's data
// payload. Missing fields stay zero; the invoker applies its defaults.
func AgentFromNode(node *models.SpecNode) (*Agent, error) {
	agent := &Agent{ID: node.ID, Name: node.Name}
	if len(node.Data) == 0 {
		return agent, nil
	}

	var data agentData
	if err := json.Unmarshal(node.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse agent node data: %w", err)
	}

	if data.AgentID != "" {
		agent.ID = data.AgentID
	}
	agent.Model = data.Model
	agent.Temperature = data.Temperature
	agent.SystemPrompt = data.SystemPrompt
	agent.Tools = data.Tools
	return agent, nil
}

// Null is the invoker used when no model provider is configured. It
// echoes the node input back as the agent output, which keeps workflows
// runnable in development and deterministic in tests.
type Null struct{}

// NewNull returns the echo invoker
func NewNull() *Null {
	return &Null{}
}

func (n *Null) Invoke(_ context.Context, agent *Agent, input, _ json.RawMessage) (*Result, error) {
	response := fmt.Sprintf("agent %s completed", agent.Name)

	payload := map[string]interface{}{
		"response": response,
	}
	if len(input) > 0 {
		payload["echo"] = json.RawMessage(input)
	}
	output, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal echo output: %w", err)
	}

	return &Result{
		OutputData:    output,
		AgentResponse: response,
		ModelUsed:     "null-echo",
		Temperature:   agent.Temperature,
	}, nil
}
