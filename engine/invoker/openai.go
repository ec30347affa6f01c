package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const defaultSystemPrompt = "You are an agent in an automated workflow. " +
	"Complete the task described by the input using the provided context. " +
	"Respond with the task result only."

// permissive schema for tools declared by name without a parameter spec
var freeformToolSchema = json.RawMessage(`{"type":"object","additionalProperties":true}`)

// ChatClient is the subset of the go-openai client the adapter needs
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type OpenAIOpts struct {
	Client ChatClient
	Model  string
}

// OpenAI invokes agents through the Chat Completions API
type OpenAI struct {
	chat  ChatClient
	model string
}

func NewOpenAI(opts *OpenAIOpts) (*OpenAI, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("default model is required")
	}
	return &OpenAI{chat: opts.Client, model: opts.Model}, nil
}

// NewOpenAIFromAPIKey builds the adapter on the default go-openai HTTP client
func NewOpenAIFromAPIKey(apiKey, model string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return NewOpenAI(&OpenAIOpts{Client: openai.NewClient(apiKey), Model: model})
}

func (o *OpenAI) Invoke(ctx context.Context, agent *Agent, input, execContext json.RawMessage) (*Result, error) {
	model := agent.Model
	if model == "" {
		model = o.model
	}
	systemPrompt := agent.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	request := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: renderPrompt(input, execContext)},
		},
		Tools: encodeTools(agent.Tools),
	}
	if agent.Temperature != nil {
		request.Temperature = float32(*agent.Temperature)
	}

	response, err := o.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}

	message := response.Choices[0].Message
	toolsCalled, toolResults, err := translateToolCalls(message.ToolCalls)
	if err != nil {
		return nil, err
	}

	output, err := json.Marshal(map[string]interface{}{
		"response": message.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent output: %w", err)
	}

	return &Result{
		OutputData:    output,
		AgentResponse: message.Content,
		TokensUsed:    response.Usage.TotalTokens,
		ModelUsed:     response.Model,
		Temperature:   agent.Temperature,
		ToolsCalled:   toolsCalled,
		ToolResults:   toolResults,
	}, nil
}

// renderPrompt flattens the node input and upstream context into one
// user message
func renderPrompt(input, execContext json.RawMessage) string {
	prompt := "Input:\n"
	if len(input) > 0 {
		prompt += string(input)
	} else {
		prompt += "{}"
	}
	if len(execContext) > 0 {
		prompt += "\n\nContext:\n" + string(execContext)
	}
	return prompt
}

func encodeTools(names []string) []openai.Tool {
	if len(names) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:       name,
				Parameters: freeformToolSchema,
			},
		})
	}
	return tools
}

func translateToolCalls(calls []openai.ToolCall) ([]string, json.RawMessage, error) {
	if len(calls) == 0 {
		return nil, nil, nil
	}

	names := make([]string, 0, len(calls))
	results := make([]map[string]interface{}, 0, len(calls))
	for _, call := range calls {
		names = append(names, call.Function.Name)

		var args interface{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				args = map[string]interface{}{"raw": call.Function.Arguments}
			}
		}
		results = append(results, map[string]interface{}{
			"name":      call.Function.Name,
			"arguments": args,
		})
	}

	encoded, err := json.Marshal(results)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	return names, encoded, nil
}
