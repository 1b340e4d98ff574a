// Package openai resolves agent references into handles backed by the
// OpenAI Chat Completions API, driving tool use and peer handoffs through
// the vendor function-calling loop.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/loomlab/loom/core"
	"github.com/loomlab/loom/runtime"
)

// Options configures the OpenAI runtime (defaults applied per profile
// when the profile leaves a field unset).
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	// MaxToolRounds bounds the tool-use loop of a single invocation.
	MaxToolRounds int
}

// Resolver implements core.AgentResolver on top of the OpenAI client.
type Resolver struct {
	client   *openai.Client
	registry *runtime.Registry
	opts     Options
}

// NewResolver creates a resolver with its own client (API key from the
// environment, the SDK's default).
func NewResolver(registry *runtime.Registry, optFns ...func(o *Options)) *Resolver {
	client := openai.NewClient()
	return NewResolverFromClient(&client, registry, optFns...)
}

// NewResolverFromClient creates a resolver from an existing client.
func NewResolverFromClient(client *openai.Client, registry *runtime.Registry, optFns ...func(o *Options)) *Resolver {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
		MaxToolRounds:       8,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Resolver{client: client, registry: registry, opts: opts}
}

// Resolve implements core.AgentResolver.
func (r *Resolver) Resolve(_ context.Context, referenceID string, optFns ...func(o *core.ResolveOptions)) (core.AgentHandle, error) {
	profile, err := r.registry.Lookup(referenceID)
	if err != nil {
		return nil, err
	}

	var rOpts core.ResolveOptions
	for _, fn := range optFns {
		fn(&rOpts)
	}

	name := profile.Name
	if rOpts.DisplayName != "" {
		name = rOpts.DisplayName
	}

	h := &handle{
		client:   r.client,
		name:     name,
		profile:  profile,
		handoffs: rOpts.Handoffs,
		tools:    rOpts.Tools,
		opts:     r.opts,
	}
	if h.profile.Model == "" {
		h.profile.Model = r.opts.Model
	}
	if h.profile.MaxTokens == 0 {
		h.profile.MaxTokens = r.opts.MaxCompletionTokens
	}
	if h.profile.Temperature == 0 {
		h.profile.Temperature = r.opts.Temperature
	}
	return h, nil
}

type handle struct {
	client   *openai.Client
	name     string
	profile  runtime.Profile
	handoffs []string
	tools    []core.Tool
	opts     Options
}

// Name implements core.AgentHandle.
func (h *handle) Name() string { return h.name }

// Invoke implements core.AgentHandle. It loops over chat completions,
// executing requested tools until the model produces a final answer or
// requests a handoff to a peer.
func (h *handle) Invoke(ctx context.Context, input string) (*core.Reply, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage(input),
	}
	if system := h.systemPrompt(); system != "" {
		messages = append([]openai.ChatCompletionMessageParamUnion{openai.SystemMessage(system)}, messages...)
	}

	params := openai.ChatCompletionNewParams{
		Model:               h.profile.Model,
		Temperature:         openai.Float(h.profile.Temperature),
		MaxCompletionTokens: openai.Int(h.profile.MaxTokens),
	}
	if tools := h.buildTools(); len(tools) > 0 {
		params.Tools = tools
	}

	for round := 0; round <= h.opts.MaxToolRounds; round++ {
		params.Messages = messages

		resp, err := h.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("openai api error: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("openai returned no choices")
		}
		msg := resp.Choices[0].Message

		if len(msg.ToolCalls) == 0 {
			return &core.Reply{Text: msg.Content}, nil
		}

		// A handoff ends the turn immediately; any text produced so far is
		// the agent's contribution.
		for _, call := range msg.ToolCalls {
			if call.Function.Name == runtime.HandoffToolName {
				target, err := handoffTarget(call.Function.Arguments)
				if err != nil {
					return nil, err
				}
				return &core.Reply{Text: msg.Content, Handoff: target}, nil
			}
		}

		messages = append(messages, msg.ToParam())
		for _, call := range msg.ToolCalls {
			output, callErr := h.runTool(ctx, call)
			if callErr != nil {
				output = fmt.Sprintf("tool error: %v", callErr)
			}
			messages = append(messages, openai.ToolMessage(output, call.ID))
		}
	}

	return nil, fmt.Errorf("agent %s exceeded %d tool rounds", h.name, h.opts.MaxToolRounds)
}

func (h *handle) systemPrompt() string {
	system := h.profile.Instruction
	if len(h.handoffs) > 0 {
		system += runtime.HandoffInstruction(h.handoffs)
	}
	return system
}

func (h *handle) buildTools() []openai.ChatCompletionToolParam {
	var tools []openai.ChatCompletionToolParam

	for _, t := range h.tools {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters: openai.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "The request to pass to the agent.",
						},
					},
					"required": []string{"query"},
				},
			},
		})
	}

	if len(h.handoffs) > 0 {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        runtime.HandoffToolName,
				Description: openai.String(runtime.HandoffDescription(h.handoffs)),
				Parameters: openai.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						runtime.HandoffArgument: map[string]any{
							"type":        "string",
							"description": "Name of the agent to transfer to.",
						},
					},
					"required": []string{runtime.HandoffArgument},
				},
			},
		})
	}

	return tools
}

func (h *handle) runTool(ctx context.Context, call openai.ChatCompletionMessageToolCall) (string, error) {
	for _, t := range h.tools {
		if t.Name != call.Function.Name {
			continue
		}
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return "", fmt.Errorf("parse tool arguments: %w", err)
		}
		return t.Call(ctx, args.Query)
	}
	return "", fmt.Errorf("model requested unknown tool %q", call.Function.Name)
}

func handoffTarget(arguments string) (string, error) {
	var args struct {
		AgentName string `json:"agent_name"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("parse handoff arguments: %w", err)
	}
	if args.AgentName == "" {
		return "", fmt.Errorf("handoff call missing %s", runtime.HandoffArgument)
	}
	return args.AgentName, nil
}
