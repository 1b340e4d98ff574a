// Package anthropic resolves agent references into handles backed by the
// Anthropic Messages API, driving tool use and peer handoffs through the
// vendor function-calling loop.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/loomlab/loom/core"
	"github.com/loomlab/loom/runtime"
)

// Options configures the Anthropic runtime (defaults applied per profile
// when the profile leaves a field unset).
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	// MaxToolRounds bounds the tool-use loop of a single invocation.
	MaxToolRounds int
}

// Resolver implements core.AgentResolver on top of the Anthropic client.
type Resolver struct {
	client   *anthropic.Client
	registry *runtime.Registry
	opts     Options
}

// NewResolver creates a resolver with its own client.
func NewResolver(registry *runtime.Registry, optFns ...func(o *Options)) *Resolver {
	opts := defaultOptions(optFns)

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Resolver{client: &client, registry: registry, opts: opts}
}

// NewResolverFromClient creates a resolver from an existing client.
func NewResolverFromClient(client *anthropic.Client, registry *runtime.Registry, optFns ...func(o *Options)) *Resolver {
	return &Resolver{client: client, registry: registry, opts: defaultOptions(optFns)}
}

func defaultOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:         anthropic.ModelClaude3_5Sonnet20241022,
		Temperature:   0.7,
		MaxTokens:     4096,
		MaxToolRounds: 8,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
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
		h.profile.Model = string(r.opts.Model)
	}
	if h.profile.MaxTokens == 0 {
		h.profile.MaxTokens = r.opts.MaxTokens
	}
	if h.profile.Temperature == 0 {
		h.profile.Temperature = r.opts.Temperature
	}
	return h, nil
}

type handle struct {
	client   *anthropic.Client
	name     string
	profile  runtime.Profile
	handoffs []string
	tools    []core.Tool
	opts     Options
}

// Name implements core.AgentHandle.
func (h *handle) Name() string { return h.name }

// Invoke implements core.AgentHandle. It runs the Messages API in a loop,
// executing caller-supplied tools until the model produces a final text
// answer or requests a handoff to a peer.
func (h *handle) Invoke(ctx context.Context, input string) (*core.Reply, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(h.profile.Model),
		MaxTokens:   h.profile.MaxTokens,
		Temperature: anthropic.Float(h.profile.Temperature),
	}
	if system := h.systemPrompt(); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	params.Tools = h.buildTools()

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(input)),
	}

	for round := 0; round <= h.opts.MaxToolRounds; round++ {
		params.Messages = messages

		resp, err := h.client.Messages.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("anthropic api error: %w", err)
		}

		var text strings.Builder
		var calls []anthropic.ToolUseBlock
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				text.WriteString(block.AsText().Text)
			case "tool_use":
				calls = append(calls, block.AsToolUse())
			}
		}

		if len(calls) == 0 {
			return &core.Reply{Text: text.String()}, nil
		}

		// A handoff ends the turn immediately; any text produced so far is
		// the agent's contribution.
		for _, call := range calls {
			if call.Name == runtime.HandoffToolName {
				target, err := handoffTarget(call.Input)
				if err != nil {
					return nil, err
				}
				return &core.Reply{Text: text.String(), Handoff: target}, nil
			}
		}

		messages = append(messages, resp.ToParam())
		results := make([]anthropic.ContentBlockParamUnion, 0, len(calls))
		for _, call := range calls {
			output, callErr := h.runTool(ctx, call)
			if callErr != nil {
				results = append(results, anthropic.NewToolResultBlock(call.ID, callErr.Error(), true))
				continue
			}
			results = append(results, anthropic.NewToolResultBlock(call.ID, output, false))
		}
		messages = append(messages, anthropic.NewUserMessage(results...))
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

func (h *handle) buildTools() []anthropic.ToolUnionParam {
	var tools []anthropic.ToolUnionParam

	for _, t := range h.tools {
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type: constant.Object("object"),
				Properties: map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The request to pass to the agent.",
					},
				},
				Required: []string{"query"},
			},
		}})
	}

	if len(h.handoffs) > 0 {
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        runtime.HandoffToolName,
			Description: anthropic.String(runtime.HandoffDescription(h.handoffs)),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type: constant.Object("object"),
				Properties: map[string]any{
					runtime.HandoffArgument: map[string]any{
						"type":        "string",
						"description": "Name of the agent to transfer to.",
					},
				},
				Required: []string{runtime.HandoffArgument},
			},
		}})
	}

	return tools
}

func (h *handle) runTool(ctx context.Context, call anthropic.ToolUseBlock) (string, error) {
	for _, t := range h.tools {
		if t.Name != call.Name {
			continue
		}
		query, err := toolQuery(call.Input)
		if err != nil {
			return "", err
		}
		return t.Call(ctx, query)
	}
	return "", fmt.Errorf("model requested unknown tool %q", call.Name)
}

func handoffTarget(input any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode handoff arguments: %w", err)
	}
	var args struct {
		AgentName string `json:"agent_name"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse handoff arguments: %w", err)
	}
	if args.AgentName == "" {
		return "", fmt.Errorf("handoff call missing %s", runtime.HandoffArgument)
	}
	return args.AgentName, nil
}

func toolQuery(input any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode tool arguments: %w", err)
	}
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse tool arguments: %w", err)
	}
	return args.Query, nil
}
