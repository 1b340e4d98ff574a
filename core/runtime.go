package core

import "context"

// Reply is the outcome of one agent invocation. Text carries the agent's
// final textual output. Handoff, when non-empty, names the peer node the
// agent requested control be transferred to; only the swarm topology acts
// on it.
type Reply struct {
	Text    string
	Handoff string
}

// Tool exposes another agent (or any capability) as a callable function of
// the invoked agent. The runtime decides whether and how often to call it.
type Tool struct {
	// Name of the tool as presented to the agent (snake_case recommended).
	Name string
	// Description shown to the agent to guide tool selection.
	Description string
	// Call executes the tool with a free-text query and returns its full
	// response text.
	Call func(ctx context.Context, query string) (string, error)
}

// ResolveOptions customizes agent resolution.
type ResolveOptions struct {
	// DisplayName overrides the agent's presented name.
	DisplayName string
	// Handoffs lists peer node ids the agent may transfer control to. When
	// non-empty the runtime makes a transfer capability available and maps
	// its use onto Reply.Handoff.
	Handoffs []string
	// Tools are attached to the agent's invocation context.
	Tools []Tool
}

// AgentHandle is an invocable agent produced by an AgentResolver. A handle
// is opaque to the engine: how the agent reasons, calls tools or streams
// tokens is entirely the runtime's concern.
type AgentHandle interface {
	// Name returns the presented name of the agent.
	Name() string

	// Invoke runs the agent once on the given input and blocks until its
	// final reply. Implementations must honor ctx cancellation and
	// deadlines; failures surface as the node's failure.
	Invoke(ctx context.Context, input string) (*Reply, error)
}

// AgentResolver turns a stored agent reference into an invocable handle.
// This is the engine's only view of the external Agent Runtime.
type AgentResolver interface {
	Resolve(ctx context.Context, referenceID string, optFns ...func(o *ResolveOptions)) (AgentHandle, error)
}
