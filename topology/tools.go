package topology

import (
	"context"
	"strings"
	"time"

	"github.com/loomlab/loom/core"
	"github.com/loomlab/loom/logging"
)

// AgentsAsTools runs the hub-and-spoke pattern: one orchestrator agent is
// invoked a single time with every other agent node attached as a callable
// tool. The orchestrator decides which tools to call and how often; the
// engine records only its final text.
type AgentsAsTools struct {
	def          *core.Definition
	resolver     core.AgentResolver
	logger       logging.Logger
	orchestrator core.Node
	toolNodes    []core.Node
}

func newAgentsAsTools(def *core.Definition, resolver core.AgentResolver, opts Options) (*AgentsAsTools, error) {
	if def.OrchestratorAgent == "" {
		return nil, &core.ValidationError{Field: "orchestratorAgent", Message: "no orchestrator agent specified"}
	}
	orchestrator, ok := def.NodeByID(def.OrchestratorAgent)
	if !ok || orchestrator.Kind != core.NodeKindAgent {
		return nil, &core.ValidationError{Field: "orchestratorAgent", Message: "orchestrator is not an agent node"}
	}

	allowed := make(map[string]bool, len(def.ToolAgents))
	for _, id := range def.ToolAgents {
		allowed[id] = true
	}

	var toolNodes []core.Node
	for _, n := range def.AgentNodes() {
		if n.ID == orchestrator.ID {
			continue
		}
		if len(allowed) > 0 && !allowed[n.ID] {
			continue
		}
		toolNodes = append(toolNodes, n)
	}
	if len(toolNodes) == 0 {
		return nil, &core.ValidationError{Field: "nodes", Message: "no tool agents available"}
	}

	return &AgentsAsTools{
		def:          def,
		resolver:     resolver,
		logger:       opts.Logger,
		orchestrator: orchestrator,
		toolNodes:    toolNodes,
	}, nil
}

// Execute wraps every tool node as a query tool, resolves the orchestrator
// with those tools attached and invokes it once under the whole-run
// timeout.
func (a *AgentsAsTools) Execute(ctx context.Context, input string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, a.def.ExecutionTimeout())
	defer cancel()

	nodeTimeout := a.def.NodeTimeout()

	tools := make([]core.Tool, 0, len(a.toolNodes))
	toolNames := make([]string, 0, len(a.toolNodes))
	for _, node := range a.toolNodes {
		node := node
		handle, err := a.resolver.Resolve(runCtx, node.ReferenceID, func(o *core.ResolveOptions) {
			o.DisplayName = node.DisplayName
		})
		if err != nil {
			return nil, &core.InvocationError{NodeID: node.ID, Err: err}
		}

		name := toolName(node)
		toolNames = append(toolNames, name)
		tools = append(tools, core.Tool{
			Name:        name,
			Description: "Delegate a task to the " + handle.Name() + " agent and return its full response.",
			Call: func(toolCtx context.Context, query string) (string, error) {
				callCtx, cancelCall := context.WithTimeout(toolCtx, nodeTimeout)
				defer cancelCall()
				reply, err := handle.Invoke(callCtx, query)
				if err != nil {
					return "", err
				}
				a.logger.Debug("tool agent %s answered", node.ID)
				return reply.Text, nil
			},
		})
	}

	orchestrator, err := a.resolver.Resolve(runCtx, a.orchestrator.ReferenceID, func(o *core.ResolveOptions) {
		o.DisplayName = a.orchestrator.DisplayName
		o.Tools = tools
	})
	if err != nil {
		return nil, &core.InvocationError{NodeID: a.orchestrator.ID, Err: err}
	}

	start := time.Now()
	reply, err := orchestrator.Invoke(runCtx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if runCtx.Err() != nil {
			return nil, context.DeadlineExceeded
		}
		return nil, &core.InvocationError{NodeID: a.orchestrator.ID, Err: err}
	}

	res := &Result{
		Topology: core.TopologyAgentsAsTools,
		Order:    []string{a.orchestrator.ID},
		Outcomes: []Outcome{{
			NodeID:    a.orchestrator.ID,
			Text:      reply.Text,
			Status:    NodeCompleted,
			Marker:    time.Since(start),
			DeclIndex: a.def.DeclIndex(a.orchestrator.ID),
		}},
		Summary: map[string]any{
			"type":               string(core.TopologyAgentsAsTools),
			"orchestrator_agent": a.orchestrator.ID,
			"tool_agents_count":  len(tools),
			"tool_agents":        toolNames,
			"result":             reply.Text,
		},
	}
	return res, nil
}

// toolName derives a stable snake_case tool name from the node.
func toolName(n core.Node) string {
	base := n.DisplayName
	if base == "" {
		base = n.ID
	}
	base = strings.ToLower(base)
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, base)
	return "ask_" + strings.Trim(base, "_")
}
