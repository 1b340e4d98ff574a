package topology

import (
	"context"
	"time"

	"github.com/loomlab/loom/core"
	"github.com/loomlab/loom/logging"
)

// Swarm executes a fully connected collaboration group: every agent node
// may hand control to any other, starting from the entry point. The loop
// is bounded by max handoffs, max iterations, a per-turn timeout, and
// trailing-window repetitive-handoff detection.
type Swarm struct {
	def      *core.Definition
	resolver core.AgentResolver
	logger   logging.Logger
	nodes    []core.Node
}

func newSwarm(def *core.Definition, resolver core.AgentResolver, opts Options) (*Swarm, error) {
	nodes := def.AgentNodes()
	if len(nodes) == 0 {
		return nil, &core.ValidationError{Field: "nodes", Message: "swarm has no agent nodes"}
	}
	return &Swarm{def: def, resolver: resolver, logger: opts.Logger, nodes: nodes}, nil
}

// Execute resolves every agent node with its peers declared as handoff
// targets, then runs the responder loop until an agent answers without
// requesting a transfer or a limit trips.
func (s *Swarm) Execute(ctx context.Context, input string) (*Result, error) {
	handles := make(map[string]core.AgentHandle, len(s.nodes))
	for _, node := range s.nodes {
		peers := make([]string, 0, len(s.nodes)-1)
		for _, other := range s.nodes {
			if other.ID != node.ID {
				peers = append(peers, other.ID)
			}
		}

		node := node
		handle, err := s.resolver.Resolve(ctx, node.ReferenceID, func(o *core.ResolveOptions) {
			o.DisplayName = node.DisplayName
			o.Handoffs = peers
		})
		if err != nil {
			return nil, &core.InvocationError{NodeID: node.ID, Err: err}
		}
		handles[node.ID] = handle
	}

	current := s.entryNode()
	maxHandoffs := s.def.MaxHandoffs
	if maxHandoffs <= 0 {
		maxHandoffs = core.DefaultMaxHandoffs
	}
	maxIterations := s.def.MaxIterations
	if maxIterations <= 0 {
		maxIterations = core.DefaultMaxIterations
	}
	nodeTimeout := s.def.NodeTimeout()

	res := &Result{Topology: core.TopologySwarm}
	start := time.Now()
	handoffs := 0
	stopReason := "final_response"
	var recent []string

	message := input
	pendingHandoff := false
	for turn := 0; turn < maxIterations; turn++ {
		pendingHandoff = false
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		reply, err := invokeNode(ctx, handles[current], current, message, nodeTimeout)
		if err != nil {
			return nil, err
		}

		s.logger.Debug("swarm turn %d: %s responded", turn+1, current)

		res.Outcomes = append(res.Outcomes, Outcome{
			NodeID:    current,
			Text:      reply.Text,
			Status:    NodeCompleted,
			Marker:    time.Since(start),
			DeclIndex: s.def.DeclIndex(current),
		})
		res.Order = append(res.Order, current)

		recent = append(recent, current)

		if reply.Handoff == "" {
			break
		}
		// Only a pending handoff can ping-pong; a final response ends the
		// run regardless of what the trailing window looks like.
		if s.repetitive(recent) {
			stopReason = "repetitive_handoff"
			break
		}
		if _, ok := handles[reply.Handoff]; !ok {
			return nil, &core.InvocationError{NodeID: current, Err: &core.ValidationError{
				Field: "handoff", Message: "transfer to unknown node " + reply.Handoff,
			}}
		}

		handoffs++
		if handoffs > maxHandoffs {
			stopReason = "max_handoffs"
			break
		}

		pendingHandoff = true
		current = reply.Handoff
		message = reply.Text
	}
	if pendingHandoff && stopReason == "final_response" {
		stopReason = "max_iterations"
	}

	res.Summary = map[string]any{
		"type":         string(core.TopologySwarm),
		"agents_count": len(s.nodes),
		"entry_point":  s.entryNode(),
		"turns":        len(res.Order),
		"handoffs":     handoffs,
		"stop_reason":  stopReason,
	}
	return res, nil
}

func (s *Swarm) entryNode() string {
	if s.def.EntryPoint != "" {
		if n, ok := s.def.NodeByID(s.def.EntryPoint); ok && n.Kind == core.NodeKindAgent {
			return n.ID
		}
	}
	return s.nodes[0].ID
}

// repetitive reports whether the trailing window of responders has
// collapsed onto too few distinct agents. The window only triggers once it
// is full; detection is disabled when either parameter is unset.
func (s *Swarm) repetitive(recent []string) bool {
	window := s.def.RepetitiveHandoffWindow
	minUnique := s.def.RepetitiveHandoffMinUniqueAgents
	if window <= 0 || minUnique <= 0 || len(recent) < window {
		return false
	}

	unique := make(map[string]bool, window)
	for _, id := range recent[len(recent)-window:] {
		unique[id] = true
	}
	return len(unique) <= minUnique
}
