// Package topology implements the four orchestration execution algorithms
// (swarm, graph, workflow, agents-as-tools) behind a single Executor
// contract. An executor consumes a validated definition plus an input
// message and produces a Result; the supervisor selects the executor once
// per run via ForDefinition and never branches on topology again.
package topology

import (
	"context"
	"time"

	"github.com/loomlab/loom/core"
	"github.com/loomlab/loom/logging"
)

// NodeStatus is the per-node completion state inside a Result.
type NodeStatus string

const (
	// NodeCompleted means the node produced its output normally.
	NodeCompleted NodeStatus = "completed"
	// NodeFailed means the node's invocation raised.
	NodeFailed NodeStatus = "failed"
)

// Outcome records one node turn: which node ran, what it said, and a
// relative execution-time marker measured from run start. DeclIndex is the
// node's declaration position, used to break marker ties downstream.
type Outcome struct {
	NodeID    string
	Text      string
	Status    NodeStatus
	Marker    time.Duration
	DeclIndex int
}

// Result is the normalized shape shared by all four executors. Outcomes
// holds every recorded node turn in append order; Order is the realized
// execution order of nodes; Summary is the small map persisted on the
// execution record.
type Result struct {
	Topology core.Topology
	Outcomes []Outcome
	Order    []string
	Summary  map[string]any
}

// Executor runs one topology algorithm to completion.
//
// Execute must honor ctx cancellation at every agent invocation and return
// promptly once ctx is done. Structural problems are reported by the
// constructors as *core.ValidationError before Execute is ever called;
// errors from Execute are runtime failures (or ctx errors).
type Executor interface {
	Execute(ctx context.Context, input string) (*Result, error)
}

// Options carries optional executor dependencies.
type Options struct {
	// Logger used for per-turn diagnostics. Defaults to NoOp.
	Logger logging.Logger
}

// ForDefinition validates the definition and returns the executor matching
// its topology. This is the single dispatch point.
func ForDefinition(def *core.Definition, resolver core.AgentResolver, optFns ...func(o *Options)) (Executor, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	switch def.Topology {
	case core.TopologySwarm:
		return newSwarm(def, resolver, opts)
	case core.TopologyGraph:
		return newGraph(def, resolver, opts)
	case core.TopologyWorkflow:
		return newWorkflow(def, resolver, opts)
	case core.TopologyAgentsAsTools:
		return newAgentsAsTools(def, resolver, opts)
	default:
		// Unreachable after Validate; kept for safety.
		return nil, &core.ValidationError{Field: "topology", Message: "unsupported topology"}
	}
}

// invokeNode runs a single agent invocation under the per-node timeout,
// wrapping failures with the owning node id.
func invokeNode(ctx context.Context, handle core.AgentHandle, nodeID, input string, timeout time.Duration) (*core.Reply, error) {
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := handle.Invoke(nodeCtx, input)
	if err != nil {
		if ctx.Err() != nil {
			// The run itself was cancelled or timed out; report that rather
			// than the node-local symptom.
			return nil, ctx.Err()
		}
		return nil, &core.InvocationError{NodeID: nodeID, Err: err}
	}
	return reply, nil
}
