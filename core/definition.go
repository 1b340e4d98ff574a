package core

import (
	"fmt"
	"time"
)

// Topology identifies the collaboration pattern an orchestration runs under.
type Topology string

const (
	// TopologySwarm is peer handoff between a fully connected agent group.
	TopologySwarm Topology = "swarm"
	// TopologyGraph executes nodes in dependency-edge order.
	TopologyGraph Topology = "graph"
	// TopologyWorkflow executes nodes strictly sequentially with output chaining.
	TopologyWorkflow Topology = "workflow"
	// TopologyAgentsAsTools exposes every non-orchestrator agent as a callable
	// tool of a single orchestrator agent.
	TopologyAgentsAsTools Topology = "agents_as_tools"
)

// NodeKind distinguishes what a node references.
type NodeKind string

const (
	// NodeKindAgent references a stored agent definition.
	NodeKindAgent NodeKind = "agent"
	// NodeKindOrchestration references a nested orchestration definition.
	NodeKindOrchestration NodeKind = "orchestration"
)

// Node is one vertex of an orchestration definition.
type Node struct {
	ID          string   `json:"id" yaml:"id"`
	Kind        NodeKind `json:"kind" yaml:"kind"`
	ReferenceID string   `json:"referenceId" yaml:"referenceId"`
	DisplayName string   `json:"displayName,omitempty" yaml:"displayName,omitempty"`
}

// Edge connects two nodes. Only the graph topology interprets edges (as
// dependency edges); the remaining topologies ignore them. Condition is
// stored for forward compatibility and is not evaluated.
type Edge struct {
	ID        string `json:"id" yaml:"id"`
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Default limits applied when the corresponding definition field is unset.
const (
	DefaultExecutionTimeoutSeconds = 900
	DefaultMaxHandoffs             = 20
	DefaultMaxIterations           = 20
	DefaultNodeTimeoutSeconds      = 300
)

// Definition is a stored, reusable description of a multi-agent
// collaboration graph plus its topology parameters. Definitions are
// immutable per version; the engine only reads them.
type Definition struct {
	ID          string   `json:"id" yaml:"id"`
	Owner       string   `json:"owner" yaml:"owner"`
	Name        string   `json:"name" yaml:"name"`
	DisplayName string   `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Topology    Topology `json:"topology" yaml:"topology"`
	Nodes       []Node   `json:"nodes" yaml:"nodes"`
	Edges       []Edge   `json:"edges,omitempty" yaml:"edges,omitempty"`

	// Common limits.
	ExecutionTimeoutSeconds int `json:"executionTimeoutSeconds,omitempty" yaml:"executionTimeoutSeconds,omitempty"`
	NodeTimeoutSeconds      int `json:"nodeTimeoutSeconds,omitempty" yaml:"nodeTimeoutSeconds,omitempty"`

	// Swarm parameters.
	EntryPoint                       string `json:"entryPoint,omitempty" yaml:"entryPoint,omitempty"`
	MaxHandoffs                      int    `json:"maxHandoffs,omitempty" yaml:"maxHandoffs,omitempty"`
	MaxIterations                    int    `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"`
	RepetitiveHandoffWindow          int    `json:"repetitiveHandoffWindow,omitempty" yaml:"repetitiveHandoffWindow,omitempty"`
	RepetitiveHandoffMinUniqueAgents int    `json:"repetitiveHandoffMinUniqueAgents,omitempty" yaml:"repetitiveHandoffMinUniqueAgents,omitempty"`

	// Graph parameters.
	MaxNodeExecutions int  `json:"maxNodeExecutions,omitempty" yaml:"maxNodeExecutions,omitempty"`
	ResetOnRevisit    bool `json:"resetOnRevisit,omitempty" yaml:"resetOnRevisit,omitempty"`

	// Workflow parameters.
	ParallelExecution bool           `json:"parallelExecution,omitempty" yaml:"parallelExecution,omitempty"`
	TaskPriorities    map[string]int `json:"taskPriorities,omitempty" yaml:"taskPriorities,omitempty"`

	// Agents-as-tools parameters.
	OrchestratorAgent string   `json:"orchestratorAgent,omitempty" yaml:"orchestratorAgent,omitempty"`
	ToolAgents        []string `json:"toolAgents,omitempty" yaml:"toolAgents,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}

// NodeByID returns the node with the given id and whether it exists.
func (d *Definition) NodeByID(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// AgentNodes returns the nodes of kind agent in declaration order.
func (d *Definition) AgentNodes() []Node {
	var nodes []Node
	for _, n := range d.Nodes {
		if n.Kind == NodeKindAgent {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// DeclIndex returns the declaration position of a node id, or -1.
func (d *Definition) DeclIndex(id string) int {
	for i, n := range d.Nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// ExecutionTimeout returns the whole-run ceiling as a duration.
func (d *Definition) ExecutionTimeout() time.Duration {
	secs := d.ExecutionTimeoutSeconds
	if secs <= 0 {
		secs = DefaultExecutionTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// NodeTimeout returns the per-node ceiling as a duration.
func (d *Definition) NodeTimeout() time.Duration {
	secs := d.NodeTimeoutSeconds
	if secs <= 0 {
		secs = DefaultNodeTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// Validate checks structural integrity: known topology, unique node ids and
// no dangling references from edges, entry point, orchestrator, tool agents
// or task priorities. It returns a *ValidationError describing the first
// violation found.
func (d *Definition) Validate() error {
	switch d.Topology {
	case TopologySwarm, TopologyGraph, TopologyWorkflow, TopologyAgentsAsTools:
	default:
		return &ValidationError{Field: "topology", Message: fmt.Sprintf("unsupported topology %q", d.Topology)}
	}

	if len(d.Nodes) == 0 {
		return &ValidationError{Field: "nodes", Message: "definition has no nodes"}
	}

	ids := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return &ValidationError{Field: "nodes", Message: "node with empty id"}
		}
		if ids[n.ID] {
			return &ValidationError{Field: "nodes", Message: fmt.Sprintf("duplicate node id %q", n.ID)}
		}
		ids[n.ID] = true
	}

	for _, e := range d.Edges {
		if !ids[e.Source] {
			return &ValidationError{Field: "edges", Message: fmt.Sprintf("edge %q references unknown source %q", e.ID, e.Source)}
		}
		if !ids[e.Target] {
			return &ValidationError{Field: "edges", Message: fmt.Sprintf("edge %q references unknown target %q", e.ID, e.Target)}
		}
	}

	if d.EntryPoint != "" && !ids[d.EntryPoint] {
		return &ValidationError{Field: "entryPoint", Message: fmt.Sprintf("entry point %q is not a node", d.EntryPoint)}
	}
	if d.OrchestratorAgent != "" && !ids[d.OrchestratorAgent] {
		return &ValidationError{Field: "orchestratorAgent", Message: fmt.Sprintf("orchestrator %q is not a node", d.OrchestratorAgent)}
	}
	for _, id := range d.ToolAgents {
		if !ids[id] {
			return &ValidationError{Field: "toolAgents", Message: fmt.Sprintf("tool agent %q is not a node", id)}
		}
	}
	for id := range d.TaskPriorities {
		if !ids[id] {
			return &ValidationError{Field: "taskPriorities", Message: fmt.Sprintf("priority for unknown node %q", id)}
		}
	}

	return nil
}
