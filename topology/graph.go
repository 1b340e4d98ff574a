package topology

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomlab/loom/core"
	"github.com/loomlab/loom/logging"
)

// Graph executes nodes in dependency order: a node runs only after every
// node with an edge into it has completed, and nodes that become eligible
// together run concurrently as one wave. Revisit cycles are permitted only
// when maxNodeExecutions allows more than one run per node; otherwise a
// cyclic definition is rejected before anything executes.
type Graph struct {
	def      *core.Definition
	resolver core.AgentResolver
	logger   logging.Logger

	nodes      []core.Node
	preds      map[string][]string
	succs      map[string][]string
	maxPerNode int
}

func newGraph(def *core.Definition, resolver core.AgentResolver, opts Options) (*Graph, error) {
	nodes := def.AgentNodes()
	if len(nodes) == 0 {
		return nil, &core.ValidationError{Field: "nodes", Message: "graph has no agent nodes"}
	}

	agent := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		agent[n.ID] = true
	}

	preds := make(map[string][]string)
	succs := make(map[string][]string)
	for _, e := range def.Edges {
		if !agent[e.Source] || !agent[e.Target] {
			continue
		}
		preds[e.Target] = append(preds[e.Target], e.Source)
		succs[e.Source] = append(succs[e.Source], e.Target)
	}

	maxPerNode := def.MaxNodeExecutions
	if maxPerNode <= 0 {
		maxPerNode = 1
	}

	g := &Graph{
		def:      def,
		resolver: resolver,
		logger:   opts.Logger,
		nodes:    nodes,
		preds:    preds,
		succs:    succs,

		maxPerNode: maxPerNode,
	}

	if g.hasCycle() && maxPerNode <= 1 {
		return nil, &core.ValidationError{
			Field:   "edges",
			Message: "dependency cycle without revisit allowance (set maxNodeExecutions > 1)",
		}
	}
	if len(g.startNodes()) == 0 {
		return nil, &core.ValidationError{
			Field:   "entryPoint",
			Message: "no node without dependencies and no entry point to seed the run",
		}
	}

	return g, nil
}

// hasCycle runs Kahn's algorithm over the agent-node dependency edges.
func (g *Graph) hasCycle() bool {
	indegree := make(map[string]int, len(g.nodes))
	for _, n := range g.nodes {
		indegree[n.ID] = len(g.preds[n.ID])
	}

	var queue []string
	for _, n := range g.nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, succ := range g.succs[id] {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	return seen != len(g.nodes)
}

// startNodes returns the initial wave: dependency-free nodes, or the entry
// point when a cyclic definition leaves nothing dependency-free.
func (g *Graph) startNodes() []string {
	var start []string
	for _, n := range g.nodes {
		if len(g.preds[n.ID]) == 0 {
			start = append(start, n.ID)
		}
	}
	if len(start) == 0 && g.def.EntryPoint != "" {
		start = append(start, g.def.EntryPoint)
	}
	return start
}

// Execute runs the dependency graph wave by wave under the whole-run
// timeout. Each node's input is the concatenated output of its
// dependencies, except dependency-free nodes (original input) and
// revisited nodes when resetOnRevisit is set (re-seeded with the original
// input).
func (g *Graph) Execute(ctx context.Context, input string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, g.def.ExecutionTimeout())
	defer cancel()

	handles := make(map[string]core.AgentHandle, len(g.nodes))
	for _, node := range g.nodes {
		node := node
		handle, err := g.resolver.Resolve(runCtx, node.ReferenceID, func(o *core.ResolveOptions) {
			o.DisplayName = node.DisplayName
		})
		if err != nil {
			return nil, &core.InvocationError{NodeID: node.ID, Err: err}
		}
		handles[node.ID] = handle
	}

	res := &Result{Topology: core.TopologyGraph}
	start := time.Now()
	nodeTimeout := g.def.NodeTimeout()

	outputs := make(map[string]string, len(g.nodes))
	execCount := make(map[string]int, len(g.nodes))
	var mu sync.Mutex

	wave := g.startNodes()
	for len(wave) > 0 {
		if err := runCtx.Err(); err != nil {
			return nil, err
		}

		g.sortByDecl(wave)

		inputs := make(map[string]string, len(wave))
		for _, id := range wave {
			inputs[id] = g.nodeInput(id, input, outputs, execCount[id])
		}

		grp, grpCtx := errgroup.WithContext(runCtx)
		for _, id := range wave {
			id := id
			grp.Go(func() error {
				reply, err := invokeNode(grpCtx, handles[id], id, inputs[id], nodeTimeout)
				if err != nil {
					return err
				}
				mu.Lock()
				outputs[id] = reply.Text
				mu.Unlock()
				return nil
			})
		}
		if err := grp.Wait(); err != nil {
			if runCtx.Err() != nil && ctx.Err() == nil {
				return nil, context.DeadlineExceeded
			}
			return nil, err
		}

		for _, id := range wave {
			execCount[id]++
			res.Order = append(res.Order, id)
			res.Outcomes = append(res.Outcomes, Outcome{
				NodeID:    id,
				Text:      outputs[id],
				Status:    NodeCompleted,
				Marker:    time.Since(start),
				DeclIndex: g.def.DeclIndex(id),
			})
		}
		g.logger.Debug("graph wave done: %v", wave)

		wave = g.nextWave(wave, execCount)
	}

	results := make(map[string]any, len(outputs))
	for id, text := range outputs {
		results[id] = text
	}
	res.Summary = map[string]any{
		"type":            string(core.TopologyGraph),
		"agents_count":    len(g.nodes),
		"edges_count":     len(g.def.Edges),
		"entry_point":     g.def.EntryPoint,
		"execution_order": append([]string(nil), res.Order...),
		"results":         results,
	}
	return res, nil
}

// nodeInput computes what a node receives on this run.
func (g *Graph) nodeInput(id, original string, outputs map[string]string, ran int) string {
	if ran > 0 && g.def.ResetOnRevisit {
		return original
	}
	preds := g.preds[id]
	if len(preds) == 0 {
		return original
	}

	parts := make([]string, 0, len(preds))
	for _, pred := range g.declOrdered(preds) {
		if out, ok := outputs[pred]; ok {
			parts = append(parts, out)
		}
	}
	if len(parts) == 0 {
		return original
	}
	return strings.Join(parts, "\n\n")
}

// nextWave collects successors of the finished wave that are now eligible:
// every dependency has run at least once and the node is still under its
// execution cap.
func (g *Graph) nextWave(finished []string, execCount map[string]int) []string {
	candidates := make(map[string]bool)
	for _, id := range finished {
		for _, succ := range g.succs[id] {
			if execCount[succ] >= g.maxPerNode {
				continue
			}
			ready := true
			for _, pred := range g.preds[succ] {
				if execCount[pred] == 0 {
					ready = false
					break
				}
			}
			if ready {
				candidates[succ] = true
			}
		}
	}

	wave := make([]string, 0, len(candidates))
	for id := range candidates {
		wave = append(wave, id)
	}
	g.sortByDecl(wave)
	return wave
}

func (g *Graph) sortByDecl(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return g.def.DeclIndex(ids[i]) < g.def.DeclIndex(ids[j])
	})
}

func (g *Graph) declOrdered(ids []string) []string {
	ordered := append([]string(nil), ids...)
	g.sortByDecl(ordered)
	return ordered
}
