package topology

import (
	"context"
	"sort"
	"time"

	"github.com/loomlab/loom/core"
	"github.com/loomlab/loom/logging"
)

// Workflow executes agent nodes strictly sequentially. Run order is task
// priority descending (unset priority counts as 0) with declaration order
// breaking ties; each node receives the previous node's text output.
//
// A node failure marks that node failed, stops the pipeline and returns
// the partial result set without an error: callers must inspect per-node
// status to detect partial failure. This asymmetry with the other
// topologies is deliberate, inherited behavior.
type Workflow struct {
	def      *core.Definition
	resolver core.AgentResolver
	logger   logging.Logger
	nodes    []core.Node
}

func newWorkflow(def *core.Definition, resolver core.AgentResolver, opts Options) (*Workflow, error) {
	nodes := def.AgentNodes()
	if len(nodes) == 0 {
		return nil, &core.ValidationError{Field: "nodes", Message: "workflow has no agent nodes"}
	}

	ordered := append([]core.Node(nil), nodes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return def.TaskPriorities[ordered[i].ID] > def.TaskPriorities[ordered[j].ID]
	})

	return &Workflow{def: def, resolver: resolver, logger: opts.Logger, nodes: ordered}, nil
}

// Execute chains the nodes in priority order. The whole-run timeout bounds
// the pipeline; the per-node timeout bounds each invocation.
func (w *Workflow) Execute(ctx context.Context, input string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, w.def.ExecutionTimeout())
	defer cancel()

	res := &Result{Topology: core.TopologyWorkflow}
	start := time.Now()
	nodeTimeout := w.def.NodeTimeout()
	nodeResults := make(map[string]any, len(w.nodes))

	current := input
	for _, node := range w.nodes {
		if err := runCtx.Err(); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, context.DeadlineExceeded
		}

		node := node
		handle, err := w.resolver.Resolve(runCtx, node.ReferenceID, func(o *core.ResolveOptions) {
			o.DisplayName = node.DisplayName
		})
		if err == nil {
			var reply *core.Reply
			reply, err = invokeNode(runCtx, handle, node.ID, current, nodeTimeout)
			if err == nil {
				marker := time.Since(start)
				res.Outcomes = append(res.Outcomes, Outcome{
					NodeID:    node.ID,
					Text:      reply.Text,
					Status:    NodeCompleted,
					Marker:    marker,
					DeclIndex: w.def.DeclIndex(node.ID),
				})
				res.Order = append(res.Order, node.ID)
				nodeResults[node.ID] = map[string]any{
					"result":         reply.Text,
					"execution_time": marker.Seconds(),
					"status":         string(NodeCompleted),
				}
				current = reply.Text
				continue
			}
		}

		// A cancelled or timed-out run propagates; a node-local failure is
		// recorded and stops the pipeline without failing the run.
		if runCtx.Err() != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, context.DeadlineExceeded
		}

		w.logger.Warn("workflow node %s failed: %v", node.ID, err)
		marker := time.Since(start)
		res.Outcomes = append(res.Outcomes, Outcome{
			NodeID:    node.ID,
			Text:      "Error: " + err.Error(),
			Status:    NodeFailed,
			Marker:    marker,
			DeclIndex: w.def.DeclIndex(node.ID),
		})
		res.Order = append(res.Order, node.ID)
		nodeResults[node.ID] = map[string]any{
			"result":         "Error: " + err.Error(),
			"execution_time": marker.Seconds(),
			"status":         string(NodeFailed),
		}
		break
	}

	res.Summary = map[string]any{
		"type":            string(core.TopologyWorkflow),
		"agents_count":    len(w.nodes),
		"execution_order": append([]string(nil), res.Order...),
		"results":         nodeResults,
	}
	return res, nil
}
