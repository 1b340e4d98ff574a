package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlab/loom/core"
	"github.com/loomlab/loom/internal/testutil"
	"github.com/loomlab/loom/store"
)

func workflowDef(owner string) *core.Definition {
	return &core.Definition{
		ID:       core.NewID(),
		Owner:    owner,
		Name:     "research-then-write",
		Topology: core.TopologyWorkflow,
		Nodes: []core.Node{
			{ID: "writer", Kind: core.NodeKindAgent, ReferenceID: "agent-writer"},
			{ID: "researcher", Kind: core.NodeKindAgent, ReferenceID: "agent-researcher"},
		},
		TaskPriorities: map[string]int{"researcher": 5, "writer": 1},
	}
}

func newTestSupervisor(t *testing.T, resolver core.AgentResolver) (*Supervisor, core.DefinitionStore) {
	t.Helper()
	defs := store.NewInMemoryDefinitionStore()
	sup := New(resolver, func(o *Options) {
		o.DefinitionStore = defs
	})
	return sup, defs
}

func waitForStatus(t *testing.T, sup *Supervisor, executionID, owner string, want core.Status) *core.Execution {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		exec, err := sup.Get(context.Background(), executionID, owner)
		require.NoError(t, err)
		if exec.Status == want {
			return exec
		}
		select {
		case <-deadline:
			t.Fatalf("execution %s never reached %s (last %s)", executionID, want, exec.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSupervisorCreateExecution(t *testing.T) {
	ctx := context.Background()
	sup, defs := newTestSupervisor(t, testutil.NewResolver())

	_, err := sup.CreateExecution(ctx, "missing", "hi", "alice")
	assert.ErrorIs(t, err, core.ErrNotFound)

	def := workflowDef("alice")
	require.NoError(t, defs.Put(ctx, def))

	exec, err := sup.CreateExecution(ctx, def.ID, "hi", "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, exec.Status)
	assert.Equal(t, def.ID, exec.OrchestrationID)

	stored, err := sup.Get(ctx, exec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, stored.Status)

	// Another owner cannot see the record.
	_, err = sup.Get(ctx, exec.ID, "bob")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSupervisorRunCompletes(t *testing.T) {
	ctx := context.Background()
	resolver := testutil.NewResolver()
	resolver.Script("agent-researcher", "researcher", testutil.Reply{Text: "findings"})
	writer := resolver.Script("agent-writer", "writer", testutil.Reply{Text: "final article"})

	sup, defs := newTestSupervisor(t, resolver)
	def := workflowDef("alice")
	require.NoError(t, defs.Put(ctx, def))

	exec, err := sup.CreateExecution(ctx, def.ID, "write about Go", "alice")
	require.NoError(t, err)
	require.NoError(t, sup.Run(ctx, exec, def))

	stored, err := sup.Get(ctx, exec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, stored.Status)
	require.NotNil(t, stored.EndTime)
	assert.Empty(t, stored.ErrorMessage)
	assert.NotEmpty(t, stored.Results)

	// Priority 5 runs before priority 1, and the writer receives the
	// researcher's output.
	assert.Equal(t, []string{"findings"}, writer.Calls())

	entries, err := sup.Transcript(ctx, exec.ID, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Seq)
	assert.Equal(t, "researcher", entries[0].NodeID)
	assert.Equal(t, "findings", entries[0].Text)
	assert.Equal(t, 2, entries[1].Seq)
	assert.Equal(t, "final article", entries[1].Text)

	assert.Zero(t, sup.ActiveCount())
}

func TestSupervisorRunRecordsNodeFailure(t *testing.T) {
	ctx := context.Background()
	resolver := testutil.NewResolver()
	resolver.Script("agent-researcher", "researcher", testutil.Reply{Err: errors.New("model unavailable")})
	resolver.Script("agent-writer", "writer", testutil.Reply{Text: "unused"})

	sup, defs := newTestSupervisor(t, resolver)
	def := workflowDef("alice")
	require.NoError(t, defs.Put(ctx, def))

	exec, err := sup.CreateExecution(ctx, def.ID, "go", "alice")
	require.NoError(t, err)
	require.NoError(t, sup.Run(ctx, exec, def))

	// A node failure inside a workflow is a partial result, not a run
	// fault: the record completes with the failure captured per node.
	stored, err := sup.Get(ctx, exec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, stored.Status)
	assert.Zero(t, sup.ActiveCount())
}

func TestSupervisorRunFailsOnResolveError(t *testing.T) {
	ctx := context.Background()
	resolver := testutil.NewResolver()
	resolver.FailResolve("agent-researcher", errors.New("unknown agent"))
	resolver.Script("agent-writer", "writer", testutil.Reply{Text: "unused"})

	sup, defs := newTestSupervisor(t, resolver)
	def := workflowDef("alice")
	require.NoError(t, defs.Put(ctx, def))

	exec, err := sup.CreateExecution(ctx, def.ID, "go", "alice")
	require.NoError(t, err)
	require.NoError(t, sup.Run(ctx, exec, def))

	stored, err := sup.Get(ctx, exec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "unknown agent")
	assert.Zero(t, sup.ActiveCount())
}

func TestSupervisorRunValidationFailsFast(t *testing.T) {
	ctx := context.Background()
	sup, defs := newTestSupervisor(t, testutil.NewResolver())

	def := workflowDef("alice")
	def.Topology = "pipeline"
	require.NoError(t, defs.Put(ctx, def))

	exec, err := sup.CreateExecution(ctx, def.ID, "go", "alice")
	require.NoError(t, err)

	err = sup.Run(ctx, exec, def)
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)

	// The record must not be left pending.
	stored, err := sup.Get(ctx, exec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, stored.Status)
}

func TestSupervisorStopMidRun(t *testing.T) {
	ctx := context.Background()
	resolver := testutil.NewResolver()
	resolver.Script("agent-researcher", "researcher", testutil.Reply{Text: "slow", Delay: 5 * time.Second})
	resolver.Script("agent-writer", "writer", testutil.Reply{Text: "unused"})

	sup, defs := newTestSupervisor(t, resolver)
	def := workflowDef("alice")
	require.NoError(t, defs.Put(ctx, def))

	exec, err := sup.StartExecution(ctx, def.ID, "go", "alice")
	require.NoError(t, err)
	waitForStatus(t, sup, exec.ID, "alice", core.StatusRunning)

	ok, err := sup.Stop(ctx, exec.ID, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	stored := waitForStatus(t, sup, exec.ID, "alice", core.StatusFailed)
	assert.Equal(t, "Execution stopped by user", stored.ErrorMessage)
	require.NotNil(t, stored.EndTime)

	// The background task must drain and deregister.
	deadline := time.After(2 * time.Second)
	for sup.ActiveCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("registry entry leaked after stop")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSupervisorStopSelfHealsOrphanedRecord(t *testing.T) {
	ctx := context.Background()
	sup, defs := newTestSupervisor(t, testutil.NewResolver())
	def := workflowDef("alice")
	require.NoError(t, defs.Put(ctx, def))

	// A record left running by a crash has no registry entry.
	exec, err := sup.CreateExecution(ctx, def.ID, "go", "alice")
	require.NoError(t, err)
	exec.Status = core.StatusRunning
	require.NoError(t, sup.executions.Put(ctx, exec))

	ok, err := sup.Stop(ctx, exec.ID, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := sup.Get(ctx, exec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, stored.Status)
	assert.Equal(t, "Execution stopped by user", stored.ErrorMessage)
}

func TestSupervisorStopTerminalRecordIsNoOp(t *testing.T) {
	ctx := context.Background()
	resolver := testutil.NewResolver()
	resolver.Script("agent-researcher", "researcher", testutil.Reply{Text: "a"})
	resolver.Script("agent-writer", "writer", testutil.Reply{Text: "b"})

	sup, defs := newTestSupervisor(t, resolver)
	def := workflowDef("alice")
	require.NoError(t, defs.Put(ctx, def))

	exec, err := sup.CreateExecution(ctx, def.ID, "go", "alice")
	require.NoError(t, err)
	require.NoError(t, sup.Run(ctx, exec, def))

	ok, err := sup.Stop(ctx, exec.ID, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := sup.Get(ctx, exec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, stored.Status)
	assert.Empty(t, stored.ErrorMessage)
}

func TestSupervisorStopWhilePendingDiscardsRun(t *testing.T) {
	ctx := context.Background()
	resolver := testutil.NewResolver()
	resolver.Script("agent-researcher", "researcher", testutil.Reply{Text: "a"})
	writer := resolver.Script("agent-writer", "writer", testutil.Reply{Text: "b"})

	sup, defs := newTestSupervisor(t, resolver)
	def := workflowDef("alice")
	require.NoError(t, defs.Put(ctx, def))

	exec, err := sup.CreateExecution(ctx, def.ID, "go", "alice")
	require.NoError(t, err)

	// The stop lands before the run starts and leaves the record terminal.
	ok, err := sup.Stop(ctx, exec.ID, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, sup.Run(ctx, exec, def))

	stored, err := sup.Get(ctx, exec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, stored.Status)
	assert.Equal(t, "Execution stopped by user", stored.ErrorMessage)
	assert.Empty(t, writer.Calls())
	assert.Zero(t, sup.ActiveCount())
}

func TestSupervisorStopSurfacesWriteFailure(t *testing.T) {
	ctx := context.Background()
	defs := store.NewInMemoryDefinitionStore()
	execs := &failingExecutionStore{ExecutionStore: store.NewInMemoryExecutionStore()}
	sup := New(testutil.NewResolver(), func(o *Options) {
		o.DefinitionStore = defs
		o.ExecutionStore = execs
	})

	def := workflowDef("alice")
	require.NoError(t, defs.Put(ctx, def))

	exec, err := sup.CreateExecution(ctx, def.ID, "go", "alice")
	require.NoError(t, err)
	exec.Status = core.StatusRunning
	require.NoError(t, execs.Put(ctx, exec))

	execs.failPut = true
	ok, err := sup.Stop(ctx, exec.ID, "alice")
	assert.False(t, ok)
	require.ErrorContains(t, err, "backend unavailable")

	// The record was not silently marked terminal.
	execs.failPut = false
	stored, err := sup.Get(ctx, exec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, stored.Status)
}

func TestSupervisorStartExecutionReadsDefinitionOnce(t *testing.T) {
	ctx := context.Background()
	resolver := testutil.NewResolver()
	resolver.Script("agent-researcher", "researcher", testutil.Reply{Text: "a"})
	resolver.Script("agent-writer", "writer", testutil.Reply{Text: "b"})

	defs := &countingDefinitionStore{DefinitionStore: store.NewInMemoryDefinitionStore()}
	sup := New(resolver, func(o *Options) {
		o.DefinitionStore = defs
	})

	def := workflowDef("alice")
	require.NoError(t, defs.Put(ctx, def))

	exec, err := sup.StartExecution(ctx, def.ID, "go", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, defs.gets)

	waitForStatus(t, sup, exec.ID, "alice", core.StatusCompleted)
}

func TestSupervisorStopUnknownExecution(t *testing.T) {
	sup, _ := newTestSupervisor(t, testutil.NewResolver())
	ok, err := sup.Stop(context.Background(), "missing", "alice")
	assert.False(t, ok)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSupervisorStopMidSwarmRun(t *testing.T) {
	ctx := context.Background()
	resolver := testutil.NewResolver()
	resolver.Script("agent-triage", "triage", testutil.Reply{Text: "slow", Delay: 5 * time.Second})
	resolver.Script("agent-specialist", "specialist", testutil.Reply{Text: "unused"})

	sup, defs := newTestSupervisor(t, resolver)
	def := &core.Definition{
		ID:       core.NewID(),
		Owner:    "alice",
		Name:     "support",
		Topology: core.TopologySwarm,
		Nodes: []core.Node{
			{ID: "triage", Kind: core.NodeKindAgent, ReferenceID: "agent-triage"},
			{ID: "specialist", Kind: core.NodeKindAgent, ReferenceID: "agent-specialist"},
		},
		NodeTimeoutSeconds: 300,
	}
	require.NoError(t, defs.Put(ctx, def))

	exec, err := sup.StartExecution(ctx, def.ID, "help", "alice")
	require.NoError(t, err)
	waitForStatus(t, sup, exec.ID, "alice", core.StatusRunning)
	time.Sleep(50 * time.Millisecond)

	_, err = sup.Stop(ctx, exec.ID, "alice")
	require.NoError(t, err)

	stored := waitForStatus(t, sup, exec.ID, "alice", core.StatusFailed)
	assert.Equal(t, "Execution stopped by user", stored.ErrorMessage)
	require.NotNil(t, stored.EndTime)

	deadline := time.After(2 * time.Second)
	for sup.ActiveCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("registry entry leaked after stop")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSupervisorRegistryDrainsAcrossRuns(t *testing.T) {
	ctx := context.Background()
	resolver := testutil.NewResolver()
	resolver.Script("agent-researcher", "researcher", testutil.Reply{Text: "a"})
	resolver.Script("agent-writer", "writer", testutil.Reply{Text: "b"})

	sup, defs := newTestSupervisor(t, resolver)
	def := workflowDef("alice")
	require.NoError(t, defs.Put(ctx, def))

	for i := 0; i < 100; i++ {
		exec, err := sup.CreateExecution(ctx, def.ID, "go", "alice")
		require.NoError(t, err)
		require.NoError(t, sup.Run(ctx, exec, def))
		require.Zero(t, sup.ActiveCount())
	}
}

func TestSupervisorRejectsDuplicateRun(t *testing.T) {
	ctx := context.Background()
	resolver := testutil.NewResolver()
	resolver.Script("agent-researcher", "researcher", testutil.Reply{Text: "slow", Delay: 5 * time.Second})
	resolver.Script("agent-writer", "writer", testutil.Reply{Text: "unused"})

	sup, defs := newTestSupervisor(t, resolver)
	def := workflowDef("alice")
	require.NoError(t, defs.Put(ctx, def))

	exec, err := sup.StartExecution(ctx, def.ID, "go", "alice")
	require.NoError(t, err)
	waitForStatus(t, sup, exec.ID, "alice", core.StatusRunning)

	err = sup.Run(ctx, exec, def)
	assert.ErrorContains(t, err, "already running")

	_, err = sup.Stop(ctx, exec.ID, "alice")
	require.NoError(t, err)
}

// failingExecutionStore forwards to the wrapped store until failPut is set.
type failingExecutionStore struct {
	core.ExecutionStore
	failPut bool
}

func (f *failingExecutionStore) Put(ctx context.Context, exec *core.Execution) error {
	if f.failPut {
		return errors.New("backend unavailable")
	}
	return f.ExecutionStore.Put(ctx, exec)
}

type countingDefinitionStore struct {
	core.DefinitionStore
	gets int
}

func (c *countingDefinitionStore) Get(ctx context.Context, owner, id string) (*core.Definition, error) {
	c.gets++
	return c.DefinitionStore.Get(ctx, owner, id)
}
