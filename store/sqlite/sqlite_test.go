package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlab/loom/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteDefinitions_RoundTrip(t *testing.T) {
	ctx := context.Background()
	defs := openTestStore(t).Definitions()

	def := &core.Definition{
		ID:       "d1",
		Owner:    "u1",
		Name:     "pipeline",
		Topology: core.TopologyGraph,
		Nodes: []core.Node{
			{ID: "a", Kind: core.NodeKindAgent, ReferenceID: "ref-a"},
		},
		Edges:     []core.Edge{},
		CreatedAt: time.Now(),
	}
	require.NoError(t, defs.Put(ctx, def))

	got, err := defs.Get(ctx, "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, core.TopologyGraph, got.Topology)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, "ref-a", got.Nodes[0].ReferenceID)

	_, err = defs.Get(ctx, "u2", "d1")
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, defs.Delete(ctx, "u1", "d1"))
	_, err = defs.Get(ctx, "u1", "d1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSQLiteDefinitions_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	defs := openTestStore(t).Definitions()

	base := time.Now()
	for i, id := range []string{"d1", "d2"} {
		require.NoError(t, defs.Put(ctx, &core.Definition{
			ID: id, Owner: "u1", Topology: core.TopologyWorkflow,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	list, err := defs.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "d2", list[0].ID)
}

func TestSQLiteExecutions_PutUpdatesStatus(t *testing.T) {
	ctx := context.Background()
	execs := openTestStore(t).Executions()

	exec := &core.Execution{
		ID:              "e1",
		OrchestrationID: "d1",
		Owner:           "u1",
		Status:          core.StatusPending,
		StartTime:       time.Now(),
		InputMessage:    "hello",
	}
	require.NoError(t, execs.Put(ctx, exec))

	exec.Status = core.StatusRunning
	require.NoError(t, execs.Put(ctx, exec))

	got, err := execs.Get(ctx, "u1", "e1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, got.Status)
	assert.Equal(t, "hello", got.InputMessage)
}

func TestSQLiteExecutions_QueryFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	execs := openTestStore(t).Executions()

	base := time.Now()
	require.NoError(t, execs.Put(ctx, &core.Execution{
		ID: "e1", OrchestrationID: "d1", Owner: "u1", Status: core.StatusCompleted, StartTime: base,
	}))
	require.NoError(t, execs.Put(ctx, &core.Execution{
		ID: "e2", OrchestrationID: "d1", Owner: "u1", Status: core.StatusFailed, StartTime: base.Add(time.Minute),
	}))
	require.NoError(t, execs.Put(ctx, &core.Execution{
		ID: "e3", OrchestrationID: "d2", Owner: "u1", Status: core.StatusPending, StartTime: base.Add(2 * time.Minute),
	}))

	all, err := execs.Query(ctx, "u1", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e3", all[0].ID)

	filtered, err := execs.Query(ctx, "u1", "d1")
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	assert.Equal(t, "e2", filtered[0].ID)
}

func TestSQLiteTranscripts_AppendAndList(t *testing.T) {
	ctx := context.Background()
	transcripts := openTestStore(t).Transcripts()

	entries := []core.TranscriptEntry{
		{ExecutionID: "e1", Seq: 1, NodeID: "a", Text: "one", CreatedAt: time.Now()},
		{ExecutionID: "e1", Seq: 2, NodeID: "b", Text: "two", CreatedAt: time.Now()},
	}
	require.NoError(t, transcripts.AppendAll(ctx, "e1", entries))

	got, err := transcripts.List(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Text)
	assert.Equal(t, 2, got[1].Seq)

	empty, err := transcripts.List(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)

	assert.NoError(t, transcripts.AppendAll(ctx, "e2", nil))
}
