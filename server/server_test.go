package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlab/loom/core"
	"github.com/loomlab/loom/internal/testutil"
	"github.com/loomlab/loom/store"
	"github.com/loomlab/loom/supervisor"
)

func newTestServer(t *testing.T, resolver core.AgentResolver) *httptest.Server {
	t.Helper()
	defs := store.NewInMemoryDefinitionStore()
	sup := supervisor.New(resolver, func(o *supervisor.Options) {
		o.DefinitionStore = defs
	})
	ts := httptest.NewServer(New(sup, defs).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, owner string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set("X-User-ID", owner)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func workflowBody() map[string]any {
	return map[string]any{
		"name":     "research-then-write",
		"topology": "workflow",
		"nodes": []map[string]any{
			{"id": "writer", "kind": "agent", "referenceId": "agent-writer"},
			{"id": "researcher", "kind": "agent", "referenceId": "agent-researcher"},
		},
		"taskPriorities": map[string]int{"researcher": 5, "writer": 1},
	}
}

func TestServerRequiresOwner(t *testing.T) {
	ts := newTestServer(t, testutil.NewResolver())

	resp, err := http.Get(ts.URL + "/api/orchestrations")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServerHealthz(t *testing.T) {
	ts := newTestServer(t, testutil.NewResolver())

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerDefinitionCRUD(t *testing.T) {
	ts := newTestServer(t, testutil.NewResolver())

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/orchestrations", "alice", workflowBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[core.Definition](t, resp)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "alice", created.Owner)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/orchestrations/"+created.ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[core.Definition](t, resp)
	assert.Equal(t, "research-then-write", got.Name)

	// Owner scoping.
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/orchestrations/"+created.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/orchestrations", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]core.Definition](t, resp)
	assert.Len(t, list, 1)

	update := workflowBody()
	update["name"] = "renamed"
	resp = doJSON(t, http.MethodPut, ts.URL+"/api/orchestrations/"+created.ID, "alice", update)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[core.Definition](t, resp)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, created.ID, updated.ID)

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/orchestrations/"+created.ID, "alice", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/orchestrations/"+created.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestServerRejectsInvalidDefinition(t *testing.T) {
	ts := newTestServer(t, testutil.NewResolver())

	body := workflowBody()
	body["topology"] = "pipeline"
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/orchestrations", "alice", body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerExecutionLifecycle(t *testing.T) {
	resolver := testutil.NewResolver()
	resolver.Script("agent-researcher", "researcher", testutil.Reply{Text: "findings"})
	resolver.Script("agent-writer", "writer", testutil.Reply{Text: "final article"})
	ts := newTestServer(t, resolver)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/orchestrations", "alice", workflowBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	def := decode[core.Definition](t, resp)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/orchestrations/"+def.ID+"/executions", "alice",
		map[string]string{"message": "write about Go"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	exec := decode[core.Execution](t, resp)
	require.NotEmpty(t, exec.ID)

	final := waitForTerminal(t, ts.URL, exec.ID, "alice")
	assert.Equal(t, core.StatusCompleted, final.Status)
	assert.NotEmpty(t, final.Results)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/executions/"+exec.ID+"/transcript", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]core.TranscriptEntry](t, resp)
	require.Len(t, entries, 2)
	assert.Equal(t, "findings", entries[0].Text)
	assert.Equal(t, "final article", entries[1].Text)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/executions?orchestrationId="+def.ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]core.Execution](t, resp)
	assert.Len(t, list, 1)
}

func TestServerStartExecutionUnknownDefinition(t *testing.T) {
	ts := newTestServer(t, testutil.NewResolver())

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/orchestrations/missing/executions", "alice",
		map[string]string{"message": "go"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerStartExecutionRequiresMessage(t *testing.T) {
	ts := newTestServer(t, testutil.NewResolver())

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/orchestrations/some-id/executions", "alice",
		map[string]string{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerStopExecution(t *testing.T) {
	resolver := testutil.NewResolver()
	resolver.Script("agent-researcher", "researcher", testutil.Reply{Text: "slow", Delay: 5 * time.Second})
	resolver.Script("agent-writer", "writer", testutil.Reply{Text: "unused"})
	ts := newTestServer(t, resolver)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/orchestrations", "alice", workflowBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	def := decode[core.Definition](t, resp)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/orchestrations/"+def.ID+"/executions", "alice",
		map[string]string{"message": "go"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	exec := decode[core.Execution](t, resp)

	waitForRunning(t, ts.URL, exec.ID, "alice")

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/executions/"+exec.ID+"/stop", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stopped := decode[map[string]bool](t, resp)
	assert.True(t, stopped["stopped"])

	final := waitForTerminal(t, ts.URL, exec.ID, "alice")
	assert.Equal(t, core.StatusFailed, final.Status)
	assert.Equal(t, "Execution stopped by user", final.ErrorMessage)
}

func waitForRunning(t *testing.T, baseURL, executionID, owner string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		resp := doJSON(t, http.MethodGet, baseURL+"/api/executions/"+executionID, owner, nil)
		exec := decode[core.Execution](t, resp)
		if exec.Status == core.StatusRunning {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("execution %s never started running", executionID)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitForTerminal(t *testing.T, baseURL, executionID, owner string) core.Execution {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		resp := doJSON(t, http.MethodGet, baseURL+"/api/executions/"+executionID, owner, nil)
		exec := decode[core.Execution](t, resp)
		if exec.Status.Terminal() {
			return exec
		}
		select {
		case <-deadline:
			t.Fatalf("execution %s never reached a terminal state (last %s)", executionID, exec.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
