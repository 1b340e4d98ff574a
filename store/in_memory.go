// Package store provides volatile in-memory implementations of the
// definition, execution and transcript stores. They are safe for
// concurrent access and best suited for tests or ephemeral demo servers;
// durable deployments use the sqlite subpackage. Returned records are
// cloned to prevent external mutation of internal state.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/loomlab/loom/core"
)

type ownerKey struct {
	owner string
	id    string
}

// InMemoryDefinitionStore keeps definitions in a process local map.
type InMemoryDefinitionStore struct {
	mu   sync.RWMutex
	defs map[ownerKey]*core.Definition
}

// NewInMemoryDefinitionStore constructs an empty in-memory definition store.
func NewInMemoryDefinitionStore() *InMemoryDefinitionStore {
	return &InMemoryDefinitionStore{defs: make(map[ownerKey]*core.Definition)}
}

// Put stores a copy of the definition keyed by (owner, id).
func (s *InMemoryDefinitionStore) Put(_ context.Context, def *core.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *def
	s.defs[ownerKey{def.Owner, def.ID}] = &clone
	return nil
}

// Get returns the definition or core.ErrNotFound.
func (s *InMemoryDefinitionStore) Get(_ context.Context, owner, id string) (*core.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[ownerKey{owner, id}]
	if !ok {
		return nil, core.ErrNotFound
	}
	clone := *def
	return &clone, nil
}

// List returns the owner's definitions, newest first by CreatedAt.
func (s *InMemoryDefinitionStore) List(_ context.Context, owner string) ([]*core.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var defs []*core.Definition
	for key, def := range s.defs {
		if key.owner == owner {
			clone := *def
			defs = append(defs, &clone)
		}
	}
	sort.SliceStable(defs, func(i, j int) bool {
		return defs[i].CreatedAt.After(defs[j].CreatedAt)
	})
	return defs, nil
}

// Delete removes the definition. Deleting an absent key is a no-op.
func (s *InMemoryDefinitionStore) Delete(_ context.Context, owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, ownerKey{owner, id})
	return nil
}

// InMemoryExecutionStore keeps execution records in a process local map.
type InMemoryExecutionStore struct {
	mu    sync.RWMutex
	execs map[ownerKey]*core.Execution
}

// NewInMemoryExecutionStore constructs an empty in-memory execution store.
func NewInMemoryExecutionStore() *InMemoryExecutionStore {
	return &InMemoryExecutionStore{execs: make(map[ownerKey]*core.Execution)}
}

// Put stores a clone of the execution record keyed by (owner, id).
func (s *InMemoryExecutionStore) Put(_ context.Context, exec *core.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[ownerKey{exec.Owner, exec.ID}] = exec.Clone()
	return nil
}

// Get returns a clone of the execution or core.ErrNotFound.
func (s *InMemoryExecutionStore) Get(_ context.Context, owner, id string) (*core.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[ownerKey{owner, id}]
	if !ok {
		return nil, core.ErrNotFound
	}
	return exec.Clone(), nil
}

// Query returns the owner's executions, optionally filtered by
// orchestration id, newest first by StartTime.
func (s *InMemoryExecutionStore) Query(_ context.Context, owner, orchestrationID string) ([]*core.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var execs []*core.Execution
	for key, exec := range s.execs {
		if key.owner != owner {
			continue
		}
		if orchestrationID != "" && exec.OrchestrationID != orchestrationID {
			continue
		}
		execs = append(execs, exec.Clone())
	}
	sort.SliceStable(execs, func(i, j int) bool {
		return execs[i].StartTime.After(execs[j].StartTime)
	})
	return execs, nil
}

// InMemoryTranscriptStore keeps per-execution transcripts in a process
// local map, append-only.
type InMemoryTranscriptStore struct {
	mu      sync.RWMutex
	entries map[string][]core.TranscriptEntry
}

// NewInMemoryTranscriptStore constructs an empty in-memory transcript store.
func NewInMemoryTranscriptStore() *InMemoryTranscriptStore {
	return &InMemoryTranscriptStore{entries: make(map[string][]core.TranscriptEntry)}
}

// AppendAll appends the entries to the execution's transcript.
func (s *InMemoryTranscriptStore) AppendAll(_ context.Context, executionID string, entries []core.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[executionID] = append(s.entries[executionID], entries...)
	return nil
}

// List returns a copy of the execution's transcript in append order.
func (s *InMemoryTranscriptStore) List(_ context.Context, executionID string) ([]core.TranscriptEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.TranscriptEntry(nil), s.entries[executionID]...), nil
}
