// Package loom provides a high-level façade over the orchestration
// engine for embedding it without the HTTP layer. Most applications:
//  1. Create a Loom via New() with an agent resolver (optionally
//     overriding the default in-memory stores)
//  2. Save orchestration definitions (swarm, graph, workflow,
//     agents-as-tools)
//  3. Execute them synchronously (Execute) or in the background (Start)
//
// The façade delegates lifecycle management to supervisor.Supervisor
// while keeping setup concise. Defaults are safe for local development
// and testing; production deployments typically supply the sqlite stores
// and a structured logger.
package loom

import (
	"context"
	"time"

	"github.com/loomlab/loom/core"
	"github.com/loomlab/loom/logging"
	"github.com/loomlab/loom/store"
	"github.com/loomlab/loom/supervisor"
)

// Options configures the Loom instance.
type Options struct {
	DefinitionStore core.DefinitionStore
	ExecutionStore  core.ExecutionStore
	TranscriptStore core.TranscriptStore
	Logger          logging.Logger
}

// Loom bundles the supervisor with its definition store.
type Loom struct {
	supervisor  *supervisor.Supervisor
	definitions core.DefinitionStore
}

// New creates a Loom with in-memory defaults.
func New(resolver core.AgentResolver, optFns ...func(o *Options)) *Loom {
	opts := Options{
		DefinitionStore: store.NewInMemoryDefinitionStore(),
		ExecutionStore:  store.NewInMemoryExecutionStore(),
		TranscriptStore: store.NewInMemoryTranscriptStore(),
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	sup := supervisor.New(resolver, func(o *supervisor.Options) {
		o.DefinitionStore = opts.DefinitionStore
		o.ExecutionStore = opts.ExecutionStore
		o.TranscriptStore = opts.TranscriptStore
		o.Logger = opts.Logger
	})
	return &Loom{supervisor: sup, definitions: opts.DefinitionStore}
}

// Supervisor exposes the underlying lifecycle manager, e.g. for wiring
// the HTTP server.
func (l *Loom) Supervisor() *supervisor.Supervisor { return l.supervisor }

// SaveDefinition validates and stores an orchestration definition,
// assigning an id when absent.
func (l *Loom) SaveDefinition(ctx context.Context, def *core.Definition) error {
	if def.ID == "" {
		def.ID = core.NewID()
	}
	now := time.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	if err := def.Validate(); err != nil {
		return err
	}
	return l.definitions.Put(ctx, def)
}

// Execute runs a definition to completion and returns the final record.
func (l *Loom) Execute(ctx context.Context, owner, definitionID, message string) (*core.Execution, error) {
	def, err := l.definitions.Get(ctx, owner, definitionID)
	if err != nil {
		return nil, err
	}
	exec, err := l.supervisor.CreateExecution(ctx, definitionID, message, owner)
	if err != nil {
		return nil, err
	}
	if err := l.supervisor.Run(ctx, exec, def); err != nil {
		return nil, err
	}
	return l.supervisor.Get(ctx, exec.ID, owner)
}

// Start launches a run in the background, returning the pending record.
func (l *Loom) Start(ctx context.Context, owner, definitionID, message string) (*core.Execution, error) {
	return l.supervisor.StartExecution(ctx, definitionID, message, owner)
}

// Stop requests cancellation of a running execution.
func (l *Loom) Stop(ctx context.Context, owner, executionID string) (bool, error) {
	return l.supervisor.Stop(ctx, executionID, owner)
}

// Execution returns the stored execution record.
func (l *Loom) Execution(ctx context.Context, owner, executionID string) (*core.Execution, error) {
	return l.supervisor.Get(ctx, executionID, owner)
}

// Transcript returns the ordered transcript of a finished execution.
func (l *Loom) Transcript(ctx context.Context, owner, executionID string) ([]core.TranscriptEntry, error) {
	return l.supervisor.Transcript(ctx, executionID, owner)
}
