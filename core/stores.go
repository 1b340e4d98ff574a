package core

import "context"

// DefinitionStore persists orchestration definitions keyed by (owner, id).
// Reads for a missing or foreign-owned key return ErrNotFound.
type DefinitionStore interface {
	Put(ctx context.Context, def *Definition) error
	Get(ctx context.Context, owner, id string) (*Definition, error)
	List(ctx context.Context, owner string) ([]*Definition, error)
	Delete(ctx context.Context, owner, id string) error
}

// ExecutionStore persists execution records keyed by (owner, id). The
// engine performs single-key writes only; last write wins is acceptable
// because the supervisor is the sole status writer per execution id.
type ExecutionStore interface {
	Put(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, owner, id string) (*Execution, error)
	// Query returns the owner's executions, optionally filtered by
	// orchestration id (empty string means all), newest first by StartTime.
	Query(ctx context.Context, owner, orchestrationID string) ([]*Execution, error)
}

// TranscriptStore is the append-only ordered message log per execution.
// The engine only appends; List serves read-side callers such as the HTTP
// layer.
type TranscriptStore interface {
	AppendAll(ctx context.Context, executionID string, entries []TranscriptEntry) error
	List(ctx context.Context, executionID string) ([]TranscriptEntry, error)
}
