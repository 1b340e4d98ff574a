package core

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error taxonomy:
//   - ErrNotFound: definition or execution absent / not owned by the caller.
//   - ValidationError: malformed definition, raised before any run starts.
//   - InvocationError: an Agent Runtime call failed; the failing node is
//     attached for diagnostics.
//   - User stops and deadlines map onto context.Canceled and
//     context.DeadlineExceeded respectively; use errors.Is to classify.

// ErrNotFound marks a missing or not-visible record.
var ErrNotFound = errors.New("not found")

// ValidationError reports a structurally invalid definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid definition: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid definition: %s", e.Message)
}

// InvocationError wraps an Agent Runtime failure with the node it occurred on.
type InvocationError struct {
	NodeID string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// NewID returns a fresh unique identifier for definitions and executions.
func NewID() string { return uuid.NewString() }
