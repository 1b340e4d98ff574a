package core

import "time"

// Status is the lifecycle state of an execution record.
type Status string

const (
	// StatusPending means the record exists but the run has not started.
	StatusPending Status = "pending"
	// StatusRunning means the supervisor has started the background task.
	StatusRunning Status = "running"
	// StatusCompleted is the successful terminal state.
	StatusCompleted Status = "completed"
	// StatusFailed is the unsuccessful terminal state. User-initiated stops
	// are recorded as failed with a fixed error message; there is no
	// distinct cancelled state.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is one of the two terminal states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Execution is the mutable record of one run of a definition against an
// input message. The supervisor is the sole writer of Status after
// creation; once a terminal state is written the record is never mutated
// again.
type Execution struct {
	ID              string         `json:"id"`
	OrchestrationID string         `json:"orchestrationId"`
	Owner           string         `json:"owner"`
	Status          Status         `json:"status"`
	StartTime       time.Time      `json:"startTime"`
	EndTime         *time.Time     `json:"endTime,omitempty"`
	InputMessage    string         `json:"inputMessage"`
	Results         map[string]any `json:"results,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
}

// Clone returns a deep copy safe for independent mutation.
func (e *Execution) Clone() *Execution {
	clone := *e
	if e.EndTime != nil {
		t := *e.EndTime
		clone.EndTime = &t
	}
	if e.Results != nil {
		clone.Results = make(map[string]any, len(e.Results))
		for k, v := range e.Results {
			clone.Results[k] = v
		}
	}
	return &clone
}

// TranscriptEntry is one persisted node output message of an execution.
// Seq is 1-based and monotonic within an execution; it is assigned by the
// supervisor after normalization, immediately before the append.
type TranscriptEntry struct {
	ExecutionID string    `json:"executionId"`
	Seq         int       `json:"seq"`
	NodeID      string    `json:"nodeId"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"createdAt"`
}
