// Package supervisor implements the execution lifecycle manager: it
// creates execution records, runs the matching topology executor as a
// supervised background task, races it against a user cancellation
// signal, guarantees exactly-once status finalization and registry
// cleanup, and exposes the stop/query operations.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomlab/loom/core"
	"github.com/loomlab/loom/logging"
	"github.com/loomlab/loom/store"
	"github.com/loomlab/loom/topology"
	"github.com/loomlab/loom/transcript"
)

// Fixed terminal messages distinguishing user-initiated stops from
// organic failures in audit logs.
const (
	msgCancelled = "Execution cancelled by user"
	msgStopped   = "Execution stopped by user"
)

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// DefinitionStore resolves orchestration definitions.
	DefinitionStore core.DefinitionStore
	// ExecutionStore persists execution records.
	ExecutionStore core.ExecutionStore
	// TranscriptStore persists normalized node outputs.
	TranscriptStore core.TranscriptStore
	// Logger for lifecycle diagnostics.
	Logger logging.Logger
	// Metrics collector; nil disables metrics.
	Metrics *Metrics
}

// activeRun tracks one live background task. An execution id is present
// in the registry if and only if its task is currently runnable.
type activeRun struct {
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
}

func (a *activeRun) requestStop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.cancel()
}

// Supervisor owns execution records for the duration of their runs. It is
// the sole writer of execution status after creation; public methods are
// safe for concurrent use.
type Supervisor struct {
	resolver core.AgentResolver

	definitions core.DefinitionStore
	executions  core.ExecutionStore
	transcripts core.TranscriptStore
	logger      logging.Logger
	metrics     *Metrics

	mu     sync.Mutex
	active map[string]*activeRun
}

// New constructs a Supervisor with optional overrides. Unset stores
// default to in-memory implementations.
func New(resolver core.AgentResolver, optFns ...func(o *Options)) *Supervisor {
	opts := Options{
		DefinitionStore: store.NewInMemoryDefinitionStore(),
		ExecutionStore:  store.NewInMemoryExecutionStore(),
		TranscriptStore: store.NewInMemoryTranscriptStore(),
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Supervisor{
		resolver:    resolver,
		definitions: opts.DefinitionStore,
		executions:  opts.ExecutionStore,
		transcripts: opts.TranscriptStore,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		active:      make(map[string]*activeRun),
	}
}

// CreateExecution validates ownership of the definition and writes a
// pending execution record. It does not start the run.
func (s *Supervisor) CreateExecution(ctx context.Context, definitionID, inputMessage, owner string) (*core.Execution, error) {
	def, err := s.definitions.Get(ctx, owner, definitionID)
	if err != nil {
		return nil, err
	}
	return s.createForDefinition(ctx, def, inputMessage)
}

// createForDefinition writes the pending record for an already-resolved
// definition, so the create-and-run path reads the definition only once.
func (s *Supervisor) createForDefinition(ctx context.Context, def *core.Definition, inputMessage string) (*core.Execution, error) {
	exec := &core.Execution{
		ID:              core.NewID(),
		OrchestrationID: def.ID,
		Owner:           def.Owner,
		Status:          core.StatusPending,
		StartTime:       time.Now(),
		InputMessage:    inputMessage,
	}
	if err := s.executions.Put(ctx, exec); err != nil {
		return nil, fmt.Errorf("persist execution: %w", err)
	}
	return exec, nil
}

// StartExecution creates a pending execution and launches its run as a
// background goroutine, returning immediately. This is the
// create-and-run path used by the HTTP layer.
func (s *Supervisor) StartExecution(ctx context.Context, definitionID, inputMessage, owner string) (*core.Execution, error) {
	def, err := s.definitions.Get(ctx, owner, definitionID)
	if err != nil {
		return nil, err
	}
	exec, err := s.createForDefinition(ctx, def, inputMessage)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := s.Run(context.Background(), exec, def); err != nil {
			s.logger.Warn("execution %s did not start cleanly: %v", exec.ID, err)
		}
	}()
	return exec, nil
}

// Run is the supervised entry point. It must be invoked exactly once per
// created execution. The execution executor is started as a background
// task registered for cancellation; whichever of task completion and the
// stop signal fires first decides the terminal state, with simultaneous
// readiness resolved in favor of the cancellation. The registry entry is
// removed exactly once on every path.
//
// Setup problems (a malformed definition) are reported synchronously and
// mark the record failed rather than leaving it pending; failures inside
// the executor never propagate to the caller, they become the record's
// errorMessage. A record stopped while still pending stays terminal: the
// run is discarded without ever transitioning to running.
func (s *Supervisor) Run(ctx context.Context, exec *core.Execution, def *core.Definition) error {
	executor, err := topology.ForDefinition(def, s.resolver, func(o *topology.Options) {
		o.Logger = s.logger
	})
	if err != nil {
		if ferr := s.finalize(ctx, exec, core.StatusFailed, err.Error(), nil); ferr != nil {
			s.logger.Error("%v", ferr)
		}
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{cancel: cancel, stopCh: make(chan struct{})}

	s.mu.Lock()
	if _, exists := s.active[exec.ID]; exists {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("execution %s is already running", exec.ID)
	}
	s.active[exec.ID] = run
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.active, exec.ID)
		s.mu.Unlock()
	}()

	// A stop that landed before the run started leaves the record terminal;
	// the run is discarded rather than resurrected. A stop landing after
	// this read signals the registry entry and is caught by the race below.
	if current, err := s.executions.Get(ctx, exec.Owner, exec.ID); err == nil && current.Status.Terminal() {
		if s.metrics != nil {
			s.metrics.stopped.Inc()
		}
		s.logger.Info("execution %s stopped before start", exec.ID)
		return nil
	}

	exec.Status = core.StatusRunning
	if err := s.executions.Put(ctx, exec); err != nil {
		if ferr := s.finalize(ctx, exec, core.StatusFailed, err.Error(), nil); ferr != nil {
			s.logger.Error("%v", ferr)
		}
		return fmt.Errorf("mark running: %w", err)
	}
	if s.metrics != nil {
		s.metrics.started.Inc()
	}
	s.logger.Info("execution %s started (%s topology)", exec.ID, def.Topology)

	type outcome struct {
		result *topology.Result
		err    error
	}
	resultCh := make(chan outcome, 1)
	started := time.Now()
	go func() {
		res, err := executor.Execute(runCtx, exec.InputMessage)
		resultCh <- outcome{result: res, err: err}
	}()

	var out outcome
	cancelled := false
	select {
	case <-run.stopCh:
		cancelled = true
		cancel()
		// Await the task's teardown so no goroutine outlives the registry
		// entry.
		<-resultCh
	case out = <-resultCh:
		// Both may be ready at once; a simultaneous stop wins.
		select {
		case <-run.stopCh:
			cancelled = true
		default:
		}
	}

	var ferr error
	switch {
	case cancelled:
		ferr = s.finalize(ctx, exec, core.StatusFailed, msgCancelled, nil)
		if s.metrics != nil {
			s.metrics.stopped.Inc()
		}
		s.logger.Info("execution %s cancelled", exec.ID)

	case out.err != nil:
		ferr = s.finalize(ctx, exec, core.StatusFailed, errorMessage(out.err), nil)
		if s.metrics != nil {
			s.metrics.failed.Inc()
		}
		s.logger.Warn("execution %s failed: %v", exec.ID, out.err)

	default:
		s.persistTranscript(ctx, exec.ID, out.result)
		ferr = s.finalize(ctx, exec, core.StatusCompleted, "", out.result.Summary)
		if s.metrics != nil {
			s.metrics.completed.Inc()
			s.metrics.duration.Observe(time.Since(started).Seconds())
		}
		s.logger.Info("execution %s completed", exec.ID)
	}
	if ferr != nil {
		s.logger.Error("%v", ferr)
	}

	return nil
}

// Stop requests cancellation of a live run and forces a terminal status
// on the stored record. It is idempotent: missing registry entries are a
// no-op on the signal, and the status write still runs to self-heal
// records left running by a crash. Records already in a terminal state
// are not touched. It returns true only once the record is terminal; a
// failed status write surfaces as an error.
func (s *Supervisor) Stop(ctx context.Context, executionID, owner string) (bool, error) {
	exec, err := s.executions.Get(ctx, owner, executionID)
	if err != nil {
		return false, err
	}

	// The terminal write lands before the signal so the run-side finalize
	// always observes it and leaves the fixed stop message in place.
	if !exec.Status.Terminal() {
		if err := s.finalize(ctx, exec, core.StatusFailed, msgStopped, nil); err != nil {
			return false, err
		}
	}

	s.mu.Lock()
	run, live := s.active[executionID]
	s.mu.Unlock()
	if live {
		run.requestStop()
		s.logger.Info("stop requested for execution %s", executionID)
	}

	return true, nil
}

// Get returns the execution record visible to owner.
func (s *Supervisor) Get(ctx context.Context, executionID, owner string) (*core.Execution, error) {
	return s.executions.Get(ctx, owner, executionID)
}

// List returns the owner's executions newest first, optionally filtered
// by definition id.
func (s *Supervisor) List(ctx context.Context, owner, definitionID string) ([]*core.Execution, error) {
	return s.executions.Query(ctx, owner, definitionID)
}

// Transcript returns the persisted transcript of an execution the owner
// can see.
func (s *Supervisor) Transcript(ctx context.Context, executionID, owner string) ([]core.TranscriptEntry, error) {
	if _, err := s.executions.Get(ctx, owner, executionID); err != nil {
		return nil, err
	}
	return s.transcripts.List(ctx, executionID)
}

// ActiveCount reports the number of live background tasks.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// finalize writes a terminal state exactly once: if another writer (a
// concurrent Stop) already terminal-ized the record, the write is
// skipped so terminal states never change. A failed write is reported to
// the caller.
func (s *Supervisor) finalize(ctx context.Context, exec *core.Execution, status core.Status, errMsg string, results map[string]any) error {
	if current, err := s.executions.Get(ctx, exec.Owner, exec.ID); err == nil && current.Status.Terminal() {
		return nil
	}

	now := time.Now()
	exec.Status = status
	exec.EndTime = &now
	exec.ErrorMessage = errMsg
	if results != nil {
		exec.Results = results
	}
	if err := s.executions.Put(ctx, exec); err != nil {
		return fmt.Errorf("finalize execution %s: %w", exec.ID, err)
	}
	return nil
}

// persistTranscript normalizes the topology result into ordered entries
// and appends them. Transcript problems are logged, not fatal: the run
// itself succeeded.
func (s *Supervisor) persistTranscript(ctx context.Context, executionID string, res *topology.Result) {
	entries := transcript.Number(executionID, transcript.Normalize(res))
	if len(entries) == 0 {
		return
	}
	if err := s.transcripts.AppendAll(ctx, executionID, entries); err != nil {
		s.logger.Error("persist transcript for %s: %v", executionID, err)
	}
}

// errorMessage maps internal failures onto the stored message.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "Execution timed out"
	case errors.Is(err, context.Canceled):
		return msgCancelled
	default:
		return err.Error()
	}
}
