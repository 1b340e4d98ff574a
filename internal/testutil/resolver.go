package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomlab/loom/core"
)

// Reply scripts one invocation of a fake handle.
type Reply struct {
	Text    string
	Handoff string
	Err     error
	// Delay is waited (ctx-aware) before the reply is produced, to let
	// tests stop or time out a run mid-flight.
	Delay time.Duration
}

// Handle is a scripted core.AgentHandle. Replies are consumed in order;
// the last one repeats once the script is exhausted.
type Handle struct {
	name string

	mu      sync.Mutex
	replies []Reply
	calls   []string

	// InvokeFn, when set, overrides the scripted replies entirely. It
	// receives the options from the most recent Resolve of this handle.
	InvokeFn func(ctx context.Context, input string, opts core.ResolveOptions) (*core.Reply, error)

	opts core.ResolveOptions
}

// Name implements core.AgentHandle.
func (h *Handle) Name() string { return h.name }

// Invoke implements core.AgentHandle.
func (h *Handle) Invoke(ctx context.Context, input string) (*core.Reply, error) {
	h.mu.Lock()
	h.calls = append(h.calls, input)
	fn := h.InvokeFn
	opts := h.opts
	var scripted Reply
	if fn == nil {
		if len(h.replies) == 0 {
			h.mu.Unlock()
			return nil, fmt.Errorf("handle %s has no scripted reply", h.name)
		}
		scripted = h.replies[0]
		if len(h.replies) > 1 {
			h.replies = h.replies[1:]
		}
	}
	h.mu.Unlock()

	if fn != nil {
		return fn(ctx, input, opts)
	}

	if scripted.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(scripted.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scripted.Err != nil {
		return nil, scripted.Err
	}
	return &core.Reply{Text: scripted.Text, Handoff: scripted.Handoff}, nil
}

// Calls returns a copy of every input the handle has received.
func (h *Handle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// ResolveOpts returns the options captured by the most recent Resolve.
func (h *Handle) ResolveOpts() core.ResolveOptions {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opts
}

// Resolver is a scripted core.AgentResolver keyed by agent reference id.
type Resolver struct {
	mu         sync.Mutex
	handles    map[string]*Handle
	resolveErr map[string]error
}

// NewResolver returns an empty scripted resolver.
func NewResolver() *Resolver {
	return &Resolver{
		handles:    make(map[string]*Handle),
		resolveErr: make(map[string]error),
	}
}

// Script registers a handle for referenceID replaying the given replies.
func (r *Resolver) Script(referenceID, name string, replies ...Reply) *Handle {
	h := &Handle{name: name, replies: replies}
	r.mu.Lock()
	r.handles[referenceID] = h
	r.mu.Unlock()
	return h
}

// FailResolve makes Resolve fail for referenceID.
func (r *Resolver) FailResolve(referenceID string, err error) {
	r.mu.Lock()
	r.resolveErr[referenceID] = err
	r.mu.Unlock()
}

// Resolve implements core.AgentResolver.
func (r *Resolver) Resolve(_ context.Context, referenceID string, optFns ...func(o *core.ResolveOptions)) (core.AgentHandle, error) {
	var opts core.ResolveOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.resolveErr[referenceID]; err != nil {
		return nil, err
	}
	h, ok := r.handles[referenceID]
	if !ok {
		return nil, fmt.Errorf("no agent for reference %q", referenceID)
	}
	h.mu.Lock()
	h.opts = opts
	h.mu.Unlock()
	return h, nil
}
