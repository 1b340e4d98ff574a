// Package runtime holds the pieces shared by the provider-specific agent
// runtimes: the agent profile registry resolvers look references up in,
// and the wire shape of the peer-handoff tool.
package runtime

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// HandoffToolName is the function the model calls to pass control to a
// peer agent.
const HandoffToolName = "transfer_to_agent"

// HandoffArgument is the single argument of the handoff tool.
const HandoffArgument = "agent_name"

// Profile describes one invocable agent: the stable reference id maps to
// a display name, an instruction (system prompt) and model parameters.
type Profile struct {
	Name        string  `json:"name" yaml:"name"`
	Instruction string  `json:"instruction" yaml:"instruction"`
	Model       string  `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int64   `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
}

// Registry is a concurrency-safe map of reference id to Profile.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]Profile)}
}

// Register adds or replaces the profile for referenceID.
func (r *Registry) Register(referenceID string, p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[referenceID] = p
}

// Lookup returns the profile for referenceID.
func (r *Registry) Lookup(referenceID string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[referenceID]
	if !ok {
		return Profile{}, fmt.Errorf("no agent profile registered for %q", referenceID)
	}
	return p, nil
}

// References returns the registered reference ids sorted.
func (r *Registry) References() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.profiles))
	for ref := range r.profiles {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// HandoffDescription renders the handoff tool description including the
// peers the current agent may transfer to.
func HandoffDescription(peers []string) string {
	return fmt.Sprintf(
		"Transfer the conversation to another agent when it is better suited to continue. Available agents: %s.",
		strings.Join(peers, ", "),
	)
}

// HandoffInstruction is appended to an agent's system prompt when peers
// are available, steering the model toward the handoff tool.
func HandoffInstruction(peers []string) string {
	return fmt.Sprintf(
		"\n\nYou can hand the task off to one of these agents when appropriate by calling the %s tool: %s. Hand off at most once per turn, after writing your own contribution.",
		HandoffToolName, strings.Join(peers, ", "),
	)
}
