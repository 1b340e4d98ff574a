// Package transcript converts topology-specific results into the uniform
// ordered entry list persisted per execution. This single post-processing
// step is what lets four structurally different executors share one
// persistence path.
package transcript

import (
	"sort"
	"strings"
	"time"

	"github.com/loomlab/loom/core"
	"github.com/loomlab/loom/topology"
)

// Normalize flattens a topology result into transcript entries: blank or
// whitespace-only outputs are dropped, entries are sorted ascending by
// their execution-time marker with node declaration order breaking ties.
// Sequence numbers are not assigned here; the supervisor numbers the
// entries 1..n in this order right before persisting them.
func Normalize(res *topology.Result) []core.TranscriptEntry {
	type marked struct {
		outcome topology.Outcome
		pos     int
	}

	kept := make([]marked, 0, len(res.Outcomes))
	for i, out := range res.Outcomes {
		if strings.TrimSpace(out.Text) == "" {
			continue
		}
		kept = append(kept, marked{outcome: out, pos: i})
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i].outcome, kept[j].outcome
		if a.Marker != b.Marker {
			return a.Marker < b.Marker
		}
		return a.DeclIndex < b.DeclIndex
	})

	now := time.Now()
	entries := make([]core.TranscriptEntry, 0, len(kept))
	for _, m := range kept {
		entries = append(entries, core.TranscriptEntry{
			NodeID:    m.outcome.NodeID,
			Text:      strings.TrimSpace(m.outcome.Text),
			CreatedAt: now,
		})
	}
	return entries
}

// Number stamps executionID and 1-based sequence numbers onto entries in
// their current order.
func Number(executionID string, entries []core.TranscriptEntry) []core.TranscriptEntry {
	for i := range entries {
		entries[i].ExecutionID = executionID
		entries[i].Seq = i + 1
	}
	return entries
}
