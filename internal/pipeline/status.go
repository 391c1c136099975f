package pipeline

import (
	"fmt"
	"strings"

	"github.com/clinicalops/chartflow/internal/encounter"
)

// continuationHints maps encounter-type keywords to the section expected to
// open the encounter's continuation in the next chunk.
var continuationHints = []struct {
	keyword string
	hint    string
}{
	{"admission", "discharge summary"},
	{"inpatient", "discharge summary"},
	{"surgery", "post-operative notes"},
	{"surgical", "post-operative notes"},
	{"procedure", "post-operative notes"},
	{"operative", "post-operative notes"},
	{"emergency", "disposition notes"},
}

const defaultContinuationHint = "continuation"

// ExpectedContinuationFor returns the continuation hint for an encounter
// type. Unmatched types get the generic label.
func ExpectedContinuationFor(encounterType string) string {
	t := strings.ToLower(encounterType)
	for _, h := range continuationHints {
		if strings.Contains(t, h.keyword) {
			return h.hint
		}
	}
	return defaultContinuationHint
}

// InferBoundaryStatus assigns each draft's boundary status in place. The
// decision is deterministic and ignores whatever status the model returned:
// an encounter whose last page range ends exactly at a non-final chunk's
// boundary is continuing, everything else is complete. TempIDs for
// continuing drafts derive from chunk number and draft index so retried
// chunks produce identical IDs.
//
// A complete draft keeps its temp_id only when it matches the incoming
// handoff's pending encounter; that temp_id is what closes the chain in the
// reconciler. Every other model-provided temp_id is untrusted and cleared.
func InferBoundaryStatus(drafts []encounter.DraftEncounter, chunk encounter.Chunk, incoming *encounter.HandoffPackage) {
	pendingID := ""
	if !incoming.Empty() {
		pendingID = incoming.Pending.TempID
	}

	for i := range drafts {
		d := &drafts[i]

		switch {
		case chunk.TotalChunks == 1:
			d.Status = encounter.StatusComplete
			// No boundary to span: clear unconditionally.
			d.TempID = ""
			d.ExpectedContinuation = ""

		case len(d.PageRanges) == 0:
			// Nothing to anchor a continuation decision to.
			markComplete(d, pendingID)

		case d.LastPage() == chunk.EndPage && !chunk.IsLast():
			d.Status = encounter.StatusContinuing
			// Keep the chain ID when this draft continues the incoming
			// pending encounter; any other model-provided temp_id is
			// replaced with a deterministic one.
			if pendingID == "" || d.TempID != pendingID {
				d.TempID = fmt.Sprintf("chunk%d-draft%d", chunk.ChunkNumber, i)
			}
			d.ExpectedContinuation = ExpectedContinuationFor(d.EncounterType)

		default:
			markComplete(d, pendingID)
		}
	}
}

func markComplete(d *encounter.DraftEncounter, pendingID string) {
	d.Status = encounter.StatusComplete
	if d.TempID != pendingID || pendingID == "" {
		d.TempID = ""
	}
	d.ExpectedContinuation = ""
}
