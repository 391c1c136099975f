package pipeline

import (
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/clinicalops/chartflow/internal/encounter"
)

// chain accumulates the fragments of one continuation across chunks.
type chain struct {
	rec    encounter.ReconciledEncounter
	opened int // insertion order, for deterministic unclosed finalization
}

// Reconcile merges the full ordered draft list into final encounters.
// Drafts sharing a temp_id chain collapse into one record; standalone
// complete drafts finalize immediately. The input must already be in chunk
// order; Reconcile does not sort.
//
// A chain still pending after the last draft is finalized complete with the
// UnclosedContinuation flag rather than dropped: truncating clinical content
// silently is worse than surfacing a suspect record.
func Reconcile(drafts []encounter.DraftEncounter, logger *slog.Logger) []encounter.ReconciledEncounter {
	final := make([]encounter.ReconciledEncounter, 0, len(drafts))
	pending := make(map[string]*chain)
	var order []string // open-chain keys in open order

	for i := range drafts {
		d := &drafts[i]

		if d.TempID != "" {
			if c, ok := pending[d.TempID]; ok {
				mergeDraft(&c.rec, d)
				if d.Status == encounter.StatusComplete {
					final = append(final, finalize(c.rec, false))
					delete(pending, d.TempID)
					order = removeKey(order, d.TempID)
				}
				continue
			}
		}

		if d.Status == encounter.StatusContinuing {
			c := &chain{rec: newRecord(d), opened: i}
			key := d.TempID
			if key == "" {
				// The status pass assigns temp IDs to every continuing
				// draft; a bare one still must not be lost.
				key = ulid.Make().String()
			}
			pending[key] = c
			order = append(order, key)
			continue
		}

		final = append(final, finalize(newRecord(d), false))
	}

	// Unclosed chains at run end: finalize with a diagnostic flag.
	for _, key := range order {
		c, ok := pending[key]
		if !ok {
			continue
		}
		if logger != nil {
			logger.Warn("continuation chain never closed, finalizing with diagnostic flag",
				"temp_id", key,
				"encounter_type", c.rec.EncounterType,
				"last_chunk", c.rec.LastChunk)
		}
		final = append(final, finalize(c.rec, true))
	}

	return final
}

// newRecord starts a reconciled record from a single draft fragment.
func newRecord(d *encounter.DraftEncounter) encounter.ReconciledEncounter {
	return encounter.ReconciledEncounter{
		EncounterType:    d.EncounterType,
		PageRanges:       append([]encounter.PageRange(nil), d.PageRanges...),
		Confidence:       d.Confidence,
		IsRealWorldVisit: d.IsRealWorldVisit,
		FirstChunk:       d.ChunkNumber,
		LastChunk:        d.ChunkNumber,
	}
}

// mergeDraft folds a later fragment into an open chain: ranges concatenate,
// confidence takes the maximum, the most specific encounter type wins, and
// the real-world flag is sticky.
func mergeDraft(rec *encounter.ReconciledEncounter, d *encounter.DraftEncounter) {
	rec.PageRanges = append(rec.PageRanges, d.PageRanges...)
	if d.Confidence > rec.Confidence {
		rec.Confidence = d.Confidence
	}
	if moreSpecificType(d.EncounterType, rec.EncounterType) {
		rec.EncounterType = d.EncounterType
	}
	if d.IsRealWorldVisit {
		rec.IsRealWorldVisit = true
	}
	if d.ChunkNumber > rec.LastChunk {
		rec.LastChunk = d.ChunkNumber
	}
	if d.ChunkNumber != 0 && (rec.FirstChunk == 0 || d.ChunkNumber < rec.FirstChunk) {
		rec.FirstChunk = d.ChunkNumber
	}
}

// moreSpecificType prefers longer type labels: "inpatient_admission" over
// "admission", "surgical_procedure" over "procedure".
func moreSpecificType(candidate, current string) bool {
	if candidate == "" {
		return false
	}
	return len(candidate) > len(current)
}

// finalize assigns the stable identifier and derived flags.
func finalize(rec encounter.ReconciledEncounter, unclosed bool) encounter.ReconciledEncounter {
	rec.ID = ulid.Make().String()
	rec.MultiSegment = !encounter.ContiguousRanges(rec.PageRanges)
	rec.UnclosedContinuation = unclosed
	return rec
}

func removeKey(keys []string, key string) []string {
	for i, k := range keys {
		if k == key {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}
