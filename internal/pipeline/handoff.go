package pipeline

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/clinicalops/chartflow/internal/encounter"
)

// TempIDGenerator hands out fallback temp IDs when a pending encounter
// arrives without one. Scoped to a single run.
type TempIDGenerator struct {
	counter atomic.Int64
}

// Next returns the next synthetic temp ID.
func (g *TempIDGenerator) Next() string {
	return fmt.Sprintf("pending-%d", g.counter.Add(1))
}

// BuildHandoff selects the chunk's continuing drafts and packages the one to
// carry into the next extraction call. At most one continuation per boundary
// is expected; when the model reports several, the latest-starting one is
// carried and the rest are logged and left to close as-is in reconciliation.
//
// The drafts have already been through the status pass, but the underlying
// objects originate from untrusted model output, so missing fields are
// repaired here rather than assumed present.
func BuildHandoff(drafts []encounter.DraftEncounter, gen *TempIDGenerator, logger *slog.Logger) *encounter.HandoffPackage {
	var continuing []int
	for i := range drafts {
		if drafts[i].Status == encounter.StatusContinuing {
			continuing = append(continuing, i)
		}
	}

	if len(continuing) == 0 {
		return &encounter.HandoffPackage{}
	}

	pickIdx := continuing[len(continuing)-1]
	for _, i := range continuing {
		if drafts[i].FirstPage() > drafts[pickIdx].FirstPage() {
			pickIdx = i
		}
	}
	pick := &drafts[pickIdx]

	if len(continuing) > 1 && logger != nil {
		logger.Warn("multiple continuing encounters at chunk boundary, carrying one",
			"chunk", pick.ChunkNumber,
			"continuing", len(continuing),
			"carried_temp_id", pick.TempID)
	}

	// Repair in place so the draft list and the handoff agree on the chain ID.
	if pick.TempID == "" {
		pick.TempID = gen.Next()
	}
	if pick.ExpectedContinuation == "" {
		pick.ExpectedContinuation = ExpectedContinuationFor(pick.EncounterType)
	}

	pending := *pick
	return &encounter.HandoffPackage{Pending: &pending}
}
