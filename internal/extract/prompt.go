package extract

import (
	"fmt"
	"strings"

	"github.com/clinicalops/chartflow/internal/encounter"
	"github.com/clinicalops/chartflow/internal/providers"
)

const systemPrompt = `You are a clinical records analyst. You are given the OCR text of a
contiguous page range from a multi-page medical document. Identify every
discrete clinical encounter (visit, admission, procedure) whose content
appears in these pages.

For each encounter report:
- encounter_type: a lowercase snake_case label (e.g. emergency_visit,
  inpatient_admission, surgical_procedure, planned_followup, pseudo_admin_note)
- page_ranges: the inclusive page spans where the encounter's content appears
- confidence: your confidence in the extraction, 0.0 to 1.0
- is_real_world_visit: true when the encounter describes care that actually
  took place, false for planned or administrative pseudo-encounters

Respond only with JSON matching the provided schema.`

// buildMessages constructs the inference request messages for one chunk.
// When a handoff package is present, its pending encounter is described so
// the model recognizes continuation content instead of opening a new
// encounter for spillover text.
func buildMessages(pages []encounter.Page, chunk encounter.Chunk, handoff *encounter.HandoffPackage) []providers.Message {
	var b strings.Builder

	fmt.Fprintf(&b, "Document pages %d-%d (chunk %d of %d):\n\n",
		chunk.StartPage, chunk.EndPage, chunk.ChunkNumber, chunk.TotalChunks)

	if !handoff.Empty() {
		p := handoff.Pending
		fmt.Fprintf(&b, "IMPORTANT: an encounter of type %q (reference id %s) was still in\n", p.EncounterType, p.TempID)
		fmt.Fprintf(&b, "progress at the end of the previous chunk, last seen on page %d.\n", p.LastPage())
		if p.ExpectedContinuation != "" {
			fmt.Fprintf(&b, "Expect its continuation to begin with: %s.\n", p.ExpectedContinuation)
		}
		fmt.Fprintf(&b, "If the opening pages continue that encounter, report them with\n")
		fmt.Fprintf(&b, "temp_id %q rather than as a new encounter.\n\n", p.TempID)
	}

	for _, page := range pages {
		fmt.Fprintf(&b, "--- page %d ---\n%s\n\n", page.Number, page.Text)
	}

	return []providers.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
}
