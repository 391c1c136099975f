package encounter

import (
	"sort"
	"strings"
	"time"
)

// ReconciledEncounter is the final merged record for one continuation chain.
// Exactly one exists per chain; its ID is a stable ULID assigned at
// finalization.
type ReconciledEncounter struct {
	ID               string      `json:"id"`
	EncounterType    string      `json:"encounter_type"`
	PageRanges       []PageRange `json:"page_ranges"`
	Confidence       float64     `json:"confidence"`
	IsRealWorldVisit bool        `json:"is_real_world_visit"`

	// MultiSegment is set when the merged ranges are not one contiguous span.
	MultiSegment bool `json:"multi_segment,omitempty"`

	// UnclosedContinuation flags a chain that was still pending when the run
	// ended and was force-finalized rather than dropped.
	UnclosedContinuation bool `json:"unclosed_continuation,omitempty"`

	FirstChunk int `json:"first_chunk"`
	LastChunk  int `json:"last_chunk"`
}

// RunManifest is the document-level aggregate written atomically at run end.
type RunManifest struct {
	ShellFileID       string                `json:"shell_file_id"`
	PatientID         string                `json:"patient_id"`
	TotalPages        int                   `json:"total_pages"`
	TotalEncounters   int                   `json:"total_encounters"`
	OCRConfidenceAvg  float64               `json:"ocr_confidence_avg"`
	Model             string                `json:"model"`
	CostUSD           float64               `json:"cost_usd"`
	ProcessingSeconds float64               `json:"processing_seconds"`
	Encounters        []ReconciledEncounter `json:"encounters"`
	CreatedAt         time.Time             `json:"created_at"`
}

// ProcessingMetrics are derived counts computed from the manifest immediately
// before persistence. Never written independently of the manifest.
type ProcessingMetrics struct {
	RealWorldCount int      `json:"real_world_count"`
	PlannedCount   int      `json:"planned_count"`
	PseudoCount    int      `json:"pseudo_count"`
	AvgConfidence  float64  `json:"avg_confidence"`
	EncounterTypes []string `json:"encounter_types"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ComputeMetrics derives ProcessingMetrics from a set of reconciled
// encounters. Planned types (planned_ prefix) are excluded from the pseudo
// count even though both are non-real-world categories.
func ComputeMetrics(encounters []ReconciledEncounter) ProcessingMetrics {
	var m ProcessingMetrics
	types := make(map[string]struct{})
	var confSum float64

	for _, e := range encounters {
		confSum += e.Confidence
		if e.EncounterType != "" {
			types[e.EncounterType] = struct{}{}
		}
		switch {
		case strings.HasPrefix(e.EncounterType, PlannedPrefix):
			m.PlannedCount++
		case strings.HasPrefix(e.EncounterType, PseudoPrefix):
			m.PseudoCount++
		case e.IsRealWorldVisit:
			m.RealWorldCount++
		}
	}

	if len(encounters) > 0 {
		m.AvgConfidence = confSum / float64(len(encounters))
	}

	m.EncounterTypes = make([]string, 0, len(types))
	for t := range types {
		m.EncounterTypes = append(m.EncounterTypes, t)
	}
	sort.Strings(m.EncounterTypes)

	return m
}
