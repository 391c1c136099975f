package encounter

// Status is the boundary status of a draft encounter within its chunk.
type Status string

const (
	// StatusComplete means the encounter's content ends inside the chunk.
	StatusComplete Status = "complete"
	// StatusContinuing means the encounter likely spills past the chunk edge.
	StatusContinuing Status = "continuing"
)

// Type prefixes used by metrics classification.
const (
	PlannedPrefix = "planned_"
	PseudoPrefix  = "pseudo_"
)

// DraftEncounter is one provisional clinical event extracted from a single
// chunk. Fields arriving from the inference service are untrusted until they
// pass the decode/validate boundary in the extract package; Status, TempID
// and ExpectedContinuation are owned by the deterministic status pass and
// overwrite whatever the model returned.
type DraftEncounter struct {
	EncounterType    string      `json:"encounter_type"`
	PageRanges       []PageRange `json:"page_ranges"`
	Confidence       float64     `json:"confidence"`
	IsRealWorldVisit bool        `json:"is_real_world_visit"`

	Status               Status `json:"status,omitempty"`
	TempID               string `json:"temp_id,omitempty"`
	ExpectedContinuation string `json:"expected_continuation,omitempty"`

	// ChunkNumber records which chunk produced this draft. Set by the
	// extractor, not the model.
	ChunkNumber int `json:"chunk_number,omitempty"`
}

// LastPage returns the end of the draft's final page range, or 0 when the
// draft has no ranges.
func (d *DraftEncounter) LastPage() int {
	if len(d.PageRanges) == 0 {
		return 0
	}
	return d.PageRanges[len(d.PageRanges)-1].End
}

// FirstPage returns the start of the draft's first page range, or 0 when the
// draft has no ranges.
func (d *DraftEncounter) FirstPage() int {
	if len(d.PageRanges) == 0 {
		return 0
	}
	return d.PageRanges[0].Start
}

// HandoffPackage carries continuation state between consecutive chunk
// extraction calls. Zero or one pending encounter; empty for chunk 1 and for
// single-chunk documents. Discarded once the pending encounter closes or the
// run ends.
type HandoffPackage struct {
	Pending *DraftEncounter `json:"pending,omitempty"`
}

// Empty reports whether there is no pending encounter to carry forward.
func (h *HandoffPackage) Empty() bool {
	return h == nil || h.Pending == nil
}
