package extract

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/clinicalops/chartflow/internal/encounter"
)

var testChunk = encounter.Chunk{StartPage: 51, EndPage: 100, ChunkNumber: 2, TotalChunks: 3}

func TestDecodeDrafts(t *testing.T) {
	raw := json.RawMessage(`{
		"encounters": [
			{
				"encounter_type": "  Inpatient_Admission ",
				"page_ranges": [{"start": 51, "end": 60}],
				"confidence": 0.85,
				"is_real_world_visit": true,
				"temp_id": "chunk1-draft0"
			},
			{
				"encounter_type": "pseudo_admin_note",
				"page_ranges": [{"start": 61, "end": 62}],
				"confidence": 0.7
			}
		]
	}`)

	drafts, err := decodeDrafts(raw, testChunk)
	if err != nil {
		t.Fatalf("decodeDrafts() error = %v", err)
	}
	if len(drafts) != 2 {
		t.Fatalf("got %d drafts, want 2", len(drafts))
	}

	d := drafts[0]
	if d.EncounterType != "inpatient_admission" {
		t.Errorf("encounter type = %q, want normalized inpatient_admission", d.EncounterType)
	}
	if d.Confidence != 0.85 {
		t.Errorf("confidence = %v", d.Confidence)
	}
	if !d.IsRealWorldVisit {
		t.Error("real-world flag lost")
	}
	if d.TempID != "chunk1-draft0" {
		t.Errorf("temp_id hint = %q", d.TempID)
	}
	if d.ChunkNumber != 2 {
		t.Errorf("chunk number = %d, want 2", d.ChunkNumber)
	}
}

func TestDecodeDraftsRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"encounters": [`},
		{"missing encounters key", `{"results": []}`},
		{"missing required field", `{"encounters": [{"page_ranges": [], "confidence": 0.5}]}`},
		{"unknown top-level field", `{"encounters": [], "extra": 1}`},
		{"wrong type", `{"encounters": [{"encounter_type": "x", "page_ranges": [], "confidence": "high"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeDrafts(json.RawMessage(tt.raw), testChunk); err == nil {
				t.Error("expected decode error")
			}
		})
	}
}

func TestDecodeDraftsSanitizesRanges(t *testing.T) {
	raw := json.RawMessage(`{
		"encounters": [
			{
				"encounter_type": "outpatient_visit",
				"page_ranges": [
					{"start": 40, "end": 55},
					{"start": 95, "end": 120},
					{"start": 80, "end": 75},
					{"start": 1, "end": 40}
				],
				"confidence": 1.7
			}
		]
	}`)

	drafts, err := decodeDrafts(raw, testChunk)
	if err != nil {
		t.Fatalf("decodeDrafts() error = %v", err)
	}
	if len(drafts) != 1 {
		t.Fatalf("got %d drafts, want 1", len(drafts))
	}

	d := drafts[0]
	if d.Confidence != 1.0 {
		t.Errorf("confidence = %v, want clamped to 1.0", d.Confidence)
	}

	// Ranges crossing the chunk edge clamp to it; inverted ranges and
	// ranges entirely outside the chunk drop.
	want := []encounter.PageRange{{Start: 51, End: 55}, {Start: 95, End: 100}}
	if len(d.PageRanges) != len(want) {
		t.Fatalf("got ranges %v, want %v", d.PageRanges, want)
	}
	for i := range want {
		if d.PageRanges[i] != want[i] {
			t.Errorf("range %d = %+v, want %+v", i, d.PageRanges[i], want[i])
		}
	}
}

func TestDecodeDraftsSkipsEmptyType(t *testing.T) {
	raw := json.RawMessage(`{
		"encounters": [
			{"encounter_type": "   ", "page_ranges": [], "confidence": 0.5},
			{"encounter_type": "emergency_visit", "page_ranges": [{"start": 51, "end": 52}], "confidence": 0.9}
		]
	}`)

	drafts, err := decodeDrafts(raw, testChunk)
	if err != nil {
		t.Fatalf("decodeDrafts() error = %v", err)
	}
	if len(drafts) != 1 || drafts[0].EncounterType != "emergency_visit" {
		t.Errorf("got %+v, want only the emergency_visit draft", drafts)
	}
}

func TestResponseFormatSchema(t *testing.T) {
	var wrapper struct {
		Name   string          `json:"name"`
		Strict bool            `json:"strict"`
		Schema json.RawMessage `json:"schema"`
	}
	if err := json.Unmarshal(ResponseFormatSchema(), &wrapper); err != nil {
		t.Fatalf("response format is not valid JSON: %v", err)
	}
	if wrapper.Name != "encounter_extraction" || !wrapper.Strict {
		t.Errorf("wrapper = %+v", wrapper)
	}
	if !strings.Contains(string(wrapper.Schema), `"encounters"`) {
		t.Error("schema missing encounters property")
	}
}
