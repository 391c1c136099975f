// Package extract invokes the AI inference service for one chunk's page
// range and decodes its response into draft encounters. The decode path is a
// strict boundary: model output is validated against a JSON Schema and
// sanitized before anything downstream sees it.
package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/clinicalops/chartflow/internal/encounter"
)

// responseSchema is the canonical schema for the inference response. The
// same document is sent to the service as the structured-output format and
// compiled locally for validation, so the two can never drift.
const responseSchema = `{
  "type": "object",
  "required": ["encounters"],
  "additionalProperties": false,
  "properties": {
    "encounters": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["encounter_type", "page_ranges", "confidence"],
        "additionalProperties": false,
        "properties": {
          "encounter_type": {"type": "string", "minLength": 1},
          "page_ranges": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["start", "end"],
              "additionalProperties": false,
              "properties": {
                "start": {"type": "integer", "minimum": 1},
                "end": {"type": "integer", "minimum": 1}
              }
            }
          },
          "confidence": {"type": "number"},
          "is_real_world_visit": {"type": "boolean"},
          "status": {"type": "string"},
          "temp_id": {"type": "string"},
          "expected_continuation": {"type": "string"}
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("inference_response.json", responseSchema)

// ResponseFormatSchema returns the schema document sent with each request.
func ResponseFormatSchema() json.RawMessage {
	wrapper := map[string]any{
		"name":   "encounter_extraction",
		"strict": true,
		"schema": json.RawMessage(responseSchema),
	}
	data, _ := json.Marshal(wrapper)
	return data
}

type rawResponse struct {
	Encounters []rawEncounter `json:"encounters"`
}

type rawEncounter struct {
	EncounterType        string              `json:"encounter_type"`
	PageRanges           []rawRange          `json:"page_ranges"`
	Confidence           float64             `json:"confidence"`
	IsRealWorldVisit     bool                `json:"is_real_world_visit"`
	Status               string              `json:"status"`
	TempID               string              `json:"temp_id"`
	ExpectedContinuation string              `json:"expected_continuation"`
}

type rawRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// decodeDrafts validates and decodes one inference response. Model-provided
// status fields are kept only as hints; the deterministic status pass
// overwrites them. Page ranges outside the chunk are clamped, inverted or
// out-of-document ranges dropped, and confidence clamped to [0,1].
func decodeDrafts(raw json.RawMessage, chunk encounter.Chunk) ([]encounter.DraftEncounter, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("inference response is not valid JSON: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("inference response failed schema validation: %w", err)
	}

	var resp rawResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}

	drafts := make([]encounter.DraftEncounter, 0, len(resp.Encounters))
	for _, re := range resp.Encounters {
		d := encounter.DraftEncounter{
			EncounterType:        strings.TrimSpace(strings.ToLower(re.EncounterType)),
			Confidence:           clamp01(re.Confidence),
			IsRealWorldVisit:     re.IsRealWorldVisit,
			Status:               encounter.Status(re.Status),
			TempID:               re.TempID,
			ExpectedContinuation: re.ExpectedContinuation,
			ChunkNumber:          chunk.ChunkNumber,
		}
		if d.EncounterType == "" {
			continue
		}

		for _, rr := range re.PageRanges {
			pr := encounter.PageRange{Start: rr.Start, End: rr.End}
			if !pr.Valid() {
				continue
			}
			if pr.Start < chunk.StartPage {
				pr.Start = chunk.StartPage
			}
			if pr.End > chunk.EndPage {
				pr.End = chunk.EndPage
			}
			if pr.Start > pr.End {
				continue
			}
			d.PageRanges = append(d.PageRanges, pr)
		}

		drafts = append(drafts, d)
	}

	return drafts, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
