// Package pipeline drives the progressive chunk-processing run: chunk
// planning, sequential extraction with handoff carry-forward, deterministic
// boundary status inference, cross-chunk reconciliation, and the final
// atomic commit.
package pipeline

import (
	"fmt"

	"github.com/clinicalops/chartflow/internal/encounter"
)

// DefaultChunkSize is the page count per inference call when the config
// does not override it.
const DefaultChunkSize = 50

// PlanChunks partitions a document's pages into ordered, contiguous,
// non-overlapping chunks covering [1, totalPages] exactly once.
func PlanChunks(totalPages, chunkSize int) ([]encounter.Chunk, error) {
	if totalPages <= 0 {
		return nil, fmt.Errorf("invalid page count %d", totalPages)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	total := (totalPages + chunkSize - 1) / chunkSize
	chunks := make([]encounter.Chunk, 0, total)

	for start := 1; start <= totalPages; start += chunkSize {
		end := start + chunkSize - 1
		if end > totalPages {
			end = totalPages
		}
		chunks = append(chunks, encounter.Chunk{
			StartPage:   start,
			EndPage:     end,
			ChunkNumber: len(chunks) + 1,
			TotalChunks: total,
		})
	}

	return chunks, nil
}
