// Package pagestore reads recognized page text produced by the upstream OCR
// stage. The store is read-only from the pipeline's perspective.
package pagestore

import (
	"context"

	"github.com/clinicalops/chartflow/internal/encounter"
)

// Store is the source of per-page OCR output for a document.
type Store interface {
	// LoadDocument fetches all pages for a shell file, ordered 1..N.
	LoadDocument(ctx context.Context, shellFileID string) (*encounter.Document, error)

	// PageCount returns the number of stored pages for a shell file.
	PageCount(ctx context.Context, shellFileID string) (int, error)
}
