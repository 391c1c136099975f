// Package ingest registers a source chart PDF so the pipeline can seed a
// run: it counts pages and records document identity in the datastore. File
// upload, OCR generation, and page-image handling happen upstream.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/clinicalops/chartflow/internal/store"
)

// Result describes one registered document.
type Result struct {
	ShellFileID string
	PatientID   string
	PageCount   int
}

// Register counts the PDF's pages and upserts the document row. An empty
// shellFileID derives one from a fresh UUID.
func Register(ctx context.Context, db *sql.DB, pdfPath, shellFileID, patientID string, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.Open(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	pageCount, err := api.PageCount(f, nil)
	if err != nil {
		return nil, fmt.Errorf("count pages in %s: %w", filepath.Base(pdfPath), err)
	}
	if pageCount == 0 {
		return nil, fmt.Errorf("pdf %s has no pages", filepath.Base(pdfPath))
	}

	if shellFileID == "" {
		base := strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath))
		shellFileID = fmt.Sprintf("%s-%s", sanitizeID(base), uuid.New().String()[:8])
	}

	if err := store.RegisterDocument(ctx, db, shellFileID, patientID, pageCount); err != nil {
		return nil, err
	}

	logger.Info("document registered",
		"shell_file_id", shellFileID,
		"pages", pageCount)

	return &Result{
		ShellFileID: shellFileID,
		PatientID:   patientID,
		PageCount:   pageCount,
	}, nil
}

// sanitizeID lowercases and strips characters that do not belong in an
// identifier.
func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "document"
	}
	return b.String()
}
