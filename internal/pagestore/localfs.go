package pagestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/clinicalops/chartflow/internal/encounter"
)

// LocalStore reads OCR pages from a local directory tree laid out as
// {root}/{shellFileID}/page_0001.json. Each page file holds one
// encounter.Page. A meta.json beside the pages carries document identity.
type LocalStore struct {
	root string
}

type documentMeta struct {
	ShellFileID string `json:"shell_file_id"`
	PatientID   string `json:"patient_id"`
}

// NewLocalStore creates a store rooted at dir.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{root: dir}
}

// LoadDocument fetches all pages for a shell file, ordered by page number.
func (s *LocalStore) LoadDocument(ctx context.Context, shellFileID string) (*encounter.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, shellFileID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read document dir: %w", err)
	}

	doc := &encounter.Document{ShellFileID: shellFileID}

	metaPath := filepath.Join(dir, "meta.json")
	if data, err := os.ReadFile(metaPath); err == nil {
		var meta documentMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("parse meta.json: %w", err)
		}
		doc.PatientID = meta.PatientID
	}

	var pageFiles []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "page_") && strings.HasSuffix(name, ".json") {
			pageFiles = append(pageFiles, name)
		}
	}
	sort.Strings(pageFiles)

	for _, name := range pageFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read page %s: %w", name, err)
		}
		var page encounter.Page
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("parse page %s: %w", name, err)
		}
		doc.Pages = append(doc.Pages, page)
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// PageCount returns the number of stored pages for a shell file.
func (s *LocalStore) PageCount(ctx context.Context, shellFileID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(filepath.Join(s.root, shellFileID))
	if err != nil {
		return 0, fmt.Errorf("read document dir: %w", err)
	}

	count := 0
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "page_") && strings.HasSuffix(name, ".json") {
			count++
		}
	}
	return count, nil
}

// WritePage stores one OCR page. Used by ingest tooling and tests; the
// pipeline itself never writes here.
func (s *LocalStore) WritePage(shellFileID string, page encounter.Page) error {
	dir := filepath.Join(s.root, shellFileID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create document dir: %w", err)
	}

	data, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal page: %w", err)
	}

	name := fmt.Sprintf("page_%04d.json", page.Number)
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

// WriteMeta stores document identity beside the pages.
func (s *LocalStore) WriteMeta(shellFileID, patientID string) error {
	dir := filepath.Join(s.root, shellFileID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create document dir: %w", err)
	}

	data, err := json.MarshalIndent(documentMeta{
		ShellFileID: shellFileID,
		PatientID:   patientID,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o644)
}

// Verify interface
var _ Store = (*LocalStore)(nil)
