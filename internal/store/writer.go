package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/clinicalops/chartflow/internal/encounter"
)

// Writer commits one run's output atomically.
type Writer struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWriter creates a writer over an open connection pool.
func NewWriter(db *sql.DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{db: db, logger: logger}
}

// CommitRun writes the manifest row, its metrics fields, every encounter
// row, and the document status update in one transaction. A reader observes
// all of it or none of it. Re-invoking with the same manifest is safe: prior
// rows for the shell file are replaced inside the same transaction, so a
// lost acknowledgment never produces duplicate encounter rows.
func (w *Writer) CommitRun(ctx context.Context, manifest *encounter.RunManifest, procMetrics *encounter.ProcessingMetrics) error {
	if manifest == nil {
		return fmt.Errorf("nil manifest")
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize concurrent commits for the same document.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey(manifest.ShellFileID)); err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM run_manifests WHERE shell_file_id = $1`, manifest.ShellFileID); err != nil {
		return fmt.Errorf("clear prior manifest: %w", err)
	}

	typesJSON, err := json.Marshal(procMetrics.EncounterTypes)
	if err != nil {
		return fmt.Errorf("marshal encounter types: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO run_manifests (
	shell_file_id, patient_id, total_pages, total_encounters,
	ocr_confidence_avg, model, cost_usd, processing_seconds,
	real_world_count, planned_count, pseudo_count, avg_confidence,
	encounter_types, input_tokens, output_tokens, total_tokens, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
`,
		manifest.ShellFileID, manifest.PatientID, manifest.TotalPages, manifest.TotalEncounters,
		manifest.OCRConfidenceAvg, manifest.Model, manifest.CostUSD, manifest.ProcessingSeconds,
		procMetrics.RealWorldCount, procMetrics.PlannedCount, procMetrics.PseudoCount, procMetrics.AvgConfidence,
		typesJSON, procMetrics.InputTokens, procMetrics.OutputTokens, procMetrics.TotalTokens, manifest.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert manifest: %w", err)
	}

	for i := range manifest.Encounters {
		e := &manifest.Encounters[i]
		rangesJSON, err := json.Marshal(e.PageRanges)
		if err != nil {
			return fmt.Errorf("marshal page ranges for %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO encounters (
	id, shell_file_id, encounter_type, page_ranges, confidence,
	is_real_world_visit, multi_segment, unclosed_continuation, first_chunk, last_chunk
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`,
			e.ID, manifest.ShellFileID, e.EncounterType, rangesJSON, e.Confidence,
			e.IsRealWorldVisit, e.MultiSegment, e.UnclosedContinuation, e.FirstChunk, e.LastChunk,
		); err != nil {
			return fmt.Errorf("insert encounter %s: %w", e.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE documents SET status = 'completed', updated_at = now() WHERE shell_file_id = $1
`, manifest.ShellFileID); err != nil {
		return fmt.Errorf("update document status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run tx: %w", err)
	}

	w.logger.Info("run manifest committed",
		"shell_file_id", manifest.ShellFileID,
		"encounters", len(manifest.Encounters))
	return nil
}

// advisoryKey derives a stable lock key from the shell file ID.
func advisoryKey(shellFileID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(shellFileID))
	return int64(h.Sum64())
}
