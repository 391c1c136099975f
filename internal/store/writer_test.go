package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/clinicalops/chartflow/internal/encounter"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManifest() (*encounter.RunManifest, *encounter.ProcessingMetrics) {
	manifest := &encounter.RunManifest{
		ShellFileID:     "doc-1",
		PatientID:       "patient-1",
		TotalPages:      120,
		TotalEncounters: 2,
		Model:           "test-model",
		CostUSD:         0.05,
		Encounters: []encounter.ReconciledEncounter{
			{
				ID:               "01ARZ3NDEKTSV4RRFFQ69G5FAV",
				EncounterType:    "inpatient_admission",
				PageRanges:       []encounter.PageRange{{Start: 40, End: 107}},
				Confidence:       0.9,
				IsRealWorldVisit: true,
				FirstChunk:       1,
				LastChunk:        3,
			},
			{
				ID:            "01ARZ3NDEKTSV4RRFFQ69G5FB0",
				EncounterType: "planned_followup",
				PageRanges:    []encounter.PageRange{{Start: 108, End: 120}},
				Confidence:    0.75,
				FirstChunk:    3,
				LastChunk:     3,
			},
		},
		CreatedAt: time.Now().UTC(),
	}
	metrics := encounter.ComputeMetrics(manifest.Encounters)
	metrics.InputTokens = 1000
	metrics.OutputTokens = 200
	metrics.TotalTokens = 1200
	return manifest, &metrics
}

func TestCommitRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	manifest, metrics := testManifest()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(advisoryKey("doc-1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM run_manifests").
		WithArgs("doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO run_manifests").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO encounters").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO encounters").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE documents SET status").
		WithArgs("doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := NewWriter(db, testLogger())
	if err := w.CommitRun(context.Background(), manifest, metrics); err != nil {
		t.Fatalf("CommitRun() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCommitRunRollsBackOnEncounterFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	manifest, metrics := testManifest()
	boom := errors.New("duplicate key value")

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM run_manifests").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO run_manifests").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO encounters").
		WillReturnError(boom)
	mock.ExpectRollback()

	w := NewWriter(db, testLogger())
	err = w.CommitRun(context.Background(), manifest, metrics)
	if err == nil {
		t.Fatal("expected commit failure")
	}
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped insert failure", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCommitRunRollsBackOnCommitError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	manifest, metrics := testManifest()
	boom := errors.New("connection reset")

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM run_manifests").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO run_manifests").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO encounters").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO encounters").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE documents SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(boom)

	w := NewWriter(db, testLogger())
	if err := w.CommitRun(context.Background(), manifest, metrics); !errors.Is(err, boom) {
		t.Errorf("error = %v, want commit failure surfaced", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCommitRunNilManifest(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	w := NewWriter(db, testLogger())
	if err := w.CommitRun(context.Background(), nil, &encounter.ProcessingMetrics{}); err == nil {
		t.Error("expected error for nil manifest")
	}
}

func TestAdvisoryKeyStable(t *testing.T) {
	if advisoryKey("doc-1") != advisoryKey("doc-1") {
		t.Error("advisory key not stable for the same id")
	}
	if advisoryKey("doc-1") == advisoryKey("doc-2") {
		t.Error("distinct ids collide")
	}
}
