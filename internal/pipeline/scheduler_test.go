package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/clinicalops/chartflow/internal/config"
	"github.com/clinicalops/chartflow/internal/encounter"
	"github.com/clinicalops/chartflow/internal/extract"
	"github.com/clinicalops/chartflow/internal/providers"
	"github.com/clinicalops/chartflow/internal/resilience"
)

type fakePageStore struct {
	docs map[string]*encounter.Document
}

func (s *fakePageStore) LoadDocument(_ context.Context, shellFileID string) (*encounter.Document, error) {
	doc, ok := s.docs[shellFileID]
	if !ok {
		return nil, fmt.Errorf("no document %q", shellFileID)
	}
	return doc, nil
}

func (s *fakePageStore) PageCount(_ context.Context, shellFileID string) (int, error) {
	doc, ok := s.docs[shellFileID]
	if !ok {
		return 0, fmt.Errorf("no document %q", shellFileID)
	}
	return doc.TotalPages(), nil
}

type fakeWriter struct {
	mu       sync.Mutex
	commits  int
	manifest *encounter.RunManifest
	metrics  *encounter.ProcessingMetrics
	err      error
}

func (w *fakeWriter) CommitRun(_ context.Context, m *encounter.RunManifest, pm *encounter.ProcessingMetrics) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.commits++
	w.manifest = m
	w.metrics = pm
	return nil
}

type fakeRequeuer struct {
	mu       sync.Mutex
	messages []string
}

func (r *fakeRequeuer) PublishRunFailed(_ context.Context, shellFileID string, chunkNumber int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, fmt.Sprintf("%s/%d", shellFileID, chunkNumber))
	return nil
}

type fakeRegistry struct {
	pageCount int
	err       error
	calls     int
}

func (r *fakeRegistry) DocumentPageCount(_ context.Context, shellFileID string) (int, error) {
	r.calls++
	if r.err != nil {
		return 0, r.err
	}
	return r.pageCount, nil
}

func testDocument(shellFileID string, pages int) *encounter.Document {
	doc := &encounter.Document{ShellFileID: shellFileID, PatientID: "patient-1"}
	for i := 1; i <= pages; i++ {
		doc.Pages = append(doc.Pages, encounter.Page{
			Number:     i,
			Text:       fmt.Sprintf("page %d clinical text", i),
			Confidence: 0.9,
		})
	}
	return doc
}

func fastEnvelope(attempts uint) *resilience.Envelope {
	return resilience.NewEnvelope(resilience.EnvelopeConfig{
		MaxAttempts: attempts,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		Logger:      discardLogger(),
	})
}

func newTestScheduler(t *testing.T, client providers.InferenceClient, doc *encounter.Document, writer *fakeWriter, requeue Requeuer) *Scheduler {
	t.Helper()
	envelope := fastEnvelope(3)
	extractor := extract.NewExtractor(client, envelope, nil, "test-model", discardLogger())
	return NewScheduler(SchedulerConfig{
		Pipeline:  config.PipelineCfg{ChunkSize: 50},
		Pages:     &fakePageStore{docs: map[string]*encounter.Document{doc.ShellFileID: doc}},
		Extractor: extractor,
		Envelope:  envelope,
		Writer:    writer,
		Requeue:   requeue,
		Logger:    discardLogger(),
	})
}

func responseJSON(t *testing.T, encounters []map[string]any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(map[string]any{"encounters": encounters})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestSchedulerRunSingleChunk(t *testing.T) {
	doc := testDocument("doc-1", 30)
	client := &providers.MockClient{
		Responses: func(n int64, req *providers.ExtractionRequest) (json.RawMessage, error) {
			return responseJSON(t, []map[string]any{
				{
					"encounter_type":      "outpatient_visit",
					"page_ranges":         []map[string]any{{"start": 1, "end": 12}},
					"confidence":          0.93,
					"is_real_world_visit": true,
				},
				{
					"encounter_type": "pseudo_admin_note",
					"page_ranges":    []map[string]any{{"start": 13, "end": 30}},
					"confidence":     0.8,
				},
			}), nil
		},
	}
	writer := &fakeWriter{}

	s := newTestScheduler(t, client, doc, writer, nil)
	manifest, err := s.Run(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if client.RequestCount() != 1 {
		t.Errorf("inference calls = %d, want 1", client.RequestCount())
	}
	if writer.commits != 1 {
		t.Fatalf("commits = %d, want 1", writer.commits)
	}
	if manifest.TotalEncounters != 2 {
		t.Errorf("total encounters = %d, want 2", manifest.TotalEncounters)
	}
	if manifest.TotalPages != 30 {
		t.Errorf("total pages = %d, want 30", manifest.TotalPages)
	}
	if manifest.PatientID != "patient-1" {
		t.Errorf("patient id = %q", manifest.PatientID)
	}
	if writer.metrics.RealWorldCount != 1 || writer.metrics.PseudoCount != 1 {
		t.Errorf("metrics = %+v, want 1 real-world and 1 pseudo", writer.metrics)
	}
	if writer.metrics.TotalTokens == 0 {
		t.Error("token telemetry not propagated into metrics")
	}
}

func TestSchedulerRunCrossChunkEncounter(t *testing.T) {
	// 120 pages, 3 chunks. An admission opens on page 40 of chunk 1, fills
	// chunk 2 entirely, and closes on page 107 of chunk 3.
	doc := testDocument("doc-2", 120)
	client := &providers.MockClient{
		Responses: func(n int64, req *providers.ExtractionRequest) (json.RawMessage, error) {
			switch n {
			case 1:
				return responseJSON(t, []map[string]any{
					{
						"encounter_type":      "outpatient_visit",
						"page_ranges":         []map[string]any{{"start": 1, "end": 39}},
						"confidence":          0.9,
						"is_real_world_visit": true,
					},
					{
						"encounter_type":      "inpatient_admission",
						"page_ranges":         []map[string]any{{"start": 40, "end": 50}},
						"confidence":          0.85,
						"is_real_world_visit": true,
					},
				}), nil
			case 2:
				return responseJSON(t, []map[string]any{
					{
						"encounter_type":      "inpatient_admission",
						"page_ranges":         []map[string]any{{"start": 51, "end": 100}},
						"confidence":          0.88,
						"is_real_world_visit": true,
						"temp_id":             "chunk1-draft1",
					},
				}), nil
			default:
				return responseJSON(t, []map[string]any{
					{
						"encounter_type":      "inpatient_admission",
						"page_ranges":         []map[string]any{{"start": 101, "end": 107}},
						"confidence":          0.9,
						"is_real_world_visit": true,
						"temp_id":             "chunk1-draft1",
					},
					{
						"encounter_type": "planned_followup",
						"page_ranges":    []map[string]any{{"start": 108, "end": 120}},
						"confidence":     0.75,
					},
				}), nil
			}
		},
	}
	writer := &fakeWriter{}

	s := newTestScheduler(t, client, doc, writer, nil)
	manifest, err := s.Run(context.Background(), "doc-2")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if client.RequestCount() != 3 {
		t.Errorf("inference calls = %d, want 3", client.RequestCount())
	}
	if manifest.TotalEncounters != 3 {
		t.Fatalf("total encounters = %d, want 3 (admission chain merged)", manifest.TotalEncounters)
	}

	var admission *encounter.ReconciledEncounter
	for i := range manifest.Encounters {
		if manifest.Encounters[i].EncounterType == "inpatient_admission" {
			admission = &manifest.Encounters[i]
		}
	}
	if admission == nil {
		t.Fatal("merged admission encounter missing")
	}
	if admission.FirstChunk != 1 || admission.LastChunk != 3 {
		t.Errorf("admission chunk span = [%d, %d], want [1, 3]", admission.FirstChunk, admission.LastChunk)
	}
	if got := admission.PageRanges[0].Start; got != 40 {
		t.Errorf("admission starts at page %d, want 40", got)
	}
	if got := admission.PageRanges[len(admission.PageRanges)-1].End; got != 107 {
		t.Errorf("admission ends at page %d, want 107", got)
	}
	if admission.UnclosedContinuation {
		t.Error("closed admission chain flagged unclosed")
	}

	if writer.metrics.PlannedCount != 1 {
		t.Errorf("planned count = %d, want 1", writer.metrics.PlannedCount)
	}
	if writer.metrics.RealWorldCount != 2 {
		t.Errorf("real-world count = %d, want 2", writer.metrics.RealWorldCount)
	}
}

func TestSchedulerRunExtractionExhaustionRequeues(t *testing.T) {
	doc := testDocument("doc-3", 30)
	client := &providers.MockClient{
		ShouldFail: true,
		FailWith:   &providers.HTTPError{Status: 503, Body: "upstream down"},
	}
	writer := &fakeWriter{}
	requeue := &fakeRequeuer{}

	s := newTestScheduler(t, client, doc, writer, requeue)
	_, err := s.Run(context.Background(), "doc-3")
	if err == nil {
		t.Fatal("expected run failure")
	}

	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("error type = %T, want *RunError", err)
	}
	if runErr.ChunkNumber != 1 {
		t.Errorf("failed chunk = %d, want 1", runErr.ChunkNumber)
	}

	var exhausted *resilience.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected exhausted retry error inside run error, got %v", err)
	}
	if client.RequestCount() != 3 {
		t.Errorf("inference attempts = %d, want 3", client.RequestCount())
	}
	if writer.commits != 0 {
		t.Errorf("commits = %d, want 0 after failed run", writer.commits)
	}
	if len(requeue.messages) != 1 || requeue.messages[0] != "doc-3/1" {
		t.Errorf("requeue messages = %v, want one for doc-3 chunk 1", requeue.messages)
	}
}

func TestSchedulerRunTerminalErrorNotRequeued(t *testing.T) {
	doc := testDocument("doc-4", 30)
	client := &providers.MockClient{
		ShouldFail: true,
		FailWith:   &providers.HTTPError{Status: 400, Body: "bad request"},
	}
	writer := &fakeWriter{}
	requeue := &fakeRequeuer{}

	s := newTestScheduler(t, client, doc, writer, requeue)
	_, err := s.Run(context.Background(), "doc-4")
	if err == nil {
		t.Fatal("expected run failure")
	}

	if client.RequestCount() != 1 {
		t.Errorf("inference attempts = %d, want 1 (terminal error)", client.RequestCount())
	}
	if len(requeue.messages) != 0 {
		t.Errorf("terminal failure was requeued: %v", requeue.messages)
	}
}

func TestSchedulerRunCommitFailure(t *testing.T) {
	doc := testDocument("doc-5", 20)
	client := &providers.MockClient{
		Responses: func(n int64, req *providers.ExtractionRequest) (json.RawMessage, error) {
			return responseJSON(t, []map[string]any{
				{
					"encounter_type": "outpatient_visit",
					"page_ranges":    []map[string]any{{"start": 1, "end": 20}},
					"confidence":     0.9,
				},
			}), nil
		},
	}
	writer := &fakeWriter{err: &providers.HTTPError{Status: 400, Body: "constraint violation"}}

	s := newTestScheduler(t, client, doc, writer, nil)
	_, err := s.Run(context.Background(), "doc-5")
	if err == nil {
		t.Fatal("expected commit failure to surface")
	}

	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("error type = %T, want *RunError", err)
	}
	if runErr.ChunkNumber != -1 {
		t.Errorf("failed stage = %d, want -1 (commit)", runErr.ChunkNumber)
	}
}

func TestSchedulerRunMissingDocument(t *testing.T) {
	doc := testDocument("doc-6", 10)
	writer := &fakeWriter{}

	s := newTestScheduler(t, providers.NewMockClient(), doc, writer, nil)
	_, err := s.Run(context.Background(), "no-such-doc")
	if err == nil {
		t.Fatal("expected failure for unknown document")
	}

	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("error type = %T, want *RunError", err)
	}
	if runErr.ChunkNumber != 0 {
		t.Errorf("failed stage = %d, want 0 (pre-chunk)", runErr.ChunkNumber)
	}
}

func TestSchedulerRunPageCountCheck(t *testing.T) {
	newScheduler := func(doc *encounter.Document, writer *fakeWriter, registry PageCountLookup) *Scheduler {
		envelope := fastEnvelope(3)
		client := &providers.MockClient{
			Responses: func(n int64, req *providers.ExtractionRequest) (json.RawMessage, error) {
				return responseJSON(t, []map[string]any{
					{
						"encounter_type": "outpatient_visit",
						"page_ranges":    []map[string]any{{"start": 1, "end": 20}},
						"confidence":     0.9,
					},
				}), nil
			},
		}
		return NewScheduler(SchedulerConfig{
			Pipeline:  config.PipelineCfg{ChunkSize: 50},
			Pages:     &fakePageStore{docs: map[string]*encounter.Document{doc.ShellFileID: doc}},
			Extractor: extract.NewExtractor(client, envelope, nil, "test-model", discardLogger()),
			Envelope:  envelope,
			Writer:    writer,
			Registry:  registry,
			Logger:    discardLogger(),
		})
	}

	t.Run("mismatch fails before extraction", func(t *testing.T) {
		doc := testDocument("doc-8", 20)
		writer := &fakeWriter{}
		registry := &fakeRegistry{pageCount: 35}

		s := newScheduler(doc, writer, registry)
		_, err := s.Run(context.Background(), "doc-8")
		if err == nil {
			t.Fatal("expected failure on registered page count mismatch")
		}

		var runErr *RunError
		if !errors.As(err, &runErr) {
			t.Fatalf("error type = %T, want *RunError", err)
		}
		if runErr.ChunkNumber != 0 {
			t.Errorf("failed stage = %d, want 0 (pre-chunk)", runErr.ChunkNumber)
		}
		if writer.commits != 0 {
			t.Errorf("commits = %d, want 0", writer.commits)
		}
	})

	t.Run("matching count proceeds", func(t *testing.T) {
		doc := testDocument("doc-9", 20)
		writer := &fakeWriter{}
		registry := &fakeRegistry{pageCount: 20}

		s := newScheduler(doc, writer, registry)
		if _, err := s.Run(context.Background(), "doc-9"); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if registry.calls != 1 {
			t.Errorf("registry lookups = %d, want 1", registry.calls)
		}
		if writer.commits != 1 {
			t.Errorf("commits = %d, want 1", writer.commits)
		}
	})

	t.Run("unregistered document proceeds", func(t *testing.T) {
		doc := testDocument("doc-10", 20)
		writer := &fakeWriter{}
		registry := &fakeRegistry{err: errors.New("document not registered: doc-10")}

		s := newScheduler(doc, writer, registry)
		if _, err := s.Run(context.Background(), "doc-10"); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if writer.commits != 1 {
			t.Errorf("commits = %d, want 1", writer.commits)
		}
	})
}

func TestSchedulerRunContextCanceled(t *testing.T) {
	doc := testDocument("doc-7", 120)
	client := &providers.MockClient{Latency: 10 * time.Millisecond}
	client.Responses = func(n int64, req *providers.ExtractionRequest) (json.RawMessage, error) {
		return responseJSON(t, []map[string]any{
			{
				"encounter_type": "outpatient_visit",
				"page_ranges":    []map[string]any{{"start": 1, "end": 10}},
				"confidence":     0.9,
			},
		}), nil
	}
	writer := &fakeWriter{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestScheduler(t, client, doc, writer, nil)
	_, err := s.Run(ctx, "doc-7")
	if err == nil {
		t.Fatal("expected failure on canceled context")
	}
	if writer.commits != 0 {
		t.Errorf("commits = %d, want 0 after cancellation", writer.commits)
	}
}
