package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clinicalops/chartflow/internal/config"
	"github.com/clinicalops/chartflow/internal/encounter"
	"github.com/clinicalops/chartflow/internal/extract"
	"github.com/clinicalops/chartflow/internal/metrics"
	"github.com/clinicalops/chartflow/internal/pagestore"
	"github.com/clinicalops/chartflow/internal/resilience"
)

// CommitWriter commits one run's manifest, metrics, and encounter rows as a
// single all-or-nothing operation.
type CommitWriter interface {
	CommitRun(ctx context.Context, manifest *encounter.RunManifest, procMetrics *encounter.ProcessingMetrics) error
}

// Requeuer hands an exhausted run to a durable rescheduling mechanism so a
// transient outage does not lose the work item.
type Requeuer interface {
	PublishRunFailed(ctx context.Context, shellFileID string, chunkNumber int, reason string) error
}

// PageCountLookup reports the page count recorded for a document at ingest
// time, used to cross-check the page store before any inference spend.
type PageCountLookup interface {
	DocumentPageCount(ctx context.Context, shellFileID string) (int, error)
}

// Scheduler drives one document run: plan chunks, extract them strictly in
// order threading the handoff package between iterations, reconcile, and
// commit. One scheduler may serve many runs; per-run state lives on the
// stack of Run.
type Scheduler struct {
	cfg       config.PipelineCfg
	pages     pagestore.Store
	extractor *extract.Extractor
	envelope  *resilience.Envelope
	writer    CommitWriter
	requeue   Requeuer        // optional
	registry  PageCountLookup // optional
	metrics   *metrics.Pipeline
	logger    *slog.Logger
}

// SchedulerConfig wires a Scheduler's collaborators.
type SchedulerConfig struct {
	Pipeline  config.PipelineCfg
	Pages     pagestore.Store
	Extractor *extract.Extractor
	Envelope  *resilience.Envelope
	Writer    CommitWriter
	Requeue   Requeuer
	Registry  PageCountLookup
	Metrics   *metrics.Pipeline
	Logger    *slog.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg.Pipeline,
		pages:     cfg.Pages,
		extractor: cfg.Extractor,
		envelope:  cfg.Envelope,
		writer:    cfg.Writer,
		requeue:   cfg.Requeue,
		registry:  cfg.Registry,
		metrics:   cfg.Metrics,
		logger:    logger,
	}
}

// Run processes one document end to end and returns the committed manifest.
// Chunks are processed strictly sequentially: chunk N+1's extraction depends
// on chunk N's handoff package, so there is no valid parallel schedule for a
// single document. Failures surface as a single *RunError; no partial
// manifest is ever written.
func (s *Scheduler) Run(ctx context.Context, shellFileID string) (*encounter.RunManifest, error) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.RunsStarted.Inc()
	}

	var tel RunTelemetry
	fail := func(chunkNumber int, err error) (*encounter.RunManifest, error) {
		tel.Elapsed = time.Since(start)
		runErr := &RunError{
			ShellFileID: shellFileID,
			ChunkNumber: chunkNumber,
			Telemetry:   tel,
			Err:         err,
		}
		if s.metrics != nil {
			s.metrics.RunsFailed.Inc()
		}
		s.maybeRequeue(ctx, runErr)
		return nil, runErr
	}

	// Seed: fetch the OCR pages. Malformed input is fatal before any chunk
	// processing starts.
	var doc *encounter.Document
	err := s.envelope.Do(ctx, "pagestore.load", func(ctx context.Context) error {
		var err error
		doc, err = s.pages.LoadDocument(ctx, shellFileID)
		return err
	})
	if err != nil {
		return fail(0, fmt.Errorf("load document: %w", err))
	}

	// Cross-check the ingest-time registration before spending inference
	// budget. A missing row only warns; documents may be processed without
	// a prior ingest. A count mismatch means the page store and the
	// registration describe different documents, which is fatal.
	if s.registry != nil {
		registered, err := s.registry.DocumentPageCount(ctx, shellFileID)
		switch {
		case err != nil:
			s.logger.Warn("skipping page count check",
				"shell_file_id", shellFileID, "error", err)
		case registered != doc.TotalPages():
			return fail(0, fmt.Errorf("page store holds %d pages but %d were registered at ingest",
				doc.TotalPages(), registered))
		}
	}

	chunks, err := PlanChunks(doc.TotalPages(), s.cfg.ChunkSize)
	if err != nil {
		return fail(0, err)
	}

	s.logger.Info("run started",
		"shell_file_id", shellFileID,
		"total_pages", doc.TotalPages(),
		"total_chunks", len(chunks),
		"chunk_size", s.cfg.ChunkSize)

	gen := &TempIDGenerator{}
	handoff := &encounter.HandoffPackage{}
	var allDrafts []encounter.DraftEncounter

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return fail(chunk.ChunkNumber, err)
		}

		chunkStart := time.Now()
		pages := doc.Pages[chunk.StartPage-1 : chunk.EndPage]

		drafts, callTel, err := s.extractor.ExtractChunk(ctx, shellFileID, pages, chunk, handoff)
		tel.add(callTel.PromptTokens, callTel.CompletionTokens, callTel.TotalTokens, callTel.CostUSD, callTel.Model)
		if err != nil {
			return fail(chunk.ChunkNumber, fmt.Errorf("extract %s: %w", chunk, err))
		}

		InferBoundaryStatus(drafts, chunk, handoff)
		handoff = BuildHandoff(drafts, gen, s.logger)
		allDrafts = append(allDrafts, drafts...)

		tel.ChunksCompleted++
		if s.metrics != nil {
			s.metrics.ChunksProcessed.Inc()
			s.metrics.TokensUsed.Add(float64(callTel.TotalTokens))
			s.metrics.InferenceCost.Add(callTel.CostUSD)
			s.metrics.ChunkSeconds.Observe(time.Since(chunkStart).Seconds())
		}

		s.logger.Info("chunk processed",
			"shell_file_id", shellFileID,
			"chunk", chunk.ChunkNumber,
			"total_chunks", chunk.TotalChunks,
			"drafts", len(drafts),
			"pending_handoff", !handoff.Empty())
	}

	final := Reconcile(allDrafts, s.logger)

	manifest := &encounter.RunManifest{
		ShellFileID:       shellFileID,
		PatientID:         doc.PatientID,
		TotalPages:        doc.TotalPages(),
		TotalEncounters:   len(final),
		OCRConfidenceAvg:  averageOCRConfidence(doc),
		Model:             tel.Model,
		CostUSD:           tel.CostUSD,
		ProcessingSeconds: time.Since(start).Seconds(),
		Encounters:        final,
		CreatedAt:         time.Now().UTC(),
	}

	procMetrics := encounter.ComputeMetrics(final)
	procMetrics.InputTokens = tel.InputTokens
	procMetrics.OutputTokens = tel.OutputTokens
	procMetrics.TotalTokens = tel.TotalTokens

	commitStart := time.Now()
	err = s.envelope.Do(ctx, "datastore.commit", func(ctx context.Context) error {
		return s.writer.CommitRun(ctx, manifest, &procMetrics)
	})
	if err != nil {
		return fail(-1, fmt.Errorf("commit run: %w", err))
	}

	if s.metrics != nil {
		s.metrics.CommitSeconds.Observe(time.Since(commitStart).Seconds())
		s.metrics.RunsCompleted.Inc()
	}

	s.logger.Info("run committed",
		"shell_file_id", shellFileID,
		"encounters", len(final),
		"tokens", tel.TotalTokens,
		"cost_usd", tel.CostUSD,
		"elapsed", time.Since(start))

	return manifest, nil
}

// maybeRequeue hands an exhausted-retry failure to the durable requeue.
// Terminal and input failures are not requeued; re-running them blindly
// cannot succeed.
func (s *Scheduler) maybeRequeue(ctx context.Context, runErr *RunError) {
	if s.requeue == nil {
		return
	}
	var exhausted *resilience.ExhaustedError
	if !errors.As(runErr.Err, &exhausted) {
		return
	}

	if err := s.requeue.PublishRunFailed(ctx, runErr.ShellFileID, runErr.ChunkNumber, exhausted.Error()); err != nil {
		s.logger.Error("failed to requeue exhausted run",
			"shell_file_id", runErr.ShellFileID,
			"error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RunsRequeued.Inc()
	}
	s.logger.Warn("run requeued after retry exhaustion",
		"shell_file_id", runErr.ShellFileID,
		"chunk", runErr.ChunkNumber)
}

func averageOCRConfidence(doc *encounter.Document) float64 {
	if len(doc.Pages) == 0 {
		return 0
	}
	var sum float64
	for _, p := range doc.Pages {
		sum += p.Confidence
	}
	return sum / float64(len(doc.Pages))
}
