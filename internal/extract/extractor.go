package extract

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clinicalops/chartflow/internal/encounter"
	"github.com/clinicalops/chartflow/internal/providers"
	"github.com/clinicalops/chartflow/internal/resilience"
)

// Telemetry is the per-call cost accounting returned with each chunk.
type Telemetry struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	Model            string
	Duration         time.Duration
	Attempted        bool
}

// Extractor invokes the inference service for one chunk at a time. All
// calls go through the retry envelope; the rate limiter is scoped to the
// owning pipeline run.
type Extractor struct {
	client   providers.InferenceClient
	envelope *resilience.Envelope
	limiter  *providers.RateLimiter
	model    string
	logger   *slog.Logger
}

// NewExtractor creates an extractor bound to one run's limiter and envelope.
func NewExtractor(client providers.InferenceClient, envelope *resilience.Envelope, limiter *providers.RateLimiter, model string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		client:   client,
		envelope: envelope,
		limiter:  limiter,
		model:    model,
		logger:   logger,
	}
}

// ExtractChunk runs extraction for one chunk's pages with the incoming
// handoff context. Retries resend identical input under a deterministic
// request ID so the call is idempotent from the service's perspective.
// Single-chunk documents never carry handoff context.
func (e *Extractor) ExtractChunk(ctx context.Context, shellFileID string, pages []encounter.Page, chunk encounter.Chunk, handoff *encounter.HandoffPackage) ([]encounter.DraftEncounter, Telemetry, error) {
	if chunk.TotalChunks == 1 {
		// No boundary to span, nothing to hand off.
		handoff = nil
	}

	req := &providers.ExtractionRequest{
		Messages:    buildMessages(pages, chunk, handoff),
		Model:       e.model,
		Temperature: 0,
		RequestID:   fmt.Sprintf("%s-chunk-%d", shellFileID, chunk.ChunkNumber),
		ResponseFormat: &providers.ResponseFormat{
			Type:       "json_schema",
			JSONSchema: ResponseFormatSchema(),
		},
	}

	var result *providers.ExtractionResult

	err := e.envelope.Do(ctx, "inference.extract", func(ctx context.Context) error {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		res, err := e.client.Extract(ctx, req)
		if err != nil {
			if he, ok := err.(*providers.HTTPError); ok && he.Status == 429 && e.limiter != nil {
				e.limiter.Record429(he.RetryAfter)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, Telemetry{Attempted: true}, err
	}

	tel := Telemetry{
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,
		CostUSD:          result.CostUSD,
		Model:            result.ModelUsed,
		Duration:         result.ExecutionTime,
		Attempted:        true,
	}

	raw := result.ParsedJSON
	if len(raw) == 0 {
		raw = []byte(result.Content)
	}

	drafts, err := decodeDrafts(raw, chunk)
	if err != nil {
		return nil, tel, err
	}

	e.logger.Debug("chunk extracted",
		"shell_file_id", shellFileID,
		"chunk", chunk.ChunkNumber,
		"drafts", len(drafts),
		"tokens", tel.TotalTokens)

	return drafts, tel, nil
}
