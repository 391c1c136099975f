package pipeline

import (
	"fmt"
	"time"
)

// RunTelemetry holds the running totals gathered across extraction calls.
// Attached to run failures for diagnostics; folded into the manifest on
// success.
type RunTelemetry struct {
	ChunksCompleted int
	InputTokens     int
	OutputTokens    int
	TotalTokens     int
	CostUSD         float64
	Model           string
	Elapsed         time.Duration
}

// add folds one extraction call's accounting into the totals.
func (t *RunTelemetry) add(promptTokens, completionTokens, totalTokens int, costUSD float64, model string) {
	t.InputTokens += promptTokens
	t.OutputTokens += completionTokens
	t.TotalTokens += totalTokens
	t.CostUSD += costUSD
	if model != "" {
		t.Model = model
	}
}

// RunError is the single structured failure a run surfaces. ChunkNumber is
// the chunk being processed when the run died (0 = before chunk processing,
// -1 = during the final commit). The partial telemetry is for diagnostic
// logging only; no manifest exists for a failed run.
type RunError struct {
	ShellFileID string
	ChunkNumber int
	Telemetry   RunTelemetry
	Err         error
}

func (e *RunError) Error() string {
	switch {
	case e.ChunkNumber > 0:
		return fmt.Sprintf("run failed for %s at chunk %d (after %d chunks, %d tokens): %v",
			e.ShellFileID, e.ChunkNumber, e.Telemetry.ChunksCompleted, e.Telemetry.TotalTokens, e.Err)
	case e.ChunkNumber < 0:
		return fmt.Sprintf("run failed for %s during commit: %v", e.ShellFileID, e.Err)
	default:
		return fmt.Sprintf("run failed for %s before chunk processing: %v", e.ShellFileID, e.Err)
	}
}

func (e *RunError) Unwrap() error { return e.Err }
