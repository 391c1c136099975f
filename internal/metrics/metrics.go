// Package metrics exposes prometheus instrumentation for the extraction
// pipeline. One Pipeline value is constructed at startup and threaded
// explicitly into the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline holds the pipeline's prometheus collectors.
type Pipeline struct {
	RunsStarted     prometheus.Counter
	RunsCompleted   prometheus.Counter
	RunsFailed      prometheus.Counter
	RunsRequeued    prometheus.Counter
	ChunksProcessed prometheus.Counter
	TokensUsed      prometheus.Counter
	InferenceCost   prometheus.Counter
	CommitSeconds   prometheus.Histogram
	ChunkSeconds    prometheus.Histogram
}

// NewPipeline creates and registers the pipeline collectors. Pass
// prometheus.DefaultRegisterer outside tests.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartflow_runs_started_total",
			Help: "Extraction runs started.",
		}),
		RunsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartflow_runs_completed_total",
			Help: "Extraction runs committed successfully.",
		}),
		RunsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartflow_runs_failed_total",
			Help: "Extraction runs that surfaced a terminal failure.",
		}),
		RunsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartflow_runs_requeued_total",
			Help: "Exhausted runs handed to the durable requeue.",
		}),
		ChunksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartflow_chunks_processed_total",
			Help: "Chunks extracted across all runs.",
		}),
		TokensUsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartflow_inference_tokens_total",
			Help: "Total tokens consumed by inference calls.",
		}),
		InferenceCost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartflow_inference_cost_usd_total",
			Help: "Accumulated inference cost in USD.",
		}),
		CommitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartflow_commit_duration_seconds",
			Help:    "Atomic manifest commit latency.",
			Buckets: prometheus.DefBuckets,
		}),
		ChunkSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartflow_chunk_duration_seconds",
			Help:    "Per-chunk extraction latency including retries.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			p.RunsStarted, p.RunsCompleted, p.RunsFailed, p.RunsRequeued,
			p.ChunksProcessed, p.TokensUsed, p.InferenceCost,
			p.CommitSeconds, p.ChunkSeconds,
		)
	}

	return p
}
