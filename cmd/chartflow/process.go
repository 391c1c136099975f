package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/clinicalops/chartflow/internal/config"
	"github.com/clinicalops/chartflow/internal/extract"
	"github.com/clinicalops/chartflow/internal/metrics"
	"github.com/clinicalops/chartflow/internal/pagestore"
	"github.com/clinicalops/chartflow/internal/pipeline"
	"github.com/clinicalops/chartflow/internal/providers"
	"github.com/clinicalops/chartflow/internal/queue"
	"github.com/clinicalops/chartflow/internal/resilience"
	"github.com/clinicalops/chartflow/internal/store"
)

var metricsAddr string

var processCmd = &cobra.Command{
	Use:   "process <shell-file-id>",
	Short: "Run the extraction pipeline for one document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		shellFileID := args[0]

		cm, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		cfg := cm.Get().Resolved()
		logger := newLogger(cfg.LogLevel)

		db, err := store.OpenDB(cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("open datastore: %w", err)
		}
		defer db.Close()

		ctx := cmd.Context()
		if err := store.EnsureSchema(ctx, db); err != nil {
			return err
		}

		if metricsAddr != "" {
			srv := metrics.NewServer(metricsAddr, prometheus.DefaultGatherer, logger)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("start metrics endpoint: %w", err)
			}
			defer srv.Shutdown(context.Background())
		}

		envelope := resilience.NewEnvelope(resilience.EnvelopeConfig{
			MaxAttempts:         uint(cfg.Pipeline.MaxAttempts),
			BackoffBase:         cfg.Pipeline.BackoffBase(),
			BackoffCap:          cfg.Pipeline.BackoffCap(),
			Logger:              logger,
			BreakerEnabled:      true,
			BreakerFailureRatio: cfg.Pipeline.BreakerRatio,
		})

		client := providers.NewOpenRouterClient(providers.OpenRouterConfig{
			APIKey:       cfg.Inference.APIKey,
			BaseURL:      cfg.Inference.BaseURL,
			DefaultModel: cfg.Inference.Model,
			Timeout:      cfg.Inference.Timeout(),
		})
		limiter := providers.NewRateLimiter(int(cfg.Inference.RateLimit))
		extractor := extract.NewExtractor(client, envelope, limiter, cfg.Inference.Model, logger)

		var requeue pipeline.Requeuer
		if cfg.NATS.Enabled {
			q, err := queue.New(cfg.NATS.URL, cfg.NATS.Subject, queue.Options{Logger: logger})
			if err != nil {
				return fmt.Errorf("connect requeue: %w", err)
			}
			defer q.Close()
			requeue = q
		}

		scheduler := pipeline.NewScheduler(pipeline.SchedulerConfig{
			Pipeline:  cfg.Pipeline,
			Pages:     pagestore.NewLocalStore(cfg.PageStore.Root),
			Extractor: extractor,
			Envelope:  envelope,
			Writer:    store.NewWriter(db, logger),
			Requeue:   requeue,
			Registry:  store.NewRegistry(db),
			Metrics:   metrics.NewPipeline(prometheus.DefaultRegisterer),
			Logger:    logger,
		})

		manifest, err := scheduler.Run(ctx, shellFileID)

		status := limiter.Status()
		logger.Debug("rate limiter after run",
			"tokens_available", status.TokensAvailable,
			"utilization", status.Utilization,
			"total_consumed", status.TotalConsumed,
			"total_waited", status.TotalWaited)

		if err != nil {
			return err
		}

		fmt.Printf("committed manifest for %s: %d encounters across %d pages (%.4f USD)\n",
			manifest.ShellFileID, manifest.TotalEncounters, manifest.TotalPages, manifest.CostUSD)
		return nil
	},
}

func init() {
	processCmd.Flags().StringVar(
		&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address for the run (e.g. :9090)",
	)
}
