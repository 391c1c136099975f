package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clinicalops/chartflow/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "chartflow",
	Short: "Clinical encounter extraction pipeline for multi-page medical documents",
	Long: `Chartflow ingests OCR'd multi-page medical documents and extracts discrete
clinical encounters (visits, admissions, procedures) using an external AI
inference service.

Large documents are split into page-range chunks processed strictly in
sequence; encounters spanning a chunk boundary are carried forward in a
handoff package, reconciled after the final chunk, and committed to Postgres
as a single atomic unit.`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.chartflow/config.yaml)",
	)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(initCmd)
}

// newLogger builds the process-wide JSON logger.
func newLogger(level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler).With("service", "chartflow")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
