package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clinicalops/chartflow/internal/config"
	"github.com/clinicalops/chartflow/internal/ingest"
	"github.com/clinicalops/chartflow/internal/store"
)

var (
	ingestShellFileID string
	ingestPatientID   string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <chart.pdf>",
	Short: "Register a source chart PDF so a run can be scheduled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		result, err := ingest.Register(ctx, db, args[0], ingestShellFileID, ingestPatientID, logger)
		if err != nil {
			return err
		}

		fmt.Printf("registered %s (%d pages)\n", result.ShellFileID, result.PageCount)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestShellFileID, "shell-file-id", "", "explicit shell file id (default: derived from filename)")
	ingestCmd.Flags().StringVar(&ingestPatientID, "patient-id", "", "patient identifier")
}
