package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clinicalops/chartflow/internal/config"
	"github.com/clinicalops/chartflow/internal/store"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the local development Postgres container",
}

var dbStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Postgres container (creates it if needed)",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := dockerManager()
		if err != nil {
			return err
		}
		defer m.Close()

		if err := m.Start(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("postgres ready at %s\n", m.DSN())
		return nil
	},
}

var dbStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the Postgres container",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := dockerManager()
		if err != nil {
			return err
		}
		defer m.Close()
		return m.Stop(cmd.Context())
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Postgres container status",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := dockerManager()
		if err != nil {
			return err
		}
		defer m.Close()

		status, err := m.Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil
	},
}

func dockerManager() (*store.DockerManager, error) {
	cm, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg := cm.Get()

	return store.NewDockerManager(store.DockerConfig{
		ContainerName: cfg.Postgres.ContainerName,
		Image:         cfg.Postgres.Image,
		HostPort:      cfg.Postgres.Port,
	})
}

func init() {
	dbCmd.AddCommand(dbStartCmd)
	dbCmd.AddCommand(dbStopCmd)
	dbCmd.AddCommand(dbStatusCmd)
}
