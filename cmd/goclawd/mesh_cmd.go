package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-core/internal/config"
	"github.com/nextlevelbuilder/goclaw-core/internal/mesh"
)

// meshCmd groups maintenance operations that don't need the daemon
// running, the way the teacher separates one-shot CLI maintenance
// (doctor.go, migrate.go) from the long-running gateway command.
func meshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mesh",
		Short: "mesh agent registry maintenance",
	}
	cmd.AddCommand(meshGCUnreachableCmd())
	return cmd
}

func meshGCUnreachableCmd() *cobra.Command {
	var afterHours int
	cmd := &cobra.Command{
		Use:   "gc-unreachable",
		Short: "remove agents that have been unreachable past the configured retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if afterHours <= 0 {
				afterHours = cfg.Mesh.UnreachableGCAfterHours
			}

			db, err := sql.Open("sqlite", cfg.Pulse.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			store := mesh.NewAgentStore(db)
			if err := store.Init(ctx); err != nil {
				return err
			}
			m := mesh.New(store)

			cutoff := time.Now().Add(-time.Duration(afterHours) * time.Hour)
			removed, err := m.GCUnreachable(ctx, cutoff)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d unreachable agent(s)\n", len(removed))
			for _, id := range removed {
				fmt.Println(" -", id)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&afterHours, "after-hours", 0, "override mesh.unreachableGcAfterHours for this run")
	return cmd
}
