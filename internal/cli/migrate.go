package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"pipegate.io/pipegate/internal/config"
	"pipegate.io/pipegate/internal/infrastructure"
)

// MigrateCmd returns the migrate command. It applies both the application
// schema and the job-queue schema against the configured database.
func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx := cmd.Context()
			db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()

			if err := db.AutoMigrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			fmt.Printf("%s migrations applied\n", color.New(color.FgGreen).Sprint("OK"))
			return nil
		},
	}
}
