// Package main is the entry point for pipegatectl, the PipeGate admin CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pipegate.io/pipegate/internal/cli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pipegatectl",
		Short: "pipegatectl - admission control for scheduled pipeline runs",
		Long: `pipegatectl manages a PipeGate server: request pipeline-run
admissions, inspect and cancel queued runs, report outcomes for
externally executed runs, and check per-organization quota.`,
	}

	rootCmd.AddCommand(cli.RunCmd())
	rootCmd.AddCommand(cli.QuotaCmd())
	rootCmd.AddCommand(cli.SweepCmd())
	rootCmd.AddCommand(cli.TokenCmd())
	rootCmd.AddCommand(cli.MigrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
