package main

import (
	"os"

	"github.com/spf13/cobra"

	"presenca/internal/interfaces/cli/migrate"
	"presenca/internal/interfaces/cli/server"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "presenca",
		Short: "Presenca - consultation coordination service",
		Long:  `Presenca coordinates rate-limited partner consultations: daily quota accounting, a persisted work queue with background processing, and a serialized execution lane for the partner workflow.`,
	}

	rootCmd.AddCommand(
		server.NewCommand(),
		migrate.NewCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
