package cli

import (
	"github.com/spf13/cobra"

	"ranksheet-engine/internal/app"
)

var runServe bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Refresh every enabled keyword on the configured schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), app.RunOptions{Serve: runServe})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the job and rank sheet HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&runServe, "serve", false, "Also expose the HTTP API while the scheduler runs")
}
