package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ranksheet-engine/internal/app"
)

var (
	showLimit    int
	trendTop     int
	trendPeriods int
)

var showCmd = &cobra.Command{
	Use:   "show <slug>",
	Short: "Display the latest rank sheet of a keyword",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Show(cmd.Context(), app.ShowOptions{Slug: args[0], Limit: showLimit})
	},
}

var trendCmd = &cobra.Command{
	Use:   "trend <slug>",
	Short: "Display rank trajectories of a keyword's top products",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if trendTop < 0 || trendPeriods < 0 {
			return fmt.Errorf("--top and --periods must not be negative")
		}
		return getApp().Trend(cmd.Context(), app.TrendOptions{Slug: args[0], Top: trendTop, Periods: trendPeriods})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	trendCmd.Flags().IntVar(&trendTop, "top", 0, "Number of top products to follow (defaults to config)")
	trendCmd.Flags().IntVar(&trendPeriods, "periods", 0, "Number of recent periods (defaults to config)")
}
