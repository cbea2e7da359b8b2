package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ranksheet-engine/internal/app"
)

var (
	refreshPeriod      string
	refreshFrom        string
	refreshTo          string
	refreshConcurrency int
	refreshLimit       int
)

var refreshCmd = &cobra.Command{
	Use:   "refresh [slug]",
	Short: "Refresh one keyword or all enabled keywords now",
	Long:  "Refresh runs in the foreground and waits for the job. With --from/--to it backfills every period in the range, oldest first.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if refreshConcurrency < 0 || refreshLimit < 0 {
			return fmt.Errorf("--concurrency and --limit must not be negative")
		}
		opts := app.RefreshOptions{
			Period:      refreshPeriod,
			From:        refreshFrom,
			To:          refreshTo,
			Concurrency: refreshConcurrency,
			Limit:       refreshLimit,
		}
		if len(args) == 1 {
			opts.Slug = args[0]
		}
		return getApp().Refresh(cmd.Context(), opts)
	},
}

func init() {
	refreshCmd.Flags().StringVar(&refreshPeriod, "period", "", "Data period to refresh (YYYY-MM-DD, defaults to the current period)")
	refreshCmd.Flags().StringVar(&refreshFrom, "from", "", "First period of a backfill (YYYY-MM-DD, inclusive)")
	refreshCmd.Flags().StringVar(&refreshTo, "to", "", "Last period of a backfill (YYYY-MM-DD, inclusive)")
	refreshCmd.Flags().IntVar(&refreshConcurrency, "concurrency", 0, "Keywords refreshed in parallel (defaults to config)")
	refreshCmd.Flags().IntVar(&refreshLimit, "limit", 0, "Refresh at most this many keywords")
}
