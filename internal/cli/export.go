package cli

import (
	"github.com/spf13/cobra"

	"ranksheet-engine/internal/app"
)

var (
	exportPNGPath    string
	exportCSVPath    string
	exportMaxPeriods int
	exportTop        int
)

var exportCmd = &cobra.Command{
	Use:   "export <slug>",
	Short: "Export rank history as CSV and/or PNG chart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Slug:       args[0],
			PNGPath:    exportPNGPath,
			CSVPath:    exportCSVPath,
			MaxPeriods: exportMaxPeriods,
			Top:        exportTop,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPeriods, "max-periods", 0, "Maximum periods to export (defaults to config)")
	exportCmd.Flags().IntVar(&exportTop, "top", 0, "Products charted in the PNG (defaults to config)")
}
