package cli

import (
	"github.com/spf13/cobra"

	"ranksheet-engine/internal/alerting"
)

var simulateKind string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "发送一条示例告警以验证告警通道",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), alerting.Kind(simulateKind))
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateKind, "kind", string(alerting.KindJobFinished), "告警类型: job_finished | readiness_critical | breaker_opened")
}
