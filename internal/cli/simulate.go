package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var simulateFee float64

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "以给定费用模拟一次告警检查",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateFee <= 0 {
			return errors.New("--fee 必须大于 0")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateFee, cmd.OutOrStdout())
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateFee, "fee", 0, "模拟费用 (gwei)")
}
