package cli

import (
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or feed the shared scheduler queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print pending, retrying and dead-lettered job counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().QueueStats(cmd.Context(), cmd.OutOrStdout())
	},
}

var queueTriggerCmd = &cobra.Command{
	Use:   "trigger <task>",
	Short: "Enqueue an immediate run of a recurring task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().TriggerTask(cmd.Context(), args[0], cmd.OutOrStdout())
	},
}

func init() {
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueTriggerCmd)
}
