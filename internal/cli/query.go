package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"gasguard/internal/app"
)

var (
	historyHours     int
	recommendMessage string
	recommendWallet  string
	recommendContext string
)

var conditionsCmd = &cobra.Command{
	Use:   "conditions",
	Short: "Print the current fee, asset price, congestion and trend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Conditions(cmd.Context(), cmd.OutOrStdout())
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the fee series for the last hours",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyHours <= 0 {
			return fmt.Errorf("--hours must be greater than zero")
		}
		return getApp().History(cmd.Context(), historyHours, cmd.OutOrStdout())
	},
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Print the trend summary and the trained forecast",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Predict(cmd.Context(), cmd.OutOrStdout())
	},
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Retrain the prediction model once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Train(cmd.Context(), cmd.OutOrStdout())
	},
}

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Ask whether to execute now, wait or schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.RecommendOptions{
			Message: recommendMessage,
			Wallet:  recommendWallet,
		}
		if recommendContext != "" {
			if err := json.Unmarshal([]byte(recommendContext), &opts.Context); err != nil {
				return fmt.Errorf("invalid --context value: %w", err)
			}
		}
		return getApp().Recommend(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Keep the local monitor file fresh from the suggested-fees API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Monitor(cmd.Context())
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyHours, "hours", 24, "Lookback in hours")

	recommendCmd.Flags().StringVar(&recommendMessage, "message", "", "What you want to do")
	recommendCmd.Flags().StringVar(&recommendWallet, "wallet", "", "Wallet address to attribute savings to")
	recommendCmd.Flags().StringVar(&recommendContext, "context", "", "Extra conversation context as a JSON object")
	_ = recommendCmd.MarkFlagRequired("message")
}
