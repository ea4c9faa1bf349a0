package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gasguard/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportHours     int
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export fee samples as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		to, err := parseOptionalTime("--to", exportTo)
		if err != nil {
			return err
		}
		opts.To = to

		switch {
		case exportFrom != "" && exportHours > 0:
			return fmt.Errorf("--from and --hours are mutually exclusive")
		case exportHours > 0:
			end := time.Now().UTC()
			if to != nil {
				end = *to
			}
			from := end.Add(-time.Duration(exportHours) * time.Hour)
			opts.From = &from
		default:
			if opts.From, err = parseOptionalTime("--from", exportFrom); err != nil {
				return err
			}
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func parseOptionalTime(flag, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	return &t, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().IntVar(&exportHours, "hours", 0, "Export the last N hours instead of --from")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
