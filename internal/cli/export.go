package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fxwatcher/internal/app"
)

var (
	exportBase      string
	exportQuote     string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a pair's sampled rates as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportBase == "" || exportQuote == "" {
			return errors.New("--base and --quote are required")
		}

		opts := app.ExportOptions{
			Base:      exportBase,
			Quote:     exportQuote,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportBase, "base", "", "Base currency code (e.g. EUR)")
	exportCmd.Flags().StringVar(&exportQuote, "quote", "", "Quote currency code (e.g. USD)")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
