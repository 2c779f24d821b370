package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"fxwatcher/internal/app"
)

var (
	simulateKind      string
	simulateBase      string
	simulateQuote     string
	simulateNotify    string
	simulateCurrent   float64
	simulatePast      float64
	simulateInterval  int
	simulateThreshold float64
	simulateBaseline  float64
	simulateTarget    float64
	simulateDirection string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Evaluate a synthetic rule against fixed rates and dispatch for real",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateCurrent <= 0 {
			return errors.New("--current must be greater than 0")
		}

		opts := app.SimulateOptions{
			Kind:         simulateKind,
			Base:         simulateBase,
			Quote:        simulateQuote,
			NotifyTarget: simulateNotify,
			CurrentRate:  simulateCurrent,
			PastRate:     simulatePast,
			IntervalDays: simulateInterval,
			ThresholdPct: simulateThreshold,
			BaselineRate: simulateBaseline,
			TargetRate:   simulateTarget,
			Direction:    simulateDirection,
		}

		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateKind, "kind", "deviation", "Rule kind: scheduled, deviation, or target")
	simulateCmd.Flags().StringVar(&simulateBase, "base", "EUR", "Base currency code")
	simulateCmd.Flags().StringVar(&simulateQuote, "quote", "USD", "Quote currency code")
	simulateCmd.Flags().StringVar(&simulateNotify, "notify", "", "Notify target (email address or channel handle)")
	simulateCmd.Flags().Float64Var(&simulateCurrent, "current", 0, "Current rate to evaluate against")
	simulateCmd.Flags().Float64Var(&simulatePast, "past", 0, "Historical rate for scheduled reports")
	simulateCmd.Flags().IntVar(&simulateInterval, "interval-days", 1, "Scheduled rule interval in days")
	simulateCmd.Flags().Float64Var(&simulateThreshold, "threshold", 0, "Deviation threshold in percent")
	simulateCmd.Flags().Float64Var(&simulateBaseline, "baseline", 0, "Deviation baseline rate")
	simulateCmd.Flags().Float64Var(&simulateTarget, "target", 0, "Target rate")
	simulateCmd.Flags().StringVar(&simulateDirection, "direction", "both", "Direction: up/down/both or above/below/exact")
}
