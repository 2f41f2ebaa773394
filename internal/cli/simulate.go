package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	simulateSKU        string
	simulateChannel    string
	simulateCompetitor string
	simulateOwn        float64
	simulateTheirs     float64
	simulateThreshold  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Push a synthetic price gap through the alert pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOwn <= 0 || simulateTheirs <= 0 {
			return errors.New("--own and --competitor-price must be greater than 0")
		}

		opts := app.SimulateOptions{
			SKU:             simulateSKU,
			Channel:         simulateChannel,
			Competitor:      simulateCompetitor,
			OwnPrice:        decimal.NewFromFloat(simulateOwn),
			CompetitorPrice: decimal.NewFromFloat(simulateTheirs),
			Threshold:       simulateThreshold,
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSKU, "sku", "TEST-SKU", "SKU for the synthetic alert")
	simulateCmd.Flags().StringVar(&simulateChannel, "channel", "falabella", "Channel for the synthetic alert")
	simulateCmd.Flags().StringVar(&simulateCompetitor, "competitor", "TiendaPrueba", "Competitor name")
	simulateCmd.Flags().Float64Var(&simulateOwn, "own", 0, "Our listed price")
	simulateCmd.Flags().Float64Var(&simulateTheirs, "competitor-price", 0, "Competitor's listed price")
	simulateCmd.Flags().Float64Var(&simulateThreshold, "threshold", 0, "Gap threshold ratio (defaults to the channel's)")
}
