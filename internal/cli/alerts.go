package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	alertsLimit    int
	alertsOpenOnly bool
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Display recent price-gap alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.AlertsOptions{
			Limit:    alertsLimit,
			OpenOnly: alertsOpenOnly,
		}

		return getApp().Alerts(cmd.Context(), opts)
	},
}

func init() {
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
	alertsCmd.Flags().BoolVar(&alertsOpenOnly, "open", false, "Show only alerts that are still open")
}
