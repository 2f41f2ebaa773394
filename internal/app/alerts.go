package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Alerts prints recent alerts, newest first.
func (a *App) Alerts(ctx context.Context, opts AlertsOptions) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit, opts.OpenOnly)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "State\tSeverity\tSKU\tChannel\tCompetitor\tOwn\tTheirs\tGap%\tFirst seen (UTC)\tLast seen (UTC)")

	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.State,
			alert.Severity,
			alert.SKU,
			alert.Channel,
			sanitizeInline(alert.CompetitorName),
			formatDecimal(alert.OwnPrice, 2),
			formatDecimal(alert.CompetitorPrice, 2),
			formatDecimal(alert.GapRatio.Mul(decimal.NewFromInt(100)), 2),
			alert.FirstSeenAt.UTC().Format(time.RFC3339),
			alert.LastSeenAt.UTC().Format(time.RFC3339),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
