package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/alerting"
	"pricewatch/internal/rules"
	"pricewatch/internal/watchlist"
)

// SimulateAlert pushes a synthetic own/competitor pairing through the
// comparator, the alert engine, and the live notifier. Nothing is
// persisted; use it to verify alert routing end to end.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled in configuration")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	threshold := decimal.NewFromFloat(opts.Threshold)
	if threshold.Sign() <= 0 {
		threshold = decimal.NewFromFloat(a.Config.ChannelFor(opts.Channel).DefaultGapThreshold)
	}

	now := time.Now().UTC()
	own := watchlist.Entry{
		SKU:     opts.SKU,
		Channel: opts.Channel,
		Role:    watchlist.RoleOwn,
		URL:     "simulated://" + opts.SKU,
		Active:  true,
	}
	competitor := watchlist.Entry{
		SKU:            opts.SKU,
		Channel:        opts.Channel,
		Role:           watchlist.RoleCompetitor,
		URL:            "simulated://" + opts.SKU + "/" + opts.Competitor,
		CompetitorName: opts.Competitor,
		Active:         true,
	}
	observations := []watchlist.Observation{
		{Entry: own, Price: opts.OwnPrice, ObservedAt: now, Status: watchlist.StatusOK, Attempts: 1},
		{Entry: competitor, Price: opts.CompetitorPrice, ObservedAt: now, Status: watchlist.StatusOK, Attempts: 1},
	}

	verdicts, notices := rules.Compare(observations, rules.Thresholds{Fallback: threshold})
	for _, notice := range notices {
		a.Logger.Warn().Str("kind", string(notice.Kind)).Str("sku", notice.SKU).Msg("simulation notice")
	}
	if len(verdicts) == 0 {
		return errors.New("simulation produced no pairing; check the prices")
	}

	outcome := a.newEngine().Evaluate(nil, verdicts, now, "simulated")
	if outcome.Empty() {
		verdict := verdicts[0]
		hundred := decimal.NewFromInt(100)
		fmt.Printf("gap %s%% within threshold %s%%; no alert\n",
			verdict.GapRatio.Mul(hundred).StringFixed(2),
			verdict.Threshold.Mul(hundred).StringFixed(2))
		return nil
	}

	for _, alert := range outcome.Opened {
		if err := notifier.Notify(ctx, alerting.Notification{Event: alerting.EventOpened, Alert: alert}); err != nil {
			return err
		}
		fmt.Printf("sent %s alert for %s on %s vs %s\n", alert.Severity, alert.SKU, alert.Channel, alert.CompetitorName)
	}
	return nil
}
