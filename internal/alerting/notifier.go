package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/rules"
)

// Event says which alert transition a notification announces.
type Event string

const (
	EventOpened   Event = "opened"
	EventRefresh  Event = "refreshed"
	EventResolved Event = "resolved"
)

// Notification carries one alert transition for delivery.
type Notification struct {
	Event Event
	Alert rules.Alert
}

// Notifier delivers alert transitions to an operator-facing channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes alert messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify renders the transition and calls the sendMessage API.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Str("event", string(note.Event)).
		Str("sku", note.Alert.SKU).
		Str("channel", note.Alert.Channel).
		Str("competitor", note.Alert.CompetitorName).
		Msg("alert dispatched (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	a := note.Alert
	builder := strings.Builder{}
	switch note.Event {
	case EventResolved:
		builder.WriteString("[PriceWatch Resolved]\n")
	case EventRefresh:
		builder.WriteString("[PriceWatch Still Open]\n")
	default:
		builder.WriteString(fmt.Sprintf("[PriceWatch Alert] %s\n", strings.ToUpper(a.Severity)))
	}
	builder.WriteString(fmt.Sprintf("SKU: %s\n", a.SKU))
	builder.WriteString(fmt.Sprintf("Channel: %s\n", a.Channel))
	builder.WriteString(fmt.Sprintf("Competitor: %s\n", a.CompetitorName))
	builder.WriteString(fmt.Sprintf("Own: %s / Competitor: %s\n", a.OwnPrice.StringFixed(2), a.CompetitorPrice.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Gap: %s%% (threshold %s%%)\n", gapPct(a), thresholdPct(a)))
	builder.WriteString(fmt.Sprintf("First seen: %s UTC\n", a.FirstSeenAt.UTC().Format(time.RFC3339)))
	if note.Event == EventResolved && a.ResolvedAt != nil {
		builder.WriteString(fmt.Sprintf("Resolved: %s UTC\n", a.ResolvedAt.UTC().Format(time.RFC3339)))
	}
	if a.CompetitorURL != "" {
		builder.WriteString(a.CompetitorURL)
	}
	return builder.String()
}

func gapPct(a rules.Alert) string {
	return a.GapRatio.Mul(hundred).StringFixed(2)
}

func thresholdPct(a rules.Alert) string {
	return a.Threshold.Mul(hundred).StringFixed(2)
}

var _ Notifier = (*TelegramNotifier)(nil)
