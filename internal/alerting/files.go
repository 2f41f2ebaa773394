package alerting

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/rules"
)

var hundred = decimal.NewFromInt(100)

// alertHeaders is the column layout of the sheet tabs the merchandising
// team reads (ALERTAS_ABIERTAS / ALERTAS_HISTORIAL).
var alertHeaders = []string{
	"timestamp",
	"sku",
	"canal",
	"tipo",
	"own_price",
	"min_competitor_price",
	"gap_pct",
	"detalle",
	"url_own",
	"url_min_competitor",
	"resuelta",
}

// FileSink mirrors alert state into CSV files shaped like the shared
// sheet tabs: the open file is rewritten with the full open set each
// run, the history file is appended with every transition. Either path
// may be empty to disable that tab.
type FileSink struct {
	openPath    string
	historyPath string
	logger      zerolog.Logger
}

// NewFileSink constructs a sink over the given paths.
func NewFileSink(openPath, historyPath string, logger zerolog.Logger) *FileSink {
	return &FileSink{
		openPath:    openPath,
		historyPath: historyPath,
		logger:      logger.With().Str("component", "alert_files").Logger(),
	}
}

// WriteOpen replaces the open-alerts file with the given set. The write
// is idempotent: running twice with the same set yields the same file.
func (s *FileSink) WriteOpen(alerts []rules.Alert) error {
	if s == nil || s.openPath == "" {
		return nil
	}
	if err := ensureDir(s.openPath); err != nil {
		return err
	}

	file, err := os.Create(s.openPath)
	if err != nil {
		return fmt.Errorf("create open alerts file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(alertHeaders); err != nil {
		return err
	}
	for _, alert := range alerts {
		if err := writer.Write(alertRecord(alert)); err != nil {
			return err
		}
	}

	s.logger.Debug().Int("alerts", len(alerts)).Str("path", s.openPath).Msg("open alerts file rewritten")
	return writer.Error()
}

// AppendHistory appends one row per transition to the history file,
// writing the header first if the file is new.
func (s *FileSink) AppendHistory(notes []Notification) error {
	if s == nil || s.historyPath == "" || len(notes) == 0 {
		return nil
	}
	if err := ensureDir(s.historyPath); err != nil {
		return err
	}

	info, statErr := os.Stat(s.historyPath)
	needHeader := statErr != nil || info.Size() == 0

	file, err := os.OpenFile(s.historyPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if needHeader {
		if err := writer.Write(alertHeaders); err != nil {
			return err
		}
	}
	for _, note := range notes {
		if err := writer.Write(alertRecord(note.Alert)); err != nil {
			return err
		}
	}

	s.logger.Debug().Int("rows", len(notes)).Str("path", s.historyPath).Msg("history file appended")
	return writer.Error()
}

func alertRecord(a rules.Alert) []string {
	resolved := "false"
	if a.State == rules.StateResolved {
		resolved = "true"
	}
	return []string{
		a.LastSeenAt.UTC().Format(time.RFC3339),
		a.SKU,
		a.Channel,
		"gap_" + a.Severity,
		a.OwnPrice.StringFixed(2),
		a.CompetitorPrice.StringFixed(2),
		gapPct(a),
		fmt.Sprintf("%s undercut by %s: own %s vs %s (gap %s%%)",
			a.SKU, a.CompetitorName, a.OwnPrice.StringFixed(2), a.CompetitorPrice.StringFixed(2), gapPct(a)),
		a.OwnURL,
		a.CompetitorURL,
		resolved,
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
