package watchlist

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Source loads the watchlist snapshot a run operates on.
type Source interface {
	LoadWatchlist(ctx context.Context) ([]Entry, error)
}

// Column names accepted in watchlist files. They match the headers the
// merchandising team maintains in the shared sheet export.
const (
	colSKU        = "sku"
	colChannel    = "canal"
	colRole       = "rol"
	colURL        = "url"
	colCompetitor = "competitor_name"
	colFrequency  = "frecuencia_minutos"
	colThreshold  = "umbral_gap"
	colActive     = "activo"
)

const defaultFrequencyMinutes = 60

// CSVSource reads watchlist entries from a headered CSV file.
// Rows that fail validation are logged and skipped, never fatal.
type CSVSource struct {
	path   string
	logger zerolog.Logger
}

var _ Source = (*CSVSource)(nil)

// NewCSVSource builds a source over the given file path.
func NewCSVSource(path string, logger zerolog.Logger) *CSVSource {
	return &CSVSource{
		path:   path,
		logger: logger.With().Str("component", "watchlist").Str("path", path).Logger(),
	}
}

// LoadWatchlist parses the file into entries.
func (s *CSVSource) LoadWatchlist(ctx context.Context) ([]Entry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open watchlist: %w", err)
	}
	defer f.Close()

	entries, skipped, err := parseCSV(f)
	if err != nil {
		return nil, err
	}
	for _, sk := range skipped {
		s.logger.Warn().Int("line", sk.line).Str("reason", sk.reason).Msg("skipping watchlist row")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.logger.Debug().Int("entries", len(entries)).Int("skipped", len(skipped)).Msg("watchlist loaded")
	return entries, nil
}

type skippedRow struct {
	line   int
	reason string
}

func parseCSV(r io.Reader) ([]Entry, []skippedRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("watchlist file is empty")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read watchlist header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{colSKU, colChannel, colRole, colURL} {
		if _, ok := cols[required]; !ok {
			return nil, nil, fmt.Errorf("watchlist header missing column %q", required)
		}
	}

	field := func(record []string, name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	var (
		entries []Entry
		skipped []skippedRow
	)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped = append(skipped, skippedRow{line: line, reason: err.Error()})
			continue
		}
		if isBlank(record) {
			continue
		}

		role, err := ParseRole(field(record, colRole))
		if err != nil {
			skipped = append(skipped, skippedRow{line: line, reason: err.Error()})
			continue
		}

		entry := Entry{
			SKU:              field(record, colSKU),
			Channel:          strings.ToLower(field(record, colChannel)),
			Role:             role,
			URL:              field(record, colURL),
			CompetitorName:   field(record, colCompetitor),
			FrequencyMinutes: parseIntDefault(field(record, colFrequency), defaultFrequencyMinutes),
			GapThreshold:     parseDecimalDefault(field(record, colThreshold), decimal.Zero),
			Active:           parseBoolDefault(field(record, colActive), true),
		}
		if err := entry.Validate(); err != nil {
			skipped = append(skipped, skippedRow{line: line, reason: err.Error()})
			continue
		}
		entries = append(entries, entry)
	}

	return entries, skipped, nil
}

func isBlank(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseDecimalDefault(s string, def decimal.Decimal) decimal.Decimal {
	if s == "" {
		return def
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
	if err != nil || d.IsNegative() {
		return def
	}
	return d
}

func parseBoolDefault(s string, def bool) bool {
	switch strings.ToLower(s) {
	case "":
		return def
	case "1", "true", "si", "sí", "yes", "y", "verdadero":
		return true
	case "0", "false", "no", "n", "falso":
		return false
	default:
		return def
	}
}
