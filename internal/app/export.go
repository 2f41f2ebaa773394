package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"pricewatch/internal/storage"
)

// Export renders gap-verdict history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.PNGPath != "" && opts.SKU == "" {
		return errors.New("--png requires --sku; one chart covers one product")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	rows, err := store.ListVerdictsBetween(ctx, from, to, opts.SKU, opts.Channel)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Msg("no verdicts found for export window")
		return nil
	}

	downsampled := downsampleVerdicts(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting verdicts")

	if opts.CSVPath != "" {
		if err := writeVerdictsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeVerdictsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleVerdicts(rows []storage.VerdictRow, max int) []storage.VerdictRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}

	result := make([]storage.VerdictRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeVerdictsCSV(path string, rows []storage.VerdictRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "sku", "canal", "competitor_name", "own_price", "competitor_price", "gap_pct", "threshold_pct", "exceeds"}
	if err := writer.Write(header); err != nil {
		return err
	}

	hundred := decimal.NewFromInt(100)
	for _, row := range rows {
		record := []string{
			row.CreatedAt.UTC().Format(time.RFC3339),
			row.SKU,
			row.Channel,
			row.CompetitorName,
			row.OwnPrice.String(),
			row.CompetitorPrice.String(),
			row.GapRatio.Mul(hundred).StringFixed(2),
			row.Threshold.Mul(hundred).StringFixed(2),
			strconv.FormatBool(row.Exceeds),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// writeVerdictsPNG charts gap percent over time, one series per
// competitor the SKU was paired against.
func writeVerdictsPNG(path string, rows []storage.VerdictRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	byCompetitor := make(map[string][]storage.VerdictRow)
	for _, row := range rows {
		byCompetitor[row.CompetitorName] = append(byCompetitor[row.CompetitorName], row)
	}

	names := make([]string, 0, len(byCompetitor))
	for name := range byCompetitor {
		names = append(names, name)
	}
	sort.Strings(names)

	series := make([]chart.Series, 0, len(names))
	for _, name := range names {
		points := byCompetitor[name]
		x := make([]time.Time, len(points))
		y := make([]float64, len(points))
		for i, point := range points {
			x[i] = point.CreatedAt
			y[i] = point.GapRatio.InexactFloat64() * 100
		}
		series = append(series, chart.TimeSeries{
			Name:    name,
			XValues: x,
			YValues: y,
		})
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f%%")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Gap vs own price",
			ValueFormatter: pctFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
