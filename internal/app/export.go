package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"ranksheet-engine/internal/ranksheet"
)

// ExportOptions hold parameters for exporting rank history.
type ExportOptions struct {
	Slug       string
	PNGPath    string
	CSVPath    string
	MaxPeriods int
	Top        int
}

// Export renders a keyword's recent periods as CSV and/or a PNG rank chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	maxPeriods := a.Config.ResolveMaxPeriods(opts.MaxPeriods)

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.GetKeyword(ctx, opts.Slug); err != nil {
		return err
	}
	periods, err := store.LoadRecentPeriods(ctx, opts.Slug, maxPeriods)
	if err != nil {
		return err
	}
	if len(periods) == 0 {
		a.Logger.Info().Str("keyword", opts.Slug).Msg("no periods found for export")
		return nil
	}
	a.Logger.Info().Str("keyword", opts.Slug).Int("periods", len(periods)).Msg("exporting rank history")

	if opts.CSVPath != "" {
		if err := writePeriodsCSV(opts.CSVPath, periods); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		trend := ranksheet.BuildTrend(periods, a.resolveTop(opts.Top))
		if err := writeTrendPNG(opts.PNGPath, opts.Slug, trend); err != nil {
			return err
		}
	}

	return nil
}

// writePeriodsCSV writes one line per published row, oldest period first.
func writePeriodsCSV(path string, periods []ranksheet.Period) error {
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

	header := []string{"data_period", "readiness", "rank", "asin", "title", "brand", "score", "market_share_index", "buyer_trust_index", "trend_delta", "trend_label", "badges"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for i := len(periods) - 1; i >= 0; i-- {
		period := periods[i]
		for _, row := range period.Rows {
			delta := ""
			if row.TrendDelta != nil {
				delta = strconv.Itoa(*row.TrendDelta)
			}
			record := []string{
				period.DataPeriod,
				string(period.ReadinessLevel),
				strconv.Itoa(row.Rank),
				row.ASIN,
				row.Title,
				row.Brand,
				strconv.Itoa(row.Score),
				strconv.Itoa(row.MarketShareIndex),
				strconv.Itoa(row.BuyerTrustIndex),
				delta,
				string(row.TrendLabel),
				strings.Join(row.Badges, "|"),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeTrendPNG charts rank per period for each series; rank 1 is drawn at
// the top and absent periods are left as gaps.
func writeTrendPNG(path, slug string, trend ranksheet.TrendOutput) error {
	if len(trend.Periods) < 2 {
		return errors.New("at least two periods are needed to draw a trend chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	dates := make(map[string]time.Time, len(trend.Periods))
	for _, p := range trend.Periods {
		t, err := time.Parse(ranksheet.PeriodLayout, p)
		if err != nil {
			return fmt.Errorf("parse period %q: %w", p, err)
		}
		dates[p] = t
	}

	maxRank := 1.0
	series := make([]chart.Series, 0, len(trend.Series))
	for _, s := range trend.Series {
		ts := chart.TimeSeries{Name: s.ASIN}
		for _, point := range s.Points {
			if point.Rank == nil {
				continue
			}
			ts.XValues = append(ts.XValues, dates[point.Period])
			ts.YValues = append(ts.YValues, float64(*point.Rank))
			maxRank = max(maxRank, float64(*point.Rank))
		}
		if len(ts.XValues) > 0 {
			series = append(series, ts)
		}
	}
	if len(series) == 0 {
		return errors.New("no ranked observations to chart")
	}

	rankFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Title:  "Rank trend: " + slug,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Rank",
			ValueFormatter: rankFormatter,
			Range:          &chart.ContinuousRange{Min: 1, Max: maxRank + 1, Descending: true},
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
