package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"ranksheet-engine/internal/ranksheet"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	Slug  string
	Limit int
}

// Show prints the latest published rank sheet of a keyword.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	kw, err := store.GetKeyword(ctx, opts.Slug)
	if err != nil {
		return err
	}
	periods, err := store.LoadRecentPeriods(ctx, opts.Slug, 1)
	if err != nil {
		return err
	}
	if len(periods) == 0 {
		fmt.Fprintf(a.Out, "no rank sheet published for %s (status %s)\n", kw.Slug, kw.Status)
		return nil
	}
	period := periods[0]

	fmt.Fprintf(a.Out, "%s  period %s  readiness %s  rows %d  updated %s\n",
		kw.Phrase, period.DataPeriod, period.ReadinessLevel, period.ValidCount, period.UpdatedAt.UTC().Format("2006-01-02 15:04"))

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Rank\tASIN\tScore\tShare\tTrust\tTrend\tBadges\tTitle")
	rows := period.Rows
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	for _, row := range rows {
		fmt.Fprintf(writer, "%d\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			row.Rank,
			row.ASIN,
			row.Score,
			row.MarketShareIndex,
			row.BuyerTrustIndex,
			formatTrend(row),
			strings.Join(row.Badges, ", "),
			truncate(sanitizeInline(row.Title), 60),
		)
	}
	return writer.Flush()
}

// TrendOptions configure the trend command.
type TrendOptions struct {
	Slug    string
	Top     int
	Periods int
}

// Trend prints rank trajectories of the current top ASINs.
func (a *App) Trend(ctx context.Context, opts TrendOptions) error {
	trend, err := a.loadTrend(ctx, opts.Slug, a.resolveTop(opts.Top), a.resolvePeriods(opts.Periods))
	if err != nil {
		return err
	}
	if len(trend.Periods) == 0 {
		fmt.Fprintf(a.Out, "no rank sheet published for %s\n", opts.Slug)
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "ASIN\t%s\n", strings.Join(trend.Periods, "\t"))
	for _, series := range trend.Series {
		cells := make([]string, len(series.Points))
		for i, point := range series.Points {
			cells[i] = "-"
			if point.Rank != nil {
				cells[i] = strconv.Itoa(*point.Rank)
			}
		}
		fmt.Fprintf(writer, "%s\t%s\n", series.ASIN, strings.Join(cells, "\t"))
	}
	return writer.Flush()
}

func (a *App) loadTrend(ctx context.Context, slug string, top, count int) (ranksheet.TrendOutput, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return ranksheet.TrendOutput{}, err
	}
	defer store.Close()

	if _, err := store.GetKeyword(ctx, slug); err != nil {
		return ranksheet.TrendOutput{}, err
	}
	periods, err := store.LoadRecentPeriods(ctx, slug, count)
	if err != nil {
		return ranksheet.TrendOutput{}, err
	}
	return ranksheet.BuildTrend(periods, top), nil
}

func (a *App) resolveTop(top int) int {
	if top > 0 {
		return top
	}
	return a.Config.Trend.Top
}

func (a *App) resolvePeriods(periods int) int {
	if periods > 0 {
		return min(periods, a.Config.Export.MaxPeriods)
	}
	return a.Config.Trend.Periods
}

func formatTrend(row ranksheet.SanitizedRow) string {
	if row.TrendDelta == nil {
		return string(row.TrendLabel)
	}
	return fmt.Sprintf("%s (%+d)", row.TrendLabel, *row.TrendDelta)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
