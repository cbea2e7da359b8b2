package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ranksheet-engine/internal/config"
	"ranksheet-engine/internal/jobs"
	"ranksheet-engine/internal/ranksheet"
)

// RefreshOptions select what a one-shot refresh covers. From and To, when
// set, backfill every period in the inclusive range oldest first.
type RefreshOptions struct {
	Slug        string
	Period      string
	From        string
	To          string
	Concurrency int
	Limit       int
}

// Refresh runs refresh jobs in the foreground and prints their outcome.
func (a *App) Refresh(ctx context.Context, opts RefreshOptions) error {
	periods, err := a.refreshPeriods(opts)
	if err != nil {
		return err
	}

	e, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer a.shutdown(e)

	failed := 0
	for _, period := range periods {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var sub jobs.Submission
		if opts.Slug != "" {
			sub, err = e.jobs.EnqueueRefreshOne(ctx, opts.Slug, period)
		} else {
			sub, err = e.jobs.EnqueueRefreshAll(ctx, jobs.RefreshAllRequest{
				Concurrency: a.Config.ResolveConcurrency(opts.Concurrency),
				Limit:       opts.Limit,
				Period:      period,
			})
		}
		if err != nil {
			return err
		}

		state, err := e.jobs.Wait(ctx, sub.JobID)
		if err != nil {
			return err
		}
		a.printJob(state)
		if state.Status != jobs.StatusSucceeded {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d refresh jobs did not fully succeed", failed, len(periods))
	}
	return nil
}

func (a *App) refreshPeriods(opts RefreshOptions) ([]string, error) {
	if opts.From == "" && opts.To == "" {
		return []string{opts.Period}, nil
	}
	if opts.Period != "" {
		return nil, errors.New("--period cannot be combined with --from/--to")
	}
	if opts.From == "" || opts.To == "" {
		return nil, errors.New("--from and --to must be provided together")
	}
	from, err := time.Parse(ranksheet.PeriodLayout, opts.From)
	if err != nil {
		return nil, fmt.Errorf("invalid --from value: %w", err)
	}
	to, err := time.Parse(ranksheet.PeriodLayout, opts.To)
	if err != nil {
		return nil, fmt.Errorf("invalid --to value: %w", err)
	}
	if to.Before(from) {
		return nil, errors.New("--from must not be after --to")
	}

	step := 1
	if a.Config.Jobs.PeriodGranularity == config.GranularityWeekly {
		step = 7
		// snap to the ISO Monday so every period matches what the scheduler writes
		from = from.AddDate(0, 0, -((int(from.Weekday()) + 6) % 7))
	}
	var periods []string
	for day := from; !day.After(to); day = day.AddDate(0, 0, step) {
		periods = append(periods, day.Format(ranksheet.PeriodLayout))
	}
	if limit := a.Config.Export.MaxPeriods; len(periods) > limit {
		return nil, fmt.Errorf("backfill range spans %d periods, more than the %d allowed", len(periods), limit)
	}
	return periods, nil
}

func (a *App) printJob(state jobs.JobState) {
	fmt.Fprintf(a.Out, "job %s  period %s  status %s  succeeded %d  failed %d  skipped %d\n",
		state.ID, state.Period, state.Status, state.Succeeded, len(state.Errors), len(state.Skipped))
	for _, kerr := range state.Errors {
		fmt.Fprintf(a.Out, "  %s: %s\n", kerr.Keyword, sanitizeInline(kerr.Error))
	}
	if state.Error != "" {
		fmt.Fprintf(a.Out, "  error: %s\n", sanitizeInline(state.Error))
	}
}
