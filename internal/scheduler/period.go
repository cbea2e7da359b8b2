package scheduler

import (
	"time"

	"ranksheet-engine/internal/config"
	"ranksheet-engine/internal/ranksheet"
)

// PeriodFor returns the function mapping a wall-clock time to the data period
// that should be refreshed. Analytics lag behind real time, so lagDays are
// subtracted before the period start is taken. Weekly periods start on the
// ISO Monday.
func PeriodFor(granularity string, lagDays int) func(time.Time) string {
	return func(t time.Time) string {
		day := t.UTC().AddDate(0, 0, -lagDays)
		day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
		if granularity == config.GranularityWeekly {
			offset := (int(day.Weekday()) + 6) % 7
			day = day.AddDate(0, 0, -offset)
		}
		return day.Format(ranksheet.PeriodLayout)
	}
}
