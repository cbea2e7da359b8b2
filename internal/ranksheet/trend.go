package ranksheet

import "sort"

// BuildTrend assembles rank trajectories for the ASINs holding the first top
// ranks of the most recent period. Absent observations stay nil.
func BuildTrend(periods []Period, top int) TrendOutput {
	out := TrendOutput{Periods: []string{}, Series: []TrendSeries{}}
	ordered := uniquePeriods(periods)
	for _, p := range ordered {
		out.Periods = append(out.Periods, p.DataPeriod)
	}
	if len(ordered) == 0 || top <= 0 {
		return out
	}

	latest := ordered[len(ordered)-1]
	leaders := make([]SanitizedRow, len(latest.Rows))
	copy(leaders, latest.Rows)
	sort.SliceStable(leaders, func(i, j int) bool { return leaders[i].Rank < leaders[j].Rank })
	if len(leaders) > top {
		leaders = leaders[:top]
	}

	ranks := make([]map[string]int, len(ordered))
	for i, p := range ordered {
		ranks[i] = p.Ranks()
	}

	for _, leader := range leaders {
		series := TrendSeries{ASIN: leader.ASIN, Points: make([]TrendPoint, 0, len(ordered))}
		for i, p := range ordered {
			point := TrendPoint{Period: p.DataPeriod}
			if rank, ok := ranks[i][leader.ASIN]; ok {
				r := rank
				point.Rank = &r
			}
			series.Points = append(series.Points, point)
		}
		out.Series = append(out.Series, series)
	}
	return out
}

// uniquePeriods sorts ascending by DataPeriod, keeping the most recently
// updated snapshot when a period appears twice.
func uniquePeriods(periods []Period) []Period {
	byPeriod := make(map[string]Period, len(periods))
	for _, p := range periods {
		if p.DataPeriod == "" {
			continue
		}
		if existing, ok := byPeriod[p.DataPeriod]; ok && !p.UpdatedAt.After(existing.UpdatedAt) {
			continue
		}
		byPeriod[p.DataPeriod] = p
	}
	ordered := make([]Period, 0, len(byPeriod))
	for _, p := range byPeriod {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].DataPeriod < ordered[j].DataPeriod })
	return ordered
}
