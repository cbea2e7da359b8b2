package ranksheet

import "time"

// Options parameterise Assemble.
type Options struct {
	Weights   Weights
	Readiness ReadinessThresholds
	TopK      int
	Now       func() time.Time
}

// Assembly is everything produced for one period, kept for logging and alerts.
type Assembly struct {
	Period    Period
	Readiness ReadinessResult
	Dedupe    DedupeResult
}

// Assemble runs validation, dedupe, scoring and readiness in that order.
// previous may be nil when the keyword has no earlier period.
func Assemble(dataPeriod string, rows []CandidateRow, previous *Period, opts Options) (Assembly, error) {
	ordered, err := ValidateRows(rows)
	if err != nil {
		return Assembly{}, err
	}

	deduped := Dedupe(ordered)

	var previousRanks map[string]int
	if previous != nil && previous.DataPeriod != dataPeriod {
		previousRanks = previous.Ranks()
	}

	sanitized := NewNormalizer(opts.Weights).Normalize(deduped.Kept, previousRanks, deduped.MultiOptionSet())
	readiness := opts.Readiness.Classify(sanitized, opts.TopK)

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	return Assembly{
		Period: Period{
			DataPeriod:     dataPeriod,
			UpdatedAt:      now().UTC(),
			ReadinessLevel: readiness.Level,
			ValidCount:     len(sanitized),
			Rows:           sanitized,
		},
		Readiness: readiness,
		Dedupe:    deduped,
	}, nil
}
