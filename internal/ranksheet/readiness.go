package ranksheet

// ReadinessThresholds are the ready/topK ratios separating the levels.
type ReadinessThresholds struct {
	FullRatio     float64 `mapstructure:"full_ratio"`
	CriticalRatio float64 `mapstructure:"critical_ratio"`
}

// DefaultReadinessThresholds returns FULL at 90% and CRITICAL below 50%.
func DefaultReadinessThresholds() ReadinessThresholds {
	return ReadinessThresholds{FullRatio: 0.9, CriticalRatio: 0.5}
}

// ClassifyReadiness grades the first topK rows with the default thresholds.
func ClassifyReadiness(rows []SanitizedRow, topK int) ReadinessResult {
	return DefaultReadinessThresholds().Classify(rows, topK)
}

// Classify grades image completeness of the first topK rows. Rows past topK
// are ignored; a short window still divides by topK.
func (t ReadinessThresholds) Classify(rows []SanitizedRow, topK int) ReadinessResult {
	result := ReadinessResult{TopK: topK, MissingASINs: []string{}}
	if topK <= 0 {
		result.Level = ReadinessCritical
		return result
	}

	window := rows
	if len(window) > topK {
		window = window[:topK]
	}
	for _, row := range window {
		if ResolvableImage(row.Image) {
			result.Ready++
			continue
		}
		result.MissingASINs = append(result.MissingASINs, row.ASIN)
	}

	ratio := float64(result.Ready) / float64(topK)
	switch {
	case ratio >= t.FullRatio:
		result.Level = ReadinessFull
	case ratio < t.CriticalRatio:
		result.Level = ReadinessCritical
	default:
		result.Level = ReadinessPartial
	}
	return result
}
