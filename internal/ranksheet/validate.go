package ranksheet

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var asinPattern = regexp.MustCompile(`^[A-Z0-9]{10}$`)

// ValidationError rejects a whole candidate batch.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid candidate rows: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid candidate rows (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// ValidateRows checks the fetch batch and returns it ordered by rank ascending.
// Any malformed row rejects the batch; nothing is partially processed.
func ValidateRows(rows []CandidateRow) ([]CandidateRow, error) {
	var problems []string
	seenRank := make(map[int]string, len(rows))
	seenASIN := make(map[string]int, len(rows))

	for i, row := range rows {
		if !asinPattern.MatchString(row.ASIN) {
			problems = append(problems, fmt.Sprintf("row %d: malformed asin %q", i, row.ASIN))
		}
		if row.Rank < 1 {
			problems = append(problems, fmt.Sprintf("row %d (%s): rank %d must be >= 1", i, row.ASIN, row.Rank))
		} else if other, dup := seenRank[row.Rank]; dup {
			problems = append(problems, fmt.Sprintf("row %d (%s): rank %d already used by %s", i, row.ASIN, row.Rank, other))
		} else {
			seenRank[row.Rank] = row.ASIN
		}
		if prev, dup := seenASIN[row.ASIN]; dup && row.ASIN != "" {
			problems = append(problems, fmt.Sprintf("row %d: asin %s duplicates row %d", i, row.ASIN, prev))
		} else {
			seenASIN[row.ASIN] = i
		}
		if !unitInterval(row.ClickShare) {
			problems = append(problems, fmt.Sprintf("row %d (%s): click share %s outside [0,1]", i, row.ASIN, row.ClickShare))
		}
		if !unitInterval(row.ConversionShare) {
			problems = append(problems, fmt.Sprintf("row %d (%s): conversion share %s outside [0,1]", i, row.ASIN, row.ConversionShare))
		}
		if row.Card.ASIN != "" && row.Card.ASIN != row.ASIN {
			problems = append(problems, fmt.Sprintf("row %d (%s): card belongs to %s", i, row.ASIN, row.Card.ASIN))
		}
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	ordered := make([]CandidateRow, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Rank < ordered[j].Rank })
	return ordered, nil
}

func unitInterval(d decimal.Decimal) bool {
	return d.Sign() >= 0 && d.LessThanOrEqual(decimal.NewFromInt(1))
}
