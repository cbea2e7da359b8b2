package ranksheet

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductCard is the canonical product metadata derived from upstream fields.
// Empty strings mean the value was not available upstream.
type ProductCard struct {
	ASIN           string `json:"asin"`
	Title          string `json:"title,omitempty"`
	Brand          string `json:"brand,omitempty"`
	Image          string `json:"image,omitempty"`
	ParentASIN     string `json:"parentAsin,omitempty"`
	VariationGroup string `json:"variationGroup,omitempty"`
}

// CandidateRow is one ASIN signal as returned by the analytics provider.
type CandidateRow struct {
	ASIN            string          `json:"asin"`
	Rank            int             `json:"rank"`
	ClickShare      decimal.Decimal `json:"clickShare"`
	ConversionShare decimal.Decimal `json:"conversionShare"`
	Card            ProductCard     `json:"card"`
}

// TrendLabel describes the direction of rank movement between periods.
type TrendLabel string

const (
	TrendRising  TrendLabel = "Rising"
	TrendFalling TrendLabel = "Falling"
	TrendStable  TrendLabel = "Stable"
)

// Badge labels attached to sanitized rows.
const (
	BadgeTopRanked       = "Top ranked"
	BadgeMultipleOptions = "Multiple options"
	BadgeRisingFast      = "Rising fast"
	BadgeNewEntrant      = "New entrant"
)

// SanitizedRow is a scored row safe to publish; raw shares never leave the pipeline.
type SanitizedRow struct {
	Rank             int        `json:"rank"`
	ASIN             string     `json:"asin"`
	Title            string     `json:"title"`
	Brand            string     `json:"brand"`
	Image            string     `json:"image"`
	Score            int        `json:"score"`
	MarketShareIndex int        `json:"marketShareIndex"`
	BuyerTrustIndex  int        `json:"buyerTrustIndex"`
	TrendDelta       *int       `json:"trendDelta"`
	TrendLabel       TrendLabel `json:"trendLabel"`
	Badges           []string   `json:"badges"`
}

// ReadinessLevel grades the completeness of a period's top rows.
type ReadinessLevel string

const (
	ReadinessFull     ReadinessLevel = "FULL"
	ReadinessPartial  ReadinessLevel = "PARTIAL"
	ReadinessCritical ReadinessLevel = "CRITICAL"
)

// ReadinessResult is the outcome of ClassifyReadiness.
type ReadinessResult struct {
	Level        ReadinessLevel `json:"level"`
	Ready        int            `json:"ready"`
	TopK         int            `json:"topK"`
	MissingASINs []string       `json:"missingAsins"`
}

// PeriodLayout is the calendar format of Period.DataPeriod.
const PeriodLayout = "2006-01-02"

// Period is the rank sheet snapshot of one keyword for one reporting period.
type Period struct {
	DataPeriod     string         `json:"dataPeriod"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	ReadinessLevel ReadinessLevel `json:"readinessLevel"`
	ValidCount     int            `json:"validCount"`
	Rows           []SanitizedRow `json:"rows"`
}

// RankOf returns the rank of asin within the period.
func (p Period) RankOf(asin string) (int, bool) {
	for _, row := range p.Rows {
		if row.ASIN == asin {
			return row.Rank, true
		}
	}
	return 0, false
}

// Ranks maps every ASIN of the period to its rank.
func (p Period) Ranks() map[string]int {
	out := make(map[string]int, len(p.Rows))
	for _, row := range p.Rows {
		out[row.ASIN] = row.Rank
	}
	return out
}

// TrendPoint is a single period observation; Rank is nil when the ASIN was absent.
type TrendPoint struct {
	Period string `json:"period"`
	Rank   *int   `json:"rank"`
}

// TrendSeries is the rank trajectory of one ASIN.
type TrendSeries struct {
	ASIN   string       `json:"asin"`
	Points []TrendPoint `json:"points"`
}

// TrendOutput is the cross-period view produced by BuildTrend.
type TrendOutput struct {
	Periods []string      `json:"periods"`
	Series  []TrendSeries `json:"series"`
}
