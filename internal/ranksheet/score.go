package ranksheet

import (
	"github.com/shopspring/decimal"
)

// Weights tune the composite score. The exact upstream weighting is not
// published; these are product choices, only the bounds are contractual.
type Weights struct {
	MarketShare      float64 `mapstructure:"market_share_weight"`
	BuyerTrust       float64 `mapstructure:"buyer_trust_weight"`
	TrendStep        float64 `mapstructure:"trend_step"`
	TrendCap         float64 `mapstructure:"trend_cap"`
	StrongTrendDelta int     `mapstructure:"strong_trend_delta"`
}

// DefaultWeights returns the weights used when none are configured.
func DefaultWeights() Weights {
	return Weights{
		MarketShare:      0.6,
		BuyerTrust:       0.4,
		TrendStep:        2,
		TrendCap:         10,
		StrongTrendDelta: 5,
	}
}

const (
	minScore = 1
	maxScore = 100
	maxIndex = 100
)

var hundred = decimal.NewFromInt(100)

// Normalizer turns deduplicated candidate rows into sanitized, scored rows.
type Normalizer struct {
	weights  Weights
	mShare   decimal.Decimal
	bTrust   decimal.Decimal
	step     decimal.Decimal
	trendCap decimal.Decimal
}

// NewNormalizer builds a Normalizer from weights.
func NewNormalizer(w Weights) *Normalizer {
	return &Normalizer{
		weights:  w,
		mShare:   decimal.NewFromFloat(w.MarketShare),
		bTrust:   decimal.NewFromFloat(w.BuyerTrust),
		step:     decimal.NewFromFloat(w.TrendStep),
		trendCap: decimal.NewFromFloat(w.TrendCap).Abs(),
	}
}

// Normalize scores rows (rank ordered). previousRanks holds the prior period's
// ranks; an ASIN missing from it is a new entrant. multiOption flags ASINs that
// stand for several variants.
func (n *Normalizer) Normalize(rows []CandidateRow, previousRanks map[string]int, multiOption map[string]struct{}) []SanitizedRow {
	maxClick := decimal.Zero
	maxConv := decimal.Zero
	for _, row := range rows {
		if row.ClickShare.GreaterThan(maxClick) {
			maxClick = row.ClickShare
		}
		if row.ConversionShare.GreaterThan(maxConv) {
			maxConv = row.ConversionShare
		}
	}

	out := make([]SanitizedRow, 0, len(rows))
	for _, row := range rows {
		msi := scaleIndex(row.ClickShare, maxClick)
		bti := scaleIndex(row.ConversionShare, maxConv)

		var delta *int
		if prev, ok := previousRanks[row.ASIN]; ok && prev > 0 {
			d := prev - row.Rank
			delta = &d
		}

		sanitized := SanitizedRow{
			Rank:             row.Rank,
			ASIN:             row.ASIN,
			Title:            row.Card.Title,
			Brand:            row.Card.Brand,
			Image:            row.Card.Image,
			MarketShareIndex: msi,
			BuyerTrustIndex:  bti,
			TrendDelta:       delta,
			TrendLabel:       labelFor(delta),
			Score:            n.score(msi, bti, delta),
		}
		_, multi := multiOption[row.ASIN]
		sanitized.Badges = n.badges(sanitized, multi, len(previousRanks) > 0)
		out = append(out, sanitized)
	}
	return out
}

// scaleIndex maps value onto 0..100 relative to top.
func scaleIndex(value, top decimal.Decimal) int {
	if top.Sign() <= 0 || value.Sign() <= 0 {
		return 0
	}
	idx := value.Div(top).Mul(hundred).Round(0).IntPart()
	return clampInt(int(idx), 0, maxIndex)
}

func (n *Normalizer) score(msi, bti int, delta *int) int {
	composite := n.mShare.Mul(decimal.NewFromInt(int64(msi))).
		Add(n.bTrust.Mul(decimal.NewFromInt(int64(bti))))
	if delta != nil {
		bonus := n.step.Mul(decimal.NewFromInt(int64(*delta)))
		if bonus.GreaterThan(n.trendCap) {
			bonus = n.trendCap
		}
		if bonus.LessThan(n.trendCap.Neg()) {
			bonus = n.trendCap.Neg()
		}
		composite = composite.Add(bonus)
	}
	return clampInt(int(composite.Round(0).IntPart()), minScore, maxScore)
}

func (n *Normalizer) badges(row SanitizedRow, multi, hasHistory bool) []string {
	badges := make([]string, 0, 2)
	if row.Rank == 1 {
		badges = append(badges, BadgeTopRanked)
	}
	if multi {
		badges = append(badges, BadgeMultipleOptions)
	}
	if row.TrendDelta != nil && n.weights.StrongTrendDelta > 0 && *row.TrendDelta >= n.weights.StrongTrendDelta {
		badges = append(badges, BadgeRisingFast)
	}
	if row.TrendDelta == nil && hasHistory {
		badges = append(badges, BadgeNewEntrant)
	}
	return badges
}

func labelFor(delta *int) TrendLabel {
	switch {
	case delta == nil:
		return TrendStable
	case *delta > 0:
		return TrendRising
	case *delta < 0:
		return TrendFalling
	default:
		return TrendStable
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
