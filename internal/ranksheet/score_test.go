package ranksheet

import (
	"testing"

	"github.com/shopspring/decimal"
)

func shareRow(asin string, rank int, click, conv float64) CandidateRow {
	return CandidateRow{
		ASIN:            asin,
		Rank:            rank,
		ClickShare:      decimal.NewFromFloat(click),
		ConversionShare: decimal.NewFromFloat(conv),
		Card:            ProductCard{ASIN: asin},
	}
}

func TestNormalizeBoundsAndIndices(t *testing.T) {
	rows := []CandidateRow{
		shareRow("B000000001", 1, 0.30, 0.10),
		shareRow("B000000002", 2, 0.15, 0.40),
		shareRow("B000000003", 3, 0.00, 0.00),
		shareRow("B000000004", 4, 0.05, 0.02),
	}
	prev := map[string]int{"B000000001": 3, "B000000002": 1, "B000000004": 4}

	out := NewNormalizer(DefaultWeights()).Normalize(rows, prev, nil)
	if len(out) != len(rows) {
		t.Fatalf("expected %d rows, got %d", len(rows), len(out))
	}

	for _, row := range out {
		if row.Score < 1 || row.Score > 100 {
			t.Fatalf("%s score %d out of range", row.ASIN, row.Score)
		}
		if row.MarketShareIndex < 0 || row.MarketShareIndex > 100 {
			t.Fatalf("%s market share index %d out of range", row.ASIN, row.MarketShareIndex)
		}
		if row.BuyerTrustIndex < 0 || row.BuyerTrustIndex > 100 {
			t.Fatalf("%s buyer trust index %d out of range", row.ASIN, row.BuyerTrustIndex)
		}
		switch row.TrendLabel {
		case TrendRising, TrendFalling, TrendStable:
		default:
			t.Fatalf("%s unexpected label %q", row.ASIN, row.TrendLabel)
		}
	}

	if out[0].MarketShareIndex != 100 {
		t.Fatalf("max click share should map to 100, got %d", out[0].MarketShareIndex)
	}
	if out[1].MarketShareIndex != 50 {
		t.Fatalf("half of max click share should map to 50, got %d", out[1].MarketShareIndex)
	}
	if out[1].BuyerTrustIndex != 100 {
		t.Fatalf("max conversion share should map to 100, got %d", out[1].BuyerTrustIndex)
	}
	if out[2].Score != 1 {
		t.Fatalf("zero signal row should floor at 1, got %d", out[2].Score)
	}
}

func TestNormalizeTrendDelta(t *testing.T) {
	rows := []CandidateRow{
		shareRow("B000000001", 1, 0.3, 0.3),
		shareRow("B000000002", 2, 0.2, 0.2),
		shareRow("B000000003", 3, 0.1, 0.1),
		shareRow("B000000004", 4, 0.1, 0.1),
	}
	prev := map[string]int{"B000000001": 9, "B000000002": 1, "B000000003": 3}

	out := NewNormalizer(DefaultWeights()).Normalize(rows, prev, nil)

	if out[0].TrendDelta == nil || *out[0].TrendDelta != 8 || out[0].TrendLabel != TrendRising {
		t.Fatalf("improved rank should be rising with delta 8: %+v", out[0])
	}
	if out[1].TrendDelta == nil || *out[1].TrendDelta != -1 || out[1].TrendLabel != TrendFalling {
		t.Fatalf("worsened rank should be falling: %+v", out[1])
	}
	if out[2].TrendDelta == nil || *out[2].TrendDelta != 0 || out[2].TrendLabel != TrendStable {
		t.Fatalf("unchanged rank should be stable: %+v", out[2])
	}
	if out[3].TrendDelta != nil || out[3].TrendLabel != TrendStable {
		t.Fatalf("new entrant should have no delta and be stable: %+v", out[3])
	}
	if !hasBadge(out[0], BadgeRisingFast) || !hasBadge(out[0], BadgeTopRanked) {
		t.Fatalf("rank 1 with delta 8 should carry top and rising badges: %v", out[0].Badges)
	}
	if !hasBadge(out[3], BadgeNewEntrant) {
		t.Fatalf("new entrant badge missing: %v", out[3].Badges)
	}
}

func TestNormalizeTrendBonusIsCapped(t *testing.T) {
	rows := []CandidateRow{shareRow("B000000001", 1, 0.5, 0.5)}
	w := DefaultWeights()

	flat := NewNormalizer(w).Normalize(rows, map[string]int{"B000000001": 1}, nil)[0].Score
	jump := NewNormalizer(w).Normalize(rows, map[string]int{"B000000001": 500}, nil)[0].Score

	if flat != 100 || jump != 100 {
		t.Fatalf("score must cap at 100: flat=%d jump=%d", flat, jump)
	}

	rows = []CandidateRow{shareRow("B000000001", 1, 0.5, 0.5), shareRow("B000000002", 90, 0.01, 0.01)}
	fall := NewNormalizer(w).Normalize(rows, map[string]int{"B000000002": 1}, nil)[1]
	if fall.Score != 1 {
		t.Fatalf("heavy fall should floor at 1, got %d", fall.Score)
	}
}

func TestNormalizeMultipleOptionsBadge(t *testing.T) {
	rows := []CandidateRow{
		shareRow("B000000001", 1, 0.3, 0.3),
		shareRow("B000000002", 2, 0.2, 0.2),
	}
	multi := map[string]struct{}{"B000000002": {}}

	out := NewNormalizer(DefaultWeights()).Normalize(rows, nil, multi)
	if !hasBadge(out[1], BadgeMultipleOptions) {
		t.Fatalf("multi-option row should carry badge, got %v", out[1].Badges)
	}
	if hasBadge(out[0], BadgeMultipleOptions) {
		t.Fatalf("single option row must not carry badge, got %v", out[0].Badges)
	}
	if hasBadge(out[1], BadgeNewEntrant) {
		t.Fatal("without a previous period nothing is a new entrant")
	}
}

func hasBadge(row SanitizedRow, badge string) bool {
	for _, b := range row.Badges {
		if b == badge {
			return true
		}
	}
	return false
}
