package ranksheet

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testOptions() Options {
	return Options{
		Weights:   DefaultWeights(),
		Readiness: DefaultReadinessThresholds(),
		TopK:      3,
		Now:       func() time.Time { return time.Date(2024, 5, 8, 12, 0, 0, 0, time.UTC) },
	}
}

func TestValidateRowsRejectsBatch(t *testing.T) {
	rows := []CandidateRow{
		shareRow("B000000001", 1, 0.2, 0.2),
		shareRow("B000000002", 1, 0.2, 0.2),
		shareRow("bad", 0, 1.5, -0.1),
	}

	_, err := ValidateRows(rows)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Problems) < 4 {
		t.Fatalf("every problem should be reported, got %v", verr.Problems)
	}
}

func TestValidateRowsOrdersByRank(t *testing.T) {
	rows := []CandidateRow{
		shareRow("B000000003", 3, 0.1, 0.1),
		shareRow("B000000001", 1, 0.1, 0.1),
		shareRow("B000000002", 2, 0.1, 0.1),
	}
	ordered, err := ValidateRows(rows)
	if err != nil {
		t.Fatalf("valid rows rejected: %v", err)
	}
	for i, row := range ordered {
		if row.Rank != i+1 {
			t.Fatalf("row %d has rank %d", i, row.Rank)
		}
	}
	if rows[0].Rank != 3 {
		t.Fatal("input slice must not be reordered in place")
	}
}

func TestAssemble(t *testing.T) {
	img := "https://m.media-amazon.com/images/I/x.jpg"
	rows := []CandidateRow{
		{ASIN: "B000000001", Rank: 1, ClickShare: decimal.RequireFromString("0.4"), ConversionShare: decimal.RequireFromString("0.3"),
			Card: ProductCard{ASIN: "B000000001", Title: "Mug", Brand: "Acme", Image: img, ParentASIN: "P000000001"}},
		{ASIN: "B000000002", Rank: 2, ClickShare: decimal.RequireFromString("0.2"), ConversionShare: decimal.RequireFromString("0.2"),
			Card: ProductCard{ASIN: "B000000002", Title: "Mug", Brand: "Acme", Image: img, ParentASIN: "P000000001"}},
		{ASIN: "B000000003", Rank: 3, ClickShare: decimal.RequireFromString("0.1"), ConversionShare: decimal.RequireFromString("0.1"),
			Card: ProductCard{ASIN: "B000000003", Title: "Plate", Image: img}},
		{ASIN: "B000000004", Rank: 4, ClickShare: decimal.RequireFromString("0.05"), ConversionShare: decimal.RequireFromString("0.1"),
			Card: ProductCard{ASIN: "B000000004", Title: "Bowl"}},
	}
	previous := &Period{DataPeriod: "2024-05-01", Rows: []SanitizedRow{{Rank: 1, ASIN: "B000000003"}}}

	asm, err := Assemble("2024-05-08", rows, previous, testOptions())
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}

	p := asm.Period
	if p.DataPeriod != "2024-05-08" || p.ValidCount != 3 || len(p.Rows) != 3 {
		t.Fatalf("unexpected period: %+v", p)
	}
	if p.ReadinessLevel != ReadinessPartial || asm.Readiness.Ready != 2 {
		t.Fatalf("2 of 3 surviving rows have images, got %+v", asm.Readiness)
	}
	if len(asm.Readiness.MissingASINs) != 1 || asm.Readiness.MissingASINs[0] != "B000000004" {
		t.Fatalf("missing = %v", asm.Readiness.MissingASINs)
	}
	if !hasBadge(p.Rows[0], BadgeMultipleOptions) {
		t.Fatalf("parent group survivor should be multi-option: %v", p.Rows[0].Badges)
	}
	if p.Rows[1].ASIN != "B000000003" || p.Rows[1].TrendLabel != TrendFalling {
		t.Fatalf("B000000003 fell from 1 to 3: %+v", p.Rows[1])
	}
	if p.Rows[1].Rank != 3 {
		t.Fatal("ranks are upstream ranks and must not be renumbered")
	}
	if !p.UpdatedAt.Equal(time.Date(2024, 5, 8, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("updatedAt should come from the clock, got %s", p.UpdatedAt)
	}
}

func TestAssembleSamePeriodIsNotHistory(t *testing.T) {
	rows := []CandidateRow{shareRow("B000000001", 1, 0.1, 0.1)}
	previous := &Period{DataPeriod: "2024-05-08", Rows: []SanitizedRow{{Rank: 5, ASIN: "B000000001"}}}

	asm, err := Assemble("2024-05-08", rows, previous, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if asm.Period.Rows[0].TrendDelta != nil {
		t.Fatal("refreshing the same period must not compare against itself")
	}
}
