package ranksheet

import (
	"reflect"
	"testing"

	"github.com/shopspring/decimal"
)

func candidate(asin string, rank int, card ProductCard) CandidateRow {
	card.ASIN = asin
	return CandidateRow{
		ASIN:            asin,
		Rank:            rank,
		ClickShare:      decimal.NewFromFloat(0.1),
		ConversionShare: decimal.NewFromFloat(0.1),
		Card:            card,
	}
}

func asins(rows []CandidateRow) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ASIN)
	}
	return out
}

func TestDedupeParentGroupKeepsLowestRank(t *testing.T) {
	rows := []CandidateRow{
		candidate("B000000001", 1, ProductCard{Brand: "Acme", Title: "Kettle"}),
		candidate("B000000002", 2, ProductCard{ParentASIN: "P000000001", Title: "Mug red"}),
		candidate("B000000003", 3, ProductCard{Brand: "Other", Title: "Toaster"}),
		candidate("B000000004", 4, ProductCard{ParentASIN: "P000000001", Title: "Mug blue"}),
		candidate("B000000005", 5, ProductCard{ParentASIN: "P000000001", Title: "Mug green"}),
	}

	res := Dedupe(rows)

	if got, want := asins(res.Kept), []string{"B000000001", "B000000002", "B000000003"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("kept = %v, want %v", got, want)
	}
	if got, want := asins(res.Removed), []string{"B000000004", "B000000005"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("removed = %v, want %v", got, want)
	}
	if got := res.Siblings["B000000002"]; !reflect.DeepEqual(got, []string{"B000000004", "B000000005"}) {
		t.Fatalf("siblings = %v", got)
	}
	if _, ok := res.MultiOptionSet()["B000000002"]; !ok {
		t.Fatal("surviving parent row should be flagged as multiple options")
	}
}

func TestDedupeBrandTitleVariantDescriptor(t *testing.T) {
	rows := []CandidateRow{
		candidate("B000000001", 1, ProductCard{Brand: "Hydro Flask", Title: "Hydro Flask Wide Mouth Bottle, 32 oz, Black"}),
		candidate("B000000002", 2, ProductCard{Brand: "Yeti", Title: "Rambler Tumbler"}),
		candidate("B000000003", 3, ProductCard{Brand: "HYDRO FLASK", Title: "Hydro Flask Wide Mouth Bottle - 32 oz - Pacific"}),
		candidate("B000000004", 4, ProductCard{Brand: "hydro flask", Title: "Hydro Flask Wide Mouth Bottle, 32 oz, White"}),
	}

	res := Dedupe(rows)

	// "Pacific" is not a known descriptor so it stays a distinct product
	if got, want := asins(res.Kept), []string{"B000000001", "B000000002", "B000000003"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("kept = %v, want %v", got, want)
	}
	if got, want := asins(res.Removed), []string{"B000000004"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("removed = %v, want %v", got, want)
	}
}

func TestDedupeSingletonsWithoutBrandOrParent(t *testing.T) {
	rows := []CandidateRow{
		candidate("B000000001", 1, ProductCard{Title: "Same Title"}),
		candidate("B000000002", 2, ProductCard{Title: "Same Title"}),
		candidate("B000000003", 3, ProductCard{}),
	}

	res := Dedupe(rows)
	if len(res.Kept) != 3 || len(res.Removed) != 0 {
		t.Fatalf("rows without brand or parent must stay: kept=%d removed=%d", len(res.Kept), len(res.Removed))
	}
	if len(res.MultiOptionSet()) != 0 {
		t.Fatal("no multi-option rows expected")
	}
}

func TestDedupeParentTakesPriorityOverTitle(t *testing.T) {
	rows := []CandidateRow{
		candidate("B000000001", 1, ProductCard{Brand: "Acme", Title: "Desk Lamp", ParentASIN: "P000000001"}),
		candidate("B000000002", 2, ProductCard{Brand: "Acme", Title: "Desk Lamp", ParentASIN: "P000000002"}),
	}

	res := Dedupe(rows)
	if len(res.Kept) != 2 {
		t.Fatalf("different parents are different groups, kept=%v", asins(res.Kept))
	}
}

func TestDedupeSelfParentGroupsWithChildren(t *testing.T) {
	rows := []CandidateRow{
		{ASIN: "B000000001", Rank: 1, Card: ExtractCard("B000000001", ProductMetadata{Title: "Mug", ParentASIN: "B000000001"})},
		{ASIN: "B000000002", Rank: 2, Card: ExtractCard("B000000002", ProductMetadata{Title: "Mug red", ParentASIN: "B000000001"})},
		{ASIN: "B000000003", Rank: 3, Card: ExtractCard("B000000003", ProductMetadata{Title: "Lamp", ParentASIN: "B000000003"})},
	}

	res := Dedupe(rows)
	if got, want := asins(res.Kept), []string{"B000000001", "B000000003"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("kept = %v, want %v", got, want)
	}
	if got := res.Siblings["B000000001"]; !reflect.DeepEqual(got, []string{"B000000002"}) {
		t.Fatalf("parent listing should absorb its child, siblings = %v", got)
	}
	if _, ok := res.MultiOptionSet()["B000000003"]; ok {
		t.Fatal("a listing that is only its own parent has no other options")
	}
}

func TestTitleSignature(t *testing.T) {
	tests := []struct {
		a, b string
		same bool
	}{
		{"Yoga Mat, Purple, 6mm", "Yoga Mat - Blue - 6mm", true},
		{"Coffee Pods (Pack of 24)", "Coffee Pods 48 Count", true},
		{"Cotton T-Shirt Large", "Cotton T-Shirt XL", true},
		{"Protein Powder 2 lb", "Protein Powder 5 lbs", true},
		{"Wireless Mouse", "Wireless Keyboard", false},
		{"iPhone 15 Case", "iPhone 14 Case", false},
		{"USB-C Charger 2 in 1", "USB-C Charger 3 in 1", false},
		{"Anker 3-in-1 Cable", "Anker 4-in-1 Cable", false},
		{"Monitor Stand 24 in", "Monitor Stand 27 in", true},
	}
	for _, tt := range tests {
		got := TitleSignature(tt.a) == TitleSignature(tt.b)
		if got != tt.same {
			t.Fatalf("signature(%q)=%q vs signature(%q)=%q, same=%v want %v",
				tt.a, TitleSignature(tt.a), tt.b, TitleSignature(tt.b), got, tt.same)
		}
	}
}
