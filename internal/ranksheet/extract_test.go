package ranksheet

import "testing"

func TestExtractCardFallbackChains(t *testing.T) {
	tests := []struct {
		name string
		meta ProductMetadata
		want ProductCard
	}{
		{
			name: "primary fields",
			meta: ProductMetadata{Title: "Desk Lamp", Brand: "Acme", ImageURL: "https://img/a.jpg", ParentASIN: "p000000001"},
			want: ProductCard{ASIN: "B000000001", Title: "Desk Lamp", Brand: "Acme", Image: "https://img/a.jpg", ParentASIN: "P000000001"},
		},
		{
			name: "secondary fields",
			meta: ProductMetadata{ProductTitle: "  Desk Lamp  ", BrandName: "Acme", Images: []string{"", "https://img/b.jpg"}, MainImage: "https://img/main.jpg", VariationTheme: "Color"},
			want: ProductCard{ASIN: "B000000001", Title: "Desk Lamp", Brand: "Acme", Image: "https://img/main.jpg", VariationGroup: "Color"},
		},
		{
			name: "byline brand and html image",
			meta: ProductMetadata{ItemName: "Desk Lamp", Byline: "Visit the Acme Store", ImageHTML: `<div><img data-old-hires="https://img/hires.jpg" src="https://img/lo.jpg"></div>`},
			want: ProductCard{ASIN: "B000000001", Title: "Desk Lamp", Brand: "Acme", Image: "https://img/hires.jpg"},
		},
		{
			name: "self parent kept for grouping",
			meta: ProductMetadata{Title: "Desk Lamp", VariationParent: "b000000001"},
			want: ProductCard{ASIN: "B000000001", Title: "Desk Lamp", ParentASIN: "B000000001"},
		},
		{
			name: "empty metadata",
			meta: ProductMetadata{},
			want: ProductCard{ASIN: "B000000001"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractCard(" b000000001 ", tt.meta)
			if got != tt.want {
				t.Fatalf("ExtractCard() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBrandFromByline(t *testing.T) {
	cases := map[string]string{
		"Visit the Anker Store": "Anker",
		"Brand: Lodge":          "Lodge",
		"by Penguin Books":      "Penguin Books",
		"Sony":                  "Sony",
		"":                      "",
	}
	for in, want := range cases {
		if got := brandFromByline(in); got != want {
			t.Fatalf("brandFromByline(%q) = %q, want %q", in, got, want)
		}
	}
}
