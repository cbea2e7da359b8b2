package ranksheet

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ProductMetadata is the loose product payload returned by the analytics provider.
// Different upstream feeds populate different subsets of these fields.
type ProductMetadata struct {
	Title           string   `json:"title,omitempty"`
	ProductTitle    string   `json:"productTitle,omitempty"`
	ItemName        string   `json:"itemName,omitempty"`
	Brand           string   `json:"brand,omitempty"`
	BrandName       string   `json:"brandName,omitempty"`
	Manufacturer    string   `json:"manufacturer,omitempty"`
	Byline          string   `json:"byline,omitempty"`
	ImageURL        string   `json:"imageUrl,omitempty"`
	MainImage       string   `json:"mainImage,omitempty"`
	Images          []string `json:"images,omitempty"`
	Thumbnail       string   `json:"thumbnail,omitempty"`
	ImageHTML       string   `json:"imageHtml,omitempty"`
	ParentASIN      string   `json:"parentAsin,omitempty"`
	ParentASINUpper string   `json:"parentASIN,omitempty"`
	VariationParent string   `json:"variationParent,omitempty"`
	VariationGroup  string   `json:"variationGroup,omitempty"`
	VariationTheme  string   `json:"variationTheme,omitempty"`
}

type accessor func(ProductMetadata) string

var (
	titleChain = []accessor{
		func(m ProductMetadata) string { return m.Title },
		func(m ProductMetadata) string { return m.ProductTitle },
		func(m ProductMetadata) string { return m.ItemName },
	}
	brandChain = []accessor{
		func(m ProductMetadata) string { return m.Brand },
		func(m ProductMetadata) string { return m.BrandName },
		func(m ProductMetadata) string { return m.Manufacturer },
		func(m ProductMetadata) string { return brandFromByline(m.Byline) },
	}
	imageChain = []accessor{
		func(m ProductMetadata) string { return m.ImageURL },
		func(m ProductMetadata) string { return m.MainImage },
		func(m ProductMetadata) string {
			if len(m.Images) > 0 {
				return m.Images[0]
			}
			return ""
		},
		func(m ProductMetadata) string { return m.Thumbnail },
		func(m ProductMetadata) string { return imageFromHTML(m.ImageHTML) },
	}
	parentChain = []accessor{
		func(m ProductMetadata) string { return strings.ToUpper(m.ParentASIN) },
		func(m ProductMetadata) string { return strings.ToUpper(m.ParentASINUpper) },
		func(m ProductMetadata) string { return strings.ToUpper(m.VariationParent) },
	}
	variationChain = []accessor{
		func(m ProductMetadata) string { return m.VariationGroup },
		func(m ProductMetadata) string { return m.VariationTheme },
	}
)

// ExtractCard derives the canonical product card for asin. Each field takes the
// first non-empty value along its accessor chain.
func ExtractCard(asin string, meta ProductMetadata) ProductCard {
	asin = strings.ToUpper(strings.TrimSpace(asin))
	return ProductCard{
		ASIN:           asin,
		Title:          first(meta, titleChain),
		Brand:          first(meta, brandChain),
		Image:          first(meta, imageChain),
		ParentASIN:     first(meta, parentChain),
		VariationGroup: first(meta, variationChain),
	}
}

func first(meta ProductMetadata, chain []accessor) string {
	for _, get := range chain {
		if v := strings.TrimSpace(get(meta)); v != "" {
			return v
		}
	}
	return ""
}

var bylinePrefixes = []string{"visit the ", "brand: ", "by "}

func brandFromByline(byline string) string {
	b := strings.TrimSpace(byline)
	if b == "" {
		return ""
	}
	lower := strings.ToLower(b)
	for _, prefix := range bylinePrefixes {
		if strings.HasPrefix(lower, prefix) {
			b = b[len(prefix):]
			lower = lower[len(prefix):]
			break
		}
	}
	if strings.HasSuffix(lower, " store") {
		b = b[:len(b)-len(" store")]
	}
	return strings.TrimSpace(b)
}

func imageFromHTML(fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	img := doc.Find("img").First()
	return firstNonEmpty(
		img.AttrOr("data-old-hires", ""),
		img.AttrOr("src", ""),
	)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// ResolvableImage reports whether image is an absolute http(s) URL.
func ResolvableImage(image string) bool {
	image = strings.TrimSpace(image)
	if image == "" {
		return false
	}
	u, err := url.Parse(image)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
