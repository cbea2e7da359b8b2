package ranksheet

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// DedupeResult partitions the input rows. Both slices keep the input order.
type DedupeResult struct {
	Kept    []CandidateRow
	Removed []CandidateRow
	// Siblings maps a kept ASIN to the ASINs collapsed into it.
	Siblings map[string][]string
}

// MultiOptionSet returns the kept ASINs that stand for several purchasable options.
func (r DedupeResult) MultiOptionSet() map[string]struct{} {
	out := make(map[string]struct{}, len(r.Siblings))
	for asin, removed := range r.Siblings {
		if len(removed) > 0 {
			out[asin] = struct{}{}
		}
	}
	for _, row := range r.Kept {
		if row.Card.VariationGroup != "" {
			out[row.ASIN] = struct{}{}
		}
	}
	return out
}

// Dedupe collapses variants of the same product. rows are expected in rank
// order; within each group only the lowest-rank row survives.
func Dedupe(rows []CandidateRow) DedupeResult {
	ordered := make([]CandidateRow, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Rank < ordered[j].Rank })

	result := DedupeResult{
		Kept:     make([]CandidateRow, 0, len(ordered)),
		Removed:  make([]CandidateRow, 0),
		Siblings: make(map[string][]string),
	}

	keeper := make(map[string]string)
	for _, row := range ordered {
		key := groupKey(row.Card)
		if key == "" {
			result.Kept = append(result.Kept, row)
			continue
		}
		if kept, seen := keeper[key]; seen {
			result.Removed = append(result.Removed, row)
			result.Siblings[kept] = append(result.Siblings[kept], row.ASIN)
			continue
		}
		keeper[key] = row.ASIN
		result.Kept = append(result.Kept, row)
	}
	return result
}

// groupKey returns "" for rows that must stay singletons.
func groupKey(card ProductCard) string {
	if card.ParentASIN != "" {
		return "parent:" + card.ParentASIN
	}
	brand := NormalizeBrand(card.Brand)
	if brand == "" {
		return ""
	}
	signature := TitleSignature(card.Title)
	if signature == "" {
		return ""
	}
	return "title:" + brand + "|" + signature
}

// NormalizeBrand folds a brand name for comparison.
func NormalizeBrand(brand string) string {
	return strings.Join(tokenize(brand), " ")
}

// TitleSignature reduces a title to its sorted significant tokens, dropping
// stopwords and variant descriptors such as colors, sizes and pack counts.
func TitleSignature(title string) string {
	tokens := tokenize(title)
	kept := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if skip := descriptorRun(tokens, i); skip > 0 {
			i += skip - 1
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		if _, variant := variantDescriptors[tok]; variant {
			continue
		}
		if compactMeasure.MatchString(tok) {
			continue
		}
		kept = append(kept, tok)
	}
	sort.Strings(kept)
	return strings.Join(kept, " ")
}

// descriptorRun reports how many tokens starting at i form a pack count or a
// measurement ("pack of 2", "2 pack", "16 oz").
func descriptorRun(tokens []string, i int) int {
	tok := tokens[i]
	next := func(k int) string {
		if i+k < len(tokens) {
			return tokens[i+k]
		}
		return ""
	}
	if isNumber(tok) {
		if _, ok := packUnits[next(1)]; ok {
			return 2
		}
		// "2 in 1" names a product, not a length
		if _, ok := measureUnits[next(1)]; ok && (next(1) != "in" || !isNumber(next(2))) {
			return 2
		}
		if next(1) == "x" && isNumber(next(2)) {
			return 3
		}
	}
	if _, ok := packNouns[tok]; ok && next(1) == "of" && isNumber(next(2)) {
		return 3
	}
	return 0
}

func tokenize(s string) []string {
	s = strings.ToLower(norm.NFKC.String(s))
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return r
		case r == '.':
			// keep decimals such as 1.5 together; stray dots are trimmed below
			return r
		default:
			return ' '
		}
	}, s)
	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func isNumber(tok string) bool {
	if tok == "" {
		return false
	}
	dot := false
	for _, r := range tok {
		if r == '.' && !dot {
			dot = true
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var compactMeasure = regexp.MustCompile(`^\d+(\.\d+)?(oz|floz|ml|l|g|kg|lb|lbs|in|inch|inches|cm|mm|ft|pk|pack|ct|count|pcs|pc|x)$`)

func wordSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

var (
	stopwords = wordSet("a", "an", "the", "and", "or", "for", "with", "of", "in", "on", "to", "by", "from", "at", "new", "edition", "version")

	variantDescriptors = wordSet(
		// colors
		"black", "white", "red", "blue", "green", "yellow", "orange", "purple", "pink", "brown",
		"grey", "gray", "silver", "gold", "beige", "navy", "teal", "ivory", "cream", "charcoal",
		"clear", "transparent", "multicolor", "multicolored", "rose", "tan", "khaki", "burgundy",
		"olive", "turquoise", "coral", "light", "dark", "matte", "glossy", "color", "colour",
		// sizes
		"xs", "s", "m", "l", "xl", "xxl", "xxxl", "2xl", "3xl", "small", "medium", "large",
		"mini", "regular", "big", "extra", "oversized", "petite", "size", "twin", "full", "queen", "king",
		// pack words
		"pack", "packs", "count", "ct", "pcs", "pc", "piece", "pieces", "set", "pk", "bundle",
		// stray units
		"oz", "fl", "ml",
	)

	packUnits    = wordSet("pack", "packs", "pk", "count", "ct", "pcs", "pc", "piece", "pieces", "set", "sets", "bundle")
	packNouns    = wordSet("pack", "set", "case", "box", "bundle", "bag")
	measureUnits = wordSet("oz", "floz", "fl", "ml", "l", "liter", "liters", "g", "gram", "grams", "kg", "lb", "lbs", "pound", "pounds",
		"in", "inch", "inches", "cm", "mm", "ft", "feet", "gallon", "gallons", "qt", "quart")
)
