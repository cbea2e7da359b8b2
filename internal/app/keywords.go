package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"ranksheet-engine/internal/storage"
)

// KeywordOptions describe a keyword registration.
type KeywordOptions struct {
	Slug        string
	Phrase      string
	Marketplace string
	Disabled    bool
}

// AddKeyword registers or updates a tracked keyword.
func (a *App) AddKeyword(ctx context.Context, opts KeywordOptions) error {
	phrase := strings.Join(strings.Fields(opts.Phrase), " ")
	if phrase == "" {
		return errors.New("keyword phrase must not be empty")
	}
	slug := opts.Slug
	if slug == "" {
		slug = Slugify(phrase)
	}
	if slug == "" || slug != Slugify(slug) {
		return fmt.Errorf("invalid slug %q: use lowercase letters, digits and dashes", slug)
	}
	marketplace := opts.Marketplace
	if marketplace == "" {
		marketplace = a.Config.Provider.Marketplace
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	kw := storage.Keyword{Slug: slug, Phrase: phrase, Marketplace: strings.ToUpper(marketplace), Enabled: !opts.Disabled}
	if err := store.UpsertKeyword(ctx, kw); err != nil {
		return err
	}
	a.Logger.Info().Str("keyword", slug).Str("marketplace", kw.Marketplace).Bool("enabled", kw.Enabled).Msg("keyword registered")
	fmt.Fprintf(a.Out, "registered %s (%q)\n", slug, phrase)
	return nil
}

// ListKeywords prints every registered keyword in refresh order.
func (a *App) ListKeywords(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	keywords, err := store.ListKeywords(ctx, false)
	if err != nil {
		return err
	}
	if len(keywords) == 0 {
		fmt.Fprintln(a.Out, "no keywords registered")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Slug\tPhrase\tMarket\tEnabled\tStatus\tLast refresh\tLast error")
	for _, kw := range keywords {
		refreshed := "-"
		if kw.LastRefreshedAt != nil {
			refreshed = kw.LastRefreshedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			kw.Slug, kw.Phrase, kw.Marketplace, kw.Enabled, kw.Status, refreshed, truncate(sanitizeInline(kw.LastError), 60))
	}
	return writer.Flush()
}

// Slugify derives a URL-safe identifier from a search phrase.
func Slugify(phrase string) string {
	var b strings.Builder
	dash := false
	for _, r := range norm.NFKD.String(strings.ToLower(phrase)) {
		switch {
		case unicode.Is(unicode.Mn, r):
			// combining marks left over from decomposition
		case unicode.IsLetter(r) && r < unicode.MaxASCII, unicode.IsDigit(r) && r < unicode.MaxASCII:
			b.WriteRune(r)
			dash = false
		default:
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
