package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ranksheet-engine/internal/alerting"
	"ranksheet-engine/internal/fetcher"
	"ranksheet-engine/internal/ranksheet"
	"ranksheet-engine/internal/storage"
)

type stubProvider struct {
	rows map[string][]ranksheet.CandidateRow
	err  error
}

func (p *stubProvider) Fetch(_ context.Context, q fetcher.Query) ([]ranksheet.CandidateRow, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.rows[q.Period], nil
}

type captureNotifier struct{ notes []alerting.Notification }

func (c *captureNotifier) Notify(_ context.Context, note alerting.Notification) error {
	c.notes = append(c.notes, note)
	return nil
}

func signalRows(n int, withImage bool) []ranksheet.CandidateRow {
	rows := make([]ranksheet.CandidateRow, n)
	for i := range rows {
		asin := fmt.Sprintf("B%09d", i+1)
		card := ranksheet.ProductCard{ASIN: asin, Title: fmt.Sprintf("Product %d", i+1)}
		if withImage {
			card.Image = "https://img.example.com/" + asin + ".jpg"
		}
		rows[i] = ranksheet.CandidateRow{
			ASIN:            asin,
			Rank:            i + 1,
			ClickShare:      decimal.NewFromFloat(0.3 / float64(i+1)),
			ConversionShare: decimal.NewFromFloat(0.2 / float64(i+1)),
			Card:            card,
		}
	}
	return rows
}

func testOptions() Options {
	return Options{
		Sheet: ranksheet.Options{
			Weights:   ranksheet.DefaultWeights(),
			Readiness: ranksheet.DefaultReadinessThresholds(),
			TopK:      5,
			Now:       func() time.Time { return time.Date(2024, 5, 14, 6, 0, 0, 0, time.UTC) },
		},
		NotifyReadiness: true,
	}
}

func seedKeyword(t *testing.T, store *storage.Memory) storage.Keyword {
	t.Helper()
	kw := storage.Keyword{Slug: "water-bottle", Phrase: "water bottle", Enabled: true}
	if err := store.UpsertKeyword(context.Background(), kw); err != nil {
		t.Fatal(err)
	}
	kw, _ = store.GetKeyword(context.Background(), kw.Slug)
	return kw
}

func TestRefreshKeywordPersistsAndTracksTrend(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	kw := seedKeyword(t, store)

	older := signalRows(5, true)
	newer := signalRows(5, true)
	// B000000002 climbs from rank 2 to rank 1
	newer[0].ASIN, newer[1].ASIN = newer[1].ASIN, newer[0].ASIN
	newer[0].Card.ASIN, newer[1].Card.ASIN = newer[0].ASIN, newer[1].ASIN

	provider := &stubProvider{rows: map[string][]ranksheet.CandidateRow{"2024-05-06": older, "2024-05-13": newer}}
	svc := New(testOptions(), provider, store, nil, zerolog.Nop())

	if _, err := svc.RefreshKeyword(ctx, "job-1", kw, "2024-05-06"); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	result, err := svc.RefreshKeyword(ctx, "job-1", kw, "2024-05-13")
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	if result.Readiness.Level != ranksheet.ReadinessFull {
		t.Fatalf("all images present, readiness = %s", result.Readiness.Level)
	}
	top := result.Period.Rows[0]
	if top.ASIN != "B000000002" || top.TrendDelta == nil || *top.TrendDelta != 1 || top.TrendLabel != ranksheet.TrendRising {
		t.Fatalf("unexpected top row: %+v", top)
	}

	stored, _ := store.LoadRecentPeriods(ctx, kw.Slug, 10)
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored periods, got %d", len(stored))
	}
	got, _ := store.GetKeyword(ctx, kw.Slug)
	if got.Status != storage.KeywordActive || got.LastRefreshedAt == nil {
		t.Fatalf("keyword should be ACTIVE: %+v", got)
	}
}

func TestRefreshKeywordFailureKeepsLastGoodPeriod(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	kw := seedKeyword(t, store)

	bad := signalRows(3, true)
	bad[2].Rank = 2
	provider := &stubProvider{rows: map[string][]ranksheet.CandidateRow{
		"2024-05-06": signalRows(3, true),
		"2024-05-13": bad,
	}}
	svc := New(testOptions(), provider, store, nil, zerolog.Nop())

	if _, err := svc.RefreshKeyword(ctx, "", kw, "2024-05-06"); err != nil {
		t.Fatal(err)
	}
	_, err := svc.RefreshKeyword(ctx, "", kw, "2024-05-13")
	var vErr *ranksheet.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	stored, _ := store.LoadRecentPeriods(ctx, kw.Slug, 10)
	if len(stored) != 1 || stored[0].DataPeriod != "2024-05-06" {
		t.Fatalf("rejected batch must not be persisted: %+v", stored)
	}
	got, _ := store.GetKeyword(ctx, kw.Slug)
	if got.Status != storage.KeywordError || got.LastError == "" {
		t.Fatalf("keyword should be ERROR: %+v", got)
	}

	provider.err = &fetcher.UpstreamError{Keyword: kw.Phrase, StatusCode: 502, Err: errors.New("bad gateway")}
	if _, err := svc.RefreshKeyword(ctx, "", kw, "2024-05-13"); err == nil {
		t.Fatal("upstream failure should fail the refresh")
	}
	if got, _ := store.GetKeyword(ctx, kw.Slug); !strings.Contains(got.LastError, "bad gateway") {
		t.Fatalf("last error should carry the upstream failure: %q", got.LastError)
	}
}

func TestRefreshKeywordNotifiesCriticalReadiness(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	kw := seedKeyword(t, store)
	provider := &stubProvider{rows: map[string][]ranksheet.CandidateRow{"2024-05-13": signalRows(5, false)}}
	notifier := &captureNotifier{}
	svc := New(testOptions(), provider, store, notifier, zerolog.Nop())

	result, err := svc.RefreshKeyword(ctx, "job-9", kw, "2024-05-13")
	if err != nil {
		t.Fatal(err)
	}
	if result.Readiness.Level != ranksheet.ReadinessCritical {
		t.Fatalf("no images should be CRITICAL, got %s", result.Readiness.Level)
	}
	if len(notifier.notes) != 1 || notifier.notes[0].Kind != alerting.KindReadinessCritical || len(notifier.notes[0].MissingASINs) != 5 {
		t.Fatalf("unexpected notifications: %+v", notifier.notes)
	}
}
