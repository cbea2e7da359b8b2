package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ranksheet-engine/internal/ranksheet"
	"ranksheet-engine/internal/resilience"
)

type scriptedProvider struct {
	calls int
	fail  bool
}

func (p *scriptedProvider) Fetch(_ context.Context, q Query) ([]ranksheet.CandidateRow, error) {
	p.calls++
	if p.fail {
		return nil, &UpstreamError{Keyword: q.Keyword, StatusCode: 503, Err: errors.New("unavailable")}
	}
	return []ranksheet.CandidateRow{{ASIN: "B000000001", Rank: 1}}, nil
}

func TestGuardedServesLastKnownWhileOpen(t *testing.T) {
	upstream := &scriptedProvider{}
	breaker := resilience.NewBreaker("provider", resilience.BreakerOptions{MinVolume: 1, ResetTimeout: time.Hour}, zerolog.Nop())
	g := NewGuarded(upstream, breaker, zerolog.Nop())
	ctx := context.Background()
	q := Query{Keyword: "kw", Period: "2024-05-06"}

	if _, err := g.Fetch(ctx, q); err != nil {
		t.Fatalf("healthy fetch: %v", err)
	}

	upstream.fail = true
	_, err := g.Fetch(ctx, q)
	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.StatusCode != 503 {
		t.Fatalf("upstream failure should surface, got %v", err)
	}
	if breaker.State() != resilience.StateOpen {
		t.Fatalf("breaker should have opened, state = %s", breaker.State())
	}

	rows, err := g.Fetch(ctx, q)
	if err != nil || len(rows) != 1 || rows[0].ASIN != "B000000001" {
		t.Fatalf("open circuit should serve cached rows: %v %v", rows, err)
	}
	if upstream.calls != 2 {
		t.Fatalf("open circuit must not call upstream, calls = %d", upstream.calls)
	}

	_, err = g.Fetch(ctx, Query{Keyword: "kw", Period: "2024-05-13"})
	if !errors.As(err, &upErr) || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("no cached batch for another period: want wrapped ErrCircuitOpen, got %v", err)
	}
}
