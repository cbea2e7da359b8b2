package fetcher

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"ranksheet-engine/internal/ranksheet"
	"ranksheet-engine/internal/resilience"
)

// Guarded routes fetches through a circuit breaker. While the circuit is open
// it serves the last successful batch for the same keyword and period, if any.
type Guarded struct {
	next    SignalProvider
	breaker *resilience.Breaker
	logger  zerolog.Logger

	// one batch per keyword and marketplace; a newer period replaces the older
	mu        sync.RWMutex
	lastKnown map[Query]lastBatch
}

type lastBatch struct {
	period string
	rows   []ranksheet.CandidateRow
}

// NewGuarded wraps next with breaker.
func NewGuarded(next SignalProvider, breaker *resilience.Breaker, logger zerolog.Logger) *Guarded {
	return &Guarded{
		next:      next,
		breaker:   breaker,
		logger:    logger.With().Str("component", "guarded_fetcher").Str("breaker", breaker.Name()).Logger(),
		lastKnown: make(map[Query]lastBatch),
	}
}

// Fetch implements SignalProvider.
func (g *Guarded) Fetch(ctx context.Context, q Query) ([]ranksheet.CandidateRow, error) {
	servedStale := false
	rows, err := resilience.Call(ctx, g.breaker, func(ctx context.Context) ([]ranksheet.CandidateRow, error) {
		return g.next.Fetch(ctx, q)
	}, func() ([]ranksheet.CandidateRow, bool) {
		cached, ok := g.cached(q)
		servedStale = ok
		return cached, ok
	})
	if err != nil {
		var upstream *UpstreamError
		if errors.As(err, &upstream) {
			return nil, err
		}
		return nil, &UpstreamError{Keyword: q.Keyword, Err: err}
	}

	if servedStale {
		g.logger.Warn().Str("keyword", q.Keyword).Str("period", q.Period).Msg("circuit open; serving last known signals")
		return rows, nil
	}
	g.remember(q, rows)
	return rows, nil
}

func (g *Guarded) cached(q Query) ([]ranksheet.CandidateRow, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	batch, ok := g.lastKnown[Query{Keyword: q.Keyword, Marketplace: q.Marketplace}]
	if !ok || batch.period != q.Period {
		return nil, false
	}
	return append([]ranksheet.CandidateRow(nil), batch.rows...), true
}

func (g *Guarded) remember(q Query, rows []ranksheet.CandidateRow) {
	g.mu.Lock()
	g.lastKnown[Query{Keyword: q.Keyword, Marketplace: q.Marketplace}] = lastBatch{
		period: q.Period,
		rows:   append([]ranksheet.CandidateRow(nil), rows...),
	}
	g.mu.Unlock()
}

var _ SignalProvider = (*Guarded)(nil)
