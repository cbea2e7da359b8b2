package fetcher

import (
	"context"
	"fmt"

	"ranksheet-engine/internal/ranksheet"
)

// Query identifies one keyword signal batch upstream.
type Query struct {
	Keyword     string
	Marketplace string
	Period      string
}

// SignalProvider retrieves per-ASIN signals for a keyword and period. Rows come
// back with their product cards already extracted.
type SignalProvider interface {
	Fetch(ctx context.Context, q Query) ([]ranksheet.CandidateRow, error)
}

// UpstreamError wraps any failure to obtain signals: transport, status,
// decoding, timeouts and open circuits.
type UpstreamError struct {
	Keyword    string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream signals for %q (%d): %v", e.Keyword, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream signals for %q: %v", e.Keyword, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
