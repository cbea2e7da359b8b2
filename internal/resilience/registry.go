package resilience

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Breakers holds one breaker per upstream dependency, created on first use.
type Breakers struct {
	opts   BreakerOptions
	logger zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakers builds an empty registry sharing opts.
func NewBreakers(opts BreakerOptions, logger zerolog.Logger) *Breakers {
	return &Breakers{opts: opts, logger: logger, breakers: make(map[string]*Breaker)}
}

// For returns the breaker guarding name.
func (r *Breakers) For(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.opts, r.logger)
	r.breakers[name] = b
	return b
}

// Snapshots lists every breaker, ordered by name.
func (r *Breakers) Snapshots() []BreakerSnapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
