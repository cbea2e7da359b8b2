package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Limit is the allowance for one action within one fixed window.
type Limit struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// RateLimitedError rejects a request that exceeded its window allowance.
type RateLimitedError struct {
	Action     string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s allows %d requests per window, retry after %s", e.Action, e.Limit, e.RetryAfter)
}

// Decision reports the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

// RateLimiter is a fixed-window counter keyed by action and hashed client identity.
type RateLimiter struct {
	store    SharedCounterStore
	limits   map[string]Limit
	fallback Limit
	logger   zerolog.Logger
}

// NewRateLimiter builds a limiter. Actions missing from limits use fallback;
// a fallback with zero requests leaves unknown actions unlimited.
func NewRateLimiter(store SharedCounterStore, limits map[string]Limit, fallback Limit, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		store:    store,
		limits:   limits,
		fallback: fallback,
		logger:   logger.With().Str("component", "rate_limiter").Logger(),
	}
}

// Allow counts one request for (action, client). It fails open on store errors
// and when the very first increment of a window races its expiry.
func (l *RateLimiter) Allow(ctx context.Context, action, client string) (Decision, error) {
	limit, ok := l.limits[action]
	if !ok {
		limit = l.fallback
	}
	if limit.Requests <= 0 || limit.Window <= 0 {
		return Decision{Allowed: true}, nil
	}

	key := RateLimitKey(action, client)
	count, ttl, err := l.store.IncrementAndGetTTL(ctx, key)
	if err != nil {
		l.logger.Warn().Err(err).Str("action", action).Msg("rate limit store unavailable; allowing request")
		return Decision{Allowed: true, Limit: limit.Requests}, nil
	}
	if ttl < 0 {
		if err := l.store.Expire(ctx, key, limit.Window); err != nil {
			l.logger.Warn().Err(err).Str("action", action).Msg("failed to set rate limit window expiry")
		}
		ttl = limit.Window
	}

	decision := Decision{Allowed: count <= int64(limit.Requests), Count: count, Limit: limit.Requests}
	if decision.Allowed {
		return decision, nil
	}
	decision.RetryAfter = ttl
	return decision, &RateLimitedError{Action: action, Limit: limit.Requests, RetryAfter: ttl}
}

// RateLimitKey builds the counter key; client identities are never stored raw.
func RateLimitKey(action, client string) string {
	sum := sha256.Sum256([]byte(client))
	return "rl:" + action + ":" + hex.EncodeToString(sum[:8])
}
