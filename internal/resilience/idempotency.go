package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrDuplicateRequest rejects a retry that arrives while the original request
// is still being processed.
var ErrDuplicateRequest = errors.New("duplicate request in progress")

// Response is the replayable snapshot of a completed request.
type Response struct {
	StatusCode  int    `json:"statusCode"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

// IdempotencyRecord is what the cache keeps per key.
type IdempotencyRecord struct {
	Key       string    `json:"key"`
	Pending   bool      `json:"pending"`
	Response  Response  `json:"response"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IdempotencyCache replays the first completed response for a key.
type IdempotencyCache struct {
	store      SharedCounterStore
	ttl        time.Duration
	pendingTTL time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewIdempotencyCache builds a cache. pendingTTL bounds how long an
// unfinished request blocks retries.
func NewIdempotencyCache(store SharedCounterStore, ttl, pendingTTL time.Duration, logger zerolog.Logger) *IdempotencyCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if pendingTTL <= 0 {
		pendingTTL = time.Minute
	}
	return &IdempotencyCache{
		store:      store,
		ttl:        ttl,
		pendingTTL: pendingTTL,
		now:        time.Now,
		logger:     logger.With().Str("component", "idempotency").Logger(),
	}
}

// Do runs fn once per (scope, key) within the TTL. Later calls get the stored
// response back verbatim with replayed=true. An empty key disables caching.
func (c *IdempotencyCache) Do(ctx context.Context, scope, key string, fn func(ctx context.Context) (Response, error)) (resp Response, replayed bool, err error) {
	if key == "" {
		resp, err = fn(ctx)
		return resp, false, err
	}
	storeKey := "idem:" + scope + ":" + key

	if rec, ok, err := c.load(ctx, storeKey); err == nil && ok {
		if rec.Pending {
			return Response{}, false, ErrDuplicateRequest
		}
		return rec.Response, true, nil
	}

	pending, err := json.Marshal(IdempotencyRecord{Key: key, Pending: true, ExpiresAt: c.now().Add(c.pendingTTL)})
	if err != nil {
		return Response{}, false, fmt.Errorf("encode pending record: %w", err)
	}
	reserved, err := c.store.SetIfAbsent(ctx, storeKey, pending, c.pendingTTL)
	if err != nil {
		c.logger.Warn().Err(err).Str("scope", scope).Msg("idempotency store unavailable; processing without replay protection")
		resp, err = fn(ctx)
		return resp, false, err
	}
	if !reserved {
		rec, ok, err := c.load(ctx, storeKey)
		if err == nil && ok && !rec.Pending {
			return rec.Response, true, nil
		}
		return Response{}, false, ErrDuplicateRequest
	}

	resp, err = fn(ctx)
	if err != nil || resp.StatusCode >= 500 {
		if delErr := c.store.Delete(ctx, storeKey); delErr != nil {
			c.logger.Warn().Err(delErr).Str("scope", scope).Msg("failed to release idempotency key")
		}
		return resp, false, err
	}

	done, encErr := json.Marshal(IdempotencyRecord{Key: key, Response: resp, ExpiresAt: c.now().Add(c.ttl)})
	if encErr == nil {
		encErr = c.store.Set(ctx, storeKey, done, c.ttl)
	}
	if encErr != nil {
		c.logger.Error().Err(encErr).Str("scope", scope).Msg("failed to store idempotent response")
	}
	return resp, false, nil
}

func (c *IdempotencyCache) load(ctx context.Context, key string) (IdempotencyRecord, bool, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return IdempotencyRecord{}, false, err
	}
	var rec IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return rec, true, nil
}
