package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"ranksheet-engine/internal/ranksheet"
	"ranksheet-engine/internal/resilience"
)

const (
	upsertKeywordSQL = `INSERT INTO keywords (
        slug,
        phrase,
        marketplace,
        status,
        enabled
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (slug) DO UPDATE
    SET
        phrase      = EXCLUDED.phrase,
        marketplace = EXCLUDED.marketplace,
        enabled     = EXCLUDED.enabled;`

	selectKeywordColumns = `SELECT
        slug,
        phrase,
        marketplace,
        status,
        enabled,
        last_error,
        last_refreshed_at,
        created_at
    FROM keywords`

	listKeywordsSQL        = selectKeywordColumns + ` ORDER BY created_at, slug;`
	listEnabledKeywordsSQL = selectKeywordColumns + ` WHERE enabled ORDER BY created_at, slug;`
	getKeywordSQL          = selectKeywordColumns + ` WHERE slug = $1;`

	markKeywordActiveSQL = `UPDATE keywords
    SET status = 'ACTIVE', last_error = NULL, last_refreshed_at = $2
    WHERE slug = $1;`

	markKeywordErrorSQL = `UPDATE keywords
    SET status = 'ERROR', last_error = $2
    WHERE slug = $1;`

	upsertPeriodSQL = `INSERT INTO rank_sheet_periods (
        keyword_slug,
        data_period,
        updated_at,
        readiness_level,
        valid_count,
        rows
    ) VALUES (
        $1,$2::date,$3,$4,$5,$6
    )
    ON CONFLICT (keyword_slug, data_period) DO UPDATE
    SET
        updated_at      = EXCLUDED.updated_at,
        readiness_level = EXCLUDED.readiness_level,
        valid_count     = EXCLUDED.valid_count,
        rows            = EXCLUDED.rows;`

	selectPeriodColumns = `SELECT
        to_char(data_period, 'YYYY-MM-DD'),
        updated_at,
        readiness_level,
        valid_count,
        rows
    FROM rank_sheet_periods`

	listRecentPeriodsSQL = selectPeriodColumns + `
    WHERE keyword_slug = $1
    ORDER BY data_period DESC
    LIMIT $2;`

	previousPeriodSQL = selectPeriodColumns + `
    WHERE keyword_slug = $1
      AND data_period < $2::date
    ORDER BY data_period DESC
    LIMIT 1;`

	incrementKVSQL = `INSERT INTO shared_kv (key, counter)
    VALUES ($1, 1)
    ON CONFLICT (key) DO UPDATE
    SET
        counter    = CASE WHEN shared_kv.expires_at <= now() THEN 1 ELSE shared_kv.counter + 1 END,
        value      = CASE WHEN shared_kv.expires_at <= now() THEN NULL ELSE shared_kv.value END,
        expires_at = CASE WHEN shared_kv.expires_at <= now() THEN NULL ELSE shared_kv.expires_at END
    RETURNING counter,
        COALESCE((EXTRACT(EPOCH FROM (expires_at - now())) * 1000)::bigint, -1);`

	expireKVSQL = `UPDATE shared_kv
    SET expires_at = now() + $2::double precision * interval '1 millisecond'
    WHERE key = $1;`

	setIfAbsentKVSQL = `INSERT INTO shared_kv (key, counter, value, expires_at)
    VALUES ($1, 0, $2, CASE WHEN $3::bigint > 0 THEN now() + $3::double precision * interval '1 millisecond' END)
    ON CONFLICT (key) DO UPDATE
    SET counter = 0, value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
    WHERE shared_kv.expires_at <= now()
    RETURNING key;`

	getKVSQL = `SELECT value FROM shared_kv
    WHERE key = $1
      AND value IS NOT NULL
      AND (expires_at IS NULL OR expires_at > now());`

	setKVSQL = `INSERT INTO shared_kv (key, counter, value, expires_at)
    VALUES ($1, 0, $2, CASE WHEN $3::bigint > 0 THEN now() + $3::double precision * interval '1 millisecond' END)
    ON CONFLICT (key) DO UPDATE
    SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at;`

	deleteKVSQL        = `DELETE FROM shared_kv WHERE key = $1;`
	deleteExpiredKVSQL = `DELETE FROM shared_kv WHERE expires_at <= now();`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1::int, hashtext($2));`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1::int, hashtext($2));`
)

// KeywordStore persists the keyword registry.
type KeywordStore interface {
	UpsertKeyword(ctx context.Context, kw Keyword) error
	ListKeywords(ctx context.Context, enabledOnly bool) ([]Keyword, error)
	GetKeyword(ctx context.Context, slug string) (Keyword, error)
	MarkKeywordActive(ctx context.Context, slug string, refreshedAt time.Time) error
	MarkKeywordError(ctx context.Context, slug string, errMsg string) error
}

// PeriodStore persists rank sheet periods. SavePeriod replaces a period's row
// set in one statement; other periods are never touched.
type PeriodStore interface {
	SavePeriod(ctx context.Context, slug string, period ranksheet.Period) error
	LoadRecentPeriods(ctx context.Context, slug string, limit int) ([]ranksheet.Period, error)
	PreviousPeriod(ctx context.Context, slug, before string) (ranksheet.Period, bool, error)
}

// KeywordLocker grants per-keyword mutual exclusion without blocking.
type KeywordLocker interface {
	TryLockKeyword(ctx context.Context, slug string) (unlock func(), acquired bool, err error)
}

// Backend is everything the engine needs from persistence.
type Backend interface {
	KeywordStore
	PeriodStore
	KeywordLocker
	resilience.SharedCounterStore
	Ping(ctx context.Context) error
	PurgeExpired(ctx context.Context) (int64, error)
	Close()
}

// Store is the PostgreSQL Backend.
type Store struct {
	pool          *pgxpool.Pool
	lockPool      *pgxpool.Pool
	lockNamespace int32
	logger        zerolog.Logger

	// locks short-circuits slugs this process already holds.
	mu    sync.Mutex
	locks map[string]struct{}
}

// NewStore wires the pgx pools into a Store. Queries run on pool; keyword
// advisory locks are held on lockPool connections so a worker holding a lock
// can still query. lockNamespace separates this application's advisory locks
// from other users of the database.
func NewStore(pool, lockPool *pgxpool.Pool, lockNamespace int32, logger zerolog.Logger) *Store {
	return &Store{
		pool:          pool,
		lockPool:      lockPool,
		lockNamespace: lockNamespace,
		logger:        logger.With().Str("component", "storage").Logger(),
		locks:         make(map[string]struct{}),
	}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil {
		return
	}
	if s.lockPool != nil {
		s.lockPool.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return wrap("ping", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// TryLockKeyword takes a session advisory lock for slug on a lock pool
// connection. The connection stays checked out until unlock is called.
func (s *Store) TryLockKeyword(ctx context.Context, slug string) (func(), bool, error) {
	if s == nil || s.lockPool == nil {
		return nil, false, wrap("lock keyword", ErrNotConfigured)
	}
	pool := s.lockPool

	s.mu.Lock()
	if _, held := s.locks[slug]; held {
		s.mu.Unlock()
		return nil, false, nil
	}
	s.locks[slug] = struct{}{}
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.locks, slug)
		s.mu.Unlock()
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		forget()
		return nil, false, wrap("acquire connection", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, s.lockNamespace, slug).Scan(&acquired); err != nil {
		conn.Release()
		forget()
		return nil, false, wrap("try advisory lock", err)
	}
	if !acquired {
		conn.Release()
		forget()
		return nil, false, nil
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, s.lockNamespace, slug); err != nil {
				// a broken session drops its locks when the connection closes
				s.logger.Warn().Err(err).Str("keyword", slug).Msg("advisory unlock failed; closing connection")
				_ = conn.Conn().Close(ctxUnlock)
			}
			conn.Release()
			forget()
		})
	}
	return unlock, true, nil
}

// UpsertKeyword registers or updates a keyword. Status is only set on insert.
func (s *Store) UpsertKeyword(ctx context.Context, kw Keyword) error {
	pool, err := s.getPool()
	if err != nil {
		return wrap("upsert keyword", err)
	}
	status := kw.Status
	if status == "" {
		status = KeywordPending
	}
	if _, err := pool.Exec(ctx, upsertKeywordSQL, kw.Slug, kw.Phrase, kw.Marketplace, string(status), kw.Enabled); err != nil {
		return wrap("upsert keyword", err)
	}
	return nil
}

// ListKeywords lists keywords in registration order.
func (s *Store) ListKeywords(ctx context.Context, enabledOnly bool) ([]Keyword, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, wrap("list keywords", err)
	}

	query := listKeywordsSQL
	if enabledOnly {
		query = listEnabledKeywordsSQL
	}
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, wrap("list keywords", err)
	}
	defer rows.Close()

	keywords := make([]Keyword, 0)
	for rows.Next() {
		kw, scanErr := scanKeyword(rows)
		if scanErr != nil {
			return nil, wrap("scan keyword", scanErr)
		}
		keywords = append(keywords, kw)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list keywords", err)
	}
	return keywords, nil
}

// GetKeyword loads one keyword or returns ErrKeywordNotFound.
func (s *Store) GetKeyword(ctx context.Context, slug string) (Keyword, error) {
	pool, err := s.getPool()
	if err != nil {
		return Keyword{}, wrap("get keyword", err)
	}
	kw, err := scanKeyword(pool.QueryRow(ctx, getKeywordSQL, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return Keyword{}, fmt.Errorf("%s: %w", slug, ErrKeywordNotFound)
	}
	if err != nil {
		return Keyword{}, wrap("get keyword", err)
	}
	return kw, nil
}

// MarkKeywordActive records a successful refresh.
func (s *Store) MarkKeywordActive(ctx context.Context, slug string, refreshedAt time.Time) error {
	return s.execKeyword(ctx, "mark keyword active", markKeywordActiveSQL, slug, refreshedAt)
}

// MarkKeywordError records a failed refresh.
func (s *Store) MarkKeywordError(ctx context.Context, slug string, errMsg string) error {
	return s.execKeyword(ctx, "mark keyword error", markKeywordErrorSQL, slug, errMsg)
}

func (s *Store) execKeyword(ctx context.Context, op, query, slug string, arg any) error {
	pool, err := s.getPool()
	if err != nil {
		return wrap(op, err)
	}
	tag, err := pool.Exec(ctx, query, slug, arg)
	if err != nil {
		return wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", op, slug, ErrKeywordNotFound)
	}
	return nil
}

// SavePeriod upserts the period of slug.
func (s *Store) SavePeriod(ctx context.Context, slug string, period ranksheet.Period) error {
	pool, err := s.getPool()
	if err != nil {
		return wrap("save period", err)
	}
	rows, err := json.Marshal(period.Rows)
	if err != nil {
		return fmt.Errorf("encode period rows: %w", err)
	}
	if _, err := pool.Exec(ctx, upsertPeriodSQL,
		slug,
		period.DataPeriod,
		period.UpdatedAt,
		string(period.ReadinessLevel),
		period.ValidCount,
		rows,
	); err != nil {
		return wrap("save period", err)
	}
	return nil
}

// LoadRecentPeriods returns up to limit periods, newest first.
func (s *Store) LoadRecentPeriods(ctx context.Context, slug string, limit int) ([]ranksheet.Period, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, wrap("load periods", err)
	}
	rows, err := pool.Query(ctx, listRecentPeriodsSQL, slug, limit)
	if err != nil {
		return nil, wrap("load periods", err)
	}
	defer rows.Close()

	periods := make([]ranksheet.Period, 0, limit)
	for rows.Next() {
		p, scanErr := scanPeriod(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		periods = append(periods, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("load periods", err)
	}
	return periods, nil
}

// PreviousPeriod returns the latest period strictly before the given data period.
func (s *Store) PreviousPeriod(ctx context.Context, slug, before string) (ranksheet.Period, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return ranksheet.Period{}, false, wrap("previous period", err)
	}
	p, err := scanPeriod(pool.QueryRow(ctx, previousPeriodSQL, slug, before))
	if errors.Is(err, pgx.ErrNoRows) {
		return ranksheet.Period{}, false, nil
	}
	if err != nil {
		return ranksheet.Period{}, false, err
	}
	return p, true, nil
}

// IncrementAndGetTTL implements resilience.SharedCounterStore.
func (s *Store) IncrementAndGetTTL(ctx context.Context, key string) (int64, time.Duration, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, 0, wrap("increment counter", err)
	}
	var count, ttlMillis int64
	if err := pool.QueryRow(ctx, incrementKVSQL, key).Scan(&count, &ttlMillis); err != nil {
		return 0, 0, wrap("increment counter", err)
	}
	if ttlMillis < 0 {
		return count, -1, nil
	}
	return count, time.Duration(ttlMillis) * time.Millisecond, nil
}

// Expire implements resilience.SharedCounterStore.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	pool, err := s.getPool()
	if err != nil {
		return wrap("expire key", err)
	}
	if _, err := pool.Exec(ctx, expireKVSQL, key, ttl.Milliseconds()); err != nil {
		return wrap("expire key", err)
	}
	return nil
}

// SetIfAbsent implements resilience.SharedCounterStore.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, wrap("set if absent", err)
	}
	var stored string
	err = pool.QueryRow(ctx, setIfAbsentKVSQL, key, value, ttl.Milliseconds()).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap("set if absent", err)
	}
	return true, nil
}

// Get implements resilience.SharedCounterStore.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, wrap("get key", err)
	}
	var value []byte
	err = pool.QueryRow(ctx, getKVSQL, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap("get key", err)
	}
	return value, true, nil
}

// Set implements resilience.SharedCounterStore.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pool, err := s.getPool()
	if err != nil {
		return wrap("set key", err)
	}
	if _, err := pool.Exec(ctx, setKVSQL, key, value, ttl.Milliseconds()); err != nil {
		return wrap("set key", err)
	}
	return nil
}

// Delete implements resilience.SharedCounterStore.
func (s *Store) Delete(ctx context.Context, key string) error {
	pool, err := s.getPool()
	if err != nil {
		return wrap("delete key", err)
	}
	if _, err := pool.Exec(ctx, deleteKVSQL, key); err != nil {
		return wrap("delete key", err)
	}
	return nil
}

// PurgeExpired deletes expired rate limit windows and idempotency records.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, wrap("purge expired", err)
	}
	tag, err := pool.Exec(ctx, deleteExpiredKVSQL)
	if err != nil {
		return 0, wrap("purge expired", err)
	}
	return tag.RowsAffected(), nil
}

func scanKeyword(row pgx.Row) (Keyword, error) {
	var (
		kw        Keyword
		status    string
		lastError *string
	)
	if err := row.Scan(
		&kw.Slug,
		&kw.Phrase,
		&kw.Marketplace,
		&status,
		&kw.Enabled,
		&lastError,
		&kw.LastRefreshedAt,
		&kw.CreatedAt,
	); err != nil {
		return Keyword{}, err
	}
	kw.Status = KeywordStatus(status)
	if lastError != nil {
		kw.LastError = *lastError
	}
	return kw, nil
}

func scanPeriod(row pgx.Row) (ranksheet.Period, error) {
	var (
		p     ranksheet.Period
		level string
		raw   []byte
	)
	if err := row.Scan(&p.DataPeriod, &p.UpdatedAt, &level, &p.ValidCount, &raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ranksheet.Period{}, err
		}
		return ranksheet.Period{}, wrap("scan period", err)
	}
	p.ReadinessLevel = ranksheet.ReadinessLevel(level)
	if err := json.Unmarshal(raw, &p.Rows); err != nil {
		return ranksheet.Period{}, fmt.Errorf("decode period %s rows: %w", p.DataPeriod, err)
	}
	if p.Rows == nil {
		p.Rows = []ranksheet.SanitizedRow{}
	}
	return p, nil
}

var _ Backend = (*Store)(nil)
