package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ranksheet-engine/internal/jobs"
	"ranksheet-engine/internal/ranksheet"
	"ranksheet-engine/internal/resilience"
	"ranksheet-engine/internal/storage"
)

// Rate limit actions guarding the mutating routes.
const (
	ActionRefreshAll     = "refresh_all"
	ActionRefreshKeyword = "refresh_keyword"
)

const maxBodyBytes = 64 << 10

// Jobs is the orchestrator surface exposed over HTTP.
type Jobs interface {
	EnqueueRefreshAll(ctx context.Context, req jobs.RefreshAllRequest) (jobs.Submission, error)
	EnqueueRefreshOne(ctx context.Context, slug, period string) (jobs.Submission, error)
	GetJobState(id string) (jobs.JobState, bool)
}

// Sheets reads persisted rank sheets.
type Sheets interface {
	Ping(ctx context.Context) error
	GetKeyword(ctx context.Context, slug string) (storage.Keyword, error)
	LoadRecentPeriods(ctx context.Context, slug string, limit int) ([]ranksheet.Period, error)
}

// Options tune read endpoints.
type Options struct {
	TrendTop        int
	TrendPeriods    int
	MaxTrendPeriods int
}

// Server exposes job submission and rank sheet reads.
type Server struct {
	jobs     Jobs
	sheets   Sheets
	limiter  *resilience.RateLimiter
	idem     *resilience.IdempotencyCache
	breakers *resilience.Breakers
	opts     Options
	logger   zerolog.Logger
}

// New builds the HTTP gateway. limiter, idem and breakers may be nil.
func New(opts Options, orchestrator Jobs, sheets Sheets, limiter *resilience.RateLimiter, idem *resilience.IdempotencyCache, breakers *resilience.Breakers, logger zerolog.Logger) *Server {
	if opts.TrendTop <= 0 {
		opts.TrendTop = 10
	}
	if opts.TrendPeriods <= 0 {
		opts.TrendPeriods = 8
	}
	if opts.MaxTrendPeriods < opts.TrendPeriods {
		opts.MaxTrendPeriods = opts.TrendPeriods
	}
	return &Server{
		jobs:     orchestrator,
		sheets:   sheets,
		limiter:  limiter,
		idem:     idem,
		breakers: breakers,
		opts:     opts,
		logger:   logger.With().Str("component", "gateway").Logger(),
	}
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /v1/jobs/refresh-all", s.limited(ActionRefreshAll, http.HandlerFunc(s.handleRefreshAll)))
	mux.Handle("POST /v1/keywords/{slug}/refresh", s.limited(ActionRefreshKeyword, http.HandlerFunc(s.handleRefreshKeyword)))
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleJob)
	mux.HandleFunc("GET /v1/keywords/{slug}/latest", s.handleLatest)
	mux.HandleFunc("GET /v1/keywords/{slug}/trend", s.handleTrend)
	mux.HandleFunc("GET /v1/breakers", s.handleBreakers)
	return s.logRequests(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.sheets.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	var req jobs.RefreshAllRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
	}
	if req.Concurrency < 0 || req.Limit < 0 {
		writeError(w, http.StatusBadRequest, "concurrency and limit must not be negative")
		return
	}

	sub, err := s.jobs.EnqueueRefreshAll(r.Context(), req)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (s *Server) handleRefreshKeyword(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	period := r.URL.Query().Get("period")
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	submit := func(ctx context.Context) (resilience.Response, error) {
		sub, err := s.jobs.EnqueueRefreshOne(ctx, slug, period)
		if err != nil {
			status, msg := jobErrorStatus(err)
			return jsonResponse(status, map[string]string{"error": msg})
		}
		return jsonResponse(http.StatusAccepted, sub)
	}

	var (
		resp     resilience.Response
		replayed bool
		err      error
	)
	if s.idem != nil {
		resp, replayed, err = s.idem.Do(r.Context(), ActionRefreshKeyword+":"+slug, key, submit)
	} else {
		resp, err = submit(r.Context())
	}
	if errors.Is(err, resilience.ErrDuplicateRequest) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	state, ok := s.jobs.GetJobState(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if !s.keywordExists(w, r, slug) {
		return
	}
	periods, err := s.sheets.LoadRecentPeriods(r.Context(), slug, 1)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if len(periods) == 0 {
		writeError(w, http.StatusNotFound, "no rank sheet published yet")
		return
	}
	writeJSON(w, http.StatusOK, periods[0])
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	top, err := intParam(r, "top", s.opts.TrendTop)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	count, err := intParam(r, "periods", s.opts.TrendPeriods)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	count = min(count, s.opts.MaxTrendPeriods)

	if !s.keywordExists(w, r, slug) {
		return
	}
	periods, err := s.sheets.LoadRecentPeriods(r.Context(), slug, count)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ranksheet.BuildTrend(periods, top))
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	snapshots := []resilience.BreakerSnapshot{}
	if s.breakers != nil {
		snapshots = s.breakers.Snapshots()
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) keywordExists(w http.ResponseWriter, r *http.Request, slug string) bool {
	if _, err := s.sheets.GetKeyword(r.Context(), slug); err != nil {
		if errors.Is(err, storage.ErrKeywordNotFound) {
			writeError(w, http.StatusNotFound, "unknown keyword")
			return false
		}
		writeStoreError(w, err)
		return false
	}
	return true
}

// limited rejects requests over the action's window allowance before they
// reach next.
func (s *Server) limited(action string, next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := s.limiter.Allow(r.Context(), action, clientID(r))
		var limited *resilience.RateLimitedError
		if errors.As(err, &limited) {
			seconds := int(math.Ceil(limited.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
			writeError(w, http.StatusTooManyRequests, limited.Error())
			return
		}
		if decision.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	status, msg := jobErrorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("job submission failed")
	}
	writeError(w, status, msg)
}

func jobErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, jobs.ErrUnknownKeyword):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, jobs.ErrInvalidPeriod):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, jobs.ErrClosed), errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// clientID identifies the caller for rate limiting.
func clientID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return v, nil
}

func jsonResponse(status int, v any) (resilience.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return resilience.Response{}, err
	}
	return resilience.Response{StatusCode: status, ContentType: "application/json", Body: body}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}
