package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ranksheet-engine/internal/alerting"
	"ranksheet-engine/internal/ranksheet"
	"ranksheet-engine/internal/service"
	"ranksheet-engine/internal/storage"
)

var (
	ErrUnknownKeyword  = errors.New("unknown keyword")
	ErrJobNotFound     = errors.New("job not found")
	ErrClosed          = errors.New("orchestrator closed")
	ErrInvalidPeriod   = errors.New("invalid data period")
	ErrLockNotAcquired = errors.New("keyword refresh already in progress")
)

// Status is the lifecycle of a job.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusPartial   Status = "PARTIAL"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusPartial || s == StatusFailed
}

// Kind names what a job refreshes.
type Kind string

const (
	KindRefreshAll     Kind = "refresh_all"
	KindRefreshKeyword Kind = "refresh_keyword"
)

// KeywordError records one failed keyword of a job.
type KeywordError struct {
	Keyword string `json:"keyword"`
	Error   string `json:"error"`
}

// JobState is a point-in-time snapshot of a job.
type JobState struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	Status        Status         `json:"status"`
	Period        string         `json:"period"`
	Concurrency   int            `json:"concurrency"`
	KeywordsTotal int            `json:"keywordsTotal"`
	KeywordsDone  int            `json:"keywordsDone"`
	Succeeded     int            `json:"succeeded"`
	Skipped       []string       `json:"skipped"`
	Errors        []KeywordError `json:"errors"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	FinishedAt    *time.Time     `json:"finishedAt,omitempty"`
}

// Submission acknowledges an accepted job.
type Submission struct {
	JobID  string `json:"jobId"`
	Status Status `json:"status"`
}

// RefreshAllRequest selects what a refresh-all job covers. Zero values fall
// back to configured defaults.
type RefreshAllRequest struct {
	Concurrency int    `json:"concurrency"`
	Limit       int    `json:"limit"`
	Period      string `json:"period"`
}

// Refresher runs the pipeline for one keyword.
type Refresher interface {
	RefreshKeyword(ctx context.Context, jobID string, kw storage.Keyword, dataPeriod string) (service.Result, error)
}

// LockProvider grants non-blocking per-keyword exclusion.
type LockProvider interface {
	TryLockKeyword(ctx context.Context, slug string) (unlock func(), acquired bool, err error)
}

// Store is the keyword registry view the orchestrator needs.
type Store interface {
	Ping(ctx context.Context) error
	ListKeywords(ctx context.Context, enabledOnly bool) ([]storage.Keyword, error)
	GetKeyword(ctx context.Context, slug string) (storage.Keyword, error)
}

// Options configure the orchestrator.
type Options struct {
	DefaultConcurrency int
	MaxConcurrency     int
	Retention          time.Duration
	// PeriodFor maps the submission time to the data period refreshed when a
	// request names none.
	PeriodFor    func(time.Time) string
	NotifyStatus bool
	Now          func() time.Time
}

type job struct {
	state JobState
	done  chan struct{}
}

// Orchestrator runs refresh jobs in the background.
type Orchestrator struct {
	opts      Options
	refresher Refresher
	locks     LockProvider
	store     Store
	notifier  alerting.Notifier
	logger    zerolog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

// New builds an orchestrator. notifier may be nil.
func New(opts Options, refresher Refresher, locks LockProvider, store Store, notifier alerting.Notifier, logger zerolog.Logger) *Orchestrator {
	if opts.DefaultConcurrency <= 0 {
		opts.DefaultConcurrency = 4
	}
	if opts.MaxConcurrency < opts.DefaultConcurrency {
		opts.MaxConcurrency = opts.DefaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PeriodFor == nil {
		opts.PeriodFor = func(t time.Time) string { return t.UTC().Format(ranksheet.PeriodLayout) }
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:      opts,
		refresher: refresher,
		locks:     locks,
		store:     store,
		notifier:  notifier,
		logger:    logger.With().Str("component", "jobs").Logger(),
		base:      base,
		cancel:    cancel,
		jobs:      make(map[string]*job),
	}
}

// EnqueueRefreshAll schedules a refresh of every enabled keyword.
func (o *Orchestrator) EnqueueRefreshAll(_ context.Context, req RefreshAllRequest) (Submission, error) {
	period, err := o.resolvePeriod(req.Period)
	if err != nil {
		return Submission{}, err
	}
	concurrency := o.resolveConcurrency(req.Concurrency)
	limit := req.Limit
	if limit < 0 {
		limit = 0
	}

	j, err := o.register(KindRefreshAll, period, concurrency)
	if err != nil {
		return Submission{}, err
	}
	o.start(j, func(ctx context.Context) ([]storage.Keyword, error) {
		keywords, err := o.store.ListKeywords(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("list keywords: %w", err)
		}
		if limit > 0 && len(keywords) > limit {
			keywords = keywords[:limit]
		}
		return keywords, nil
	})
	return Submission{JobID: j.state.ID, Status: StatusQueued}, nil
}

// EnqueueRefreshOne schedules a refresh of a single keyword. An unknown slug
// is rejected before any job is created.
func (o *Orchestrator) EnqueueRefreshOne(ctx context.Context, slug, period string) (Submission, error) {
	period, err := o.resolvePeriod(period)
	if err != nil {
		return Submission{}, err
	}
	kw, err := o.store.GetKeyword(ctx, slug)
	if err != nil {
		if errors.Is(err, storage.ErrKeywordNotFound) {
			return Submission{}, fmt.Errorf("%w: %s", ErrUnknownKeyword, slug)
		}
		return Submission{}, fmt.Errorf("lookup keyword %s: %w", slug, err)
	}

	j, err := o.register(KindRefreshKeyword, period, 1)
	if err != nil {
		return Submission{}, err
	}
	o.start(j, func(context.Context) ([]storage.Keyword, error) {
		return []storage.Keyword{kw}, nil
	})
	return Submission{JobID: j.state.ID, Status: StatusQueued}, nil
}

// GetJobState returns a snapshot of the job.
func (o *Orchestrator) GetJobState(id string) (JobState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	if !ok {
		return JobState{}, false
	}
	return snapshot(j.state), true
}

// Wait blocks until the job reaches a terminal status or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (JobState, error) {
	o.mu.Lock()
	j, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return JobState{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return JobState{}, ctx.Err()
	}
	state, _ := o.GetJobState(id)
	return state, nil
}

// Close rejects new jobs and waits for running ones. When ctx ends first the
// remaining jobs are cancelled.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-drained
		return ctx.Err()
	}
}

func (o *Orchestrator) resolvePeriod(period string) (string, error) {
	if period == "" {
		return o.opts.PeriodFor(o.opts.Now()), nil
	}
	if _, err := time.Parse(ranksheet.PeriodLayout, period); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	return period, nil
}

func (o *Orchestrator) resolveConcurrency(requested int) int {
	if requested <= 0 {
		return o.opts.DefaultConcurrency
	}
	if requested > o.opts.MaxConcurrency {
		return o.opts.MaxConcurrency
	}
	return requested
}

func (o *Orchestrator) register(kind Kind, period string, concurrency int) (*job, error) {
	now := o.opts.Now()
	j := &job{
		state: JobState{
			ID:          uuid.NewString(),
			Kind:        kind,
			Status:      StatusQueued,
			Period:      period,
			Concurrency: concurrency,
			CreatedAt:   now,
		},
		done: make(chan struct{}),
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	o.pruneLocked(now)
	o.jobs[j.state.ID] = j
	o.wg.Add(1)
	return j, nil
}

// pruneLocked drops finished jobs older than the retention window.
func (o *Orchestrator) pruneLocked(now time.Time) {
	if o.opts.Retention <= 0 {
		return
	}
	cutoff := now.Add(-o.opts.Retention)
	for id, j := range o.jobs {
		if j.state.FinishedAt != nil && j.state.FinishedAt.Before(cutoff) {
			delete(o.jobs, id)
		}
	}
}

func (o *Orchestrator) start(j *job, list func(ctx context.Context) ([]storage.Keyword, error)) {
	go func() {
		defer o.wg.Done()
		defer close(j.done)
		o.run(j, list)
	}()
}

func (o *Orchestrator) run(j *job, list func(ctx context.Context) ([]storage.Keyword, error)) {
	ctx := o.base
	logger := o.logger.With().Str("job_id", j.state.ID).Str("period", j.state.Period).Logger()

	o.update(j, func(s *JobState) {
		started := o.opts.Now()
		s.Status = StatusRunning
		s.StartedAt = &started
	})

	if err := o.store.Ping(ctx); err != nil {
		o.fail(j, logger, fmt.Errorf("store ping: %w", err))
		return
	}
	keywords, err := list(ctx)
	if err != nil {
		o.fail(j, logger, err)
		return
	}
	o.update(j, func(s *JobState) { s.KeywordsTotal = len(keywords) })
	logger.Info().Int("keywords", len(keywords)).Int("concurrency", j.state.Concurrency).Msg("job started")

	var systemic atomic.Bool
	var systemicErr atomic.Value

	var g errgroup.Group
	g.SetLimit(j.state.Concurrency)
	for _, kw := range keywords {
		if systemic.Load() {
			break
		}
		g.Go(func() error {
			if systemic.Load() {
				return nil
			}
			err := o.refreshOne(ctx, j, kw)
			switch {
			case err == nil:
				o.update(j, func(s *JobState) { s.Succeeded++; s.KeywordsDone++ })
			case errors.Is(err, ErrLockNotAcquired):
				logger.Info().Str("keyword", kw.Slug).Msg("keyword skipped, refresh already in progress")
				o.update(j, func(s *JobState) { s.Skipped = append(s.Skipped, kw.Slug); s.KeywordsDone++ })
			default:
				if errors.Is(err, storage.ErrUnavailable) && systemic.CompareAndSwap(false, true) {
					systemicErr.Store(err)
					logger.Error().Err(err).Msg("store unavailable, halting dispatch")
				}
				o.update(j, func(s *JobState) {
					s.Errors = append(s.Errors, KeywordError{Keyword: kw.Slug, Error: err.Error()})
					s.KeywordsDone++
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	if systemic.Load() {
		err, _ := systemicErr.Load().(error)
		o.fail(j, logger, err)
		return
	}
	o.finish(j, logger)
}

func (o *Orchestrator) refreshOne(ctx context.Context, j *job, kw storage.Keyword) error {
	unlock, acquired, err := o.locks.TryLockKeyword(ctx, kw.Slug)
	if err != nil {
		return fmt.Errorf("acquire keyword lock: %w", err)
	}
	if !acquired {
		return ErrLockNotAcquired
	}
	defer unlock()

	_, err = o.refresher.RefreshKeyword(ctx, j.state.ID, kw, j.state.Period)
	return err
}

func (o *Orchestrator) fail(j *job, logger zerolog.Logger, err error) {
	o.update(j, func(s *JobState) {
		finished := o.opts.Now()
		s.Status = StatusFailed
		if err != nil {
			s.Error = err.Error()
		}
		s.FinishedAt = &finished
	})
	logger.Error().Err(err).Msg("job failed")
	o.notify(j)
}

func (o *Orchestrator) finish(j *job, logger zerolog.Logger) {
	o.update(j, func(s *JobState) {
		finished := o.opts.Now()
		s.Status = StatusSucceeded
		if len(s.Errors) > 0 || len(s.Skipped) > 0 {
			s.Status = StatusPartial
		}
		s.FinishedAt = &finished
	})
	state, _ := o.GetJobState(j.state.ID)
	logger.Info().
		Str("status", string(state.Status)).
		Int("succeeded", state.Succeeded).
		Int("failed", len(state.Errors)).
		Int("skipped", len(state.Skipped)).
		Msg("job finished")
	o.notify(j)
}

func (o *Orchestrator) notify(j *job) {
	if !o.opts.NotifyStatus || o.notifier == nil {
		return
	}
	state, _ := o.GetJobState(j.state.ID)
	if state.Status == StatusSucceeded {
		return
	}
	note := alerting.Notification{
		Kind:          alerting.KindJobFinished,
		At:            o.opts.Now(),
		JobID:         state.ID,
		JobStatus:     string(state.Status),
		Period:        state.Period,
		Succeeded:     state.Succeeded,
		Failed:        len(state.Errors),
		Skipped:       len(state.Skipped),
		AdditionalMsg: state.Error,
	}
	if err := o.notifier.Notify(o.base, note); err != nil {
		o.logger.Error().Err(err).Str("job_id", state.ID).Msg("failed to dispatch job alert")
	}
}

// update mutates the job under the registry lock.
func (o *Orchestrator) update(j *job, fn func(s *JobState)) {
	o.mu.Lock()
	fn(&j.state)
	o.mu.Unlock()
}

func snapshot(s JobState) JobState {
	out := s
	out.Skipped = append([]string(nil), s.Skipped...)
	out.Errors = append([]KeywordError(nil), s.Errors...)
	if out.Skipped == nil {
		out.Skipped = []string{}
	}
	if out.Errors == nil {
		out.Errors = []KeywordError{}
	}
	return out
}
