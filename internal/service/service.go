package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ranksheet-engine/internal/alerting"
	"ranksheet-engine/internal/fetcher"
	"ranksheet-engine/internal/logging"
	"ranksheet-engine/internal/ranksheet"
	"ranksheet-engine/internal/storage"
)

// Options tune the keyword pipeline.
type Options struct {
	Sheet           ranksheet.Options
	NotifyReadiness bool
}

// Backend is the persistence the pipeline needs.
type Backend interface {
	storage.KeywordStore
	storage.PeriodStore
}

// Result summarises one keyword refresh.
type Result struct {
	Keyword   string
	Period    ranksheet.Period
	Readiness ranksheet.ReadinessResult
	Removed   int
}

// Service refreshes the rank sheet of one keyword at a time.
type Service struct {
	provider fetcher.SignalProvider
	store    Backend
	notifier alerting.Notifier
	opts     Options
	logger   zerolog.Logger
}

// New constructs the keyword pipeline. notifier may be nil.
func New(opts Options, provider fetcher.SignalProvider, store Backend, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	return &Service{
		provider: provider,
		store:    store,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "service").Logger(),
	}
}

// RefreshKeyword runs fetch, assemble and persist for kw. The caller must
// hold the keyword lock. On failure the keyword is marked ERROR and its
// stored periods are left as they were.
func (s *Service) RefreshKeyword(ctx context.Context, jobID string, kw storage.Keyword, dataPeriod string) (Result, error) {
	logger := logging.ForKeyword(s.logger, jobID, kw.Slug, dataPeriod)

	started := time.Now()
	result, err := s.refresh(ctx, kw, dataPeriod)
	if err != nil {
		logger.Error().Err(err).Msg("keyword refresh failed")
		if markErr := s.store.MarkKeywordError(ctx, kw.Slug, err.Error()); markErr != nil {
			logger.Error().Err(markErr).Msg("failed to record keyword error status")
			if errors.Is(markErr, storage.ErrUnavailable) && !errors.Is(err, storage.ErrUnavailable) {
				err = fmt.Errorf("%w (status update: %w)", err, markErr)
			}
		}
		return Result{}, err
	}

	if err := s.store.MarkKeywordActive(ctx, kw.Slug, result.Period.UpdatedAt); err != nil {
		return result, fmt.Errorf("mark keyword active: %w", err)
	}

	logger.Info().
		Int("rows", result.Period.ValidCount).
		Int("variants_removed", result.Removed).
		Str("readiness", string(result.Readiness.Level)).
		Int("ready", result.Readiness.Ready).
		Dur("elapsed", time.Since(started)).
		Msg("rank sheet refreshed")

	if result.Readiness.Level == ranksheet.ReadinessCritical {
		s.notifyCritical(ctx, logger, kw, result)
	}
	return result, nil
}

func (s *Service) refresh(ctx context.Context, kw storage.Keyword, dataPeriod string) (Result, error) {
	rows, err := s.provider.Fetch(ctx, fetcher.Query{Keyword: kw.Phrase, Marketplace: kw.Marketplace, Period: dataPeriod})
	if err != nil {
		return Result{}, fmt.Errorf("fetch signals: %w", err)
	}

	var previous *ranksheet.Period
	prev, found, err := s.store.PreviousPeriod(ctx, kw.Slug, dataPeriod)
	if err != nil {
		return Result{}, fmt.Errorf("load previous period: %w", err)
	}
	if found {
		previous = &prev
	}

	assembly, err := ranksheet.Assemble(dataPeriod, rows, previous, s.opts.Sheet)
	if err != nil {
		return Result{}, fmt.Errorf("assemble rank sheet: %w", err)
	}

	if err := s.store.SavePeriod(ctx, kw.Slug, assembly.Period); err != nil {
		return Result{}, fmt.Errorf("save period: %w", err)
	}

	return Result{
		Keyword:   kw.Slug,
		Period:    assembly.Period,
		Readiness: assembly.Readiness,
		Removed:   len(assembly.Dedupe.Removed),
	}, nil
}

func (s *Service) notifyCritical(ctx context.Context, logger zerolog.Logger, kw storage.Keyword, result Result) {
	if !s.opts.NotifyReadiness || s.notifier == nil {
		return
	}
	note := alerting.Notification{
		Kind:         alerting.KindReadinessCritical,
		At:           result.Period.UpdatedAt,
		Keyword:      kw.Slug,
		Period:       result.Period.DataPeriod,
		Readiness:    string(result.Readiness.Level),
		Ready:        result.Readiness.Ready,
		TopK:         result.Readiness.TopK,
		MissingASINs: result.Readiness.MissingASINs,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		logger.Error().Err(err).Msg("failed to dispatch readiness alert")
	}
}
