package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ranksheet-engine/internal/alerting"
	"ranksheet-engine/internal/config"
	"ranksheet-engine/internal/fetcher"
	"ranksheet-engine/internal/gateway"
	"ranksheet-engine/internal/jobs"
	"ranksheet-engine/internal/ranksheet"
	"ranksheet-engine/internal/resilience"
	"ranksheet-engine/internal/scheduler"
	"ranksheet-engine/internal/service"
	"ranksheet-engine/internal/storage"
)

// providerBreaker names the breaker guarding the analytics provider.
const providerBreaker = "provider"

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer

	// openStore is swapped in tests to share one in-memory backend.
	openStore func(ctx context.Context) (storage.Backend, error)
	provider  fetcher.SignalProvider
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	a := &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
	a.openStore = func(ctx context.Context) (storage.Backend, error) {
		return storage.Open(ctx, cfg.Database, logger)
	}
	return a
}

// engine is the wired object graph shared by the long-running and one-shot
// commands.
type engine struct {
	store    storage.Backend
	breakers *resilience.Breakers
	notifier alerting.Notifier
	service  *service.Service
	jobs     *jobs.Orchestrator
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
}

func (a *App) newProvider(breakers *resilience.Breakers) fetcher.SignalProvider {
	next := a.provider
	if next == nil {
		p := a.Config.Provider
		next = fetcher.NewHTTPProvider(fetcher.HTTPOptions{
			BaseURL:           p.BaseURL,
			APIKey:            p.APIKey,
			Marketplace:       p.Marketplace,
			Timeout:           p.Timeout,
			UserAgent:         p.UserAgent,
			RequestsPerSecond: p.RequestsPerSecond,
			Burst:             p.Burst,
		}, a.Logger)
	}
	return fetcher.NewGuarded(next, breakers.For(providerBreaker), a.Logger)
}

func (a *App) sheetOptions() ranksheet.Options {
	return ranksheet.Options{
		Weights:   a.Config.Scoring,
		Readiness: a.Config.Readiness.ReadinessThresholds,
		TopK:      a.Config.Readiness.TopK,
	}
}

func (a *App) build(ctx context.Context) (*engine, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	breakers := resilience.NewBreakers(a.Config.Breaker, a.Logger)
	notifier := a.newNotifier()

	svc := service.New(service.Options{
		Sheet:           a.sheetOptions(),
		NotifyReadiness: a.Config.Alerting.NotifyReadiness,
	}, a.newProvider(breakers), store, notifier, a.Logger)

	orch := jobs.New(jobs.Options{
		DefaultConcurrency: a.Config.Jobs.DefaultConcurrency,
		MaxConcurrency:     a.Config.Jobs.MaxConcurrency,
		Retention:          a.Config.Jobs.Retention,
		PeriodFor:          scheduler.PeriodFor(a.Config.Jobs.PeriodGranularity, a.Config.Jobs.PeriodLagDays),
		NotifyStatus:       true,
	}, svc, store, store, notifier, a.Logger)

	return &engine{store: store, breakers: breakers, notifier: notifier, service: svc, jobs: orch}, nil
}

// watchBreakers forwards provider breaker openings to the notifier.
func (a *App) watchBreakers(ctx context.Context, e *engine) {
	if e.notifier == nil || !a.Config.Alerting.NotifyBreakers {
		return
	}
	go alerting.WatchBreaker(ctx, e.breakers.For(providerBreaker), e.notifier, a.Logger)
}

func (a *App) shutdown(e *engine) {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := e.jobs.Close(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("jobs still running at shutdown were cancelled")
	}
	e.store.Close()
}

// RunOptions configure the scheduled service.
type RunOptions struct {
	Serve bool
}

// Run executes the long-running scheduled refresh service.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer a.shutdown(e)
	a.watchBreakers(ctx, e)

	sched, err := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToBucket:  a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: a.Config.Scheduler.RunImmediately,
	}, a.Logger)
	if err != nil {
		return err
	}

	if opts.Serve {
		go func() {
			if err := a.serveHTTP(ctx, e); err != nil {
				a.Logger.Error().Err(err).Msg("http server stopped")
				cancel()
			}
		}()
	}

	periodFor := scheduler.PeriodFor(a.Config.Jobs.PeriodGranularity, a.Config.Jobs.PeriodLagDays)
	a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting scheduled refresh service")
	err = sched.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		return a.scheduledRefresh(ctx, e, periodFor(bucket))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("scheduled refresh service stopped")
	return nil
}

func (a *App) scheduledRefresh(ctx context.Context, e *engine, period string) error {
	sub, err := e.jobs.EnqueueRefreshAll(ctx, jobs.RefreshAllRequest{Period: period})
	if err != nil {
		return err
	}
	state, err := e.jobs.Wait(ctx, sub.JobID)
	if err != nil {
		return err
	}
	if purged, err := e.store.PurgeExpired(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("failed to purge expired shared counters")
	} else if purged > 0 {
		a.Logger.Debug().Int64("purged", purged).Msg("purged expired shared counters")
	}
	if state.Status == jobs.StatusFailed {
		return fmt.Errorf("refresh job %s failed: %s", state.ID, state.Error)
	}
	return nil
}

// Serve exposes the HTTP gateway until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer a.shutdown(e)
	a.watchBreakers(ctx, e)

	return a.serveHTTP(ctx, e)
}

func (a *App) serveHTTP(ctx context.Context, e *engine) error {
	limiter := resilience.NewRateLimiter(e.store, a.Config.RateLimit.Actions, a.Config.RateLimit.Default, a.Logger)
	idem := resilience.NewIdempotencyCache(e.store, a.Config.Idempotency.TTL, a.Config.Idempotency.PendingTTL, a.Logger)
	gw := gateway.New(gateway.Options{
		TrendTop:        a.Config.Trend.Top,
		TrendPeriods:    a.Config.Trend.Periods,
		MaxTrendPeriods: a.Config.Export.MaxPeriods,
	}, e.jobs, e.store, limiter, idem, e.breakers, a.Logger)

	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: a.Config.Server.ReadTimeout,
		ReadTimeout:       a.Config.Server.ReadTimeout,
		WriteTimeout:      a.Config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Msg("http gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http gateway: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	a.Logger.Info().Msg("http gateway stopped")
	return nil
}
