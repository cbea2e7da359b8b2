package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ranksheet-engine/internal/alerting"
	"ranksheet-engine/internal/service"
	"ranksheet-engine/internal/storage"
)

type fakeRefresher struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]error
	delay    time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeRefresher) RefreshKeyword(_ context.Context, _ string, kw storage.Keyword, _ string) (service.Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls = append(f.calls, kw.Slug)
	err := f.failures[kw.Slug]
	f.mu.Unlock()
	if err != nil {
		return service.Result{}, err
	}
	return service.Result{Keyword: kw.Slug}, nil
}

func (f *fakeRefresher) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type pingFailStore struct {
	*storage.Memory
	pingErr error
}

func (s *pingFailStore) Ping(context.Context) error { return s.pingErr }

type captureNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (c *captureNotifier) Notify(_ context.Context, note alerting.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, note)
	return nil
}

func seed(t *testing.T, store *storage.Memory, n int) []string {
	t.Helper()
	slugs := make([]string, n)
	for i := range slugs {
		slugs[i] = fmt.Sprintf("keyword-%02d", i+1)
		kw := storage.Keyword{Slug: slugs[i], Phrase: fmt.Sprintf("keyword %d", i+1), Enabled: true}
		if err := store.UpsertKeyword(context.Background(), kw); err != nil {
			t.Fatal(err)
		}
	}
	return slugs
}

func newTestOrchestrator(refresher Refresher, store *storage.Memory, notifier alerting.Notifier) *Orchestrator {
	return New(Options{
		DefaultConcurrency: 2,
		MaxConcurrency:     4,
		Retention:          time.Hour,
		NotifyStatus:       true,
		PeriodFor:          func(time.Time) string { return "2024-05-13" },
	}, refresher, store, store, notifier, zerolog.Nop())
}

func waitJob(t *testing.T, o *Orchestrator, id string) JobState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := o.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait job %s: %v", id, err)
	}
	if !state.Status.Terminal() {
		t.Fatalf("job should be terminal, got %s", state.Status)
	}
	return state
}

func TestRefreshAllSucceeds(t *testing.T) {
	store := storage.NewMemory()
	slugs := seed(t, store, 3)
	refresher := &fakeRefresher{failures: map[string]error{}}
	o := newTestOrchestrator(refresher, store, nil)

	sub, err := o.EnqueueRefreshAll(context.Background(), RefreshAllRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if sub.Status != StatusQueued || sub.JobID == "" {
		t.Fatalf("unexpected submission: %+v", sub)
	}

	state := waitJob(t, o, sub.JobID)
	if state.Status != StatusSucceeded || state.Succeeded != len(slugs) || state.KeywordsDone != len(slugs) {
		t.Fatalf("unexpected state: %+v", state)
	}
	if state.Period != "2024-05-13" || state.Concurrency != 2 {
		t.Fatalf("defaults not applied: %+v", state)
	}
}

func TestRefreshAllSkipsLockedKeyword(t *testing.T) {
	store := storage.NewMemory()
	slugs := seed(t, store, 3)
	unlock, ok, _ := store.TryLockKeyword(context.Background(), slugs[1])
	if !ok {
		t.Fatal("lock should be free")
	}
	defer unlock()

	refresher := &fakeRefresher{failures: map[string]error{}}
	notifier := &captureNotifier{}
	o := newTestOrchestrator(refresher, store, notifier)

	sub, _ := o.EnqueueRefreshAll(context.Background(), RefreshAllRequest{})
	state := waitJob(t, o, sub.JobID)

	if state.Status != StatusPartial {
		t.Fatalf("skipped keyword should make the job PARTIAL, got %s", state.Status)
	}
	if len(state.Skipped) != 1 || state.Skipped[0] != slugs[1] || len(state.Errors) != 0 {
		t.Fatalf("unexpected accounting: %+v", state)
	}
	for _, slug := range refresher.called() {
		if slug == slugs[1] {
			t.Fatal("locked keyword must not be refreshed")
		}
	}
	if len(notifier.notes) != 1 || notifier.notes[0].JobStatus != string(StatusPartial) || notifier.notes[0].Skipped != 1 {
		t.Fatalf("unexpected notifications: %+v", notifier.notes)
	}
}

func TestRefreshAllContinuesAfterKeywordFailure(t *testing.T) {
	store := storage.NewMemory()
	slugs := seed(t, store, 4)
	refresher := &fakeRefresher{failures: map[string]error{slugs[0]: errors.New("upstream 502")}}
	o := newTestOrchestrator(refresher, store, nil)

	sub, _ := o.EnqueueRefreshAll(context.Background(), RefreshAllRequest{Concurrency: 1})
	state := waitJob(t, o, sub.JobID)

	if state.Status != StatusPartial || state.Succeeded != 3 {
		t.Fatalf("unexpected state: %+v", state)
	}
	if len(state.Errors) != 1 || state.Errors[0].Keyword != slugs[0] {
		t.Fatalf("unexpected errors: %+v", state.Errors)
	}
	if got := refresher.called(); len(got) != 4 || got[0] != slugs[0] || got[3] != slugs[3] {
		t.Fatalf("keywords should run in listing order: %v", got)
	}
}

func TestRefreshAllFailsOnStoreUnavailable(t *testing.T) {
	store := storage.NewMemory()
	slugs := seed(t, store, 4)
	refresher := &fakeRefresher{failures: map[string]error{
		slugs[0]: fmt.Errorf("save period: %w", storage.ErrUnavailable),
	}}
	o := newTestOrchestrator(refresher, store, nil)

	sub, _ := o.EnqueueRefreshAll(context.Background(), RefreshAllRequest{Concurrency: 1})
	state := waitJob(t, o, sub.JobID)

	if state.Status != StatusFailed || state.Error == "" {
		t.Fatalf("store outage should fail the job: %+v", state)
	}
	if got := refresher.called(); len(got) != 1 {
		t.Fatalf("undispatched keywords must not start, called %v", got)
	}
}

func TestRefreshAllFailsWhenPingFails(t *testing.T) {
	mem := storage.NewMemory()
	seed(t, mem, 2)
	store := &pingFailStore{Memory: mem, pingErr: storage.ErrUnavailable}
	refresher := &fakeRefresher{failures: map[string]error{}}
	o := New(Options{}, refresher, mem, store, nil, zerolog.Nop())

	sub, _ := o.EnqueueRefreshAll(context.Background(), RefreshAllRequest{})
	state := waitJob(t, o, sub.JobID)
	if state.Status != StatusFailed || len(refresher.called()) != 0 {
		t.Fatalf("ping failure should fail before dispatch: %+v", state)
	}
}

func TestRefreshAllBoundsConcurrency(t *testing.T) {
	store := storage.NewMemory()
	seed(t, store, 10)
	refresher := &fakeRefresher{failures: map[string]error{}, delay: 10 * time.Millisecond}
	o := newTestOrchestrator(refresher, store, nil)

	sub, _ := o.EnqueueRefreshAll(context.Background(), RefreshAllRequest{Concurrency: 3, Limit: 8})
	state := waitJob(t, o, sub.JobID)

	if state.KeywordsTotal != 8 || state.Succeeded != 8 {
		t.Fatalf("limit should truncate the batch: %+v", state)
	}
	if got := refresher.maxInFlight.Load(); got > 3 {
		t.Fatalf("at most 3 keywords may run at once, saw %d", got)
	}
}

func TestRefreshAllClampsConcurrency(t *testing.T) {
	store := storage.NewMemory()
	seed(t, store, 1)
	o := newTestOrchestrator(&fakeRefresher{failures: map[string]error{}}, store, nil)

	sub, _ := o.EnqueueRefreshAll(context.Background(), RefreshAllRequest{Concurrency: 50})
	if state := waitJob(t, o, sub.JobID); state.Concurrency != 4 {
		t.Fatalf("concurrency should clamp to max, got %d", state.Concurrency)
	}
}

func TestEnqueueRefreshOne(t *testing.T) {
	store := storage.NewMemory()
	slugs := seed(t, store, 2)
	refresher := &fakeRefresher{failures: map[string]error{}}
	o := newTestOrchestrator(refresher, store, nil)

	if _, err := o.EnqueueRefreshOne(context.Background(), "missing", ""); !errors.Is(err, ErrUnknownKeyword) {
		t.Fatalf("expected ErrUnknownKeyword, got %v", err)
	}
	if _, err := o.EnqueueRefreshOne(context.Background(), slugs[0], "13/05/2024"); !errors.Is(err, ErrInvalidPeriod) {
		t.Fatalf("expected ErrInvalidPeriod, got %v", err)
	}

	sub, err := o.EnqueueRefreshOne(context.Background(), slugs[1], "2024-05-06")
	if err != nil {
		t.Fatal(err)
	}
	state := waitJob(t, o, sub.JobID)
	if state.Kind != KindRefreshKeyword || state.Period != "2024-05-06" || state.Status != StatusSucceeded {
		t.Fatalf("unexpected state: %+v", state)
	}
	if got := refresher.called(); len(got) != 1 || got[0] != slugs[1] {
		t.Fatalf("only the named keyword should run: %v", got)
	}
}

func TestJobLookupAndClose(t *testing.T) {
	store := storage.NewMemory()
	seed(t, store, 1)
	o := newTestOrchestrator(&fakeRefresher{failures: map[string]error{}}, store, nil)

	if _, ok := o.GetJobState("nope"); ok {
		t.Fatal("unknown job should not be found")
	}
	if _, err := o.Wait(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := o.EnqueueRefreshAll(context.Background(), RefreshAllRequest{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed orchestrator should reject jobs, got %v", err)
	}
}

func TestRetentionPrunesFinishedJobs(t *testing.T) {
	store := storage.NewMemory()
	seed(t, store, 1)
	now := time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	o := New(Options{Retention: time.Hour, Now: clock}, &fakeRefresher{failures: map[string]error{}}, store, store, nil, zerolog.Nop())

	first, _ := o.EnqueueRefreshAll(context.Background(), RefreshAllRequest{})
	waitJob(t, o, first.JobID)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	second, _ := o.EnqueueRefreshAll(context.Background(), RefreshAllRequest{})
	waitJob(t, o, second.JobID)

	if _, ok := o.GetJobState(first.JobID); ok {
		t.Fatal("job older than retention should be pruned")
	}
	if _, ok := o.GetJobState(second.JobID); !ok {
		t.Fatal("recent job should be kept")
	}
}
