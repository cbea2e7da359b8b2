package resilience

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestIdempotencyReplaysFirstResponse(t *testing.T) {
	cache := NewIdempotencyCache(NewMemoryStore(), time.Hour, time.Minute, zerolog.Nop())
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) (Response, error) {
		calls++
		body := []byte(`{"jobId":"job-` + string(rune('0'+calls)) + `"}`)
		return Response{StatusCode: http.StatusAccepted, ContentType: "application/json", Body: body}, nil
	}

	first, replayed, err := cache.Do(ctx, "refresh", "key-1", fn)
	if err != nil || replayed {
		t.Fatalf("first call: replayed=%v err=%v", replayed, err)
	}
	second, replayed, err := cache.Do(ctx, "refresh", "key-1", fn)
	if err != nil || !replayed {
		t.Fatalf("second call: replayed=%v err=%v", replayed, err)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
	if !bytes.Equal(first.Body, second.Body) || first.StatusCode != second.StatusCode || first.ContentType != second.ContentType {
		t.Fatalf("replay differs: %+v vs %+v", first, second)
	}

	if _, replayed, _ := cache.Do(ctx, "refresh-all", "key-1", fn); replayed {
		t.Fatal("keys are scoped per operation")
	}
}

func TestIdempotencyConcurrentDuplicate(t *testing.T) {
	cache := NewIdempotencyCache(NewMemoryStore(), time.Hour, time.Minute, zerolog.Nop())
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, _ = cache.Do(ctx, "refresh", "k", func(context.Context) (Response, error) {
			close(entered)
			<-release
			return Response{StatusCode: http.StatusAccepted}, nil
		})
	}()
	<-entered

	_, _, err := cache.Do(ctx, "refresh", "k", func(context.Context) (Response, error) {
		t.Fatal("duplicate must not run")
		return Response{}, nil
	})
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
	close(release)
	wg.Wait()
}

func TestIdempotencyReleasesOnFailure(t *testing.T) {
	cache := NewIdempotencyCache(NewMemoryStore(), time.Hour, time.Minute, zerolog.Nop())
	ctx := context.Background()

	_, _, err := cache.Do(ctx, "refresh", "k", func(context.Context) (Response, error) {
		return Response{}, errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	_, _, _ = cache.Do(ctx, "refresh", "k", func(context.Context) (Response, error) {
		return Response{StatusCode: http.StatusServiceUnavailable}, nil
	})

	ran := false
	resp, replayed, err := cache.Do(ctx, "refresh", "k", func(context.Context) (Response, error) {
		ran = true
		return Response{StatusCode: http.StatusAccepted}, nil
	})
	if err != nil || replayed || !ran || resp.StatusCode != http.StatusAccepted {
		t.Fatalf("key should be free after failures: ran=%v replayed=%v err=%v", ran, replayed, err)
	}
}

func TestIdempotencyExpires(t *testing.T) {
	clock := newFakeClock()
	cache := NewIdempotencyCache(NewMemoryStore().WithClock(clock.Now), time.Hour, time.Minute, zerolog.Nop())
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) (Response, error) {
		calls++
		return Response{StatusCode: http.StatusAccepted}, nil
	}
	_, _, _ = cache.Do(ctx, "refresh", "k", fn)
	clock.Advance(time.Hour)
	if _, replayed, _ := cache.Do(ctx, "refresh", "k", fn); replayed || calls != 2 {
		t.Fatalf("expired key should run again: replayed=%v calls=%d", replayed, calls)
	}
}

func TestIdempotencyStoreOutageFailsOpen(t *testing.T) {
	cache := NewIdempotencyCache(failingStore{}, time.Hour, time.Minute, zerolog.Nop())
	calls := 0
	for i := 0; i < 2; i++ {
		_, replayed, err := cache.Do(context.Background(), "refresh", "k", func(context.Context) (Response, error) {
			calls++
			return Response{StatusCode: http.StatusAccepted}, nil
		})
		if err != nil || replayed {
			t.Fatalf("outage should process without replay: %v", err)
		}
	}
	if calls != 2 {
		t.Fatalf("calls = %d", calls)
	}
}
