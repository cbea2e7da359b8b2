package alerting

import (
	"context"

	"github.com/rs/zerolog"

	"ranksheet-engine/internal/resilience"
)

// WatchBreaker forwards every transition of b into OPEN to notifier until ctx
// is done.
func WatchBreaker(ctx context.Context, b *resilience.Breaker, notifier Notifier, logger zerolog.Logger) {
	events, unsubscribe := b.Subscribe(16)
	defer unsubscribe()
	logger = logger.With().Str("component", "breaker_watch").Str("breaker", b.Name()).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.To != resilience.StateOpen {
				continue
			}
			note := Notification{Kind: KindBreakerOpened, At: ev.At, Breaker: ev.Name}
			if err := notifier.Notify(ctx, note); err != nil {
				logger.Error().Err(err).Msg("failed to dispatch breaker alert")
			}
		}
	}
}
