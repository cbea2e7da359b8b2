package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State of a circuit breaker.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

var (
	// ErrCircuitOpen is returned when a call is short-circuited.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrCallTimeout marks a call that exceeded the breaker's per-call timeout.
	ErrCallTimeout = errors.New("call timed out")
)

// BreakerOptions tune a Breaker.
type BreakerOptions struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	ErrorThresholdPct float64       `mapstructure:"error_threshold_pct"`
	MinVolume         int           `mapstructure:"min_volume"`
	Window            time.Duration `mapstructure:"window"`
	Buckets           int           `mapstructure:"buckets"`
	ResetTimeout      time.Duration `mapstructure:"reset_timeout"`
}

// DefaultBreakerOptions mirrors the configuration defaults.
func DefaultBreakerOptions() BreakerOptions {
	return BreakerOptions{
		Timeout:           10 * time.Second,
		ErrorThresholdPct: 50,
		MinVolume:         10,
		Window:            60 * time.Second,
		Buckets:           6,
		ResetTimeout:      30 * time.Second,
	}
}

// StateChange is published to subscribers on every transition.
type StateChange struct {
	Name string
	From State
	To   State
	At   time.Time
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	Name        string     `json:"name"`
	State       State      `json:"state"`
	Failures    int        `json:"failures"`
	Successes   int        `json:"successes"`
	Volume      int        `json:"volume"`
	NextProbeAt *time.Time `json:"nextProbeAt,omitempty"`
}

type bucket struct {
	start     time.Time
	failures  int
	successes int
}

// Breaker is a circuit breaker guarding one upstream dependency.
type Breaker struct {
	name   string
	opts   BreakerOptions
	now    func() time.Time
	logger zerolog.Logger

	mu          sync.Mutex
	state       State
	buckets     []bucket
	nextProbeAt time.Time
	probing     bool
	subscribers map[int]chan StateChange
	nextSubID   int
}

// NewBreaker constructs a closed breaker.
func NewBreaker(name string, opts BreakerOptions, logger zerolog.Logger) *Breaker {
	def := DefaultBreakerOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.Buckets <= 0 {
		opts.Buckets = def.Buckets
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = def.ResetTimeout
	}
	if opts.ErrorThresholdPct <= 0 {
		opts.ErrorThresholdPct = def.ErrorThresholdPct
	}
	if opts.MinVolume <= 0 {
		opts.MinVolume = 1
	}
	return &Breaker{
		name:        name,
		opts:        opts,
		now:         time.Now,
		logger:      logger.With().Str("component", "breaker").Str("breaker", name).Logger(),
		state:       StateClosed,
		subscribers: make(map[int]chan StateChange),
	}
}

// WithClock replaces the time source. Intended for tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns counters for the rolling window.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	failures, successes := b.countsLocked(b.now())
	snap := BreakerSnapshot{
		Name:      b.name,
		State:     b.state,
		Failures:  failures,
		Successes: successes,
		Volume:    failures + successes,
	}
	if b.state != StateClosed {
		next := b.nextProbeAt
		snap.NextProbeAt = &next
	}
	return snap
}

// Subscribe registers for state change events. Slow subscribers miss events
// rather than block the breaker. The returned func unsubscribes.
func (b *Breaker) Subscribe(buffer int) (<-chan StateChange, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan StateChange, buffer)
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil)
	return err
}

// Call runs fn through b with the breaker's per-call timeout. When the circuit
// is open the call never starts: fallback supplies a value if it can, otherwise
// ErrCircuitOpen is returned.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error), fallback func() (T, bool)) (T, error) {
	var zero T
	probe, ok := b.allow()
	if !ok {
		if fallback != nil {
			if v, found := fallback(); found {
				return v, nil
			}
		}
		return zero, fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}

	callCtx := ctx
	cancel := func() {}
	if b.opts.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.opts.Timeout)
	}
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{v: v, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = result{err: callCtx.Err()}
	}

	if res.err != nil && ctx.Err() != nil && errors.Is(res.err, context.Canceled) {
		// caller went away; says nothing about the dependency
		b.abandon(probe)
		return zero, res.err
	}
	if res.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.err = fmt.Errorf("%s after %s: %w", b.name, b.opts.Timeout, ErrCallTimeout)
	}

	b.record(res.err == nil, probe)
	if res.err != nil {
		return zero, res.err
	}
	return res.v, nil
}

func (b *Breaker) allow() (probe bool, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if b.now().Before(b.nextProbeAt) {
			return false, false
		}
		b.transitionLocked(StateHalfOpen)
		b.probing = true
		return true, true
	default:
		if b.probing {
			return false, false
		}
		b.probing = true
		return true, true
	}
}

func (b *Breaker) abandon(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) record(success, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if probe {
		b.probing = false
		if success {
			b.buckets = nil
			b.transitionLocked(StateClosed)
		} else {
			b.nextProbeAt = now.Add(b.opts.ResetTimeout)
			b.transitionLocked(StateOpen)
		}
		return
	}

	b.addLocked(now, success)
	if b.state != StateClosed {
		return
	}
	failures, successes := b.countsLocked(now)
	volume := failures + successes
	if volume < b.opts.MinVolume {
		return
	}
	if float64(failures)*100/float64(volume) >= b.opts.ErrorThresholdPct {
		b.nextProbeAt = now.Add(b.opts.ResetTimeout)
		b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) width() time.Duration {
	w := b.opts.Window / time.Duration(b.opts.Buckets)
	if w <= 0 {
		return time.Second
	}
	return w
}

func (b *Breaker) addLocked(now time.Time, success bool) {
	start := now.Truncate(b.width())
	n := len(b.buckets)
	if n == 0 || !b.buckets[n-1].start.Equal(start) {
		b.buckets = append(b.buckets, bucket{start: start})
		n++
	}
	if success {
		b.buckets[n-1].successes++
	} else {
		b.buckets[n-1].failures++
	}
}

func (b *Breaker) countsLocked(now time.Time) (failures, successes int) {
	cutoff := now.Add(-b.opts.Window)
	idx := sort.Search(len(b.buckets), func(i int) bool {
		return b.buckets[i].start.Add(b.width()).After(cutoff)
	})
	b.buckets = b.buckets[idx:]
	for _, bk := range b.buckets {
		failures += bk.failures
		successes += bk.successes
	}
	return failures, successes
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	change := StateChange{Name: b.name, From: from, To: to, At: b.now()}

	event := b.logger.Info()
	if to == StateOpen {
		event = b.logger.Warn()
	}
	event.Str("from", string(from)).Str("to", string(to)).Msg("circuit state changed")

	for _, ch := range b.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}
