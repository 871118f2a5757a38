package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for request pacing.
var (
	throttleWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paged_throttle_waits_total",
		Help: "Total number of requests delayed by the throttle by category",
	}, []string{"category"})

	throttleWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paged_throttle_wait_seconds",
		Help:    "Throttle wait before a delayed request in seconds by category",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"category"})

	throttleStoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paged_throttle_store_errors_total",
		Help: "Total number of shared throttle state store errors by operation",
	}, []string{"operation"})
)

// Clock returns the current time. Successive calls must not go backwards.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// Sleeper blocks the caller for at least the given duration.
type Sleeper interface {
	Sleep(d time.Duration)
}

// SleeperFunc adapts a function to the Sleeper interface.
type SleeperFunc func(time.Duration)

// Sleep implements Sleeper.
func (f SleeperFunc) Sleep(d time.Duration) { f(d) }

var (
	// SystemClock reads the wall clock.
	SystemClock Clock = ClockFunc(time.Now)

	// SystemSleeper blocks with time.Sleep.
	SystemSleeper Sleeper = SleeperFunc(time.Sleep)
)

// StateStore holds pacing state shared by several throttles, so that
// processes acting under one credential pace against one quota.
//
// Reserve must be atomic: it computes the wait for a request of the given
// category sent at now against the shared state as Config.ReserveDelay does,
// advances that state to now plus the wait and returns the wait.
type StateStore interface {
	Load(ctx context.Context) (State, error)
	Reserve(ctx context.Context, cfg Config, category Category, now time.Time) (time.Duration, error)
}

// MemoryStore is a StateStore shared by throttles of one process.
type MemoryStore struct {
	mu    sync.Mutex
	state State
}

// Load implements StateStore.
func (m *MemoryStore) Load(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

// Reserve implements StateStore.
func (m *MemoryStore) Reserve(ctx context.Context, cfg Config, category Category, now time.Time) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wait := cfg.ReserveDelay(m.state, category, now)
	m.state = m.state.Advance(category, now.Add(wait))
	return wait, nil
}

// Throttle paces requests of one client session.
type Throttle struct {
	mu      sync.Mutex
	config  Config
	state   State
	clock   Clock
	sleeper Sleeper
	store   StateStore
	logger  zerolog.Logger
}

// Option configures a Throttle.
type Option func(*Throttle)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(t *Throttle) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithSleeper replaces time.Sleep.
func WithSleeper(s Sleeper) Option {
	return func(t *Throttle) {
		if s != nil {
			t.sleeper = s
		}
	}
}

// WithStore shares pacing state through the given store.
func WithStore(s StateStore) Option {
	return func(t *Throttle) {
		t.store = s
	}
}

// WithLogger sets the logger used for wait and store events.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Throttle) {
		t.logger = l
	}
}

// New creates a Throttle with empty state.
func New(cfg Config, opts ...Option) *Throttle {
	t := &Throttle{
		config:  cfg,
		clock:   SystemClock,
		sleeper: SystemSleeper,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Config returns the configured intervals.
func (t *Throttle) Config() Config {
	return t.config
}

// State returns a snapshot of the in-process pacing state.
func (t *Throttle) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Delay returns how long a request of the given category must wait if it
// were sent at now. It does not change any state.
func (t *Throttle) Delay(category Category, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config.Delay(t.state, category, now)
}

// Record registers a request of the given category as sent at sentAt.
func (t *Throttle) Record(category Category, sentAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = t.state.Advance(category, sentAt)
}

// Acquire blocks until a request of the given category may be sent, records
// it, and returns its effective send time. The sleeper is invoked once when a
// wait is required and never with a zero duration. With a store the slot is
// reserved in the shared state before sleeping.
//
// Acquire never fails. ctx is only used for the state store; an in-progress
// wait is not interrupted by cancellation.
func (t *Throttle) Acquire(ctx context.Context, category Category) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	wait := t.reserve(ctx, category, now)
	if wait > 0 {
		throttleWaitsTotal.WithLabelValues(category.String()).Inc()
		throttleWaitSeconds.WithLabelValues(category.String()).Observe(wait.Seconds())

		t.logger.Debug().
			Str("category", category.String()).
			Dur("wait", wait).
			Msg("Delaying request")

		t.sleeper.Sleep(wait)
	}

	sentAt := now.Add(wait)
	t.state = t.state.Advance(category, sentAt)

	return sentAt
}

// reserve returns the wait for a request sent at now. Store errors are
// logged and the in-process state is used instead.
func (t *Throttle) reserve(ctx context.Context, category Category, now time.Time) time.Duration {
	if t.store == nil {
		return t.config.Delay(t.state, category, now)
	}

	wait, err := t.store.Reserve(ctx, t.config, category, now)
	if err != nil {
		throttleStoreErrorsTotal.WithLabelValues("reserve").Inc()
		t.logger.Warn().Err(err).Msg("Failed to reserve shared throttle slot")
		return t.config.Delay(t.state, category, now)
	}
	return wait
}
