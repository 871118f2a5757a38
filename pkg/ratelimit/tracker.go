package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultKeyPrefix prefixes the Redis key holding shared quota state.
const DefaultKeyPrefix = "paged:ratelimit"

var (
	quotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paged_ratelimit_remaining",
		Help: "Requests remaining in the current rate limit window",
	})

	quotaExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paged_ratelimit_exhausted_total",
		Help: "Responses reporting an exhausted rate limit window",
	})
)

// Tracker records the quota reported by responses. With a Redis client the
// latest state is shared by every tracker using the same key.
type Tracker struct {
	redis  *redis.Client
	key    string
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	state State
}

// NewTracker creates a tracker. redisClient may be nil for in-process state.
func NewTracker(redisClient *redis.Client, key string, logger zerolog.Logger) *Tracker {
	if key == "" {
		key = DefaultKeyPrefix
	}
	return &Tracker{
		redis:  redisClient,
		key:    key,
		logger: logger,
		now:    time.Now,
	}
}

// State returns the latest known quota. It is the zero State until a
// response with quota headers has been seen.
func (t *Tracker) State(ctx context.Context) (State, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.state, nil
	}

	data, err := t.redis.Get(ctx, t.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("get rate limit state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("unmarshal rate limit state: %w", err)
	}
	return state, nil
}

// UpdateFromHeaders stores the quota carried by headers. Responses without
// quota headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	now := t.now()
	state, ok, err := ParseHeaders(headers, now)
	if err != nil || !ok {
		return err
	}

	t.mu.Lock()
	t.state = state
	t.mu.Unlock()

	if t.redis != nil {
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal rate limit state: %w", err)
		}
		ttl := time.Duration(0)
		if !state.ResetAt.IsZero() {
			ttl = max(state.TimeUntilReset(now), time.Second)
		}
		if err := t.redis.Set(ctx, t.key, data, ttl).Err(); err != nil {
			return fmt.Errorf("store rate limit state in redis: %w", err)
		}
	}

	quotaRemaining.Set(float64(state.Remaining))

	switch {
	case state.Remaining <= 0:
		quotaExhaustedTotal.Inc()
		t.logger.Warn().
			Int("limit", state.Limit).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit exhausted")
	case state.Low():
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Int("limit", state.Limit).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit running low")
	default:
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Int("limit", state.Limit).
			Msg("Rate limit state updated")
	}

	return nil
}
