package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func quotaHeaders(limit, remaining int, reset time.Time) http.Header {
	h := http.Header{}
	h.Set(HeaderLimit, strconv.Itoa(limit))
	h.Set(HeaderRemaining, strconv.Itoa(remaining))
	h.Set(HeaderReset, strconv.FormatInt(reset.Unix(), 10))
	return h
}

func newTestTracker(redisClient *redis.Client) *Tracker {
	tr := NewTracker(redisClient, "", zerolog.Nop())
	tr.now = func() time.Time { return epoch }
	return tr
}

func TestNewTracker_DefaultKey(t *testing.T) {
	tr := NewTracker(nil, "", zerolog.Nop())
	if tr.key != DefaultKeyPrefix {
		t.Errorf("key = %q, want %q", tr.key, DefaultKeyPrefix)
	}
}

func TestTracker_UpdateFromHeaders(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		remaining int
	}{
		{name: "healthy", limit: 5000, remaining: 4990},
		{name: "low", limit: 5000, remaining: 20},
		{name: "exhausted", limit: 5000, remaining: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTracker(nil)
			ctx := context.Background()

			reset := epoch.Add(10 * time.Minute)
			if err := tr.UpdateFromHeaders(ctx, quotaHeaders(tt.limit, tt.remaining, reset)); err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}

			state, err := tr.State(ctx)
			if err != nil {
				t.Fatalf("State() error = %v", err)
			}
			if state.Limit != tt.limit || state.Remaining != tt.remaining {
				t.Errorf("State() = %+v", state)
			}
			if !state.ResetAt.Equal(reset) {
				t.Errorf("ResetAt = %v, want %v", state.ResetAt, reset)
			}
			if !state.LastUpdate.Equal(epoch) {
				t.Errorf("LastUpdate = %v, want %v", state.LastUpdate, epoch)
			}
		})
	}
}

func TestTracker_IgnoresResponsesWithoutQuota(t *testing.T) {
	tr := newTestTracker(nil)
	ctx := context.Background()

	if err := tr.UpdateFromHeaders(ctx, quotaHeaders(60, 59, epoch.Add(time.Hour))); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}
	if err := tr.UpdateFromHeaders(ctx, http.Header{}); err != nil {
		t.Fatalf("UpdateFromHeaders() without headers error = %v", err)
	}

	state, _ := tr.State(ctx)
	if state.Remaining != 59 {
		t.Errorf("Remaining = %d, want 59", state.Remaining)
	}
}

func TestTracker_InvalidHeaders(t *testing.T) {
	tr := newTestTracker(nil)
	h := http.Header{}
	h.Set(HeaderRemaining, "lots")

	if err := tr.UpdateFromHeaders(context.Background(), h); err == nil {
		t.Error("UpdateFromHeaders() expected error for invalid header")
	}
	if state, _ := tr.State(context.Background()); state.Known() {
		t.Errorf("State() = %+v, want unknown", state)
	}
}

func TestTracker_SharedViaRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	key := DefaultKeyPrefix + ":test"
	defer client.Del(ctx, key)

	writer := NewTracker(client, key, zerolog.Nop())
	reader := NewTracker(client, key, zerolog.Nop())

	reset := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := writer.UpdateFromHeaders(ctx, quotaHeaders(5000, 1234, reset)); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	state, err := reader.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Remaining != 1234 || !state.ResetAt.Equal(reset) {
		t.Errorf("shared State() = %+v", state)
	}

	ttl, err := client.TTL(ctx, key).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("TTL = %v, want within the reset window", ttl)
	}
}

func TestTracker_StateWithoutData(t *testing.T) {
	tr := newTestTracker(nil)
	state, err := tr.State(context.Background())
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Known() {
		t.Errorf("State() = %+v, want unknown", state)
	}
}
