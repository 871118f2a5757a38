package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/paged-api-client/internal/testutil"
	"github.com/Sternrassler/paged-api-client/pkg/throttle"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeTime is a throttle clock whose sleeps advance it instantly.
type fakeTime struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Sleep(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
}

func (f *fakeTime) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func seconds(values ...int) []time.Duration {
	out := make([]time.Duration, len(values))
	for i, v := range values {
		out[i] = time.Duration(v) * time.Second
	}
	return out
}

func equalDurations(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// newTestClient creates a client against baseURL with a fake throttle clock
// and millisecond retries.
func newTestClient(t *testing.T, baseURL string, mutate func(*Config)) (*Client, *fakeTime) {
	t.Helper()

	cfg := Config{
		BaseURL:        baseURL,
		UserAgent:      "TestApp/1.0.0 (test@example.com)",
		PerPage:        10,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ft := &fakeTime{now: epoch}
	c, err := New(cfg,
		WithThrottleClock(ft),
		WithThrottleSleeper(ft),
		WithLogger(zerolog.Nop()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, ft
}

func TestNew_Validation(t *testing.T) {
	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer redisClient.Close()

	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config",
			config: Config{
				BaseURL:   "https://api.example.com",
				UserAgent: "TestApp/1.0.0",
			},
		},
		{
			name: "valid config with redis",
			config: Config{
				BaseURL:       "https://api.example.com",
				UserAgent:     "TestApp/1.0.0",
				Redis:         redisClient,
				ShareThrottle: true,
			},
		},
		{
			name: "empty user agent",
			config: Config{
				BaseURL: "https://api.example.com",
			},
			expectError: true,
			errorMsg:    "user-agent is required",
		},
		{
			name: "empty base url",
			config: Config{
				UserAgent: "TestApp/1.0.0",
			},
			expectError: true,
			errorMsg:    "base url is required",
		},
		{
			name: "non http base url",
			config: Config{
				BaseURL:   "ftp://api.example.com",
				UserAgent: "TestApp/1.0.0",
			},
			expectError: true,
			errorMsg:    `base url must be http or https (got "ftp://api.example.com")`,
		},
		{
			name: "per page too large",
			config: Config{
				BaseURL:   "https://api.example.com",
				UserAgent: "TestApp/1.0.0",
				PerPage:   101,
			},
			expectError: true,
			errorMsg:    "per_page must be between 1 and 100 (got 101)",
		},
		{
			name: "negative interval",
			config: Config{
				BaseURL:        "https://api.example.com",
				UserAgent:      "TestApp/1.0.0",
				MinIntervalAny: -time.Second,
			},
			expectError: true,
			errorMsg:    "throttle intervals must not be negative",
		},
		{
			name: "negative retries",
			config: Config{
				BaseURL:    "https://api.example.com",
				UserAgent:  "TestApp/1.0.0",
				MaxRetries: -1,
			},
			expectError: true,
			errorMsg:    "max_retries must be >= 0 (got -1)",
		},
		{
			name: "shared throttle without redis",
			config: Config{
				BaseURL:       "https://api.example.com",
				UserAgent:     "TestApp/1.0.0",
				ShareThrottle: true,
			},
			expectError: true,
			errorMsg:    "share_throttle requires a redis client",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got nil")
					return
				}
				if tt.errorMsg != "" && err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if client == nil {
				t.Fatal("Expected client but got nil")
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{BaseURL: "https://api.example.com", UserAgent: "TestApp/1.0.0"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if c.PerPage() != DefaultPerPage {
		t.Errorf("PerPage() = %d, want %d", c.PerPage(), DefaultPerPage)
	}
	if c.cache != nil {
		t.Error("cache must be disabled without redis")
	}
	if c.retry.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want 1 for zero MaxRetries", c.retry.MaxAttempts)
	}
	if c.Throttle().Config().Enabled() {
		t.Error("zero intervals must disable pacing")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("https://api.example.com", "TestApp/1.0.0")

	if cfg.UserAgent != "TestApp/1.0.0" {
		t.Errorf("UserAgent = %s, want TestApp/1.0.0", cfg.UserAgent)
	}
	if cfg.PerPage != 30 {
		t.Errorf("PerPage = %d, want 30", cfg.PerPage)
	}
	if cfg.MinIntervalAny != 250*time.Millisecond {
		t.Errorf("MinIntervalAny = %v, want 250ms", cfg.MinIntervalAny)
	}
	if cfg.MinIntervalWrite != time.Second {
		t.Errorf("MinIntervalWrite = %v, want 1s", cfg.MinIntervalWrite)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}

	if _, err := New(cfg); err != nil {
		t.Errorf("DefaultConfig must be valid: %v", err)
	}
}

func TestDo_HeadersSet(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/user", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"login":"octo"}`))
	})

	c, _ := newTestClient(t, mock.URL(), func(cfg *Config) { cfg.Token = "s3cret" })

	resp, err := c.Get(context.Background(), "/user", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	header := mock.Requests()[0].Header
	if got := header.Get("User-Agent"); got != "TestApp/1.0.0 (test@example.com)" {
		t.Errorf("User-Agent = %q", got)
	}
	if got := header.Get("Authorization"); got != "Bearer s3cret" {
		t.Errorf("Authorization = %q", got)
	}
	if got := header.Get("Accept"); got != "application/json" {
		t.Errorf("Accept = %q", got)
	}
	if header.Get(RequestIDHeader) == "" {
		t.Error("request id header not set")
	}
}

func TestDo_ResolvesAgainstBasePath(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/api/v3/repos/octo/app", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	c, _ := newTestClient(t, mock.URL()+"/api/v3", nil)

	resp, err := c.Get(context.Background(), "/repos/octo/app", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
}

func TestDo_ThrottlePacesReadsAndWrites(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/repos/octo/app/releases", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
		}
		w.Write([]byte(`{}`))
	})

	c, ft := newTestClient(t, mock.URL(), func(cfg *Config) {
		cfg.MinIntervalAny = time.Second
		cfg.MinIntervalWrite = 3 * time.Second
	})

	ctx := context.Background()
	path := "/repos/octo/app/releases"
	calls := []func() (*http.Response, error){
		func() (*http.Response, error) { return c.Get(ctx, path, nil) },
		func() (*http.Response, error) { return c.Post(ctx, path, map[string]string{"tag_name": "v1"}) },
		func() (*http.Response, error) { return c.Get(ctx, path, nil) },
		func() (*http.Response, error) { return c.Post(ctx, path, map[string]string{"tag_name": "v2"}) },
		func() (*http.Response, error) { return c.Get(ctx, path, nil) },
	}
	for i, call := range calls {
		resp, err := call()
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
	}

	if got, want := ft.Sleeps(), seconds(1, 1, 2, 1); !equalDurations(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
	if elapsed := ft.Now().Sub(epoch); elapsed != 5*time.Second {
		t.Errorf("elapsed = %v, want 5s", elapsed)
	}
}

func TestDo_PostSendsJSON(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	var got map[string]string
	mock.SetHandler("POST /issues", func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	})

	c, _ := newTestClient(t, mock.URL(), nil)

	resp, err := c.Post(context.Background(), "/issues", map[string]string{"title": "bug"})
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d", resp.StatusCode)
	}
	if got["title"] != "bug" {
		t.Errorf("body = %v", got)
	}
}

func TestDo_NoRetryOnClientError(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message": "Not Found"}`))
	})

	c, _ := newTestClient(t, mock.URL(), nil)

	_, err := c.Get(context.Background(), "/missing", nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != 404 || apiErr.Class != ErrorClassClient {
		t.Errorf("APIError = %+v", apiErr)
	}
	if apiErr.Message != "Not Found" {
		t.Errorf("Message = %q, want message from body", apiErr.Message)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("client errors must not be retried")
	}
	if mock.RequestCount() != 1 {
		t.Errorf("requests = %d, want 1", mock.RequestCount())
	}
}

func TestDo_RetryOnServerError(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	var calls atomic.Int32
	mock.SetHandler("/flaky", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})

	c, ft := newTestClient(t, mock.URL(), func(cfg *Config) { cfg.MinIntervalAny = time.Second })

	resp, err := c.Get(context.Background(), "/flaky", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()

	if calls.Load() != 3 {
		t.Errorf("attempts = %d, want 3", calls.Load())
	}

	// Retries belong to one paced request.
	if len(ft.Sleeps()) != 0 {
		t.Errorf("throttle slept %v for retries", ft.Sleeps())
	}

	// All attempts share the request id.
	ids := map[string]bool{}
	for _, r := range mock.Requests() {
		ids[r.Header.Get(RequestIDHeader)] = true
	}
	if len(ids) != 1 {
		t.Errorf("request ids = %v, want one", ids)
	}
}

func TestDo_RetryResendsBody(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	var mu sync.Mutex
	var bodies []string
	mock.SetHandler("POST /items", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	c, _ := newTestClient(t, mock.URL(), nil)

	resp, err := c.Post(context.Background(), "/items", map[string]int{"id": 7})
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	resp.Body.Close()

	if len(bodies) != 2 || bodies[0] != bodies[1] || !strings.Contains(bodies[1], `"id":7`) {
		t.Errorf("bodies = %q", bodies)
	}
}

func TestDo_RetryOnRateLimit(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	var calls atomic.Int32
	mock.SetHandler("/limited", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(`{}`))
	})

	c, _ := newTestClient(t, mock.URL(), nil)

	resp, err := c.Get(context.Background(), "/limited", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if calls.Load() != 2 {
		t.Errorf("attempts = %d, want 2", calls.Load())
	}
}

func TestDo_RetryExhausted(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/down", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	c, _ := newTestClient(t, mock.URL(), nil)

	_, err := c.Get(context.Background(), "/down", nil)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 500 {
		t.Errorf("Expected wrapped 500 APIError, got %v", err)
	}
	if mock.RequestCount() != 3 {
		t.Errorf("requests = %d, want 3 (MaxRetries 2)", mock.RequestCount())
	}
}

func TestDo_CancelledContext(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/slow", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	c, _ := newTestClient(t, mock.URL(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx, "/slow", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("cancelled requests must not be retried")
	}
}

func TestDo_BurstLimiter(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/burst", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	c, _ := newTestClient(t, mock.URL(), func(cfg *Config) {
		cfg.RequestsPerSecond = 20
		cfg.Burst = 1
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		resp, err := c.Get(context.Background(), "/burst", nil)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		resp.Body.Close()
	}

	// Two waits of 50ms after the first token.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("elapsed = %v, burst limiter not applied", elapsed)
	}
}

func TestDelete(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("DELETE /items/1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	c, _ := newTestClient(t, mock.URL(), nil)

	resp, err := c.Delete(context.Background(), "/items/1")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("StatusCode = %d", resp.StatusCode)
	}
	if c.Throttle().State().LastWriteAt.IsZero() {
		t.Error("DELETE must be paced as a write")
	}
}

func TestWithThrottleStore(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/x", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	store := &recordingStore{}
	ft := &fakeTime{now: epoch}
	c, err := New(Config{BaseURL: mock.URL(), UserAgent: "TestApp/1.0.0", MinIntervalAny: time.Second},
		WithThrottleClock(ft), WithThrottleSleeper(ft), WithThrottleStore(store), WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	resp, err := c.Get(context.Background(), "/x", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if store.reserves.Load() != 1 {
		t.Errorf("reserves = %d, want 1", store.reserves.Load())
	}
}

type recordingStore struct {
	reserves atomic.Int32
}

func (s *recordingStore) Load(ctx context.Context) (throttle.State, error) {
	return throttle.State{}, nil
}

func (s *recordingStore) Reserve(ctx context.Context, cfg throttle.Config, category throttle.Category, now time.Time) (time.Duration, error) {
	s.reserves.Add(1)
	return 0, nil
}

func TestRateLimit(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/quota", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4321")
		w.Header().Set("X-RateLimit-Reset", "1704114000")
		w.Write([]byte(`{}`))
	})

	c, _ := newTestClient(t, mock.URL(), nil)
	ctx := context.Background()

	before, err := c.RateLimit(ctx)
	if err != nil {
		t.Fatalf("RateLimit() error = %v", err)
	}
	if before.Known() {
		t.Errorf("RateLimit() before any request = %+v", before)
	}

	resp, err := c.Get(ctx, "/quota", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	state, err := c.RateLimit(ctx)
	if err != nil {
		t.Fatalf("RateLimit() error = %v", err)
	}
	if state.Limit != 5000 || state.Remaining != 4321 || state.ResetAt.Unix() != 1704114000 {
		t.Errorf("RateLimit() = %+v", state)
	}
}
