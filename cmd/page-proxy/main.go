package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Sternrassler/paged-api-client/pkg/client"
	"github.com/Sternrassler/paged-api-client/pkg/logging"
	"github.com/Sternrassler/paged-api-client/pkg/metrics"
	"github.com/Sternrassler/paged-api-client/pkg/pagination"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// maxSequences bounds how many list sequences the proxy keeps.
	maxSequences = 256

	shutdownTimeout = 10 * time.Second
)

func main() {
	logger := logging.Setup(logging.ConfigFromEnv(os.Getenv))
	logger = logger.With().Str("component", "page-proxy").Logger()

	port := getEnv("PORT", "8080")

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Redis is optional: it enables the response cache and shared pacing.
	var redisClient *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		redisClient, err = newRedisClient(redisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid REDIS_URL")
		}
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal().Err(err).Str("redis", redisURL).Msg("Failed to connect to Redis")
		}
		logger.Info().Str("redis", redisURL).Msg("Connected to Redis")
		cfg.Redis = redisClient
		cfg.ShareThrottle = true
	}

	apiClient, err := client.New(cfg, client.WithLogger(logging.NewLogger("paged-client")))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create API client")
	}
	defer apiClient.Close()

	p := newProxy(apiClient, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(redisClient))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/list/", p.listHandler)
	mux.HandleFunc("/item/", p.itemHandler)
	mux.HandleFunc("/ratelimit", p.rateLimitHandler)

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("addr", server.Addr).
		Str("base_url", cfg.BaseURL).
		Int("per_page", cfg.PerPage).
		Dur("min_interval_any", cfg.MinIntervalAny).
		Dur("min_interval_write", cfg.MinIntervalWrite).
		Msg("Starting page proxy")

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to listen")
	}
	if err := runServer(ctx, server, ln, shutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("Server failed")
		return
	}
	logger.Info().Msg("Server stopped")
}

// runServer serves on ln until ctx is done, then shuts the server down and
// waits for in-flight requests for at most timeout.
func runServer(ctx context.Context, server *http.Server, ln net.Listener, timeout time.Duration) error {
	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		shutdownErr <- server.Shutdown(shutdownCtx)
	}()

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if err := <-shutdownErr; err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newRedisClient(redisURL string) (*redis.Client, error) {
	if strings.Contains(redisURL, "://") {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// proxy serves list endpoints of the upstream API as sequences. A sequence
// is kept per path and query so that later requests reuse fetched pages.
type proxy struct {
	client *client.Client
	logger zerolog.Logger

	mu        sync.Mutex
	sequences map[string]*pagination.Sequence[json.RawMessage]
}

func newProxy(c *client.Client, logger zerolog.Logger) *proxy {
	return &proxy{
		client:    c,
		logger:    logger,
		sequences: make(map[string]*pagination.Sequence[json.RawMessage]),
	}
}

// sequence returns the sequence for the upstream list at path with the
// request's query, minus the proxy's own parameters.
func (p *proxy) sequence(path string, r *http.Request) *pagination.Sequence[json.RawMessage] {
	query := r.URL.Query()
	for _, own := range []string{"offset", "limit", "index"} {
		query.Del(own)
	}
	key := path + "?" + query.Encode()

	p.mu.Lock()
	defer p.mu.Unlock()

	if seq, ok := p.sequences[key]; ok {
		return seq
	}
	if len(p.sequences) >= maxSequences {
		p.sequences = make(map[string]*pagination.Sequence[json.RawMessage])
	}
	seq := client.List[json.RawMessage](p.client, path, query)
	p.sequences[key] = seq
	return seq
}

func (p *proxy) listHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/list")

	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", p.client.PerPage())
	if err != nil || limit < 0 || limit > client.MaxPerPage {
		http.Error(w, fmt.Sprintf("limit must be between 0 and %d", client.MaxPerPage), http.StatusBadRequest)
		return
	}
	if offset > math.MaxInt-limit {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}

	items, err := p.sequence(path, r).Slice(r.Context(), offset, offset+limit)
	if err != nil {
		p.writeError(w, path, err)
		return
	}

	writeJSON(w, items)
}

func (p *proxy) itemHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/item")

	index, err := queryInt(r, "index", -1)
	if err != nil || index < 0 {
		http.Error(w, "index is required", http.StatusBadRequest)
		return
	}

	item, err := p.sequence(path, r).ItemAt(r.Context(), index)
	if err != nil {
		p.writeError(w, path, err)
		return
	}

	writeJSON(w, item)
}

// rateLimitHandler reports the upstream quota last seen.
func (p *proxy) rateLimitHandler(w http.ResponseWriter, r *http.Request) {
	state, err := p.client.RateLimit(r.Context())
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to read rate limit state")
		http.Error(w, "rate limit state unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, state)
}

func (p *proxy) writeError(w http.ResponseWriter, path string, err error) {
	var apiErr *client.APIError
	switch {
	case errors.Is(err, pagination.ErrIndexOutOfRange):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &apiErr) && apiErr.Class == client.ErrorClassClient:
		http.Error(w, err.Error(), apiErr.StatusCode)
	default:
		p.logger.Warn().Err(err).Str("path", path).Msg("Upstream request failed")
		http.Error(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
