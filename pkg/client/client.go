// Package client provides a paced HTTP client for paginated JSON APIs with
// retries, conditional-request caching and lazily fetched list results.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/paged-api-client/pkg/cache"
	"github.com/Sternrassler/paged-api-client/pkg/ratelimit"
	"github.com/Sternrassler/paged-api-client/pkg/throttle"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultPerPage is the page size requested when none is configured.
	DefaultPerPage = 30

	// MaxPerPage is the largest accepted page size.
	MaxPerPage = 100

	// RequestIDHeader carries the id assigned to each logical request.
	RequestIDHeader = "X-Request-ID"

	tracerName = "github.com/Sternrassler/paged-api-client/pkg/client"

	// maxErrorBody bounds how much of an error response is read for its message.
	maxErrorBody = 4096
)

// Client issues paced requests against one API.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	throttle   *throttle.Throttle
	cache      *cache.Manager
	quota      *ratelimit.Tracker
	credential string
	config     Config
	retry      RetryConfig
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root that request paths are resolved against.
	BaseURL string

	// UserAgent header (required).
	UserAgent string

	// Token is sent as a bearer token when set.
	Token string

	// PerPage is the page size sent with list requests. Zero uses DefaultPerPage.
	PerPage int

	// Pacing. Zero disables the respective interval.
	MinIntervalAny   time.Duration // between any two requests
	MinIntervalWrite time.Duration // between two write requests

	// Burst guard on the wire, after pacing. Zero RequestsPerSecond disables it.
	RequestsPerSecond float64
	Burst             int

	// Timeout per HTTP attempt. Zero keeps the HTTP client's timeout.
	Timeout time.Duration

	// Redis enables the conditional-request cache for GET responses.
	Redis *redis.Client

	// CacheRetention is how long cached responses are kept.
	CacheRetention time.Duration

	// ShareThrottle keeps the pacing state in Redis so that every process
	// using the same token is paced together. Requires Redis.
	ShareThrottle bool

	// Retry
	MaxRetries     int
	InitialBackoff time.Duration
}

// DefaultConfig returns a configuration with the usual pacing of a public
// API: a quarter second between requests and one second between writes.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:          baseURL,
		UserAgent:        userAgent,
		PerPage:          DefaultPerPage,
		MinIntervalAny:   250 * time.Millisecond,
		MinIntervalWrite: 1 * time.Second,
		Timeout:          30 * time.Second,
		CacheRetention:   cache.DefaultRetention,
		MaxRetries:       3,
		InitialBackoff:   1 * time.Second,
	}
}

// New creates a new client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}
	if !strings.HasSuffix(baseURL.Path, "/") {
		baseURL.Path += "/"
	}

	if cfg.PerPage == 0 {
		cfg.PerPage = DefaultPerPage
	}
	if cfg.PerPage < 1 || cfg.PerPage > MaxPerPage {
		return nil, fmt.Errorf("per_page must be between 1 and %d (got %d)", MaxPerPage, cfg.PerPage)
	}

	if cfg.MinIntervalAny < 0 || cfg.MinIntervalWrite < 0 {
		return nil, fmt.Errorf("throttle intervals must not be negative")
	}

	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}

	if cfg.ShareThrottle && cfg.Redis == nil {
		return nil, fmt.Errorf("share_throttle requires a redis client")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := log.With().Str("component", "paged-client").Logger()
	if o.logger != nil {
		logger = *o.logger
	}

	tracer := o.tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	credential := cache.CredentialHash(cfg.Token)

	throttleOpts := []throttle.Option{
		throttle.WithClock(o.clock),
		throttle.WithSleeper(o.sleeper),
		throttle.WithLogger(logger),
	}
	switch {
	case o.store != nil:
		throttleOpts = append(throttleOpts, throttle.WithStore(o.store))
	case cfg.ShareThrottle:
		prefix := throttle.DefaultKeyPrefix
		if credential != "" {
			prefix += ":" + credential
		}
		throttleOpts = append(throttleOpts, throttle.WithStore(throttle.NewRedisStore(cfg.Redis, prefix, 0)))
	}

	var cacheManager *cache.Manager
	if cfg.Redis != nil {
		cacheManager = cache.NewManager(cfg.Redis, cfg.CacheRetention)
	}

	quotaKey := ratelimit.DefaultKeyPrefix
	if credential != "" {
		quotaKey += ":" + credential
	}

	retry := DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetries + 1
	if cfg.InitialBackoff > 0 {
		retry.InitialBackoff = cfg.InitialBackoff
	}

	return &Client{
		httpClient: newHTTPClient(cfg, o.httpClient, logger),
		baseURL:    baseURL,
		throttle: throttle.New(throttle.Config{
			MinIntervalAny:   cfg.MinIntervalAny,
			MinIntervalWrite: cfg.MinIntervalWrite,
		}, throttleOpts...),
		cache:      cacheManager,
		quota:      ratelimit.NewTracker(cfg.Redis, quotaKey, logger),
		credential: credential,
		config:     cfg,
		retry:      retry,
		logger:     logger,
		tracer:     tracer,
	}, nil
}

// newHTTPClient copies base and wraps its transport with the header and
// burst transports.
func newHTTPClient(cfg Config, base *http.Client, logger zerolog.Logger) *http.Client {
	var hc http.Client
	if base != nil {
		hc = *base
	}

	next := hc.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	next = newBurstTransport(cfg.RequestsPerSecond, cfg.Burst, logger, next)
	hc.Transport = &headerTransport{
		userAgent: cfg.UserAgent,
		token:     cfg.Token,
		next:      next,
	}

	if cfg.Timeout > 0 {
		hc.Timeout = cfg.Timeout
	}
	return &hc
}

// Do sends req once the throttle allows a request of the given category.
// GET responses are revalidated against the cache when one is configured.
// Server, rate limit and network failures are retried; the retries belong to
// the same paced request. Any status >= 400 is returned as an *APIError, the
// response is only returned on success.
func (c *Client) Do(ctx context.Context, category throttle.Category, req *http.Request) (*http.Response, error) {
	path := req.URL.Path
	requestID := uuid.NewString()

	ctx, span := c.tracer.Start(ctx, "client.Do", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.path", path),
		attribute.String("throttle.category", category.String()),
		attribute.String("request.id", requestID),
	)

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(category.String()).Observe(time.Since(startTime).Seconds())
	}()

	if err := rewindable(req); err != nil {
		return nil, err
	}

	// Step 1: Look up a cached response to revalidate
	var cacheKey cache.Key
	var cachedEntry *cache.Entry
	if c.cache != nil && req.Method == http.MethodGet {
		cacheKey = cache.NewKey(req, c.config.Token)
		entry, err := c.cache.Get(ctx, cacheKey)
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("path", path).Msg("Cache get error")
		}
		cachedEntry = entry
	}

	// Step 2: Wait for the throttle
	sentAt := c.throttle.Acquire(ctx, category)
	span.SetAttributes(attribute.String("throttle.sent_at", sentAt.Format(time.RFC3339Nano)))

	c.logger.Debug().
		Str("path", path).
		Str("method", req.Method).
		Str("category", category.String()).
		Str("request_id", requestID).
		Msg("Executing request")

	// Step 3: Execute with retries
	var resp *http.Response
	retryErr := retryWithBackoff(ctx, c.retry, c.logger, func() error {
		attempt, err := c.prepareAttempt(ctx, req, requestID, cachedEntry)
		if err != nil {
			return err
		}

		r, err := c.httpClient.Do(attempt)
		if err != nil {
			if ctx.Err() == nil {
				errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			}
			requestsTotal.WithLabelValues(category.String(), "network_error").Inc()
			c.logger.Warn().Err(err).Str("path", path).Msg("HTTP request failed")
			return err
		}

		requestsTotal.WithLabelValues(category.String(), strconv.Itoa(r.StatusCode)).Inc()
		if err := c.quota.UpdateFromHeaders(ctx, r.Header); err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("Failed to record rate limit")
		}

		if r.StatusCode >= 400 {
			apiErr := c.newAPIError(r)
			errorsTotal.WithLabelValues(string(apiErr.Class)).Inc()
			c.logger.Warn().
				Str("path", path).
				Int("status", r.StatusCode).
				Str("error_class", string(apiErr.Class)).
				Msg("API request error")
			return apiErr
		}

		resp = r
		return nil
	}, classifyError(ctx))

	if retryErr != nil {
		span.RecordError(retryErr)
		span.SetStatus(codes.Error, retryErr.Error())
		return nil, retryErr
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	// Step 4: Replay the cached body on 304 Not Modified
	if resp.StatusCode == http.StatusNotModified && cachedEntry != nil {
		resp.Body.Close()
		cache.NotModifiedResponses.Inc()
		c.logger.Debug().Str("path", path).Msg("304 Not Modified - using cache")
		if err := c.cache.Touch(ctx, cacheKey, cachedEntry); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to refresh cache entry")
		}
		return cache.EntryToResponse(cachedEntry), nil
	}

	// Step 5: Store cacheable answers
	if c.cache != nil && req.Method == http.MethodGet && resp.StatusCode == http.StatusOK {
		entry, err := cache.ResponseToEntry(resp)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to create cache entry")
		} else if entry.HasValidator() {
			if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to cache response")
			}
		}
	}

	return resp, nil
}

// prepareAttempt builds one wire attempt of req.
func (c *Client) prepareAttempt(ctx context.Context, req *http.Request, requestID string, cachedEntry *cache.Entry) (*http.Request, error) {
	attempt := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		attempt.Body = body
	}

	attempt.Header.Set(RequestIDHeader, requestID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(attempt.Header))

	if cachedEntry != nil && cache.AddConditionalHeaders(attempt, cachedEntry) {
		cache.ConditionalRequests.Inc()
	}
	return attempt, nil
}

// newAPIError drains an error response into an APIError.
func (c *Client) newAPIError(resp *http.Response) *APIError {
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	message := resp.Status
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		message = payload.Message
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Class:      classifyStatus(resp),
		Message:    message,
		RetryAfter: parseRetryAfter(resp.Header, time.Now()),
	}
}

// classifyError returns the retry classifier for requests made under ctx.
func classifyError(ctx context.Context) func(error) ErrorClass {
	return func(err error) ErrorClass {
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr):
			return apiErr.Class
		case ctx.Err() != nil:
			return ""
		default:
			return ErrorClassNetwork
		}
	}
}

// rewindable makes sure every retry can resend the request body.
func rewindable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

// NewRequest builds a request for path, which is resolved against the base
// URL; absolute URLs are used as given. A non-nil body is sent as JSON.
func (c *Client) NewRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		q := u.Query()
		for name, values := range query {
			q[name] = values
		}
		u.RawQuery = q.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse path %q: %w", path, err)
	}
	if ref.IsAbs() {
		return ref, nil
	}
	ref.Path = strings.TrimPrefix(ref.Path, "/")
	return c.baseURL.ResolveReference(ref), nil
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	req, err := c.NewRequest(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, throttle.CategoryForMethod(method), req)
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	return c.send(ctx, http.MethodGet, path, query, nil)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.send(ctx, http.MethodPost, path, nil, body)
}

// Put performs a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.send(ctx, http.MethodPut, path, nil, body)
}

// Patch performs a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.send(ctx, http.MethodPatch, path, nil, body)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*http.Response, error) {
	return c.send(ctx, http.MethodDelete, path, nil, nil)
}

// Throttle returns the client's request throttle.
func (c *Client) Throttle() *throttle.Throttle {
	return c.throttle
}

// RateLimit returns the quota reported by the most recent response that
// carried rate limit headers.
func (c *Client) RateLimit(ctx context.Context) (ratelimit.State, error) {
	return c.quota.State(ctx)
}

// PerPage returns the page size sent with list requests.
func (c *Client) PerPage() int {
	return c.config.PerPage
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
