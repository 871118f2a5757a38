package client

import (
	"net/http"

	"github.com/Sternrassler/paged-api-client/pkg/throttle"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Client.
type Option func(*options)

type options struct {
	httpClient *http.Client
	clock      throttle.Clock
	sleeper    throttle.Sleeper
	store      throttle.StateStore
	logger     *zerolog.Logger
	tracer     trace.Tracer
}

// WithHTTPClient sets the HTTP client whose transport and timeout are used.
// The client itself is not modified.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

// WithThrottleClock sets the clock the request throttle reads.
func WithThrottleClock(c throttle.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithThrottleSleeper sets how the request throttle waits.
func WithThrottleSleeper(s throttle.Sleeper) Option {
	return func(o *options) {
		o.sleeper = s
	}
}

// WithThrottleStore shares throttle state through s. It takes precedence over
// Config.ShareThrottle.
func WithThrottleStore(s throttle.StateStore) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

// WithTracer sets the tracer used for request spans. The global otel tracer
// provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}
