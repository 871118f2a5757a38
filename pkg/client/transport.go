package client

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrLimiterWait is returned when waiting for a burst token fails.
	ErrLimiterWait = errors.New("burst limiter wait failed")
)

// headerTransport sets the headers every request carries.
type headerTransport struct {
	userAgent string
	token     string
	next      http.RoundTripper
}

func (t *headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request.
	r = r.Clone(r.Context())
	r.Header.Set("User-Agent", t.userAgent)
	if r.Header.Get("Accept") == "" {
		r.Header.Set("Accept", "application/json")
	}
	if t.token != "" {
		r.Header.Set("Authorization", "Bearer "+t.token)
	}
	return t.next.RoundTrip(r)
}

// burstTransport guards the wire with a token bucket. It sits below the
// throttle and retry logic, so retried attempts draw tokens as well.
type burstTransport struct {
	limiter *rate.Limiter
	logger  zerolog.Logger
	next    http.RoundTripper
}

func newBurstTransport(rps float64, burst int, logger zerolog.Logger, next http.RoundTripper) http.RoundTripper {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &burstTransport{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
		next:    next,
	}
}

func (t *burstTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	if !t.limiter.Allow() {
		start := time.Now()
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLimiterWait, err)
		}
		t.logger.Debug().
			Str("path", r.URL.Path).
			Dur("waited", time.Since(start)).
			Msg("Burst limiter delayed request")
	}

	return t.next.RoundTrip(r)
}
