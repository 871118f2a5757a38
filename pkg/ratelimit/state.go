// Package ratelimit tracks the request quota an API reports in its
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset headers.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Response headers carrying the quota.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// LowQuotaRatio marks the quota as low once less than this share of the
// limit remains.
const LowQuotaRatio = 0.1

// State is the last quota reported by the API.
type State struct {
	// Limit is the number of requests allowed per window.
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets. Zero if the API did not say.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the headers were observed.
	LastUpdate time.Time `json:"last_update"`
}

// Known reports whether any quota headers have been observed.
func (s State) Known() bool {
	return !s.LastUpdate.IsZero()
}

// Exhausted reports whether no requests remain before ResetAt.
func (s State) Exhausted(now time.Time) bool {
	return s.Known() && s.Remaining <= 0 && now.Before(s.ResetAt)
}

// Low reports whether less than LowQuotaRatio of the limit remains.
func (s State) Low() bool {
	if !s.Known() || s.Limit <= 0 {
		return false
	}
	return float64(s.Remaining) < float64(s.Limit)*LowQuotaRatio
}

// TimeUntilReset returns the time left until the window resets, or 0 once
// it has passed.
func (s State) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsStale reports whether the state is older than maxAge.
func (s State) IsStale(maxAge time.Duration, now time.Time) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// ParseHeaders reads the quota headers. ok is false when the response carries
// no X-RateLimit-Remaining header. X-RateLimit-Reset is in epoch seconds.
func ParseHeaders(h http.Header, now time.Time) (state State, ok bool, err error) {
	remainStr := h.Get(HeaderRemaining)
	if remainStr == "" {
		return State{}, false, nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return State{}, false, fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}
	state = State{Remaining: remain, LastUpdate: now}

	if limitStr := h.Get(HeaderLimit); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return State{}, false, fmt.Errorf("parse %s header: %w", HeaderLimit, err)
		}
		state.Limit = limit
	}

	if resetStr := h.Get(HeaderReset); resetStr != "" {
		reset, err := strconv.ParseInt(resetStr, 10, 64)
		if err != nil {
			return State{}, false, fmt.Errorf("parse %s header: %w", HeaderReset, err)
		}
		state.ResetAt = time.Unix(reset, 0)
	}

	return state, true, nil
}
