// Package throttle paces outbound API requests so that consecutive requests
// respect a minimum gap, with a separate (usually longer) minimum gap between
// mutating requests.
//
// A Throttle is owned by one client session. Every request path of that
// session goes through the same Throttle; two sessions never share pacing
// state unless they are explicitly given the same StateStore.
package throttle

import (
	"net/http"
	"time"
)

// Category classifies a request for pacing purposes.
type Category int

const (
	// Read covers retrieval requests, including every page fetch of a paginated list.
	Read Category = iota

	// Write covers requests that create, update or delete remote state.
	Write
)

// String returns the lowercase category name used in logs and metric labels.
func (c Category) String() string {
	switch c {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

// CategoryForMethod derives the category from an HTTP method.
// GET, HEAD and OPTIONS are reads; every other method is a write.
func CategoryForMethod(method string) Category {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, "":
		return Read
	default:
		return Write
	}
}

// Config holds the two minimum intervals. A zero or negative interval
// disables that lower bound.
type Config struct {
	// MinIntervalAny is the minimum gap between any two requests.
	MinIntervalAny time.Duration

	// MinIntervalWrite is the minimum gap between two write requests.
	MinIntervalWrite time.Duration
}

// Enabled reports whether any pacing applies.
func (c Config) Enabled() bool {
	return c.MinIntervalAny > 0 || c.MinIntervalWrite > 0
}

// State records the effective send times of the most recent requests.
// A zero time means no such request has been sent yet.
type State struct {
	// LastRequestAt is the send time of the most recent request of any category.
	LastRequestAt time.Time `json:"last_request_at"`

	// LastWriteAt is the send time of the most recent write request.
	LastWriteAt time.Time `json:"last_write_at"`
}

// IsZero reports whether no request has been recorded.
func (s State) IsZero() bool {
	return s.LastRequestAt.IsZero() && s.LastWriteAt.IsZero()
}

// Advance returns the state after a request of the given category was sent
// at sentAt. Timestamps only ever move forward: a sentAt earlier than the
// recorded value leaves that value in place.
func (s State) Advance(category Category, sentAt time.Time) State {
	s.LastRequestAt = later(s.LastRequestAt, sentAt)
	if category == Write {
		s.LastWriteAt = later(s.LastWriteAt, sentAt)
	}
	return s
}

// Merge returns the field-wise later of s and other.
func (s State) Merge(other State) State {
	return State{
		LastRequestAt: later(s.LastRequestAt, other.LastRequestAt),
		LastWriteAt:   later(s.LastWriteAt, other.LastWriteAt),
	}
}

// MaxReservationAhead bounds how far a shared state may run ahead of the
// caller's clock. Timestamps up to this far ahead are slots reserved by
// concurrent callers and are queued behind; anything further is clock skew
// and is treated as sent at now.
const MaxReservationAhead = time.Minute

// Delay computes the wait required before a request of the given category
// may be sent at now. The two intervals are alternative lower bounds on the
// same gap, so the result is their maximum, not their sum. A recorded send
// ahead of now counts as sent at now, so the wait never exceeds the interval.
func (c Config) Delay(s State, category Category, now time.Time) time.Duration {
	return c.delay(s, category, now, 0)
}

// ReserveDelay is Delay for a shared state holding reservations: sends
// recorded up to MaxReservationAhead ahead of now are waited for in full.
func (c Config) ReserveDelay(s State, category Category, now time.Time) time.Duration {
	return c.delay(s, category, now, MaxReservationAhead)
}

func (c Config) delay(s State, category Category, now time.Time, ahead time.Duration) time.Duration {
	if s.LastRequestAt.IsZero() {
		return 0
	}

	var wait time.Duration
	if c.MinIntervalAny > 0 {
		wait = remaining(c.MinIntervalAny, now.Sub(s.LastRequestAt), ahead)
	}

	if category == Write && c.MinIntervalWrite > 0 && !s.LastWriteAt.IsZero() {
		wait = max(wait, remaining(c.MinIntervalWrite, now.Sub(s.LastWriteAt), ahead))
	}

	return wait
}

// remaining returns what is left of interval after elapsed. An elapsed time
// below -ahead counts as zero.
func remaining(interval, elapsed, ahead time.Duration) time.Duration {
	if elapsed < -ahead {
		elapsed = 0
	}
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
