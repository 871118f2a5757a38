package cache

import (
	"net/http"
	"time"
)

// Entry is a cached API response.
type Entry struct {
	// Data is the response body.
	Data []byte `json:"data"`

	// ETag is sent back as If-None-Match.
	ETag string `json:"etag,omitempty"`

	// LastModified is sent back as If-Modified-Since when there is no ETag.
	LastModified time.Time `json:"last_modified,omitempty"`

	// StatusCode of the cached response.
	StatusCode int `json:"status_code"`

	// Headers of the cached response, including Link for pagination.
	Headers http.Header `json:"headers"`

	// CachedAt is when the response was stored.
	CachedAt time.Time `json:"cached_at"`

	// Expires is when the entry is dropped from Redis.
	Expires time.Time `json:"expires"`
}

// IsExpired reports whether the entry is past its retention time.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the remaining retention time, or 0 if expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// HasValidator reports whether the entry can back a conditional request.
func (e *Entry) HasValidator() bool {
	return e != nil && (e.ETag != "" || !e.LastModified.IsZero())
}
