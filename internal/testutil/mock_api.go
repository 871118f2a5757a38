// Package testutil provides a mock paged API server for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// Item is one element of a mock list.
type Item struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// RecordedRequest is one request seen by the mock server.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
}

// MockAPI is a configurable mock server for paged list endpoints.
type MockAPI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	lists    map[string]mockList
	requests []RecordedRequest
}

type mockList struct {
	items    []Item
	envelope bool
	etag     string
}

// NewMockAPI starts a new mock server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers: make(map[string]http.HandlerFunc),
		lists:    make(map[string]mockList),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requests = append(mock.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
		})
		handler, hasHandler := mock.handlers[r.Method+" "+r.URL.Path]
		if !hasHandler {
			handler, hasHandler = mock.handlers[r.URL.Path]
		}
		list, hasList := mock.lists[r.URL.Path]
		mock.mu.Unlock()

		switch {
		case hasHandler:
			handler(w, r)
		case hasList && r.Method == http.MethodGet:
			serveList(w, r, list)
		default:
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message": "Not Found"}`))
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears the request log.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

// SetHandler sets a custom handler for a path, or for "METHOD /path".
func (m *MockAPI) SetHandler(pattern string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[pattern] = handler
}

// SetList serves n generated items at path as a JSON array, paged by the
// page and per_page query parameters with Link headers.
func (m *MockAPI) SetList(path string, n int) {
	m.setList(path, GenerateItems(n), false, "")
}

// SetSearchList serves n items at path as {"total_count", "items"} objects.
func (m *MockAPI) SetSearchList(path string, n int) {
	m.setList(path, GenerateItems(n), true, "")
}

// SetListWithETag serves n items at path and answers 304 to requests that
// carry the page's ETag in If-None-Match.
func (m *MockAPI) SetListWithETag(path string, n int, etag string) {
	m.setList(path, GenerateItems(n), false, etag)
}

func (m *MockAPI) setList(path string, items []Item, envelope bool, etag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[path] = mockList{items: items, envelope: envelope, etag: etag}
}

// Requests returns a copy of the request log.
func (m *MockAPI) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestCount returns the number of requests made to the server.
func (m *MockAPI) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// CountMethod returns the number of requests with the given method.
func (m *MockAPI) CountMethod(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

// ConditionalCount returns the number of conditional requests.
func (m *MockAPI) ConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.requests {
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			n++
		}
	}
	return n
}

// GenerateItems returns items with ids 1..n.
func GenerateItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{ID: i + 1, Name: fmt.Sprintf("item-%d", i+1)}
	}
	return items
}

// serveList writes one page of list. Pages are 1-based; per_page defaults to 30.
func serveList(w http.ResponseWriter, r *http.Request, list mockList) {
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 30)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	etag := ""
	if list.etag != "" {
		etag = fmt.Sprintf(`"%s-%d-%d"`, list.etag, page, perPage)
		w.Header().Set("ETag", etag)
	}

	start := min((page-1)*perPage, len(list.items))
	end := min(start+perPage, len(list.items))

	if end < len(list.items) {
		next := *r.URL
		q := next.Query()
		q.Set("page", strconv.Itoa(page+1))
		q.Set("per_page", strconv.Itoa(perPage))
		next.RawQuery = q.Encode()
		w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, next.String()))
	}

	if etag != "" && r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.WriteHeader(http.StatusOK)
	if list.envelope {
		json.NewEncoder(w).Encode(map[string]any{
			"total_count": len(list.items),
			"items":       list.items[start:end],
		})
		return
	}
	json.NewEncoder(w).Encode(list.items[start:end])
}

func queryInt(r *http.Request, name string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 1 {
		return fallback
	}
	return v
}
