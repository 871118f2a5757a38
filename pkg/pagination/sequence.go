package pagination

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for page fetching.
var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paged_pages_fetched_total",
		Help: "Total number of list pages fetched",
	})

	pageFetchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paged_page_fetch_errors_total",
		Help: "Total number of failed list page fetches",
	})
)

// ErrIndexOutOfRange is returned when an index lies beyond the last item of
// an exhausted list.
var ErrIndexOutOfRange = errors.New("index out of range")

// IndexError reports an unreachable index together with the list length.
type IndexError struct {
	Index  int
	Length int
}

// Error implements the error interface.
func (e *IndexError) Error() string {
	return fmt.Sprintf("%v: index %d, length %d", ErrIndexOutOfRange, e.Index, e.Length)
}

// Unwrap implements error unwrapping for errors.Is.
func (e *IndexError) Unwrap() error {
	return ErrIndexOutOfRange
}

// State is the fetch state of a Sequence.
type State int

const (
	// Fresh means no page has been fetched.
	Fresh State = iota

	// Partial means at least one page was fetched and more remain.
	Partial

	// Exhausted means the last page was fetched.
	Exhausted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Partial:
		return "partial"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Page is one page of a list response.
type Page[T any] struct {
	// Items are the page's items in server order.
	Items []T

	// Next identifies the next page. Empty means this is the last page.
	Next string

	// TotalCount is the server-reported number of items across all pages,
	// valid only when HasTotal is set.
	TotalCount int
	HasTotal   bool
}

// PageFetcher fetches one page. An empty cursor requests the first page.
type PageFetcher[T any] interface {
	FetchPage(ctx context.Context, cursor string) (Page[T], error)
}

// FetcherFunc adapts a function to the PageFetcher interface.
type FetcherFunc[T any] func(ctx context.Context, cursor string) (Page[T], error)

// FetchPage implements PageFetcher.
func (f FetcherFunc[T]) FetchPage(ctx context.Context, cursor string) (Page[T], error) {
	return f(ctx, cursor)
}

// Option configures a Sequence.
type Option func(*options)

type options struct {
	logger   zerolog.Logger
	maxPages int
}

// WithLogger sets the logger used for page fetch events.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMaxPages stops fetching after n pages and treats the list as
// exhausted from then on. Zero means unlimited.
func WithMaxPages(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxPages = n
		}
	}
}

// Sequence is a lazily populated, randomly indexable view over all items of
// a paginated list.
//
// Lookups of cached indices are safe for concurrent use. Fetches are
// serialized by the Sequence itself.
type Sequence[T any] struct {
	fetcher PageFetcher[T]
	opts    options

	fetchMu sync.Mutex

	mu          sync.RWMutex
	items       []T
	pageOffsets []int
	next        string
	state       State
	total       int
	hasTotal    bool
}

// New creates a Fresh sequence over the pages returned by fetcher.
func New[T any](fetcher PageFetcher[T], opts ...Option) *Sequence[T] {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Sequence[T]{
		fetcher: fetcher,
		opts:    o,
	}
}

// State returns the current fetch state.
func (s *Sequence[T]) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Cached returns the number of items fetched so far.
func (s *Sequence[T]) Cached() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// PagesFetched returns the number of pages fetched so far.
func (s *Sequence[T]) PagesFetched() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pageOffsets)
}

// PageAt returns the items of the i-th fetched page (zero-based) without
// fetching anything. ok is false when that page has not been fetched.
func (s *Sequence[T]) PageAt(i int) (items []T, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i < 0 || i >= len(s.pageOffsets) {
		return nil, false
	}
	end := len(s.items)
	if i+1 < len(s.pageOffsets) {
		end = s.pageOffsets[i+1]
	}
	out := make([]T, end-s.pageOffsets[i])
	copy(out, s.items[s.pageOffsets[i]:end])
	return out, true
}

// ItemAt returns the item at index i, fetching pages until it is available.
// If the list ends before i, it returns an *IndexError wrapping
// ErrIndexOutOfRange. Fetch errors are returned unchanged.
func (s *Sequence[T]) ItemAt(ctx context.Context, i int) (T, error) {
	item, ok, err := s.get(ctx, i)
	if err != nil {
		return item, err
	}
	if !ok {
		var zero T
		return zero, &IndexError{Index: i, Length: s.Cached()}
	}
	return item, nil
}

// Len fetches every remaining page and returns the total number of items.
func (s *Sequence[T]) Len(ctx context.Context) (int, error) {
	if err := s.fetchWhile(ctx, func() bool { return true }); err != nil {
		return 0, err
	}
	return s.Cached(), nil
}

// All iterates over the items in list order. Each pass starts from the first
// item, reuses every cached page and fetches only pages beyond them. A fetch
// error is yielded once with the zero item and ends the pass.
func (s *Sequence[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for i := 0; ; i++ {
			item, ok, err := s.get(ctx, i)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !ok {
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Slice returns the items in [start, end). A negative end means the end of
// the list. Bounds past the end of the list are clipped once the list is
// exhausted; start >= end yields an empty slice.
func (s *Sequence[T]) Slice(ctx context.Context, start, end int) ([]T, error) {
	if start < 0 {
		return nil, &IndexError{Index: start, Length: s.Cached()}
	}

	var err error
	if end < 0 {
		err = s.fetchWhile(ctx, func() bool { return true })
	} else {
		err = s.fetchWhile(ctx, func() bool { return len(s.items) < end })
	}
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if end < 0 || end > len(s.items) {
		end = len(s.items)
	}
	if start >= end {
		return []T{}, nil
	}

	out := make([]T, end-start)
	copy(out, s.items[start:end])
	return out, nil
}

// Collect fetches every remaining page and returns all items.
func (s *Sequence[T]) Collect(ctx context.Context) ([]T, error) {
	return s.Slice(ctx, 0, -1)
}

// TotalCount returns the item count reported by the server on the first
// page, fetching that page if the sequence is Fresh. The reported count is
// informational only and never used to skip a fetch.
func (s *Sequence[T]) TotalCount(ctx context.Context) (int, bool, error) {
	if err := s.fetchWhile(ctx, func() bool { return len(s.pageOffsets) == 0 }); err != nil {
		return 0, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total, s.hasTotal, nil
}

// get returns the item at index i and whether it exists.
func (s *Sequence[T]) get(ctx context.Context, i int) (T, bool, error) {
	var zero T
	if i < 0 {
		return zero, false, nil
	}

	if item, ok := s.cached(i); ok {
		return item, true, nil
	}

	if err := s.fetchWhile(ctx, func() bool { return len(s.items) <= i }); err != nil {
		return zero, false, err
	}

	item, ok := s.cached(i)
	return item, ok, nil
}

func (s *Sequence[T]) cached(i int) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < len(s.items) {
		return s.items[i], true
	}
	var zero T
	return zero, false
}

// fetchWhile fetches successive pages while more returns true and the list is
// not exhausted. more is evaluated under the read lock.
func (s *Sequence[T]) fetchWhile(ctx context.Context, more func() bool) error {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	for {
		s.mu.RLock()
		done := s.state == Exhausted || !more()
		cursor := s.next
		pageIndex := len(s.pageOffsets)
		s.mu.RUnlock()

		if done {
			return nil
		}

		page, err := s.fetcher.FetchPage(ctx, cursor)
		if err != nil {
			pageFetchErrorsTotal.Inc()
			s.opts.logger.Debug().
				Err(err).
				Int("page", pageIndex).
				Msg("Page fetch failed")
			return err
		}

		s.append(pageIndex, page)
	}
}

// append records a fetched page and advances the cursor.
func (s *Sequence[T]) append(pageIndex int, page Page[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pageOffsets = append(s.pageOffsets, len(s.items))
	s.items = append(s.items, page.Items...)
	s.next = page.Next

	if pageIndex == 0 && page.HasTotal {
		s.total = page.TotalCount
		s.hasTotal = true
	}

	switch {
	case page.Next == "":
		s.state = Exhausted
	case s.opts.maxPages > 0 && len(s.pageOffsets) >= s.opts.maxPages:
		s.state = Exhausted
	default:
		s.state = Partial
	}

	pagesFetchedTotal.Inc()
	s.opts.logger.Debug().
		Int("page", pageIndex).
		Int("items", len(page.Items)).
		Int("cached", len(s.items)).
		Str("state", s.state.String()).
		Msg("Fetched page")
}
