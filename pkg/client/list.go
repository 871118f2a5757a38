package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Sternrassler/paged-api-client/pkg/pagination"
	"github.com/Sternrassler/paged-api-client/pkg/throttle"
)

// List returns a lazily fetched sequence over the list at path. The page size
// is added as per_page unless query already sets it. Further pages follow the
// Link rel="next" header.
func List[T any](c *Client, path string, query url.Values, opts ...pagination.Option) *pagination.Sequence[T] {
	q := url.Values{}
	for name, values := range query {
		q[name] = values
	}
	if q.Get("per_page") == "" {
		q.Set("per_page", strconv.Itoa(c.config.PerPage))
	}

	return pagination.New[T](&pageFetcher[T]{
		client:        c,
		firstCategory: throttle.Read,
		first: func(ctx context.Context) (*http.Request, error) {
			return c.NewRequest(ctx, http.MethodGet, path, q, nil)
		},
	}, withClientLogger(c, opts)...)
}

// ListAfter returns a sequence whose first page is the response to req, for
// lists handed out by another call such as a create endpoint. req is paced
// by its method; the pages that follow it are paced as reads.
func ListAfter[T any](c *Client, req *http.Request, opts ...pagination.Option) *pagination.Sequence[T] {
	return pagination.New[T](&pageFetcher[T]{
		client:        c,
		firstCategory: throttle.CategoryForMethod(req.Method),
		first: func(ctx context.Context) (*http.Request, error) {
			if err := rewindable(req); err != nil {
				return nil, err
			}
			first := req.Clone(ctx)
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewind request body: %w", err)
				}
				first.Body = body
			}
			return first, nil
		},
	}, withClientLogger(c, opts)...)
}

func withClientLogger(c *Client, opts []pagination.Option) []pagination.Option {
	return append([]pagination.Option{pagination.WithLogger(c.logger)}, opts...)
}

// pageFetcher fetches list pages through the client. The cursor is the
// absolute URL of the next page. Pages reached through a cursor are reads.
type pageFetcher[T any] struct {
	client        *Client
	firstCategory throttle.Category
	first         func(ctx context.Context) (*http.Request, error)
}

// FetchPage implements pagination.PageFetcher.
func (f *pageFetcher[T]) FetchPage(ctx context.Context, cursor string) (pagination.Page[T], error) {
	var req *http.Request
	var err error
	category := throttle.Read
	if cursor == "" {
		category = f.firstCategory
		req, err = f.first(ctx)
	} else {
		req, err = f.client.NewRequest(ctx, http.MethodGet, cursor, nil, nil)
	}
	if err != nil {
		return pagination.Page[T]{}, err
	}

	resp, err := f.client.Do(ctx, category, req)
	if err != nil {
		return pagination.Page[T]{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return pagination.Page[T]{}, fmt.Errorf("read list page: %w", err)
	}

	page, err := decodePage[T](body)
	if err != nil {
		return pagination.Page[T]{}, err
	}

	if next := parseLinkHeader(resp.Header.Values("Link"))["next"]; next != "" {
		nextURL, err := req.URL.Parse(next)
		if err != nil {
			return pagination.Page[T]{}, fmt.Errorf("parse next link %q: %w", next, err)
		}
		page.Next = nextURL.String()
	}

	return page, nil
}

// listEnvelope is the object form of a list page, as returned by search
// endpoints.
type listEnvelope[T any] struct {
	Items      []T  `json:"items"`
	TotalCount *int `json:"total_count"`
}

// decodePage decodes a JSON array of items or an object with an items array
// and an optional total_count.
func decodePage[T any](body []byte) (pagination.Page[T], error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return pagination.Page[T]{}, fmt.Errorf("%w: empty body", ErrUnexpectedBody)
	}

	switch trimmed[0] {
	case '[':
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return pagination.Page[T]{}, fmt.Errorf("decode list page: %w", err)
		}
		return pagination.Page[T]{Items: items}, nil

	case '{':
		var envelope listEnvelope[T]
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return pagination.Page[T]{}, fmt.Errorf("decode list page: %w", err)
		}
		if envelope.Items == nil && envelope.TotalCount == nil {
			return pagination.Page[T]{}, fmt.Errorf("%w: object without items", ErrUnexpectedBody)
		}
		page := pagination.Page[T]{Items: envelope.Items}
		if envelope.TotalCount != nil {
			page.TotalCount = *envelope.TotalCount
			page.HasTotal = true
		}
		return page, nil

	default:
		return pagination.Page[T]{}, fmt.Errorf("%w: starts with %q", ErrUnexpectedBody, trimmed[0])
	}
}

// parseLinkHeader maps rel names to URLs across all Link header values.
func parseLinkHeader(values []string) map[string]string {
	links := make(map[string]string)
	for _, header := range values {
		for _, part := range strings.Split(header, ",") {
			seg := strings.Split(strings.TrimSpace(part), ";")
			if len(seg) < 2 {
				continue
			}
			target := strings.Trim(seg[0], "<> ")
			for _, param := range seg[1:] {
				kv := strings.SplitN(strings.TrimSpace(param), "=", 2)
				if len(kv) != 2 || kv[0] != "rel" {
					continue
				}
				// rel may list several space separated names
				for _, rel := range strings.Fields(strings.Trim(kv[1], `"`)) {
					links[rel] = target
				}
			}
		}
	}
	return links
}
