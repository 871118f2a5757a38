package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix starts every cache key.
const KeyPrefix = "paged"

// Key identifies a cached response.
type Key struct {
	// Path is the request path, e.g. "/repos/octo/app/releases".
	Path string

	// Query holds the query parameters, including pagination parameters.
	Query url.Values

	// Credential is a short hash of the token the response was fetched with.
	// Empty for anonymous requests.
	Credential string
}

// NewKey builds the key for a request made with the given token.
func NewKey(req *http.Request, token string) Key {
	return Key{
		Path:       req.URL.Path,
		Query:      req.URL.Query(),
		Credential: CredentialHash(token),
	}
}

// CredentialHash returns the first 12 hex characters of the token's SHA-256,
// or "" for an empty token.
func CredentialHash(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:12]
}

// String returns a deterministic Redis key. Query parameters are sorted and
// all values of a repeated parameter are kept.
func (k Key) String() string {
	parts := []string{KeyPrefix}

	if path := strings.Trim(k.Path, "/"); path != "" {
		parts = append(parts, path)
	}

	if len(k.Query) > 0 {
		names := make([]string, 0, len(k.Query))
		for name := range k.Query {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, name+"="+strings.Join(k.Query[name], ","))
		}
	}

	if k.Credential != "" {
		parts = append(parts, "auth="+k.Credential)
	}

	return strings.Join(parts, ":")
}
