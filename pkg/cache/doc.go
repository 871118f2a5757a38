// Package cache keeps API responses in Redis so that repeated reads of the
// same page can be sent as conditional requests.
//
// The cache never answers a request on its own: every read still goes to the
// server (and through the throttle). A cached entry only contributes its
// ETag or Last-Modified validator, and its body is replayed when the server
// answers 304 Not Modified.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient, 10*time.Minute)
//
//	key := cache.NewKey(req, token)
//	entry, err := manager.Get(ctx, key)
//	if err == nil {
//		cache.AddConditionalHeaders(req, entry)
//	}
//
//	resp, err := httpClient.Do(req)
//	...
//	if resp.StatusCode == http.StatusNotModified {
//		resp = cache.EntryToResponse(entry)
//	} else if resp.StatusCode == http.StatusOK {
//		entry, _ := cache.ResponseToEntry(resp)
//		_ = manager.Set(ctx, key, entry)
//	}
//
// # Keys
//
// Keys combine the request path, the sorted query and a hash of the
// credential, so that two sessions with different tokens never share
// entries:
//
//	paged:repos/octo/app/releases:page=2:per_page=10:auth=5e884898da28
package cache
