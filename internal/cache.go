package internal

import (
	"net/url"
	"sync"
	"time"
)

// Cache stores successful responses to safe requests, keyed by RequestKey.
// The freshness window is supplied per read, not per entry, so one cache can
// serve callers with different timeouts. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	resp     *Response
	url      string
	storedAt time.Time
}

// NewCache returns an empty response cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*cacheEntry)}
}

// Get returns the cached response for key if one exists and its age is below
// ttl. A non-positive ttl never matches.
func (c *Cache) Get(key string, ttl time.Duration) (*Response, bool) {
	if ttl <= 0 {
		return nil, false
	}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Since(entry.storedAt) >= ttl {
		return nil, false
	}

	// Shallow copy so callers observe FromCache without mutating the stored
	// entry. Body bytes are shared and treated as read-only.
	resp := *entry.resp
	resp.FromCache = true
	return &resp, true
}

// Set stores resp under key, recording the canonical URL for later eviction.
// Stores are last-writer-wins.
func (c *Cache) Set(key, canonicalURL string, resp *Response) {
	c.mu.Lock()
	c.entries[key] = &cacheEntry{resp: resp, url: canonicalURL, storedAt: time.Now()}
	c.mu.Unlock()
}

// EvictURLs removes every entry whose canonical URL matches any of the given
// URLs and returns the number of entries removed. Inputs are canonicalised
// before matching, so callers may pass the URLs they requested with.
func (c *Cache) EvictURLs(urls ...string) int {
	targets := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
			targets[CanonicalURL(u)] = struct{}{}
		} else {
			targets[raw] = struct{}{}
		}
	}

	evicted := 0
	c.mu.Lock()
	for key, entry := range c.entries {
		if _, hit := targets[entry.url]; hit {
			delete(c.entries, key)
			evicted++
		}
	}
	c.mu.Unlock()
	return evicted
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()
}

// Len returns the number of stored entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
