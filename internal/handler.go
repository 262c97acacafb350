package internal

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const parseFloatBitSize = 64

// Handler owns the cache and pacing behaviour of the pipeline. Sessions
// share the process-global default; alternative implementations (such as a
// multi-process handler marshalling requests over a local socket) may be
// supplied at session construction.
type Handler interface {
	// CacheGet returns a cached response for key whose age is below ttl.
	CacheGet(key string, ttl time.Duration) (*Response, bool)
	// CacheSet stores resp under key, remembering canonicalURL for eviction.
	CacheSet(key, canonicalURL string, resp *Response)
	// Evict removes cached entries matching any of the given URLs.
	Evict(urls ...string) int
	// ClearCache drops every cached entry.
	ClearCache()

	// Dispatch paces the call for bearerID and then performs the HTTP
	// request. Redirects are not followed.
	Dispatch(ctx context.Context, bearerID string, delay time.Duration, req *http.Request) (*http.Response, error)
	// Observe lets the handler inspect response headers for server-driven
	// pacing signals (Retry-After, quota windows).
	Observe(bearerID string, resp *http.Response)
}

// DefaultHandler combines the in-process cache and rate-limit ledger with a
// plain HTTP client.
type DefaultHandler struct {
	client  *http.Client
	cache   *Cache
	limiter *RateLimiter
}

// NewDefaultHandler builds a handler around client. A nil client uses
// http.DefaultClient. Redirect following is disabled on dispatch regardless
// of the client's own policy.
func NewDefaultHandler(client *http.Client) *DefaultHandler {
	if client == nil {
		client = http.DefaultClient
	}
	// Copy so the redirect policy does not leak into the caller's client.
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &DefaultHandler{
		client:  &c,
		cache:   NewCache(),
		limiter: NewRateLimiter(0),
	}
}

var (
	globalOnce    sync.Once
	globalHandler *DefaultHandler
)

// GlobalHandler returns the process-wide default handler, initialised at
// first use. Sessions that are not given an explicit handler share it, so
// their pacing and caching interact correctly.
func GlobalHandler() *DefaultHandler {
	globalOnce.Do(func() {
		globalHandler = NewDefaultHandler(nil)
	})
	return globalHandler
}

func (h *DefaultHandler) CacheGet(key string, ttl time.Duration) (*Response, bool) {
	return h.cache.Get(key, ttl)
}

func (h *DefaultHandler) CacheSet(key, canonicalURL string, resp *Response) {
	h.cache.Set(key, canonicalURL, resp)
}

func (h *DefaultHandler) Evict(urls ...string) int {
	return h.cache.EvictURLs(urls...)
}

func (h *DefaultHandler) ClearCache() {
	h.cache.Clear()
}

func (h *DefaultHandler) Dispatch(ctx context.Context, bearerID string, delay time.Duration, req *http.Request) (*http.Response, error) {
	if err := h.limiter.Wait(ctx, bearerID, delay); err != nil {
		return nil, err
	}
	return h.client.Do(req)
}

// Observe defers future dispatches when the server asks for it: an explicit
// Retry-After, or a quota window with at most one request remaining.
func (h *DefaultHandler) Observe(bearerID string, resp *http.Response) {
	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.ParseFloat(retryAfter, parseFloatBitSize); err == nil && seconds > 0 {
			h.limiter.Defer(bearerID, time.Now().Add(time.Duration(seconds*float64(time.Second))))
		}
	}

	remainingHeader := resp.Header.Get("X-Ratelimit-Remaining")
	resetHeader := resp.Header.Get("X-Ratelimit-Reset")
	if remainingHeader == "" || resetHeader == "" {
		return
	}

	remaining, errRemaining := strconv.ParseFloat(remainingHeader, parseFloatBitSize)
	resetSeconds, errReset := strconv.ParseFloat(resetHeader, parseFloatBitSize)
	if errRemaining != nil || errReset != nil || resetSeconds <= 0 {
		return
	}

	if remaining <= 1 {
		h.limiter.Defer(bearerID, time.Now().Add(time.Duration(resetSeconds*float64(time.Second))))
	}
}
