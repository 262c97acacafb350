package internal

import (
	"testing"
	"time"
)

func TestCacheHitAndExpiry(t *testing.T) {
	c := NewCache()
	resp := &Response{StatusCode: 200, Body: []byte(`{"kind":"Listing"}`), URL: "https://oauth.reddit.com/hot"}
	c.Set("key1", resp.URL, resp)

	got, ok := c.Get("key1", time.Minute)
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if !got.FromCache {
		t.Error("cached response not marked FromCache")
	}
	if got.StatusCode != 200 || string(got.Body) != string(resp.Body) {
		t.Error("cached response mutated")
	}
	// The stored entry itself must stay unmarked.
	if resp.FromCache {
		t.Error("Get mutated the stored response")
	}

	time.Sleep(15 * time.Millisecond)
	if _, ok := c.Get("key1", 10*time.Millisecond); ok {
		t.Error("expected a miss past the freshness window")
	}
}

func TestCacheZeroTTLNeverMatches(t *testing.T) {
	c := NewCache()
	c.Set("key1", "https://oauth.reddit.com/hot", &Response{StatusCode: 200})
	if _, ok := c.Get("key1", 0); ok {
		t.Error("zero ttl must disable cache reads")
	}
}

func TestCacheMiss(t *testing.T) {
	c := NewCache()
	if _, ok := c.Get("absent", time.Minute); ok {
		t.Error("hit on an absent key")
	}
}

func TestEvictURLs(t *testing.T) {
	c := NewCache()
	c.Set("k1", "https://oauth.reddit.com/r/golang/about", &Response{StatusCode: 200})
	c.Set("k2", "https://oauth.reddit.com/r/golang/about", &Response{StatusCode: 200}) // other bearer
	c.Set("k3", "https://oauth.reddit.com/r/rust/about", &Response{StatusCode: 200})

	// Inputs are canonicalised, so scheme/host case and default ports don't
	// matter.
	n := c.EvictURLs("HTTPS://OAUTH.REDDIT.COM:443/r/golang/about")
	if n != 2 {
		t.Errorf("evicted %d entries, want 2", n)
	}
	if _, ok := c.Get("k3", time.Minute); !ok {
		t.Error("eviction removed an unrelated entry")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestCacheClear(t *testing.T) {
	c := NewCache()
	c.Set("k1", "u1", &Response{})
	c.Set("k2", "u2", &Response{})
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() = %d after Clear", c.Len())
	}
}

func TestCacheLastWriterWins(t *testing.T) {
	c := NewCache()
	c.Set("k", "u", &Response{StatusCode: 200, Body: []byte("old")})
	c.Set("k", "u", &Response{StatusCode: 200, Body: []byte("new")})
	got, ok := c.Get("k", time.Minute)
	if !ok || string(got.Body) != "new" {
		t.Error("second store did not replace the first")
	}
}
