package internal

import (
	"net/url"
	"strings"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"HTTPS://OAUTH.Reddit.com/r/golang/hot", "https://oauth.reddit.com/r/golang/hot"},
		{"https://oauth.reddit.com:443/r/golang", "https://oauth.reddit.com/r/golang"},
		{"http://www.reddit.com:80/hot.json", "http://www.reddit.com/hot.json"},
		{"http://www.reddit.com:8080/hot", "http://www.reddit.com:8080/hot"},
		// Path case is significant on the API.
		{"https://oauth.reddit.com/r/GoLang", "https://oauth.reddit.com/r/GoLang"},
	}
	for _, tt := range tests {
		if got := CanonicalURL(mustParse(t, tt.in)); got != tt.want {
			t.Errorf("CanonicalURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRequestKeyStable(t *testing.T) {
	u := mustParse(t, "https://oauth.reddit.com/r/golang/hot")

	a := RequestKey("GET", u, url.Values{"limit": {"25"}, "after": {"t3_x"}}, nil, "bearer_abc")
	b := RequestKey("get", u, url.Values{"after": {"t3_x"}, "limit": {"25"}}, nil, "bearer_abc")
	if a != b {
		t.Errorf("keys differ for equivalent requests:\n%s\n%s", a, b)
	}
}

func TestRequestKeyDiscriminates(t *testing.T) {
	u := mustParse(t, "https://oauth.reddit.com/api/submit")
	base := RequestKey("POST", u, nil, url.Values{"title": {"a"}}, "bearer_abc")

	if got := RequestKey("POST", u, nil, url.Values{"title": {"b"}}, "bearer_abc"); got == base {
		t.Error("form change did not change the key")
	}
	if got := RequestKey("POST", u, nil, url.Values{"title": {"a"}}, "bearer_other"); got == base {
		t.Error("bearer change did not change the key")
	}
	if got := RequestKey("GET", u, nil, url.Values{"title": {"a"}}, "bearer_abc"); got == base {
		t.Error("method change did not change the key")
	}
}

func TestRequestKeyEmptyBearer(t *testing.T) {
	u := mustParse(t, "https://www.reddit.com/hot.json")
	key := RequestKey("GET", u, nil, nil, "")
	if !strings.HasSuffix(key, UnauthBearer) {
		t.Errorf("key %q does not use the unauthenticated bearer slot", key)
	}
}

func TestSafeMethod(t *testing.T) {
	for _, m := range []string{"GET", "get", "HEAD"} {
		if !safeMethod(m) {
			t.Errorf("safeMethod(%q) = false", m)
		}
	}
	for _, m := range []string{"POST", "PUT", "DELETE", "PATCH"} {
		if safeMethod(m) {
			t.Errorf("safeMethod(%q) = true", m)
		}
	}
}
