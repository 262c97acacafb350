package internal

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// UnauthBearer is the bearer identity used for pacing and cache keys when a
// session has no user-context token.
const UnauthBearer = "UNAUTHENTICATED"

// Request is a logical API call handed to the pipeline by the session layer.
type Request struct {
	Method string
	// Path is relative to the resolved API host.
	Path   string
	Query  url.Values
	Form   url.Values
	Scopes []string

	// CacheIgnore bypasses the response cache for this call.
	CacheIgnore bool
	// CacheTTL is the maximum age a cached response may have to satisfy this
	// call. Zero disables cache reads for the call.
	CacheTTL time.Duration
	// Timeout overrides the session default. Zero means "use the default";
	// negative means no timeout.
	Timeout time.Duration

	// FollowRedirect marks paths whose semantics are redirect-based, such as
	// the "random" endpoints. Any other path answering 302 is an error.
	FollowRedirect bool
	// NoJSONSuffix suppresses the ".json" path suffix applied to calls on
	// the non-OAuth host.
	NoJSONSuffix bool
}

// Response is the transport-level result of a dispatched Request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL is the canonical URL the response was served for.
	URL string
	// RedirectTo carries the absolute redirect target for 302 responses on
	// redirect-semantic paths.
	RedirectTo string
	FromCache  bool
}

// CanonicalURL lowercases the scheme and host, strips default ports, and
// preserves path case. The query is not included; it participates in the
// request key separately.
func CanonicalURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if scheme == "http" {
		host = strings.TrimSuffix(host, ":80")
	} else if scheme == "https" {
		host = strings.TrimSuffix(host, ":443")
	}
	return scheme + "://" + host + u.EscapedPath()
}

// encodeSorted renders values as k=v pairs sorted by key and then by value,
// so two requests with the same parameters always produce the same key.
func encodeSorted(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), v[k]...)
		sort.Strings(vals)
		for _, val := range vals {
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(k))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(val))
		}
	}
	return sb.String()
}

// RequestKey builds the cache and pacing key for a call:
// (method, canonical URL, sorted query, sorted form, bearer id).
func RequestKey(method string, u *url.URL, query, form url.Values, bearerID string) string {
	if bearerID == "" {
		bearerID = UnauthBearer
	}
	return strings.Join([]string{
		strings.ToUpper(method),
		CanonicalURL(u),
		encodeSorted(query),
		encodeSorted(form),
		bearerID,
	}, "|")
}

// safeMethod reports whether a method is idempotent and cacheable.
func safeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return true
	}
	return false
}
