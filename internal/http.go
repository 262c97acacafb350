package internal

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	pkgerrs "github.com/grawkit/graw/pkg/errors"
)

// maxAttempts bounds transient-error retries, counting the original attempt.
const maxAttempts = 3

// TokenSource supplies and renews the bearer credential the pipeline
// dispatches with. The session's Authorizer implements it; a nil source
// means the session is unauthenticated.
type TokenSource interface {
	// Token returns a bearer valid at the time of dispatch, renewing first
	// if the current one is expired or about to expire.
	Token(ctx context.Context) (string, error)
	// BearerID identifies the current bearer for pacing and cache keys.
	BearerID() string
	// IsOAuth reports whether requests should target the OAuth host.
	IsOAuth() bool
	// Refresh forces renewal after the server rejected the bearer.
	Refresh(ctx context.Context) error
	// ValidateScopes checks the authorization covers the required scopes.
	ValidateScopes(scopes []string) error
}

// Pipeline composes auth, pacing, caching, retries and redirect policy
// around HTTP dispatch. One pipeline serves one session.
type Pipeline struct {
	handler   Handler
	tokens    TokenSource
	oauthURL  *url.URL
	baseURL   *url.URL
	userAgent string

	delay        time.Duration
	timeout      time.Duration
	retryOnError bool
	log          *slog.Logger
}

// NewPipeline builds a pipeline. A relative URL in a Request resolves
// against wwwBase, or against oauthBase once the token source reports OAuth
// mode.
func NewPipeline(handler Handler, tokens TokenSource, oauthBase, wwwBase, userAgent string, delay, timeout time.Duration, retryOnError bool, log *slog.Logger) (*Pipeline, error) {
	oauthURL, err := parseBase(oauthBase)
	if err != nil {
		return nil, &pkgerrs.ClientError{Operation: "parse oauth URL", Err: err}
	}
	baseURL, err := parseBase(wwwBase)
	if err != nil {
		return nil, &pkgerrs.ClientError{Operation: "parse base URL", Err: err}
	}
	if handler == nil {
		handler = GlobalHandler()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Pipeline{
		handler:      handler,
		tokens:       tokens,
		oauthURL:     oauthURL,
		baseURL:      baseURL,
		userAgent:    userAgent,
		delay:        delay,
		timeout:      timeout,
		retryOnError: retryOnError,
		log:          log,
	}, nil
}

func parseBase(base string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}

// Handler exposes the session's handler for cache eviction by the caller.
func (p *Pipeline) Handler() Handler {
	return p.handler
}

// URLFor returns the canonical URL a request would be dispatched to, for
// targeted cache eviction.
func (p *Pipeline) URLFor(req *Request) (string, error) {
	u, err := p.resolve(req)
	if err != nil {
		return "", err
	}
	return CanonicalURL(u), nil
}

// resolve picks the API host for req and applies the ".json" suffix used by
// the non-OAuth host. Trailing slashes are preserved.
func (p *Pipeline) resolve(req *Request) (*url.URL, error) {
	host := p.baseURL
	oauth := p.tokens != nil && p.tokens.IsOAuth()
	if oauth {
		host = p.oauthURL
	}

	u, err := host.Parse(strings.TrimPrefix(req.Path, "/"))
	if err != nil {
		return nil, &pkgerrs.ClientError{Operation: "resolve endpoint", Err: err}
	}
	if !oauth && !req.NoJSONSuffix && !strings.HasSuffix(u.Path, ".json") {
		u.Path += ".json"
	}
	return u, nil
}

// Do runs the per-call algorithm: resolve, key, cache probe, scope gate,
// pace, dispatch, redirect policy, auth retry, transient retry, cache store.
// The cache is released before dispatch; two concurrent first-time callers
// may both hit the network, which beats holding a lock across I/O.
func (p *Pipeline) Do(ctx context.Context, req *Request) (*Response, error) {
	if p.tokens == nil && len(req.Scopes) > 0 {
		return nil, &pkgerrs.AppRequiredError{Message: "request requires OAuth scopes"}
	}

	var (
		token    string
		bearerID = UnauthBearer
	)
	if p.tokens != nil {
		t, err := p.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		token = t
		bearerID = p.tokens.BearerID()
	}

	u, err := p.resolve(req)
	if err != nil {
		return nil, err
	}
	canon := CanonicalURL(u)
	key := RequestKey(req.Method, u, req.Query, req.Form, bearerID)
	cacheable := safeMethod(req.Method)

	if cacheable && !req.CacheIgnore {
		if resp, ok := p.handler.CacheGet(key, req.CacheTTL); ok {
			p.log.Debug("cache hit", "url", canon)
			return resp, nil
		}
	}

	if p.tokens != nil && len(req.Scopes) > 0 {
		if err := p.tokens.ValidateScopes(req.Scopes); err != nil {
			return nil, err
		}
	}

	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	attempts := 0
	refreshed := false
	for {
		attempts++

		resp, body, err := p.dispatch(ctx, req, u, bearerID, token)
		if err != nil {
			if p.retryOnError && attempts < maxAttempts && !isContextErr(err) {
				p.log.Debug("retrying after transport error", "url", canon, "attempt", attempts, "err", err)
				continue
			}
			return nil, &pkgerrs.HTTPError{URL: canon, Err: err}
		}

		p.handler.Observe(bearerID, resp)

		switch {
		case resp.StatusCode == http.StatusFound:
			return p.handleRedirect(req, u, resp, body, key, canon, cacheable)

		case resp.StatusCode == http.StatusUnauthorized:
			challenge := resp.Header.Get("Www-Authenticate")
			if strings.Contains(challenge, "insufficient_scope") {
				return nil, &pkgerrs.ScopeRequiredError{URL: canon}
			}
			if strings.Contains(challenge, "invalid_token") && !refreshed && p.tokens != nil {
				if err := p.tokens.Refresh(ctx); err != nil {
					return nil, err
				}
				refreshed = true
				token, err = p.tokens.Token(ctx)
				if err != nil {
					return nil, err
				}
				// The bearer changed; re-key so the retry paces and caches
				// under the new identity.
				bearerID = p.tokens.BearerID()
				key = RequestKey(req.Method, u, req.Query, req.Form, bearerID)
				continue
			}
			return nil, &pkgerrs.OAuthError{URL: canon, Code: challengeCode(challenge), Message: string(body)}

		case resp.StatusCode == http.StatusBadGateway,
			resp.StatusCode == http.StatusServiceUnavailable,
			resp.StatusCode == http.StatusGatewayTimeout:
			if p.retryOnError && attempts < maxAttempts {
				p.log.Debug("retrying after server error", "url", canon, "status", resp.StatusCode, "attempt", attempts)
				continue
			}
			return nil, &pkgerrs.HTTPError{StatusCode: resp.StatusCode, URL: canon, Body: string(body)}

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			out := &Response{
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Body:       body,
				URL:        canon,
			}
			if cacheable && resp.StatusCode == http.StatusOK {
				p.handler.CacheSet(key, canon, out)
			}
			return out, nil

		default:
			return nil, &pkgerrs.HTTPError{StatusCode: resp.StatusCode, URL: canon, Body: string(body)}
		}
	}
}

// dispatch builds the HTTP request, paces it through the handler, and reads
// the full body. The response body is always closed.
func (p *Pipeline) dispatch(ctx context.Context, req *Request, u *url.URL, bearerID, token string) (*http.Response, []byte, error) {
	hctx := ctx
	timeout := req.Timeout
	if timeout == 0 {
		timeout = p.timeout
	}
	var cancel context.CancelFunc
	if timeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Form) > 0 {
		body = strings.NewReader(req.Form.Encode())
	}

	hreq, err := http.NewRequestWithContext(hctx, req.Method, u.String(), body)
	if err != nil {
		return nil, nil, err
	}
	hreq.Header.Set("User-Agent", p.userAgent)
	if token != "" {
		hreq.Header.Set("Authorization", "bearer "+token)
	}
	if len(req.Form) > 0 {
		hreq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.handler.Dispatch(hctx, bearerID, p.delay, hreq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		// Incomplete read counts as a transient failure.
		return nil, nil, err
	}
	return resp, raw, nil
}

// handleRedirect applies the 302 policy: a reddits/search target signals a
// missing subreddit; redirect-semantic paths return the target for the
// caller to follow; anything else is an error carrying both URLs.
//
// For "random"-style paths the redirect response itself is cached under the
// original request key; the target is fetched by a second, normally-cached
// call.
func (p *Pipeline) handleRedirect(req *Request, u *url.URL, resp *http.Response, body []byte, key, canon string, cacheable bool) (*Response, error) {
	loc := resp.Header.Get("Location")
	target, err := u.Parse(loc)
	if err != nil {
		return nil, &pkgerrs.HTTPError{StatusCode: resp.StatusCode, URL: canon, Err: err}
	}

	if strings.Contains(target.Path, "reddits/search") && target.Query().Get("q") != "" {
		return nil, &pkgerrs.InvalidSubredditError{URL: target.String()}
	}

	if !req.FollowRedirect {
		return nil, &pkgerrs.RedirectError{From: u.String(), To: target.String()}
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		URL:        canon,
		RedirectTo: target.String(),
	}
	if cacheable && !req.CacheIgnore {
		p.handler.CacheSet(key, canon, out)
	}
	return out, nil
}

// challengeCode extracts the error code from a Www-Authenticate challenge
// such as `Bearer realm="reddit", error="invalid_token"`.
func challengeCode(challenge string) string {
	const marker = `error="`
	i := strings.Index(challenge, marker)
	if i < 0 {
		return ""
	}
	rest := challenge[i+len(marker):]
	if j := strings.IndexByte(rest, '"'); j >= 0 {
		return rest[:j]
	}
	return rest
}

func isContextErr(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded ||
		strings.Contains(err.Error(), context.Canceled.Error()) ||
		strings.Contains(err.Error(), context.DeadlineExceeded.Error())
}
