// Package graw is a Go client for the Reddit API. A Reddit session wraps
// OAuth2 authentication, per-bearer rate pacing, response caching and
// retry policy behind a uniform request surface, and decodes responses
// into lazily-loaded typed entities.
package graw

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/grawkit/graw/internal"
	pkgerrs "github.com/grawkit/graw/pkg/errors"
	"github.com/grawkit/graw/pkg/types"
)

// Handler is the pluggable dispatch layer shared by sessions: response
// cache plus rate limiter around HTTP transport.
type Handler = internal.Handler

// maxFollowedRedirects bounds how many redirect-semantic hops one call may
// take.
const maxFollowedRedirects = 3

// Request describes one API call made through a session.
type Request struct {
	// Method defaults to GET, or POST when Form is set.
	Method string
	// Path is relative to the API host, e.g. "r/golang/hot".
	Path   string
	Params url.Values
	// Form is the body for write calls. The session adds api_type=json and
	// the session modhash.
	Form   url.Values
	Scopes []string

	// Raw skips entity decoding and returns the generically-unmarshalled
	// body.
	Raw bool
	// CacheIgnore bypasses the response cache for this call.
	CacheIgnore bool
	// CacheTTL overrides the session's cache window for this call.
	CacheTTL time.Duration
	// Timeout overrides the session default. Negative means no timeout.
	Timeout time.Duration
	// FollowRedirect marks endpoints whose semantics are redirect-based,
	// such as "r/random".
	FollowRedirect bool
}

// Reddit is an authenticated API session.
type Reddit struct {
	cfg  *Config
	log  *slog.Logger
	auth *Authorizer
	reg  *registry

	handler Handler
	pipe    *internal.Pipeline
	// anonPipe serves read-only mode: same handler and pacing, no bearer.
	anonPipe *internal.Pipeline

	mu       sync.Mutex
	modhash  string
	readOnly bool
}

// NewReddit builds a session from cfg. A client id and a user agent are
// required; the grant mode is selected from whichever credentials are
// present.
func NewReddit(cfg *Config) (*Reddit, error) {
	if cfg == nil {
		return nil, &pkgerrs.ConfigError{Message: "config is required"}
	}
	if cfg.ClientID == "" {
		return nil, &pkgerrs.ConfigError{Field: "client_id", Message: "a client id is required"}
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		return nil, &pkgerrs.ConfigError{Field: "user_agent", Message: "a descriptive user agent is required"}
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if strings.Contains(strings.ToLower(cfg.UserAgent), "bot") {
		log.Warn("user agents containing 'bot' receive a reduced rate limit", "user_agent", cfg.UserAgent)
	}
	if cfg.CheckForUpdates {
		log.Debug("update checks are handled by the module system; nothing to do")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: &http.Transport{Proxy: proxyFunc(cfg)}}
	}

	handler := cfg.Handler
	if handler == nil {
		if cfg.HTTPClient != nil || cfg.HTTPProxy != "" || cfg.HTTPSProxy != "" {
			handler = internal.NewDefaultHandler(client)
		} else {
			handler = internal.GlobalHandler()
		}
	}

	r := &Reddit{cfg: cfg, log: log, handler: handler}
	r.auth = newAuthorizer(cfg, client, log)
	r.reg = &registry{r: r, log: log}

	pipe, err := internal.NewPipeline(handler, r.auth, cfg.oauthBase(), cfg.redditBase(),
		cfg.UserAgent, cfg.APIRequestDelay, cfg.Timeout, cfg.RetryOnError, log)
	if err != nil {
		return nil, err
	}
	anonPipe, err := internal.NewPipeline(handler, nil, cfg.oauthBase(), cfg.redditBase(),
		cfg.UserAgent, cfg.APIRequestDelay, cfg.Timeout, cfg.RetryOnError, log)
	if err != nil {
		return nil, err
	}
	r.pipe = pipe
	r.anonPipe = anonPipe
	return r, nil
}

// proxyFunc selects the configured proxy per scheme, falling back to the
// environment.
func proxyFunc(cfg *Config) func(*http.Request) (*url.URL, error) {
	if cfg.HTTPProxy == "" && cfg.HTTPSProxy == "" {
		return http.ProxyFromEnvironment
	}
	return func(req *http.Request) (*url.URL, error) {
		raw := cfg.HTTPProxy
		if req.URL.Scheme == "https" && cfg.HTTPSProxy != "" {
			raw = cfg.HTTPSProxy
		}
		if raw == "" {
			return http.ProxyFromEnvironment(req)
		}
		return url.Parse(raw)
	}
}

// Config returns the session's configuration.
func (r *Reddit) Config() *Config { return r.cfg }

// Authorizer returns the session's OAuth2 state machine, for authorize-URL
// and code-exchange flows.
func (r *Reddit) Authorizer() *Authorizer { return r.auth }

// SetTokenManager binds a token-manager for externally stored refresh
// tokens. Binding a second manager fails.
func (r *Reddit) SetTokenManager(tm TokenManager) error {
	return r.auth.SetTokenManager(tm)
}

// ReadOnly reports whether requests are currently dispatched without a
// bearer.
func (r *Reddit) ReadOnly() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readOnly {
		return true
	}
	return !r.auth.HasUserContext()
}

// SetReadOnly toggles unauthenticated dispatch. Turning read-only off
// requires a grant that carries a user identity.
func (r *Reddit) SetReadOnly(readOnly bool) error {
	if !readOnly && !r.auth.HasUserContext() {
		return &pkgerrs.ClientError{
			Operation: "leave read-only mode",
			Message:   "the configured grant has no user context",
		}
	}
	r.mu.Lock()
	r.readOnly = readOnly
	r.mu.Unlock()
	return nil
}

// Modhash returns the write token most recently observed in a response, or
// "".
func (r *Reddit) Modhash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.modhash
}

func (r *Reddit) setModhash(m string) {
	r.mu.Lock()
	r.modhash = m
	r.mu.Unlock()
}

// EvictURLs drops cached responses for the given absolute URLs, returning
// how many entries were removed.
func (r *Reddit) EvictURLs(urls ...string) int {
	return r.handler.Evict(urls...)
}

// ClearCache drops every cached response held by the session's handler.
func (r *Reddit) ClearCache() {
	r.handler.ClearCache()
}

// AbsoluteURL returns the canonical URL a path would resolve to, for
// targeted cache eviction.
func (r *Reddit) AbsoluteURL(path string, _ url.Values) (string, error) {
	return r.pipe.URLFor(&internal.Request{Path: path})
}

// Request performs one API call: dispatch through the pipeline, decode the
// body into entities, and surface API-reported errors as typed errors.
// Redirect-semantic endpoints are followed transparently.
func (r *Reddit) Request(ctx context.Context, req *Request) (any, error) {
	if req == nil || req.Path == "" {
		return nil, &pkgerrs.ClientError{Operation: "request", Message: "a path is required"}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
		if len(req.Form) > 0 {
			method = http.MethodPost
		}
	}

	var form url.Values
	if len(req.Form) > 0 {
		form = url.Values{}
		for k, vv := range req.Form {
			form[k] = vv
		}
		if form.Get("api_type") == "" {
			form.Set("api_type", "json")
		}
		if uh := r.Modhash(); uh != "" && form.Get("uh") == "" {
			form.Set("uh", uh)
		}
	}

	ttl := req.CacheTTL
	if ttl == 0 {
		ttl = r.cfg.CacheTTL
	}

	pipe := r.pipe
	r.mu.Lock()
	if r.readOnly {
		pipe = r.anonPipe
	}
	r.mu.Unlock()

	ireq := &internal.Request{
		Method:         method,
		Path:           req.Path,
		Query:          req.Params,
		Form:           form,
		Scopes:         req.Scopes,
		CacheIgnore:    req.CacheIgnore,
		CacheTTL:       ttl,
		Timeout:        req.Timeout,
		FollowRedirect: req.FollowRedirect,
	}
	if pipe == r.anonPipe {
		// Unauthenticated calls cannot satisfy scope requirements; the
		// endpoints themselves are public on the www host.
		ireq.Scopes = nil
	}

	resp, err := pipe.Do(ctx, ireq)
	if err != nil {
		return nil, err
	}

	for hops := 0; resp.RedirectTo != ""; hops++ {
		if hops >= maxFollowedRedirects {
			return nil, &pkgerrs.RedirectError{From: req.Path, To: resp.RedirectTo}
		}
		next := *ireq
		next.Method = http.MethodGet
		next.Path = resp.RedirectTo
		next.Form = nil
		resp, err = pipe.Do(ctx, &next)
		if err != nil {
			return nil, err
		}
	}

	if req.Raw {
		var v any
		if len(resp.Body) > 0 {
			if err := json.Unmarshal(resp.Body, &v); err != nil {
				return nil, &pkgerrs.ClientError{Operation: "decode response", Err: err}
			}
		}
		return v, nil
	}

	decoded, err := r.reg.decode(resp.Body)
	if err != nil {
		return nil, err
	}
	if r.cfg.StoreJSONResult {
		if c, ok := contentOf(decoded); ok {
			c.attrs["json_dict"] = string(resp.Body)
		}
	}
	return decoded, nil
}

// Get performs a GET against path.
func (r *Reddit) Get(ctx context.Context, path string, params url.Values) (any, error) {
	return r.Request(ctx, &Request{Method: http.MethodGet, Path: path, Params: params})
}

// Post performs a POST against path with a form body.
func (r *Reddit) Post(ctx context.Context, path string, form url.Values) (any, error) {
	return r.Request(ctx, &Request{Method: http.MethodPost, Path: path, Form: form})
}

// Me returns the authenticated account.
func (r *Reddit) Me(ctx context.Context) (*Redditor, error) {
	result, err := r.Request(ctx, &Request{
		Path:   "api/v1/me",
		Scopes: []string{"identity"},
	})
	if err != nil {
		return nil, err
	}

	// The me endpoint answers with a bare object rather than a Thing.
	switch v := result.(type) {
	case *Redditor:
		return v, nil
	case map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, &pkgerrs.ClientError{Operation: "decode account", Err: err}
		}
		return newRedditor(r, raw)
	}
	return nil, &pkgerrs.ClientError{Operation: "fetch account", Message: "unexpected response shape"}
}

// Subreddit returns a lazy handle on a community by display name.
func (r *Reddit) Subreddit(name string) *Subreddit {
	return lazySubreddit(r, name)
}

// Redditor returns a lazy handle on an account by name, or nil for deleted
// authors.
func (r *Reddit) Redditor(name string) *Redditor {
	return lazyRedditor(r, name)
}

// RandomSubreddit fetches the community behind the r/random redirect.
func (r *Reddit) RandomSubreddit(ctx context.Context) (*Subreddit, error) {
	result, err := r.Request(ctx, &Request{
		Path:           "r/random",
		Scopes:         []string{"read"},
		FollowRedirect: true,
		CacheIgnore:    true,
	})
	if err != nil {
		return nil, err
	}
	if parts, ok := result.([]any); ok && len(parts) > 0 {
		result = parts[0]
	}
	if listing, ok := result.(*Listing); ok && len(listing.Children) > 0 {
		if sub, ok := listing.Children[0].(*Submission); ok && sub.Data.Subreddit != "" {
			return r.Subreddit(sub.Data.Subreddit), nil
		}
	}
	return nil, &pkgerrs.ClientError{Operation: "fetch random subreddit", Message: "unexpected response shape"}
}

// SubmissionByID fetches a submission and its comment forest by base36 id.
func (r *Reddit) SubmissionByID(ctx context.Context, id string) (*Submission, error) {
	if !types.IsValidBase36(id) {
		return nil, &pkgerrs.ClientError{Operation: "fetch submission", Message: "invalid submission id: " + id}
	}
	result, err := r.Request(ctx, &Request{
		Path:   "comments/" + id,
		Scopes: []string{"read"},
	})
	if err != nil {
		return nil, err
	}

	parts, ok := result.([]any)
	if !ok || len(parts) < 2 {
		return nil, &pkgerrs.ClientError{Operation: "fetch submission", Message: "expected a two-part response"}
	}
	subListing, ok := parts[0].(*Listing)
	if !ok || len(subListing.Children) == 0 {
		return nil, &pkgerrs.ClientError{Operation: "fetch submission", Message: "response contained no submission"}
	}
	sub, ok := subListing.Children[0].(*Submission)
	if !ok {
		return nil, &pkgerrs.ClientError{Operation: "fetch submission", Message: "response contained no submission"}
	}

	commentListing, _ := parts[1].(*Listing)
	sub.comments = newCommentForest(r, sub, commentListing)
	return sub, nil
}

// Hot returns a generator over the front-page hot listing.
func (r *Reddit) Hot(opts *ListingOptions) *ListingGenerator {
	return newListingGenerator(r, "hot", []string{"read"}, opts)
}

// New returns a generator over the front-page new listing.
func (r *Reddit) New(opts *ListingOptions) *ListingGenerator {
	return newListingGenerator(r, "new", []string{"read"}, opts)
}

// Inbox returns a generator over the account's message inbox.
func (r *Reddit) Inbox(opts *ListingOptions) *ListingGenerator {
	return newListingGenerator(r, "message/inbox", []string{"privatemessages"}, opts)
}

// SubmitOptions describe a new submission. Exactly one of SelfText and URL
// should be set.
type SubmitOptions struct {
	Subreddit string
	Title     string
	SelfText  string
	URL       string
	// Resubmit allows a link that was already submitted to the subreddit.
	Resubmit    bool
	SendReplies bool
}

// Submit creates a submission and returns a lazy handle on it. A duplicate
// link surfaces as an APIError with code ALREADY_SUBMITTED unless Resubmit
// is set.
func (r *Reddit) Submit(ctx context.Context, opts SubmitOptions) (*Submission, error) {
	if opts.Subreddit == "" || opts.Title == "" {
		return nil, &pkgerrs.ClientError{Operation: "submit", Message: "a subreddit and a title are required"}
	}

	form := url.Values{
		"sr":    {opts.Subreddit},
		"title": {opts.Title},
	}
	if opts.URL != "" {
		form.Set("kind", "link")
		form.Set("url", opts.URL)
	} else {
		form.Set("kind", "self")
		form.Set("text", opts.SelfText)
	}
	if opts.Resubmit {
		form.Set("resubmit", "true")
	}
	if opts.SendReplies {
		form.Set("sendreplies", "true")
	}

	result, err := r.Request(ctx, &Request{
		Path:   "api/submit",
		Form:   form,
		Scopes: []string{"submit"},
	})
	if err != nil {
		return nil, err
	}

	payload, ok := result.(map[string]any)
	if !ok {
		return nil, &pkgerrs.ClientError{Operation: "submit", Message: "unexpected response shape"}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &pkgerrs.ClientError{Operation: "submit", Err: err}
	}
	sub, err := newSubmission(r, raw)
	if err != nil {
		return nil, err
	}
	// The submit payload is only a stub (id, name, url); mark the entity
	// lazy so attribute access loads the full representation.
	sub.populated = false
	return sub, nil
}

// Comment posts a reply under a submission, comment, or message fullname.
func (r *Reddit) Comment(ctx context.Context, parentFullname, text string) (*Comment, error) {
	if !types.IsValidFullname(parentFullname) {
		return nil, &pkgerrs.ClientError{Operation: "comment", Message: "invalid parent fullname: " + parentFullname}
	}
	result, err := r.Request(ctx, &Request{
		Path:   "api/comment",
		Form:   url.Values{"thing_id": {parentFullname}, "text": {text}},
		Scopes: []string{"submit"},
	})
	if err != nil {
		return nil, err
	}

	if payload, ok := result.(map[string]any); ok {
		if things, ok := payload["things"].([]any); ok && len(things) > 0 {
			if c, ok := things[0].(*Comment); ok {
				return c, nil
			}
		}
	}
	return nil, &pkgerrs.ClientError{Operation: "comment", Message: "unexpected response shape"}
}

// FlairList fetches the user flair assignments of a subreddit.
func (r *Reddit) FlairList(ctx context.Context, subreddit string) (any, error) {
	if !types.IsValidSubreddit(subreddit) {
		return nil, &pkgerrs.ClientError{Operation: "list flair", Message: "invalid subreddit: " + subreddit}
	}
	return r.Request(ctx, &Request{
		Path:   "r/" + subreddit + "/api/flairlist",
		Scopes: []string{"modflair"},
		Raw:    true,
	})
}

// SetFlair assigns user flair in a subreddit and evicts the cached flair
// list so the next read observes the write.
func (r *Reddit) SetFlair(ctx context.Context, subreddit, user, text, cssClass string) error {
	if !types.IsValidSubreddit(subreddit) {
		return &pkgerrs.ClientError{Operation: "set flair", Message: "invalid subreddit: " + subreddit}
	}
	_, err := r.Request(ctx, &Request{
		Path: "r/" + subreddit + "/api/flair",
		Form: url.Values{
			"name":      {user},
			"text":      {text},
			"css_class": {cssClass},
		},
		Scopes: []string{"modflair"},
	})
	if err != nil {
		return err
	}

	if u, uerr := r.AbsoluteURL("r/"+subreddit+"/api/flairlist", nil); uerr == nil {
		r.EvictURLs(u)
	}
	return nil
}
