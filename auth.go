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
)

const (
	tokenEndpointPath     = "api/v1/access_token"
	authorizeEndpointPath = "api/v1/authorize"

	// grantInstalledClient is the extension grant for secret-less installed
	// apps.
	grantInstalledClient = "https://oauth.reddit.com/grants/installed_client"

	// defaultDeviceID is sent for the installed-client grant when the caller
	// supplies none. The server accepts this opt-out literal.
	defaultDeviceID = "DO_NOT_TRACK_THIS_DEVICE"

	// refreshMargin triggers preemptive renewal when the remaining bearer
	// TTL drops under it.
	refreshMargin = 30 * time.Second
)

// GrantMode names the OAuth2 grant a session authorizes with.
type GrantMode int

const (
	// GrantNone means no credentials are configured.
	GrantNone GrantMode = iota
	// GrantPassword is the resource-owner (script app) grant.
	GrantPassword
	// GrantRefresh renews bearers from a stored refresh token.
	GrantRefresh
	// GrantClientCredentials is the app-only grant for apps with a secret.
	GrantClientCredentials
	// GrantInstalledClient is the implicit app-only grant for secret-less
	// installed apps.
	GrantInstalledClient
)

func (m GrantMode) String() string {
	switch m {
	case GrantPassword:
		return "password"
	case GrantRefresh:
		return "refresh"
	case GrantClientCredentials:
		return "client_credentials"
	case GrantInstalledClient:
		return "installed_client"
	default:
		return "none"
	}
}

// Authorizer implements the OAuth2 grant state machine: it produces bearer
// tokens for the pipeline, renews them on expiry or rejection, and drives
// the token-manager callbacks around refreshes.
type Authorizer struct {
	cfg      *Config
	client   *http.Client
	log      *slog.Logger
	mode     GrantMode
	deviceID string

	// refreshMu serializes token acquisition so concurrent callers trigger
	// at most one round trip.
	refreshMu sync.Mutex

	// mu guards the authorization state below.
	mu           sync.Mutex
	accessToken  string
	expires      time.Time
	scopes       map[string]struct{} // nil means all scopes
	refreshToken string
	manager      TokenManager
}

// newAuthorizer selects the grant mode from the configured credentials:
// username+password wins, then a refresh token, then app-only (with or
// without a secret).
func newAuthorizer(cfg *Config, client *http.Client, log *slog.Logger) *Authorizer {
	mode := GrantInstalledClient
	switch {
	case cfg.Username != "" && cfg.Password != "":
		mode = GrantPassword
	case cfg.RefreshToken != "":
		mode = GrantRefresh
	case cfg.ClientSecret != "":
		mode = GrantClientCredentials
	}

	return &Authorizer{
		cfg:          cfg,
		client:       client,
		log:          log,
		mode:         mode,
		deviceID:     defaultDeviceID,
		refreshToken: cfg.RefreshToken,
	}
}

// Mode returns the active grant mode.
func (a *Authorizer) Mode() GrantMode {
	return a.mode
}

// HasUserContext reports whether the grant carries a user identity.
func (a *Authorizer) HasUserContext() bool {
	return a.mode == GrantPassword || a.mode == GrantRefresh
}

// SetTokenManager binds a token manager. Binding a second manager fails.
func (a *Authorizer) SetTokenManager(tm TokenManager) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.manager != nil {
		return &pkgerrs.ClientError{Operation: "bind token manager", Message: "a token manager is already bound"}
	}
	a.manager = tm
	return nil
}

// SetRefreshToken replaces the stored refresh token. Token managers call
// this from PreRefresh.
func (a *Authorizer) SetRefreshToken(token string) {
	a.mu.Lock()
	a.refreshToken = token
	a.mu.Unlock()
}

// RefreshTokenValue returns the current refresh token. Token managers call
// this from PostRefresh.
func (a *Authorizer) RefreshTokenValue() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshToken
}

// Token returns a bearer valid at dispatch time, renewing preemptively when
// the remaining TTL is under the refresh margin.
func (a *Authorizer) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	token, fresh := a.accessToken, time.Until(a.expires) > refreshMargin
	a.mu.Unlock()
	if token != "" && fresh {
		return token, nil
	}

	if err := a.Refresh(ctx); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accessToken, nil
}

// BearerID identifies the current bearer for pacing and cache keys.
func (a *Authorizer) BearerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.accessToken == "" {
		return internal.UnauthBearer
	}
	return "bearer_" + a.accessToken
}

// IsOAuth reports whether requests should target the OAuth host. All grant
// modes of this authorizer are OAuth2 grants.
func (a *Authorizer) IsOAuth() bool {
	return a.mode != GrantNone
}

// ValidateScopes checks the current scope set covers every required scope.
// A nil set is the "all scopes" sentinel. No request is made.
func (a *Authorizer) ValidateScopes(scopes []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scopes == nil {
		return nil
	}
	for _, s := range scopes {
		if _, ok := a.scopes[s]; !ok {
			return &pkgerrs.ScopeRequiredError{Scope: s}
		}
	}
	return nil
}

// Refresh acquires a new bearer via the active grant. For the refresh
// grant, the token manager's PreRefresh runs first and PostRefresh after a
// successful exchange.
func (a *Authorizer) Refresh(ctx context.Context) error {
	a.mu.Lock()
	stale := a.accessToken
	a.mu.Unlock()

	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	// A caller that waited on the lock behind another refresh finds a new
	// bearer already in place; a second round trip would waste it.
	a.mu.Lock()
	current, fresh := a.accessToken, time.Until(a.expires) > refreshMargin
	a.mu.Unlock()
	if current != "" && current != stale && fresh {
		return nil
	}

	if a.cfg.ClientID == "" {
		return &pkgerrs.AppRequiredError{Message: "client_id is not configured"}
	}

	form := url.Values{}
	switch a.mode {
	case GrantPassword:
		form.Set("grant_type", "password")
		form.Set("username", a.cfg.Username)
		form.Set("password", a.cfg.Password)
	case GrantRefresh:
		a.mu.Lock()
		manager := a.manager
		a.mu.Unlock()
		if manager != nil {
			if err := manager.PreRefresh(a); err != nil {
				return err
			}
		}
		token := a.RefreshTokenValue()
		if token == "" {
			return &pkgerrs.OAuthError{Code: "invalid_grant", Message: "no refresh token available"}
		}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", token)
	case GrantClientCredentials:
		form.Set("grant_type", "client_credentials")
	case GrantInstalledClient:
		form.Set("grant_type", grantInstalledClient)
		form.Set("device_id", a.deviceID)
	default:
		return &pkgerrs.AppRequiredError{Message: "no grant credentials configured"}
	}

	tok, err := a.requestToken(ctx, form)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.accessToken = tok.AccessToken
	a.expires = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	a.scopes = parseScopes(tok.Scope)
	newRefresh := tok.RefreshToken != ""
	if newRefresh {
		a.refreshToken = tok.RefreshToken
	}
	manager := a.manager
	a.mu.Unlock()

	a.log.Debug("authorized", "mode", a.mode.String(), "expires_in", tok.ExpiresIn)

	if a.mode == GrantRefresh && manager != nil {
		if err := manager.PostRefresh(a); err != nil {
			return err
		}
	}
	return nil
}

// ExchangeCode trades an authorization code from the redirect callback for
// tokens. When the server issues a refresh token the authorizer switches to
// the refresh grant for subsequent renewals.
func (a *Authorizer) ExchangeCode(ctx context.Context, code string) error {
	if a.cfg.ClientID == "" || a.cfg.RedirectURI == "" {
		return &pkgerrs.AppRequiredError{Message: "client_id and redirect_uri are required for code exchange"}
	}

	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", a.cfg.RedirectURI)

	tok, err := a.requestToken(ctx, form)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.accessToken = tok.AccessToken
	a.expires = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	a.scopes = parseScopes(tok.Scope)
	if tok.RefreshToken != "" {
		a.refreshToken = tok.RefreshToken
		a.mode = GrantRefresh
	}
	a.mu.Unlock()
	return nil
}

// AuthorizeURL builds the URL a user visits to grant access. Scopes are
// space-joined; state is echoed back on the redirect; permanent requests a
// refresh token.
func (a *Authorizer) AuthorizeURL(state string, scopes []string, permanent bool) (string, error) {
	if a.cfg.ClientID == "" || a.cfg.RedirectURI == "" {
		return "", &pkgerrs.AppRequiredError{Message: "client_id and redirect_uri are required for an authorize URL"}
	}

	base, err := url.Parse(a.cfg.redditBase())
	if err != nil {
		return "", &pkgerrs.ClientError{Operation: "parse base URL", Err: err}
	}
	u, err := base.Parse(authorizeEndpointPath)
	if err != nil {
		return "", &pkgerrs.ClientError{Operation: "build authorize URL", Err: err}
	}

	duration := "temporary"
	if permanent {
		duration = "permanent"
	}
	q := url.Values{}
	q.Set("client_id", a.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", a.cfg.RedirectURI)
	q.Set("duration", duration)
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token"`
	Error        string `json:"error"`
}

// requestToken POSTs the form to the token endpoint with basic auth
// (client_id, client_secret) and decodes the result. Server-reported errors
// such as invalid_grant surface as OAuthError.
func (a *Authorizer) requestToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	base, err := url.Parse(a.cfg.redditBase())
	if err != nil {
		return nil, &pkgerrs.ClientError{Operation: "parse base URL", Err: err}
	}
	tokenURL, err := base.Parse(tokenEndpointPath)
	if err != nil {
		return nil, &pkgerrs.ClientError{Operation: "build token URL", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &pkgerrs.OAuthError{URL: tokenURL.String(), Err: err}
	}
	req.SetBasicAuth(a.cfg.ClientID, a.cfg.ClientSecret)
	req.Header.Set("User-Agent", a.cfg.UserAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &pkgerrs.OAuthError{URL: tokenURL.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &pkgerrs.OAuthError{URL: tokenURL.String(), Err: err}
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, &pkgerrs.OAuthError{
			URL:     tokenURL.String(),
			Message: string(body),
			Err:     err,
		}
	}
	if tok.Error != "" {
		return nil, &pkgerrs.OAuthError{Code: tok.Error, URL: tokenURL.String()}
	}
	if resp.StatusCode != http.StatusOK || tok.AccessToken == "" {
		return nil, &pkgerrs.OAuthError{
			URL:     tokenURL.String(),
			Message: string(body),
			Err:     &pkgerrs.HTTPError{StatusCode: resp.StatusCode, URL: tokenURL.String()},
		}
	}
	return &tok, nil
}

// parseScopes turns a space-joined scope string into a set; "*" or an empty
// string means all scopes (nil set).
func parseScopes(scope string) map[string]struct{} {
	scope = strings.TrimSpace(scope)
	if scope == "" || scope == "*" {
		return nil
	}
	set := make(map[string]struct{})
	for _, s := range strings.Fields(scope) {
		set[s] = struct{}{}
	}
	return set
}
