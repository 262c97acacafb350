package graw

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrs "github.com/grawkit/graw/pkg/errors"
)

type tokenFixture struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Err          string `json:"error,omitempty"`
}

// tokenServer serves the token endpoint, recording each request form and
// replying with the fixtures in order (the last one repeats).
func tokenServer(t *testing.T, fixtures ...tokenFixture) (*httptest.Server, *[]url.Values) {
	t.Helper()
	var forms []url.Values
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/"+tokenEndpointPath, r.URL.Path)
		require.NoError(t, r.ParseForm())
		forms = append(forms, r.PostForm)

		i := int(atomic.AddInt32(&calls, 1)) - 1
		if i >= len(fixtures) {
			i = len(fixtures) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(fixtures[i])
	}))
	t.Cleanup(server.Close)
	return server, &forms
}

func testAuthorizer(t *testing.T, server *httptest.Server, mutate func(*Config)) *Authorizer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ClientID = "cid"
	cfg.ClientSecret = "sec"
	cfg.UserAgent = "graw test agent"
	cfg.BaseURL = server.URL + "/"
	cfg.OAuthURL = server.URL + "/"
	if mutate != nil {
		mutate(cfg)
	}
	return newAuthorizer(cfg, server.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGrantModeSelection(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   GrantMode
	}{
		{"password", func(c *Config) { c.Username = "u"; c.Password = "p" }, GrantPassword},
		{"refresh", func(c *Config) { c.RefreshToken = "rt" }, GrantRefresh},
		{"client credentials", nil, GrantClientCredentials},
		{"installed client", func(c *Config) { c.ClientSecret = "" }, GrantInstalledClient},
		// Username and password outrank a refresh token.
		{"password wins", func(c *Config) { c.Username = "u"; c.Password = "p"; c.RefreshToken = "rt" }, GrantPassword},
	}

	server, _ := tokenServer(t, tokenFixture{AccessToken: "tok", ExpiresIn: 3600, Scope: "*"})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := testAuthorizer(t, server, tt.mutate)
			assert.Equal(t, tt.want, a.Mode())
		})
	}
}

func TestPasswordGrant(t *testing.T) {
	server, forms := tokenServer(t, tokenFixture{AccessToken: "tok-1", ExpiresIn: 3600, Scope: "*"})
	a := testAuthorizer(t, server, func(c *Config) {
		c.Username = "spez"
		c.Password = "hunter2"
	})

	tok, err := a.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, "bearer_tok-1", a.BearerID())
	assert.True(t, a.IsOAuth())
	assert.True(t, a.HasUserContext())

	require.Len(t, *forms, 1)
	form := (*forms)[0]
	assert.Equal(t, "password", form.Get("grant_type"))
	assert.Equal(t, "spez", form.Get("username"))
	assert.Equal(t, "hunter2", form.Get("password"))

	// A fresh token is reused without another round trip.
	tok, err = a.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Len(t, *forms, 1)

	// The "*" scope grant covers everything.
	assert.NoError(t, a.ValidateScopes([]string{"identity", "modflair"}))
}

func TestScopeGate(t *testing.T) {
	server, _ := tokenServer(t, tokenFixture{AccessToken: "tok", ExpiresIn: 3600, Scope: "read identity"})
	a := testAuthorizer(t, server, nil)

	_, err := a.Token(context.Background())
	require.NoError(t, err)

	assert.NoError(t, a.ValidateScopes([]string{"read"}))
	assert.NoError(t, a.ValidateScopes([]string{"read", "identity"}))

	err = a.ValidateScopes([]string{"submit"})
	var se *pkgerrs.ScopeRequiredError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "submit", se.Scope)
}

func TestInstalledClientGrant(t *testing.T) {
	server, forms := tokenServer(t, tokenFixture{AccessToken: "tok", ExpiresIn: 3600})
	a := testAuthorizer(t, server, func(c *Config) { c.ClientSecret = "" })

	require.Equal(t, GrantInstalledClient, a.Mode())
	assert.False(t, a.HasUserContext())

	_, err := a.Token(context.Background())
	require.NoError(t, err)

	form := (*forms)[0]
	assert.Equal(t, grantInstalledClient, form.Get("grant_type"))
	assert.Equal(t, defaultDeviceID, form.Get("device_id"))
}

func TestRefreshGrantWithFileManager(t *testing.T) {
	server, forms := tokenServer(t, tokenFixture{
		AccessToken:  "tok",
		ExpiresIn:    3600,
		Scope:        "*",
		RefreshToken: "rotated-rt",
	})
	a := testAuthorizer(t, server, func(c *Config) { c.RefreshToken = "config-rt" })

	path := filepath.Join(t.TempDir(), "refresh_token")
	require.NoError(t, os.WriteFile(path, []byte("stored-rt\n"), 0o600))
	require.NoError(t, a.SetTokenManager(NewFileTokenManager(path)))

	require.NoError(t, a.Refresh(context.Background()))

	// The manager's stored token wins over the configured one, and the
	// rotated replacement is persisted.
	form := (*forms)[0]
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "stored-rt", form.Get("refresh_token"))

	assert.Equal(t, "rotated-rt", a.RefreshTokenValue())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "rotated-rt\n", string(data))
}

func TestConcurrentRefreshSharesRoundTrip(t *testing.T) {
	gate := make(chan struct{})
	arrived := make(chan struct{}, 1)
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n > 1 {
			arrived <- struct{}{}
			<-gate
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenFixture{
			AccessToken: fmt.Sprintf("tok-%d", n),
			ExpiresIn:   3600,
			Scope:       "*",
		})
	}))
	defer server.Close()

	a := testAuthorizer(t, server, func(c *Config) { c.Username = "u"; c.Password = "p" })
	tok, err := a.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	// Expire the bearer so both callers see it as stale.
	a.mu.Lock()
	a.expires = time.Now().Add(-time.Minute)
	a.mu.Unlock()

	first := make(chan error, 1)
	go func() { first <- a.Refresh(context.Background()) }()
	<-arrived

	// The second caller snapshots the stale bearer while the first is still
	// mid-flight, then queues behind it.
	second := make(chan error, 1)
	go func() { second <- a.Refresh(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	close(gate)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	tok, err = a.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestSecondTokenManagerRejected(t *testing.T) {
	server, _ := tokenServer(t, tokenFixture{AccessToken: "tok", ExpiresIn: 3600})
	a := testAuthorizer(t, server, func(c *Config) { c.RefreshToken = "rt" })

	dir := t.TempDir()
	require.NoError(t, a.SetTokenManager(NewFileTokenManager(filepath.Join(dir, "a"))))
	err := a.SetTokenManager(NewFileTokenManager(filepath.Join(dir, "b")))
	var ce *pkgerrs.ClientError
	require.ErrorAs(t, err, &ce)
}

func TestInvalidGrantSurfaces(t *testing.T) {
	server, _ := tokenServer(t, tokenFixture{Err: "invalid_grant"})
	a := testAuthorizer(t, server, func(c *Config) { c.RefreshToken = "revoked" })

	_, err := a.Token(context.Background())
	require.Error(t, err)
	assert.True(t, pkgerrs.IsInvalidGrant(err))
}

func TestAuthorizeURL(t *testing.T) {
	server, _ := tokenServer(t)
	a := testAuthorizer(t, server, func(c *Config) {
		c.RedirectURI = "https://example.com/callback"
	})

	raw, err := a.AuthorizeURL("state123", []string{"identity", "read"}, true)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/"+authorizeEndpointPath, u.Path)

	q := u.Query()
	assert.Equal(t, "cid", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "https://example.com/callback", q.Get("redirect_uri"))
	assert.Equal(t, "permanent", q.Get("duration"))
	assert.Equal(t, "identity read", q.Get("scope"))
	assert.Equal(t, "state123", q.Get("state"))

	raw, err = a.AuthorizeURL("s", nil, false)
	require.NoError(t, err)
	u, _ = url.Parse(raw)
	assert.Equal(t, "temporary", u.Query().Get("duration"))
}

func TestAuthorizeURLRequiresRedirectURI(t *testing.T) {
	server, _ := tokenServer(t)
	a := testAuthorizer(t, server, nil)

	_, err := a.AuthorizeURL("s", nil, false)
	var ae *pkgerrs.AppRequiredError
	require.ErrorAs(t, err, &ae)
}

func TestExchangeCode(t *testing.T) {
	server, forms := tokenServer(t, tokenFixture{
		AccessToken:  "tok",
		ExpiresIn:    3600,
		Scope:        "identity",
		RefreshToken: "issued-rt",
	})
	a := testAuthorizer(t, server, func(c *Config) {
		c.ClientSecret = ""
		c.RedirectURI = "https://example.com/callback"
	})

	require.NoError(t, a.ExchangeCode(context.Background(), "the-code"))

	form := (*forms)[0]
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, "https://example.com/callback", form.Get("redirect_uri"))

	// A permanent grant switches future renewals to the refresh grant.
	assert.Equal(t, GrantRefresh, a.Mode())
	assert.Equal(t, "issued-rt", a.RefreshTokenValue())
}
