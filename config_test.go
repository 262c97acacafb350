package graw

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrs "github.com/grawkit/graw/pkg/errors"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultOAuthURL, cfg.OAuthURL)
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, DefaultShortURL, cfg.ShortURL)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultAPIRequestDelay, cfg.APIRequestDelay)
	assert.Equal(t, DefaultCacheTTL, cfg.CacheTTL)
	assert.True(t, cfg.RetryOnError)
	assert.Equal(t, "comment", cfg.Kinds["t1"])
	assert.Equal(t, "subreddit", cfg.Kinds["t5"])
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("praw_client_id", "env-cid")
	t.Setenv("praw_user_agent", "env agent")
	t.Setenv("praw_api_request_delay", "5")
	t.Setenv("praw_retry_on_error", "false")
	t.Setenv("praw_decode_html_entities", "true")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "env-cid", cfg.ClientID)
	assert.Equal(t, "env agent", cfg.UserAgent)
	assert.Equal(t, 5*time.Second, cfg.APIRequestDelay)
	assert.False(t, cfg.RetryOnError)
	assert.True(t, cfg.DecodeHTMLEntities)

	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultOAuthURL, cfg.OAuthURL)
}

func TestLoadConfigFractionalSeconds(t *testing.T) {
	t.Setenv("praw_cache_timeout", "0.5")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.CacheTTL)
}

func TestLoadConfigBadDuration(t *testing.T) {
	t.Setenv("praw_timeout", "soon")
	_, err := LoadConfig("")
	var ce *pkgerrs.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestLoadConfigBadBool(t *testing.T) {
	t.Setenv("praw_retry_on_error", "maybe")
	_, err := LoadConfig("")
	var ce *pkgerrs.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestShortDomain(t *testing.T) {
	cfg := DefaultConfig()
	domain, err := cfg.ShortDomain()
	require.NoError(t, err)
	assert.Equal(t, "redd.it", domain)

	cfg.ShortURL = ""
	_, err = cfg.ShortDomain()
	var me *pkgerrs.ConfigMissingError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "short_url", me.Key)
}
