package graw

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"

	pkgerrs "github.com/grawkit/graw/pkg/errors"
)

const (
	// DefaultOAuthURL is the host for authenticated API paths.
	DefaultOAuthURL = "https://oauth.reddit.com/"
	// DefaultBaseURL is the host for unauthenticated paths and the OAuth
	// token endpoints.
	DefaultBaseURL = "https://www.reddit.com/"
	// DefaultShortURL is the short-link domain.
	DefaultShortURL = "https://redd.it/"
	// DefaultTimeout is the default per-request timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultAPIRequestDelay is the floor between consecutive dispatches for
	// one bearer.
	DefaultAPIRequestDelay = 2 * time.Second
	// DefaultCacheTTL is the freshness window for cached safe responses.
	DefaultCacheTTL = 30 * time.Second

	configFileName = "praw.ini"
	envPrefix      = "praw_"
)

// Config is the resolved, immutable settings record a session is built from.
// Construct one by hand for explicit control, or through LoadConfig to layer
// environment variables and INI site sections under your overrides.
type Config struct {
	// ClientID and ClientSecret identify the OAuth application. ClientID is
	// required; installed apps have no secret.
	ClientID     string
	ClientSecret string

	// Username and Password select the script-app (resource owner) grant.
	Username string
	Password string

	// RefreshToken selects the refresh grant when set.
	RefreshToken string

	// RedirectURI is required for authorize-URL construction and code
	// exchange.
	RedirectURI string

	// UserAgent identifies the application to the server. Required; an
	// empty value fails session construction.
	UserAgent string

	// Endpoint bases. Zero values take the package defaults.
	OAuthURL string
	BaseURL  string
	ShortURL string

	// HTTPProxy and HTTPSProxy override the transport proxies when set.
	HTTPProxy  string
	HTTPSProxy string

	// APIRequestDelay is the minimum spacing between dispatches per bearer.
	APIRequestDelay time.Duration
	// CacheTTL bounds the age of cached responses served to this session.
	CacheTTL time.Duration
	// Timeout is the default per-request timeout. Zero or negative means no
	// timeout.
	Timeout time.Duration

	// RetryOnError enables the transient-error retry budget.
	RetryOnError bool
	// CheckForUpdates is carried for configuration compatibility; the core
	// performs no update check.
	CheckForUpdates bool
	// DecodeHTMLEntities unescapes HTML entities in decoded string fields.
	DecodeHTMLEntities bool
	// StoreJSONResult keeps the raw decoded JSON on returned entities.
	StoreJSONResult bool

	// Kinds maps the server's kind tags to entity names used by the object
	// registry. Nil takes DefaultKinds.
	Kinds map[string]string

	// HTTPClient, when set, replaces the transport built from the proxy and
	// timeout settings.
	HTTPClient *http.Client

	// Handler overrides the shared dispatch handler (cache plus rate
	// limiter). Nil selects the process-wide default.
	Handler Handler

	// Logger receives structured diagnostics. Nil means silent.
	Logger *slog.Logger
}

// DefaultKinds returns the default kind-tag to entity-name map.
func DefaultKinds() map[string]string {
	return map[string]string{
		"t1": "comment",
		"t2": "redditor",
		"t3": "submission",
		"t4": "message",
		"t5": "subreddit",
	}
}

// DefaultConfig returns a Config holding the package defaults; credentials
// remain unset.
func DefaultConfig() *Config {
	return &Config{
		OAuthURL:        DefaultOAuthURL,
		BaseURL:         DefaultBaseURL,
		ShortURL:        DefaultShortURL,
		APIRequestDelay: DefaultAPIRequestDelay,
		CacheTTL:        DefaultCacheTTL,
		Timeout:         DefaultTimeout,
		RetryOnError:    true,
		Kinds:           DefaultKinds(),
	}
}

// settings is the string form of the layered keys shared by the environment
// and INI sources.
type settings struct {
	ClientID        string `env:"client_id" ini:"client_id"`
	ClientSecret    string `env:"client_secret" ini:"client_secret"`
	Username        string `env:"username" ini:"username"`
	Password        string `env:"password" ini:"password"`
	RefreshToken    string `env:"refresh_token" ini:"refresh_token"`
	RedirectURI     string `env:"redirect_uri" ini:"redirect_uri"`
	UserAgent       string `env:"user_agent" ini:"user_agent"`
	OAuthURL        string `env:"oauth_url" ini:"oauth_url"`
	BaseURL         string `env:"reddit_url" ini:"reddit_url"`
	ShortURL        string `env:"short_url" ini:"short_url"`
	HTTPProxy       string `env:"http_proxy" ini:"http_proxy"`
	HTTPSProxy      string `env:"https_proxy" ini:"https_proxy"`
	APIRequestDelay string `env:"api_request_delay" ini:"api_request_delay"`
	CacheTTL        string `env:"cache_timeout" ini:"cache_timeout"`
	Timeout         string `env:"timeout" ini:"timeout"`
	RetryOnError    string `env:"retry_on_error" ini:"retry_on_error"`
	CheckForUpdates string `env:"check_for_updates" ini:"check_for_updates"`
	DecodeEntities  string `env:"decode_html_entities" ini:"decode_html_entities"`
	StoreJSONResult string `env:"store_json_result" ini:"store_json_result"`
}

// LoadConfig resolves a Config for the named INI site with priority:
// environment variables (praw_ prefix) over INI section values over package
// defaults. Mutate the returned Config before session construction for the
// final, highest-priority layer. A .env file in the working directory is
// loaded first when present.
func LoadConfig(site string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	var iniVals settings
	if err := loadINI(site, &iniVals); err != nil {
		return nil, err
	}
	if err := applySettings(cfg, &iniVals); err != nil {
		return nil, err
	}

	var envVals settings
	if err := env.ParseWithOptions(&envVals, env.Options{Prefix: envPrefix}); err != nil {
		return nil, &pkgerrs.ConfigError{Message: fmt.Sprintf("environment: %v", err)}
	}
	if err := applySettings(cfg, &envVals); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadINI merges the named section from the praw.ini search path: the
// platform config directory, then the home directory, then the working
// directory, later files overriding earlier ones.
func loadINI(site string, out *settings) error {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, configFileName))
	}
	if dir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(dir, configFileName))
	}
	paths = append(paths, configFileName)

	sources := make([]any, 0, len(paths)-1)
	for _, p := range paths[1:] {
		sources = append(sources, p)
	}
	file, err := ini.LooseLoad(paths[0], sources...)
	if err != nil {
		return &pkgerrs.ConfigError{Message: fmt.Sprintf("ini: %v", err)}
	}

	if site == "" {
		site = ini.DefaultSection
	}
	section := file.Section(site)
	if err := section.MapTo(out); err != nil {
		return &pkgerrs.ConfigError{Message: fmt.Sprintf("ini section %q: %v", site, err)}
	}
	return nil
}

// applySettings copies non-empty string settings onto cfg, parsing the
// numeric and boolean keys.
func applySettings(cfg *Config, s *settings) error {
	setString(&cfg.ClientID, s.ClientID)
	setString(&cfg.ClientSecret, s.ClientSecret)
	setString(&cfg.Username, s.Username)
	setString(&cfg.Password, s.Password)
	setString(&cfg.RefreshToken, s.RefreshToken)
	setString(&cfg.RedirectURI, s.RedirectURI)
	setString(&cfg.UserAgent, s.UserAgent)
	setString(&cfg.OAuthURL, s.OAuthURL)
	setString(&cfg.BaseURL, s.BaseURL)
	setString(&cfg.ShortURL, s.ShortURL)
	setString(&cfg.HTTPProxy, s.HTTPProxy)
	setString(&cfg.HTTPSProxy, s.HTTPSProxy)

	if err := setSeconds(&cfg.APIRequestDelay, "api_request_delay", s.APIRequestDelay); err != nil {
		return err
	}
	if err := setSeconds(&cfg.CacheTTL, "cache_timeout", s.CacheTTL); err != nil {
		return err
	}
	if err := setSeconds(&cfg.Timeout, "timeout", s.Timeout); err != nil {
		return err
	}
	if err := setBool(&cfg.RetryOnError, "retry_on_error", s.RetryOnError); err != nil {
		return err
	}
	if err := setBool(&cfg.CheckForUpdates, "check_for_updates", s.CheckForUpdates); err != nil {
		return err
	}
	if err := setBool(&cfg.DecodeHTMLEntities, "decode_html_entities", s.DecodeEntities); err != nil {
		return err
	}
	if err := setBool(&cfg.StoreJSONResult, "store_json_result", s.StoreJSONResult); err != nil {
		return err
	}
	return nil
}

func setString(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}

func setSeconds(dst *time.Duration, key, val string) error {
	if val == "" {
		return nil
	}
	seconds, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return &pkgerrs.ConfigError{Field: key, Message: fmt.Sprintf("not a number: %q", val)}
	}
	*dst = time.Duration(seconds * float64(time.Second))
	return nil
}

func setBool(dst *bool, key, val string) error {
	if val == "" {
		return nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return &pkgerrs.ConfigError{Field: key, Message: fmt.Sprintf("not a boolean: %q", val)}
	}
	*dst = b
	return nil
}

// ShortDomain returns the short-link host. It fails with a ConfigMissing
// error only when consumed while unset.
func (c *Config) ShortDomain() (string, error) {
	if c.ShortURL == "" {
		return "", &pkgerrs.ConfigMissingError{Key: "short_url"}
	}
	u, err := url.Parse(c.ShortURL)
	if err != nil || u.Host == "" {
		return "", &pkgerrs.ConfigMissingError{Key: "short_url"}
	}
	return u.Host, nil
}

// oauthBase and redditBase return the configured endpoint bases with
// defaults applied.
func (c *Config) oauthBase() string {
	if c.OAuthURL == "" {
		return DefaultOAuthURL
	}
	return c.OAuthURL
}

func (c *Config) redditBase() string {
	if c.BaseURL == "" {
		return DefaultBaseURL
	}
	return c.BaseURL
}

func (c *Config) kinds() map[string]string {
	if c.Kinds == nil {
		return DefaultKinds()
	}
	return c.Kinds
}
