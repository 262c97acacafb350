// Package errors defines the error types surfaced by the Reddit client.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// NotModified is returned when the API reports a body of {"error": 304},
// meaning the requested resource has not changed since the last fetch.
var NotModified = errors.New("not modified")

// Well-known API error codes returned in the "errors" list of a JSON
// envelope. Unknown codes still surface as *APIError; these constants exist
// so callers can match without retyping the wire strings.
const (
	CodeAlreadyModerator   = "ALREADY_MODERATOR"
	CodeAlreadySubmitted   = "ALREADY_SUBMITTED"
	CodeBadCaptcha         = "BAD_CAPTCHA"
	CodeBadCSS             = "BAD_CSS"
	CodeForbidden          = "FORBIDDEN"
	CodeInvalidFlairTarget = "INVALID_FLAIR_TARGET"
	CodeInvalidInvite      = "INVALID_INVITE"
	CodeInvalidUser        = "INVALID_USER"
	CodeNotFound           = "NOT_FOUND"
	CodeRateLimit          = "RATELIMIT"
	CodeSubredditExists    = "SUBREDDIT_EXISTS"
)

// ConfigError indicates a problem with the client configuration.
type ConfigError struct {
	// Field contains the name of the configuration field that caused the error
	Field string
	// Message contains the detailed error message
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// ConfigMissingError indicates a setting was consumed before it was resolved,
// such as building a short link on a site with no short domain configured.
type ConfigMissingError struct {
	Key string
}

func (e *ConfigMissingError) Error() string {
	return fmt.Sprintf("config setting %q is not set", e.Key)
}

// ClientError indicates bad input or misuse detected before any request was
// dispatched.
type ClientError struct {
	// Operation describes what the client was trying to do
	Operation string
	// Message contains the detailed error message
	Message string
	// Err contains the underlying error if available
	Err error
}

func (e *ClientError) Error() string {
	if e.Err != nil && e.Operation == "" && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("client error: %v", e.Err)
	}
	if e.Operation != "" && e.Message != "" {
		return fmt.Sprintf("client error during %s: %s", e.Operation, e.Message)
	}
	if e.Operation != "" {
		return fmt.Sprintf("client error during %s", e.Operation)
	}
	if e.Message != "" {
		return fmt.Sprintf("client error: %s", e.Message)
	}
	return "client error"
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// OAuthError represents a failure reported by the OAuth token or authorize
// endpoints, or an unrecoverable 401 from the API host.
type OAuthError struct {
	// Code is the error string from the server, e.g. "invalid_grant" or
	// "invalid_token". May be empty for transport-level failures.
	Code string
	// URL is the endpoint that produced the error.
	URL string
	// Message contains the detailed error message
	Message string
	// Err contains the underlying error if available
	Err error
}

func (e *OAuthError) Error() string {
	var parts []string
	parts = append(parts, "oauth error")
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code %s", e.Code))
	}
	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("url %s", e.URL))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, fmt.Sprintf("err: %v", e.Err))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + ": " + strings.Join(parts[1:], ", ")
}

func (e *OAuthError) Unwrap() error {
	return e.Err
}

// IsInvalidGrant reports whether err is an OAuthError carrying the
// "invalid_grant" code (revoked or malformed refresh token / code).
func IsInvalidGrant(err error) bool {
	var oe *OAuthError
	return errors.As(err, &oe) && oe.Code == "invalid_grant"
}

// IsInvalidToken reports whether err is an OAuthError carrying the
// "invalid_token" code (expired or revoked bearer).
func IsInvalidToken(err error) bool {
	var oe *OAuthError
	return errors.As(err, &oe) && oe.Code == "invalid_token"
}

// AppRequiredError indicates an OAuth-only operation was attempted without a
// configured OAuth application (client id and, where needed, redirect URI).
type AppRequiredError struct {
	Message string
}

func (e *AppRequiredError) Error() string {
	if e.Message == "" {
		return "an OAuth app is required for this operation"
	}
	return "an OAuth app is required: " + e.Message
}

// ScopeRequiredError indicates the current authorization lacks a scope the
// request declared. The request is rejected before contacting the server.
type ScopeRequiredError struct {
	// Scope is the first missing scope.
	Scope string
	// URL is the endpoint the request targeted, when known.
	URL string
}

func (e *ScopeRequiredError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("missing OAuth scope %q for %s", e.Scope, e.URL)
	}
	return fmt.Sprintf("missing OAuth scope %q", e.Scope)
}

// HTTPError wraps a transport-level failure with the status code and raw
// response body for programmatic recovery.
type HTTPError struct {
	StatusCode int
	URL        string
	// Body contains the raw response body from the server, which may hold more details.
	Body string
	// Err is the underlying error that occurred, e.g., a network or JSON parsing error.
	Err error
}

func (e *HTTPError) Error() string {
	var sb strings.Builder
	sb.WriteString("http error")
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, ": status code %d", e.StatusCode)
	}
	if e.URL != "" {
		fmt.Fprintf(&sb, ", url: %s", e.URL)
	}
	if e.Body != "" {
		fmt.Fprintf(&sb, ", body: %q", e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ", err: %v", e.Err)
	}
	return sb.String()
}

func (e *HTTPError) Unwrap() error { return e.Err }

// RedirectError is raised when the server answers 302 for a path whose
// semantics are not redirect-based. Both URLs are carried for context.
type RedirectError struct {
	From string
	To   string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("unexpected redirect from %s to %s", e.From, e.To)
}

// InvalidSubredditError is raised when a 302 points at the reddits/search
// page the server uses to indicate a missing subreddit.
type InvalidSubredditError struct {
	URL string
}

func (e *InvalidSubredditError) Error() string {
	return fmt.Sprintf("subreddit does not exist: %s", e.URL)
}

// APIError is a single entry decoded from the "errors" list of a JSON
// envelope, keyed by its error-type code.
type APIError struct {
	// Code is the error type string, e.g. "RATELIMIT" or "ALREADY_SUBMITTED".
	Code string
	// Message is the human-readable error text from the server.
	Message string
	// Field names the form field at fault, when the server reports one.
	Field string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("reddit API error %s on field %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("reddit API error %s: %s", e.Code, e.Message)
}

// IsAPICode reports whether err is (or wraps) an APIError with the given
// code, searching ErrorList aggregates as well.
func IsAPICode(err error, code string) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	var list ErrorList
	if errors.As(err, &list) {
		for _, e := range list {
			if e.Code == code {
				return true
			}
		}
	}
	return false
}

// ErrorList aggregates multiple API errors from a single response. Responses
// with exactly one error entry raise the *APIError directly instead.
type ErrorList []*APIError

func (l ErrorList) Error() string {
	parts := make([]string, 0, len(l))
	for i, e := range l {
		parts = append(parts, fmt.Sprintf("(%d) %s", i+1, e.Error()))
	}
	return strings.Join(parts, ", ")
}

// AttributeError indicates an entity attribute was requested that the server
// does not supply even after the entity was fully populated.
type AttributeError struct {
	// Name is the attribute that was requested.
	Name string
	// Fullname identifies the entity, when known.
	Fullname string
}

func (e *AttributeError) Error() string {
	if e.Fullname != "" {
		return fmt.Sprintf("%s has no attribute %q", e.Fullname, e.Name)
	}
	return fmt.Sprintf("no attribute %q", e.Name)
}
