package graw

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	pkgerrs "github.com/grawkit/graw/pkg/errors"
)

// TokenManager owns the persistent representation of a refresh token. The
// Authorizer calls PreRefresh before requesting new tokens, so the manager
// may supply the stored token, and PostRefresh after a successful refresh,
// so the manager may persist the replacement the server issued.
//
// At most one manager may be bound to a session.
type TokenManager interface {
	PreRefresh(auth *Authorizer) error
	PostRefresh(auth *Authorizer) error
}

// FileTokenManager stores a single refresh token in a file. Writes replace
// the file atomically via a temporary file and rename.
type FileTokenManager struct {
	path string
}

// NewFileTokenManager returns a manager persisting to path.
func NewFileTokenManager(path string) *FileTokenManager {
	return &FileTokenManager{path: path}
}

// PreRefresh loads the stored refresh token into the authorizer. A missing
// file leaves the authorizer's token untouched.
func (m *FileTokenManager) PreRefresh(auth *Authorizer) error {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &pkgerrs.ClientError{Operation: "read token file", Err: err}
	}
	if token := strings.TrimSpace(string(data)); token != "" {
		auth.SetRefreshToken(token)
	}
	return nil
}

// PostRefresh persists the authorizer's current refresh token.
func (m *FileTokenManager) PostRefresh(auth *Authorizer) error {
	token := auth.RefreshTokenValue()
	if token == "" {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return &pkgerrs.ClientError{Operation: "write token file", Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(token + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &pkgerrs.ClientError{Operation: "write token file", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &pkgerrs.ClientError{Operation: "write token file", Err: err}
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return &pkgerrs.ClientError{Operation: "write token file", Err: err}
	}
	return nil
}

// SQLiteTokenManager stores refresh tokens keyed by a caller-supplied key,
// so multiple concurrent sessions can share one database file.
type SQLiteTokenManager struct {
	db  *sql.DB
	key string
}

const sqliteTokenSchema = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
	key           TEXT PRIMARY KEY,
	refresh_token TEXT NOT NULL
)`

// NewSQLiteTokenManager opens (creating if needed) the token database at
// path and binds the manager to key.
func NewSQLiteTokenManager(path, key string) (*SQLiteTokenManager, error) {
	if key == "" {
		return nil, &pkgerrs.ClientError{Operation: "open token database", Message: "key must not be empty"}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &pkgerrs.ClientError{Operation: "open token database", Err: err}
	}
	if _, err := db.Exec(sqliteTokenSchema); err != nil {
		db.Close()
		return nil, &pkgerrs.ClientError{Operation: "create token table", Err: err}
	}

	return &SQLiteTokenManager{db: db, key: key}, nil
}

// Register inserts the initial refresh token for this manager's key. It
// fails if the key is already taken.
func (m *SQLiteTokenManager) Register(token string) error {
	_, err := m.db.Exec(
		"INSERT INTO refresh_tokens (key, refresh_token) VALUES (?, ?)",
		m.key, token,
	)
	if err != nil {
		return &pkgerrs.ClientError{
			Operation: "register token",
			Message:   fmt.Sprintf("key %q may already be registered", m.key),
			Err:       err,
		}
	}
	return nil
}

// Get retrieves the current refresh token for this manager's key.
func (m *SQLiteTokenManager) Get() (string, error) {
	var token string
	err := m.db.QueryRow(
		"SELECT refresh_token FROM refresh_tokens WHERE key = ?", m.key,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &pkgerrs.ClientError{
			Operation: "get token",
			Message:   fmt.Sprintf("no token registered for key %q", m.key),
		}
	}
	if err != nil {
		return "", &pkgerrs.ClientError{Operation: "get token", Err: err}
	}
	return token, nil
}

// PreRefresh loads the stored token into the authorizer. An unregistered
// key leaves the authorizer untouched.
func (m *SQLiteTokenManager) PreRefresh(auth *Authorizer) error {
	var token string
	err := m.db.QueryRow(
		"SELECT refresh_token FROM refresh_tokens WHERE key = ?", m.key,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return &pkgerrs.ClientError{Operation: "load token", Err: err}
	}
	auth.SetRefreshToken(token)
	return nil
}

// PostRefresh upserts the authorizer's current refresh token.
func (m *SQLiteTokenManager) PostRefresh(auth *Authorizer) error {
	token := auth.RefreshTokenValue()
	if token == "" {
		return nil
	}
	_, err := m.db.Exec(
		`INSERT INTO refresh_tokens (key, refresh_token) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET refresh_token = excluded.refresh_token`,
		m.key, token,
	)
	if err != nil {
		return &pkgerrs.ClientError{Operation: "store token", Err: err}
	}
	return nil
}

// Close releases the underlying database handle.
func (m *SQLiteTokenManager) Close() error {
	return m.db.Close()
}
