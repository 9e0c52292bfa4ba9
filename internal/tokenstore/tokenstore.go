// Package tokenstore persists OAuth token records: atomic replace,
// durable flush, keyed by provider name. PRAGMA synchronous=FULL keeps
// every commit fsynced to disk, so no partial update is ever visible,
// even across a process crash.
package tokenstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record is the persisted OAuth credential for one provider.
type Record struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
	Subject      string
}

// Store is the sqlite-backed token store. One Store is shared
// process-wide and mutated only through internal/oauth.Manager.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the token database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "tokens.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open token database: %w", err)
	}

	// A single writer connection serializes all access at the Go level,
	// avoiding SQLITE_BUSY under concurrent refresh/read callers (the
	// Token Manager already serializes refreshes with a single-flight
	// guard, so this is belt-and-suspenders).
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS oauth_tokens (
		provider      TEXT PRIMARY KEY,
		access_token  TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		expiry        TEXT NOT NULL,
		scopes        TEXT NOT NULL DEFAULT '',
		subject       TEXT NOT NULL DEFAULT '',
		updated_at    TEXT NOT NULL DEFAULT (datetime('now'))
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Load returns the persisted Record for provider, or (Record{}, false)
// if none exists.
func (s *Store) Load(ctx context.Context, provider string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expiry, scopes, subject
		 FROM oauth_tokens WHERE provider = ?`, provider)

	var accessToken, refreshToken, expiryRaw, scopesRaw, subject string
	if err := row.Scan(&accessToken, &refreshToken, &expiryRaw, &scopesRaw, &subject); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}

	expiry, err := time.Parse(time.RFC3339, expiryRaw)
	if err != nil {
		return Record{}, false, fmt.Errorf("parse expiry: %w", err)
	}

	return Record{
		Provider:     provider,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       expiry,
		Scopes:       splitScopes(scopesRaw),
		Subject:      subject,
	}, true, nil
}

// Save atomically replaces the record for rec.Provider. The write is a
// single transactional UPSERT on a synchronous=FULL connection, so it is
// either fully visible or not visible at all.
func (s *Store) Save(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expiry, scopes, subject, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(provider) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expiry = excluded.expiry,
		   scopes = excluded.scopes,
		   subject = excluded.subject,
		   updated_at = excluded.updated_at`,
		rec.Provider, rec.AccessToken, rec.RefreshToken,
		rec.Expiry.UTC().Format(time.RFC3339), joinScopes(rec.Scopes), rec.Subject,
	)
	return err
}

// Revoke deletes the persisted record for provider.
func (s *Store) Revoke(ctx context.Context, provider string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM oauth_tokens WHERE provider = ?", provider)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}

func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ' ' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}
