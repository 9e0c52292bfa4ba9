// Package oauth manages the Twitch OAuth token lifecycle: load,
// validate, refresh, with persistence through internal/tokenstore and
// outbound calls through internal/httpclient. Concurrent refreshes are
// serialized so every caller within a refresh window observes the same
// resulting token.
package oauth

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bryanveloso/landale-bridge/internal/httpclient"
	"github.com/bryanveloso/landale-bridge/internal/rterr"
	"github.com/bryanveloso/landale-bridge/internal/tokenstore"
)

const (
	refreshBuffer = 300 * time.Second
	provider      = "twitch"
)

// ValidateResult is what the provider's validation endpoint returns.
type ValidateResult struct {
	Subject string
	Scopes  []string
}

// Token is the unexpired credential handed back to callers.
type Token struct {
	AccessToken string
	Scopes      []string
	Subject     string
}

// HasScope reports whether t carries scope.
func (t Token) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Manager is the Twitch OAuth Token Manager.
type Manager struct {
	store        *tokenstore.Store
	http         *httpclient.Client
	clientID     string
	clientSecret string

	mu      sync.Mutex
	current *tokenstore.Record
	loaded  bool

	refreshMu    sync.Mutex
	refreshWait  chan struct{}
	refreshErr   error
}

// New creates a Manager. http should be bound to https://id.twitch.tv.
func New(store *tokenstore.Store, http *httpclient.Client, clientID, clientSecret string) *Manager {
	return &Manager{store: store, http: http, clientID: clientID, clientSecret: clientSecret}
}

// Load reads the persisted token, if any, into memory. Safe to call more
// than once; subsequent calls re-read from the store.
func (m *Manager) Load(ctx context.Context) error {
	rec, ok, err := m.store.Load(ctx, provider)
	if err != nil {
		return rterr.Wrap(rterr.KindInternal, "load token", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = true
	if ok {
		m.current = &rec
	} else {
		m.current = nil
	}
	return nil
}

// GetValidToken returns an unexpired token, refreshing first if the
// current token is within the refresh buffer of expiry or already
// expired. Returns a KindAuthExpired error if no refresh token is on
// file to recover with.
func (m *Manager) GetValidToken(ctx context.Context) (Token, error) {
	m.mu.Lock()
	if !m.loaded {
		m.mu.Unlock()
		if err := m.Load(ctx); err != nil {
			return Token{}, err
		}
		m.mu.Lock()
	}
	rec := m.current
	m.mu.Unlock()

	if rec == nil {
		return Token{}, rterr.New(rterr.KindAuthExpired, "missing token")
	}

	if time.Until(rec.Expiry) > refreshBuffer {
		return Token{AccessToken: rec.AccessToken, Scopes: rec.Scopes, Subject: rec.Subject}, nil
	}

	if err := m.refresh(ctx); err != nil {
		return Token{}, err
	}

	m.mu.Lock()
	rec = m.current
	m.mu.Unlock()
	if rec == nil {
		return Token{}, rterr.New(rterr.KindAuthExpired, "missing token after refresh")
	}
	return Token{AccessToken: rec.AccessToken, Scopes: rec.Scopes, Subject: rec.Subject}, nil
}

// Refresh forces a token refresh regardless of expiry, for callers that
// just saw the provider reject the current token. Serialized like every
// other refresh.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.refresh(ctx)
}

// refresh performs a single-flighted token refresh: concurrent callers
// within the same refresh cycle await the one in-flight call's result
// rather than each issuing their own provider request.
func (m *Manager) refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	if m.refreshWait != nil {
		wait := m.refreshWait
		m.refreshMu.Unlock()
		select {
		case <-wait:
			return m.refreshErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	wait := make(chan struct{})
	m.refreshWait = wait
	m.refreshMu.Unlock()

	err := m.doRefresh(ctx)

	m.refreshMu.Lock()
	m.refreshErr = err
	m.refreshWait = nil
	m.refreshMu.Unlock()
	close(wait)

	return err
}

func (m *Manager) doRefresh(ctx context.Context) error {
	m.mu.Lock()
	rec := m.current
	m.mu.Unlock()
	if rec == nil || rec.RefreshToken == "" {
		return rterr.New(rterr.KindAuthExpired, "no refresh token on file")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {rec.RefreshToken},
		"client_id":     {m.clientID},
		"client_secret": {m.clientSecret},
	}
	resp, err := m.http.PostForm(ctx, "/oauth2/token", form, nil)
	if err != nil {
		return rterr.Wrap(rterr.KindNetwork, "refresh request", err)
	}

	switch resp.StatusCode {
	case 200:
		var payload struct {
			AccessToken  string   `json:"access_token"`
			RefreshToken string   `json:"refresh_token"`
			ExpiresIn    int64    `json:"expires_in"`
			Scope        []string `json:"scope"`
		}
		if err := resp.DecodeJSON(&payload); err != nil {
			return rterr.Wrap(rterr.KindProtocol, "decode refresh response", err)
		}
		newRec := tokenstore.Record{
			Provider:     provider,
			AccessToken:  payload.AccessToken,
			RefreshToken: payload.RefreshToken,
			Expiry:       time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
			Scopes:       payload.Scope,
			Subject:      rec.Subject,
		}
		if err := m.store.Save(ctx, newRec); err != nil {
			return rterr.Wrap(rterr.KindInternal, "persist refreshed token", err)
		}
		m.mu.Lock()
		m.current = &newRec
		m.mu.Unlock()
		return nil
	case 400, 401:
		return rterr.New(rterr.KindAuthDenied, "refresh denied by provider")
	case 429:
		return rterr.New(rterr.KindRateLimited, "refresh rate limited").WithRetryAfter(resp.RetryAfter)
	default:
		return rterr.New(rterr.KindProtocol, fmt.Sprintf("unexpected refresh status %d", resp.StatusCode))
	}
}

// Validate calls the provider's validation endpoint for accessToken and
// returns the subject identifier and granted scope set.
func (m *Manager) Validate(ctx context.Context, accessToken string) (ValidateResult, error) {
	resp, err := m.http.Get(ctx, "/oauth2/validate", map[string]string{
		"Authorization": "OAuth " + accessToken,
	})
	if err != nil {
		return ValidateResult{}, rterr.Wrap(rterr.KindNetwork, "validate request", err)
	}

	switch resp.StatusCode {
	case 200:
		var payload struct {
			UserID string   `json:"user_id"`
			Scopes []string `json:"scopes"`
		}
		if err := resp.DecodeJSON(&payload); err != nil {
			return ValidateResult{}, rterr.Wrap(rterr.KindProtocol, "decode validate response", err)
		}
		return ValidateResult{Subject: payload.UserID, Scopes: payload.Scopes}, nil
	case 401:
		return ValidateResult{}, rterr.New(rterr.KindAuthExpired, "token expired")
	default:
		return ValidateResult{}, rterr.New(rterr.KindProtocol, fmt.Sprintf("unexpected validate status %d", resp.StatusCode))
	}
}

// SeedFromAuthorization stores a freshly obtained authorization-code
// grant result, establishing the first persisted token.
func (m *Manager) SeedFromAuthorization(ctx context.Context, accessToken, refreshToken string, expiresIn int64, scopes []string, subject string) error {
	rec := tokenstore.Record{
		Provider:     provider,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(time.Duration(expiresIn) * time.Second),
		Scopes:       scopes,
		Subject:      subject,
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return rterr.Wrap(rterr.KindInternal, "persist seeded token", err)
	}
	m.mu.Lock()
	m.current = &rec
	m.loaded = true
	m.mu.Unlock()
	return nil
}

// RecordValidation adopts the subject identifier and authoritative
// scope set returned by the provider's validation endpoint, persisting
// them alongside the current token so a restart does not need to
// re-validate before knowing the subject.
func (m *Manager) RecordValidation(ctx context.Context, result ValidateResult) error {
	m.mu.Lock()
	rec := m.current
	if rec == nil {
		m.mu.Unlock()
		return rterr.New(rterr.KindAuthExpired, "no token to attach validation to")
	}
	updated := *rec
	updated.Subject = result.Subject
	updated.Scopes = result.Scopes
	m.current = &updated
	m.mu.Unlock()

	return m.store.Save(ctx, updated)
}

// Close releases no resources of its own; the underlying Store is a
// shared process-wide resource owned and closed by the caller.
func (m *Manager) Close() error { return nil }

// Subject returns the last known subject identifier, or "" if unknown.
func (m *Manager) Subject() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.Subject
}
