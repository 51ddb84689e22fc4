package stackmob

import (
	"encoding/json"
	"sync"
	"time"
)

// Session holds the credentials and metadata of a logged-in user. The
// access token and MAC key together sign requests; the refresh token
// obtains a replacement when the pair expires.
type Session struct {
	// AccessToken is the MAC token id presented in the Authorization header
	AccessToken string `json:"access_token"`
	// MACKey is the shared secret the request MAC is computed with
	MACKey string `json:"mac_key"`
	// RefreshToken obtains a new access token after expiry
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt is the client-computed expiry instant
	ExpiresAt time.Time `json:"expires_at"`
	// Username is the logged-in user's primary key
	Username string `json:"username"`
	// User is the raw logged-in user object returned by the server
	User json.RawMessage `json:"user,omitempty"`
}

// ExpiredAt reports whether the session's token is expired at t, with
// the given skew subtracted so the client refreshes slightly early.
func (s *Session) ExpiredAt(t time.Time, skew time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !t.Before(s.ExpiresAt.Add(-skew))
}

// CanRefresh reports whether the session carries a refresh token.
func (s *Session) CanRefresh() bool {
	return s.RefreshToken != ""
}

// TokenStore persists the user session. The default in-memory store
// loses the session when the process exits; implement this interface
// to keep users logged in across restarts (file, keychain, database).
//
// Implementations must be safe for concurrent use.
type TokenStore interface {
	// Load returns the stored session, or nil when none exists.
	Load() (*Session, error)

	// Store replaces the stored session.
	Store(session *Session) error

	// Clear removes the stored session.
	Clear() error
}

// MemoryTokenStore is the default TokenStore. It keeps the session in
// process memory only.
type MemoryTokenStore struct {
	mu      sync.RWMutex
	session *Session
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

// Load returns the stored session, or nil
func (m *MemoryTokenStore) Load() (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session, nil
}

// Store replaces the stored session
func (m *MemoryTokenStore) Store(session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = session
	return nil
}

// Clear removes the stored session
func (m *MemoryTokenStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}

// sessionManager guards the token store and serializes refreshes so
// that concurrent requests hitting an expired token trigger exactly one
// refresh request.
type sessionManager struct {
	store TokenStore
	skew  time.Duration
	now   func() time.Time

	// refreshMu is held for the duration of a refresh; callers that
	// lose the race re-check the store under the lock and find the
	// fresh session already installed.
	refreshMu sync.Mutex
}

func newSessionManager(store TokenStore, skew time.Duration) *sessionManager {
	return &sessionManager{
		store: store,
		skew:  skew,
		now:   time.Now,
	}
}

// current returns the stored session, or nil.
func (sm *sessionManager) current() *Session {
	sess, err := sm.store.Load()
	if err != nil {
		return nil
	}
	return sess
}

// needsRefresh reports whether the stored session exists, is expired
// (within skew), and can be refreshed.
func (sm *sessionManager) needsRefresh() bool {
	sess := sm.current()
	return sess != nil && sess.ExpiredAt(sm.now(), sm.skew) && sess.CanRefresh()
}

// refresh runs fn under the single-flight lock unless another caller
// already refreshed; in that case the stored session is returned as is.
//
// staleToken, when non-empty, names a token the server has rejected.
// The refresh then proceeds even if the client-side expiry has not
// passed (a revoked token, or a session issued without expires_in,
// still reads as valid locally). Losers of the race see a different
// token already installed and reuse it.
func (sm *sessionManager) refresh(staleToken string, fn func(refreshToken string) (*Session, error)) (*Session, error) {
	sm.refreshMu.Lock()
	defer sm.refreshMu.Unlock()

	sess := sm.current()
	if sess == nil {
		return nil, ErrNotLoggedIn
	}
	// Another caller may have finished the refresh while we waited.
	if staleToken != "" {
		if sess.AccessToken != staleToken {
			return sess, nil
		}
	} else if !sess.ExpiredAt(sm.now(), sm.skew) {
		return sess, nil
	}
	if !sess.CanRefresh() {
		return nil, NewError(ErrorTypeAuth, "session expired and has no refresh token", ErrUnauthorized)
	}

	fresh, err := fn(sess.RefreshToken)
	if err != nil {
		return nil, err
	}
	if err := sm.store.Store(fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// install stores a newly issued session.
func (sm *sessionManager) install(sess *Session) error {
	return sm.store.Store(sess)
}

// clear drops the stored session.
func (sm *sessionManager) clear() error {
	return sm.store.Clear()
}

// sessionFromLogin converts a token endpoint response into a Session.
func sessionFromLogin(resp *loginResponse, now time.Time) *Session {
	sess := &Session{
		AccessToken:  resp.AccessToken,
		MACKey:       resp.MACKey,
		RefreshToken: resp.RefreshToken,
		User:         resp.Stackmob.User,
	}
	if resp.ExpiresIn > 0 {
		sess.ExpiresAt = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	// The logged-in user object carries its own primary key; surface
	// the username when present so callers need not re-parse User.
	if len(resp.Stackmob.User) > 0 {
		var u struct {
			Username string `json:"username"`
		}
		if err := json.Unmarshal(resp.Stackmob.User, &u); err == nil {
			sess.Username = u.Username
		}
	}
	return sess
}
