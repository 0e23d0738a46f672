// Package web provides the HTTP server and web UI for the now-playing page.
package web

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/justestif/go-spotify-now-playing/internal/auth"
)

const (
	sessionCookieName = "session_id"
	sessionTTL        = 24 * time.Hour
)

// Session represents an authenticated user session.
type Session struct {
	ID        string
	UserID    string
	UserName  string
	CreatedAt time.Time

	tokens oauth2.TokenSource

	mu      sync.Mutex
	playing bool
}

// AccessToken returns a current bearer token, refreshing it if it expired.
func (s *Session) AccessToken() (string, error) {
	if s.tokens == nil {
		return "", errors.New("session has no token source")
	}
	t, err := s.tokens.Token()
	if err != nil {
		return "", err
	}
	return t.AccessToken, nil
}

// Playing reports the state of the play/pause button. It is purely local and
// never reflects or changes what Spotify is doing.
func (s *Session) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// TogglePlaying flips the play/pause button and returns the new state.
func (s *Session) TogglePlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = !s.playing
	return s.playing
}

// SessionStore manages user sessions in memory.
type SessionStore struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		ttl:      sessionTTL,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create starts a session for user backed by tokens.
func (s *SessionStore) Create(tokens oauth2.TokenSource, user auth.User) (*Session, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:        id.String(),
		UserID:    user.ID,
		UserName:  user.DisplayName,
		CreatedAt: s.now(),
		tokens:    tokens,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	return session, nil
}

// Get retrieves a session by ID. Expired sessions are removed and reported
// as missing.
func (s *SessionStore) Get(id string) *Session {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	if s.now().Sub(session.CreatedAt) > s.ttl {
		s.Delete(id)
		return nil
	}

	return session
}

// Delete removes a session by ID.
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Len returns the number of stored sessions, expired ones included.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// GetFromRequest extracts the session from the request cookie.
func (s *SessionStore) GetFromRequest(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	return s.Get(cookie.Value)
}

// SetCookie sets the session cookie on the response.
func (s *SessionStore) SetCookie(w http.ResponseWriter, session *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.ttl.Seconds()),
	})
}

// ClearCookie removes the session cookie from the response.
func (s *SessionStore) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}
