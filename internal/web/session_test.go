package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/justestif/go-spotify-now-playing/internal/auth"
)

func staticTokens(access string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: access, TokenType: "Bearer"})
}

func TestSessionStore_CreateGetDelete(t *testing.T) {
	store := NewSessionStore()

	session, err := store.Create(staticTokens("tok"), auth.User{ID: "u1", DisplayName: "Jane"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if len(session.ID) != 36 {
		t.Errorf("ID = %q, want a UUID", session.ID)
	}
	if session.UserID != "u1" || session.UserName != "Jane" {
		t.Errorf("user = %q/%q, want u1/Jane", session.UserID, session.UserName)
	}

	if got := store.Get(session.ID); got != session {
		t.Errorf("Get() = %v, want the created session", got)
	}

	store.Delete(session.ID)
	if got := store.Get(session.ID); got != nil {
		t.Errorf("Get() after Delete = %v, want nil", got)
	}
}

func TestSessionStore_UniqueIDs(t *testing.T) {
	store := NewSessionStore()

	a, err := store.Create(staticTokens("a"), auth.User{ID: "a"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	b, err := store.Create(staticTokens("b"), auth.User{ID: "b"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if a.ID == b.ID {
		t.Error("two sessions share an ID")
	}
	if store.Len() != 2 {
		t.Errorf("Len() = %d, want 2", store.Len())
	}
}

func TestSessionStore_Expiry(t *testing.T) {
	store := NewSessionStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	session, err := store.Create(staticTokens("tok"), auth.User{ID: "u1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	now = now.Add(sessionTTL - time.Minute)
	if store.Get(session.ID) == nil {
		t.Fatal("session expired early")
	}

	now = now.Add(2 * time.Minute)
	if store.Get(session.ID) != nil {
		t.Error("Get() returned an expired session")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want expired session removed", store.Len())
	}
}

func TestSessionStore_Cookies(t *testing.T) {
	store := NewSessionStore()
	session, err := store.Create(staticTokens("tok"), auth.User{ID: "u1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rec := httptest.NewRecorder()
	store.SetCookie(rec, session)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("got %d cookies, want 1", len(cookies))
	}
	c := cookies[0]
	if c.Name != sessionCookieName || c.Value != session.ID {
		t.Errorf("cookie = %s=%s, want %s=%s", c.Name, c.Value, sessionCookieName, session.ID)
	}
	if !c.HttpOnly {
		t.Error("session cookie is not HttpOnly")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	if got := store.GetFromRequest(req); got != session {
		t.Errorf("GetFromRequest() = %v, want session", got)
	}

	if got := store.GetFromRequest(httptest.NewRequest(http.MethodGet, "/", nil)); got != nil {
		t.Errorf("GetFromRequest() without cookie = %v, want nil", got)
	}

	rec = httptest.NewRecorder()
	store.ClearCookie(rec)
	cleared := rec.Result().Cookies()
	if len(cleared) != 1 || cleared[0].MaxAge >= 0 {
		t.Errorf("ClearCookie() cookies = %+v, want one expired cookie", cleared)
	}
}

func TestSession_AccessToken(t *testing.T) {
	s := &Session{tokens: staticTokens("tok")}

	got, err := s.AccessToken()
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if got != "tok" {
		t.Errorf("AccessToken() = %q, want tok", got)
	}

	if _, err := (&Session{}).AccessToken(); err == nil {
		t.Error("AccessToken() without token source: error = nil")
	}
}

func TestSession_TogglePlaying(t *testing.T) {
	s := &Session{}

	if s.Playing() {
		t.Fatal("new session starts playing")
	}
	if !s.TogglePlaying() || !s.Playing() {
		t.Error("first toggle did not switch to playing")
	}
	if s.TogglePlaying() || s.Playing() {
		t.Error("second toggle did not switch back")
	}
}
