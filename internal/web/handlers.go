package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/justestif/go-spotify-now-playing/internal/auth"
	"github.com/justestif/go-spotify-now-playing/internal/nowplaying"
)

const (
	stateCookieName = "oauth_state"
	pageTitle       = "Music Player"
)

// Authenticator is the subset of auth.Provider the handlers use.
type Authenticator interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, state string, r *http.Request) (*oauth2.Token, error)
	Profile(ctx context.Context, token *oauth2.Token) (auth.User, error)
	TokenSource(ctx context.Context, token *oauth2.Token) oauth2.TokenSource
}

// Handlers contains HTTP handlers for the web application.
type Handlers struct {
	auth      Authenticator
	sessions  *SessionStore
	templates *Templates
	pollers   *nowplaying.Registry
	upgrader  websocket.Upgrader
	logger    *log.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(a Authenticator, sessions *SessionStore, templates *Templates, pollers *nowplaying.Registry, allowedOrigins []string, logger *log.Logger) *Handlers {
	return &Handlers{
		auth:      a,
		sessions:  sessions,
		templates: templates,
		pollers:   pollers,
		upgrader:  newUpgrader(allowedOrigins),
		logger:    logger,
	}
}

// Home handles the home page (GET /).
func (h *Handlers) Home(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.GetFromRequest(r)

	data := HomePageData{
		PageData: PageData{
			Title:       pageTitle,
			CurrentPath: r.URL.Path,
		},
		Authenticated: session != nil,
		NowPlaying:    nowplaying.NewView(nil),
	}

	if session != nil {
		data.User = &UserData{
			ID:   session.UserID,
			Name: session.UserName,
		}
		data.NowPlaying = nowplaying.NewView(h.attach(session).Snapshot())
		data.Controls = ControlsData{Playing: session.Playing()}
	}

	h.render(w, func(buf *bytes.Buffer) error {
		return h.templates.Render(buf, "home", data)
	})
}

// Login initiates the Spotify OAuth flow (GET /auth/login).
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	state, err := auth.GenerateState()
	if err != nil {
		h.logger.Error("generating oauth state", "err", err)
		http.Error(w, "Failed to generate state", http.StatusInternalServerError)
		return
	}

	// Store state in cookie for validation on callback
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   300, // 5 minutes
	})

	http.Redirect(w, r, h.auth.AuthURL(state), http.StatusTemporaryRedirect)
}

// Callback handles the OAuth callback from Spotify (GET /callback).
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil {
		http.Error(w, "Missing state cookie", http.StatusBadRequest)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})

	token, err := h.auth.Exchange(r.Context(), stateCookie.Value, r)
	switch {
	case errors.Is(err, auth.ErrStateMismatch):
		http.Error(w, "State mismatch", http.StatusBadRequest)
		return
	case errors.Is(err, auth.ErrDenied):
		h.logger.Info("spotify authorization denied", "err", err)
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	case err != nil:
		h.logger.Error("token exchange failed", "err", err)
		http.Error(w, "Failed to get token", http.StatusInternalServerError)
		return
	}

	user, err := h.auth.Profile(r.Context(), token)
	if err != nil {
		h.logger.Error("fetching spotify profile", "err", err)
		http.Error(w, "Failed to get user info", http.StatusInternalServerError)
		return
	}

	// Refreshes outlive this request.
	tokens := h.auth.TokenSource(context.WithoutCancel(r.Context()), token)

	session, err := h.sessions.Create(tokens, user)
	if err != nil {
		h.logger.Error("creating session", "err", err)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	h.sessions.SetCookie(w, session)
	h.logger.Info("user logged in", "user", user.ID)

	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

// Logout clears the session, stops its poller and redirects to home
// (POST /auth/logout).
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if session := h.sessions.GetFromRequest(r); session != nil {
		h.sessions.Delete(session.ID)
		h.pollers.Detach(session.ID)
		h.logger.Info("user logged out", "user", session.UserID)
	}

	h.sessions.ClearCookie(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// NowPlaying renders the now-playing fragment (GET /now-playing).
func (h *Handlers) NowPlaying(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.GetFromRequest(r)
	if session == nil {
		http.Error(w, "Not logged in", http.StatusUnauthorized)
		return
	}

	view := nowplaying.NewView(h.attach(session).Snapshot())

	h.render(w, func(buf *bytes.Buffer) error {
		return h.templates.RenderPartial(buf, "now_playing", view)
	})
}

// nowPlayingResponse is the JSON form of the now-playing state.
type nowPlayingResponse struct {
	nowplaying.View
	Track     *nowplaying.Snapshot `json:"track"`
	Polling   bool                 `json:"polling"`
	UpdatedAt *time.Time           `json:"updated_at,omitempty"`
	Playing   bool                 `json:"playing"`
}

// NowPlayingJSON returns the now-playing state as JSON (GET /api/now-playing).
func (h *Handlers) NowPlayingJSON(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.GetFromRequest(r)
	if session == nil {
		writeJSONError(w, http.StatusUnauthorized, "not logged in")
		return
	}

	state := h.attach(session).State()

	resp := nowPlayingResponse{
		View:    nowplaying.NewView(state.Snapshot),
		Track:   state.Snapshot,
		Polling: state.Active,
		Playing: session.Playing(),
	}
	if !state.UpdatedAt.IsZero() {
		resp.UpdatedAt = &state.UpdatedAt
	}

	writeJSON(w, http.StatusOK, resp)
}

// TogglePlaying flips the play/pause button (POST /player/toggle).
// Nothing is sent to Spotify.
func (h *Handlers) TogglePlaying(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.GetFromRequest(r)
	if session == nil {
		http.Error(w, "Not logged in", http.StatusUnauthorized)
		return
	}

	data := ControlsData{Playing: session.TogglePlaying()}

	h.render(w, func(buf *bytes.Buffer) error {
		return h.templates.RenderPartial(buf, "controls", data)
	})
}

// Health reports liveness (GET /healthz).
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.sessions.Len(),
		"pollers":  h.pollers.Len(),
	})
}

// attach hands the session's current access token to its poller. A token
// that cannot be refreshed stops polling until the user logs in again.
func (h *Handlers) attach(session *Session) *nowplaying.Poller {
	token, err := session.AccessToken()
	if err != nil {
		h.logger.Warn("access token unavailable", "session", session.ID, "err", err)
		token = ""
	}
	poller := h.pollers.Attach(session.ID, token)

	// Logout may have run between the caller's session lookup and Attach.
	if h.sessions.Get(session.ID) == nil {
		h.pollers.Detach(session.ID)
	}
	return poller
}

// render buffers the template output so a failed render never sends a
// partial page.
func (h *Handlers) render(w http.ResponseWriter, fn func(*bytes.Buffer) error) {
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		h.logger.Error("rendering template", "err", err)
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
