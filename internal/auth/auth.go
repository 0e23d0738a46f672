// Package auth handles the Spotify OAuth2 authorization code flow for the
// now-playing web server.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"

	"github.com/justestif/go-spotify-now-playing/internal/config"
)

var (
	// ErrMissingCredentials is returned when the client ID or secret is empty.
	ErrMissingCredentials = errors.New("missing Spotify client ID or secret")

	// ErrStateMismatch is returned when the OAuth state parameter doesn't match.
	ErrStateMismatch = errors.New("OAuth state mismatch")

	// ErrDenied is returned when the user declines the authorization request.
	ErrDenied = errors.New("authorization denied")
)

// Scopes requested from Spotify.
var Scopes = []string{
	spotifyauth.ScopeUserReadPlaybackState,
	spotifyauth.ScopeUserModifyPlaybackState,
	spotifyauth.ScopeUserReadCurrentlyPlaying,
}

// User is the subset of the Spotify profile shown in the page header.
type User struct {
	ID          string
	DisplayName string
}

// Provider handles Spotify OAuth2 for browser sessions.
type Provider struct {
	auth       *spotifyauth.Authenticator
	apiBaseURL string
}

// New creates a Provider from the Spotify section of the configuration.
// Returns ErrMissingCredentials if the client ID or secret is not set.
func New(cfg config.SpotifyConfig) (*Provider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, ErrMissingCredentials
	}

	redirect := cfg.RedirectURI
	if redirect == "" {
		redirect = config.DefaultRedirectURI
	}
	base := cfg.APIBaseURL
	if base == "" {
		base = config.DefaultAPIBaseURL
	}

	return &Provider{
		auth: spotifyauth.New(
			spotifyauth.WithClientID(cfg.ClientID),
			spotifyauth.WithClientSecret(cfg.ClientSecret),
			spotifyauth.WithRedirectURL(redirect),
			spotifyauth.WithScopes(Scopes...),
		),
		// zmb3/spotify joins paths onto the base URL directly.
		apiBaseURL: strings.TrimRight(base, "/") + "/",
	}, nil
}

// AuthURL returns the Spotify consent page URL for state.
func (p *Provider) AuthURL(state string) string {
	return p.auth.AuthURL(state)
}

// Exchange validates the callback request against the expected state and
// trades its authorization code for a token.
func (p *Provider) Exchange(ctx context.Context, state string, r *http.Request) (*oauth2.Token, error) {
	q := r.URL.Query()

	if state == "" || q.Get("state") != state {
		return nil, ErrStateMismatch
	}
	if msg := q.Get("error"); msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrDenied, msg)
	}

	token, err := p.auth.Token(ctx, state, r)
	if err != nil {
		return nil, fmt.Errorf("exchanging code for token: %w", err)
	}
	return token, nil
}

// Profile fetches the current user's Spotify profile.
func (p *Provider) Profile(ctx context.Context, token *oauth2.Token) (User, error) {
	client := spotify.New(p.auth.Client(ctx, token), spotify.WithBaseURL(p.apiBaseURL))

	u, err := client.CurrentUser(ctx)
	if err != nil {
		return User{}, fmt.Errorf("fetching current user: %w", err)
	}

	id := string(u.ID)
	name := u.DisplayName
	if name == "" {
		name = id
	}
	return User{ID: id, DisplayName: name}, nil
}

// TokenSource returns a source that hands out token until it expires and
// then refreshes it through Spotify. It is safe for concurrent use.
func (p *Provider) TokenSource(ctx context.Context, token *oauth2.Token) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(token, &refresher{
		ctx:   ctx,
		auth:  p.auth,
		token: token,
	})
}

// refresher is only called by the ReuseTokenSource wrapping it, which
// serializes calls.
type refresher struct {
	ctx   context.Context
	auth  *spotifyauth.Authenticator
	token *oauth2.Token
}

func (r *refresher) Token() (*oauth2.Token, error) {
	if r.token == nil || r.token.RefreshToken == "" {
		return nil, errors.New("token expired and has no refresh token")
	}

	t, err := r.auth.RefreshToken(r.ctx, r.token)
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	// Spotify may omit the refresh token when it has not rotated.
	if t.RefreshToken == "" {
		t.RefreshToken = r.token.RefreshToken
	}
	r.token = t
	return t, nil
}

// GenerateState creates a random state string for OAuth.
func GenerateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
