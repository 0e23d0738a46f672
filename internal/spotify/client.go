// Package spotify talks to the Spotify Web API playback endpoints.
package spotify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the Spotify Web API root.
	DefaultBaseURL = "https://api.spotify.com/v1"

	currentlyPlayingPath = "/me/player/currently-playing"
	userAgent            = "go-spotify-now-playing/1.0"

	// maxBodyBytes caps how much of a response is read.
	maxBodyBytes = 1 << 20
)

var (
	// ErrUnauthorized is returned when Spotify rejects the bearer token.
	ErrUnauthorized = errors.New("spotify rejected access token")

	// ErrRateLimited is returned when Spotify answers 429 Too Many Requests.
	ErrRateLimited = errors.New("spotify rate limit exceeded")

	// ErrUnexpectedStatus is returned for any other non-2xx response.
	ErrUnexpectedStatus = errors.New("unexpected spotify response status")
)

// Client fetches playback state with a caller-supplied bearer token.
// It holds no credentials itself and is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at an alternative API root, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		baseURL: DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CurrentlyPlaying fetches the raw currently-playing payload for the user the
// token belongs to. An empty payload (nil, nil) means nothing is playing:
// Spotify answers 204 No Content in that case.
func (c *Client) CurrentlyPlaying(ctx context.Context, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+currentlyPlayingPath, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		// Not retried here; the caller polls again on its own schedule.
		if after := resp.Header.Get("Retry-After"); after != "" {
			return nil, fmt.Errorf("%w: retry after %ss", ErrRateLimited, after)
		}
		return nil, ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return body, nil
}
