// Package nowplaying keeps a user's "currently playing" state in sync with
// Spotify and shapes it for display.
//
// A [Poller] fetches the playback state once when it is given a bearer token
// and then on a fixed period until the token is withdrawn. Each successful
// fetch is validated by [Parse] and replaces the stored [Snapshot] wholesale.
// A [Registry] keeps one poller per browser session.
package nowplaying

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedPayload is returned by Parse when the body is not a usable
// currently-playing object.
var ErrMalformedPayload = errors.New("malformed currently-playing payload")

// Snapshot is the playback state returned by one successful poll.
// A nil *Snapshot means nothing is playing.
type Snapshot struct {
	TrackName   string   `json:"track_name"`
	Artists     []string `json:"artists"`
	AlbumName   string   `json:"album_name"`
	AlbumArtURL string   `json:"album_art_url,omitempty"` // empty when the album has no images
	DurationMs  int      `json:"duration_ms"`
	ProgressMs  int      `json:"progress_ms"` // not clamped to DurationMs
}

// payload mirrors the fields of the currently-playing response we use.
// Pointers distinguish absent values from zero values.
type payload struct {
	ProgressMs *int  `json:"progress_ms"`
	Item       *item `json:"item"`
}

type item struct {
	Name       string `json:"name"`
	DurationMs *int   `json:"duration_ms"`
	Artists    []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Album struct {
		Name   string `json:"name"`
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	} `json:"album"`
}

// Parse validates a currently-playing response body.
//
// An empty body, a JSON null, or a payload without an item yields (nil, nil):
// nothing is playing. A body that is not a JSON object, has a track without a
// duration, or carries negative times yields ErrMalformedPayload.
func Parse(body []byte) (*Snapshot, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if p.Item == nil {
		return nil, nil
	}

	if p.Item.DurationMs == nil {
		return nil, fmt.Errorf("%w: item has no duration_ms", ErrMalformedPayload)
	}
	if *p.Item.DurationMs < 0 {
		return nil, fmt.Errorf("%w: negative duration_ms %d", ErrMalformedPayload, *p.Item.DurationMs)
	}

	progress := 0
	if p.ProgressMs != nil {
		progress = *p.ProgressMs
	}
	if progress < 0 {
		return nil, fmt.Errorf("%w: negative progress_ms %d", ErrMalformedPayload, progress)
	}

	artists := make([]string, 0, len(p.Item.Artists))
	for _, a := range p.Item.Artists {
		artists = append(artists, a.Name)
	}

	var art string
	for _, img := range p.Item.Album.Images {
		if img.URL != "" {
			art = img.URL
			break
		}
	}

	return &Snapshot{
		TrackName:   p.Item.Name,
		Artists:     artists,
		AlbumName:   p.Item.Album.Name,
		AlbumArtURL: art,
		DurationMs:  *p.Item.DurationMs,
		ProgressMs:  progress,
	}, nil
}
