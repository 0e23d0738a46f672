package nowplaying

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// NothingPlayingMessage is shown when there is no active track.
	NothingPlayingMessage = "No song playing"

	// NothingPlayingHint accompanies NothingPlayingMessage.
	NothingPlayingHint = "Select a song in Spotify"

	// PlaceholderArtURL is used when the album has no artwork.
	PlaceholderArtURL = "/static/placeholder.svg"
)

// View is the display projection of a Snapshot.
type View struct {
	Active      bool    `json:"active"`
	TrackName   string  `json:"track_name,omitempty"`
	Artists     string  `json:"artists,omitempty"`
	AlbumName   string  `json:"album_name,omitempty"`
	AlbumArtURL string  `json:"album_art_url,omitempty"`
	Fraction    float64 `json:"fraction"`
	Percent     string  `json:"percent"`
	Elapsed     string  `json:"elapsed,omitempty"`
	Duration    string  `json:"duration,omitempty"`
	Message     string  `json:"message,omitempty"`
	Hint        string  `json:"hint,omitempty"`
}

// NewView derives the display state for s. A nil snapshot renders the
// nothing-playing message.
func NewView(s *Snapshot) View {
	if s == nil {
		return View{
			Percent: "0",
			Message: NothingPlayingMessage,
			Hint:    NothingPlayingHint,
		}
	}

	art := s.AlbumArtURL
	if art == "" {
		art = PlaceholderArtURL
	}

	f := Fraction(s.ProgressMs, s.DurationMs)

	return View{
		Active:      true,
		TrackName:   s.TrackName,
		Artists:     strings.Join(s.Artists, ", "),
		AlbumName:   s.AlbumName,
		AlbumArtURL: art,
		Fraction:    f,
		Percent:     Percent(f),
		Elapsed:     FormatTime(s.ProgressMs),
		Duration:    FormatTime(s.DurationMs),
	}
}

// Fraction returns progressMs/durationMs clamped to [0, 1].
// A non-positive duration yields 0.
func Fraction(progressMs, durationMs int) float64 {
	if durationMs <= 0 {
		return 0
	}
	f := float64(progressMs) / float64(durationMs)
	return math.Max(0, math.Min(1, f))
}

// Percent renders a fraction as a CSS-ready percentage with at most one
// decimal place, e.g. 0.25 -> "25".
func Percent(f float64) string {
	return strconv.FormatFloat(math.Round(f*1000)/10, 'f', -1, 64)
}

// FormatTime renders milliseconds as m:ss. Negative input renders as 0:00.
func FormatTime(ms int) string {
	if ms < 0 {
		ms = 0
	}
	seconds := ms / 1000
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
