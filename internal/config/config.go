// Package config loads runtime configuration for the now-playing server.
//
// Values are resolved in order: built-in defaults, an optional TOML file,
// a .env file in the working directory, then process environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/justestif/go-spotify-now-playing/internal/spotify"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8080"

	// DefaultRedirectURI must match the Spotify app configuration.
	// Spotify requires an explicit loopback IP for local development.
	DefaultRedirectURI = "http://127.0.0.1:8080/callback"

	// DefaultAPIBaseURL is the Spotify Web API root.
	DefaultAPIBaseURL = spotify.DefaultBaseURL

	DefaultPollInterval = time.Second
	DefaultPollTimeout  = 5 * time.Second
	DefaultIdleTimeout  = 30 * time.Second
)

var (
	// ErrMissingCredentials is returned when SPOTIFY_ID or SPOTIFY_SECRET is not set.
	ErrMissingCredentials = errors.New("missing SPOTIFY_ID or SPOTIFY_SECRET")

	// ErrInvalidConfig is returned when a value is present but unusable.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config is the complete server configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Spotify SpotifyConfig `toml:"spotify"`
	Poll    PollConfig    `toml:"poll"`
	Log     LogConfig     `toml:"log"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// SpotifyConfig contains Spotify application credentials.
type SpotifyConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURI  string `toml:"redirect_uri"`
	APIBaseURL   string `toml:"api_base_url"`
}

// PollConfig controls the now-playing poller.
type PollConfig struct {
	Interval    Duration `toml:"interval"`
	Timeout     Duration `toml:"timeout"`
	IdleTimeout Duration `toml:"idle_timeout"`
}

// LogConfig controls logger output.
type LogConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration that decodes from strings such as "1s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler so Duration encodes as "1s".
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config populated with defaults and no credentials.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: DefaultAddr,
		},
		Spotify: SpotifyConfig{
			RedirectURI: DefaultRedirectURI,
			APIBaseURL:  DefaultAPIBaseURL,
		},
		Poll: PollConfig{
			Interval:    Duration{DefaultPollInterval},
			Timeout:     Duration{DefaultPollTimeout},
			IdleTimeout: Duration{DefaultIdleTimeout},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty or the file does not exist), .env, and the environment.
// The result is validated before it is returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides fields with any environment variables that are set.
func (c *Config) applyEnv() error {
	setString(&c.Spotify.ClientID, "SPOTIFY_ID")
	setString(&c.Spotify.ClientSecret, "SPOTIFY_SECRET")
	setString(&c.Spotify.RedirectURI, "SPOTIFY_REDIRECT_URI")
	setString(&c.Spotify.APIBaseURL, "SPOTIFY_API_BASE_URL")
	setString(&c.Server.Addr, "ADDR")
	setString(&c.Log.Level, "LOG_LEVEL")

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}

	if err := setDuration(&c.Poll.Interval, "POLL_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.Poll.Timeout, "POLL_TIMEOUT"); err != nil {
		return err
	}
	return setDuration(&c.Poll.IdleTimeout, "POLL_IDLE_TIMEOUT")
}

// Validate checks that required values are present and usable.
func (c *Config) Validate() error {
	if c.Spotify.ClientID == "" || c.Spotify.ClientSecret == "" {
		return ErrMissingCredentials
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: empty server address", ErrInvalidConfig)
	}
	if c.Poll.Interval.Duration <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}
	if c.Poll.Timeout.Duration <= 0 {
		return fmt.Errorf("%w: poll timeout must be positive", ErrInvalidConfig)
	}
	if c.Poll.IdleTimeout.Duration <= 0 {
		return fmt.Errorf("%w: idle timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	dst.Duration = d
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
