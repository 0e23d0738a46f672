package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/justestif/go-spotify-now-playing/internal/auth"
	"github.com/justestif/go-spotify-now-playing/internal/config"
	"github.com/justestif/go-spotify-now-playing/internal/logging"
	"github.com/justestif/go-spotify-now-playing/internal/nowplaying"
	"github.com/justestif/go-spotify-now-playing/internal/spotify"
	"github.com/justestif/go-spotify-now-playing/internal/web"
	webfs "github.com/justestif/go-spotify-now-playing/web"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the web server",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (overrides config)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides config)",
			},
		},
		Action: serve,
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cmd.IsSet("addr") {
		cfg.Server.Addr = cmd.String("addr")
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}

	logger := logging.New(os.Stderr, cfg.Log.Level)

	provider, err := auth.New(cfg.Spotify)
	if err != nil {
		return fmt.Errorf("configuring spotify auth: %w", err)
	}

	client := spotify.New(spotify.WithBaseURL(cfg.Spotify.APIBaseURL))
	pollLogger := logger.WithPrefix("poller")

	pollers := nowplaying.NewRegistry(
		func() *nowplaying.Poller {
			return nowplaying.NewPoller(client,
				nowplaying.WithInterval(cfg.Poll.Interval.Duration),
				nowplaying.WithTimeout(cfg.Poll.Timeout.Duration),
				nowplaying.WithLogger(pollLogger),
			)
		},
		nowplaying.WithIdleTimeout(cfg.Poll.IdleTimeout.Duration),
		nowplaying.WithRegistryLogger(pollLogger),
	)

	templates, err := fs.Sub(webfs.TemplatesFS, "templates")
	if err != nil {
		return fmt.Errorf("creating templates filesystem: %w", err)
	}

	static, err := fs.Sub(webfs.StaticFS, "static")
	if err != nil {
		return fmt.Errorf("creating static filesystem: %w", err)
	}

	server, err := web.NewServer(web.ServerConfig{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		TemplatesFS:    templates,
		StaticFS:       static,
		Auth:           provider,
		Pollers:        pollers,
		Logger:         logger.WithPrefix("http"),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	logger.Info("configured",
		"addr", cfg.Server.Addr,
		"redirect_uri", cfg.Spotify.RedirectURI,
		"poll_interval", cfg.Poll.Interval.Duration,
	)

	return server.Run(ctx)
}
