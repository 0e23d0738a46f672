package main

import (
	"context"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v3"

	"github.com/justestif/go-spotify-now-playing/internal/config"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Print the resolved configuration as TOML, with secrets redacted",
		Flags: []cli.Flag{configFlag()},
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			cfg.Spotify.ClientSecret = "<redacted>"
			return toml.NewEncoder(cmd.Root().Writer).Encode(cfg)
		},
	}
}
