package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/barcelona/pkg/connector"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *connector.Config {
	return ctx.Context.Value(contextKeyConfig).(*connector.Config)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return *ctx.Context.Value(contextKeyLogger).(*zerolog.Logger)
}

func getConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "barcelona", "config.yaml")
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := connector.LoadConfig(ctx.String("config"), ctx.Bool("save-config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	zerolog.DefaultContextLogger = log
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = log.WithContext(newCtx)
	return nil
}

func main() {
	app := &cli.App{
		Name:    "barcelona",
		Usage:   "Correlate iMessage daemon notifications into bridge events",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   getConfigPath(),
				EnvVars: []string{"BARCELONA_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "save-config",
				Usage: "Write missing config keys back to the config file",
			},
		},
		Commands: []*cli.Command{
			runCommand,
			checkAccessCommand,
			configCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
