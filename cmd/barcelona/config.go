package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/barcelona/pkg/connector"
)

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "Manage the config file",
	Subcommands: []*cli.Command{
		{
			Name:   "generate",
			Usage:  "Write the example config",
			Action: cmdConfigGenerate,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "output",
					Aliases: []string{"o"},
					Value:   "-",
					Usage:   "Output file path (- for stdout)",
				},
			},
		},
		{
			Name:   "upgrade",
			Usage:  "Add missing keys to the config file",
			Action: cmdConfigUpgrade,
		},
	},
}

func cmdConfigGenerate(ctx *cli.Context) error {
	outputPath := ctx.String("output")
	if outputPath == "-" {
		fmt.Print(connector.ExampleConfig)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(outputPath, []byte(connector.ExampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", outputPath, err)
	}
	fmt.Fprintf(os.Stderr, "Config written to %s\n", outputPath)
	return nil
}

func cmdConfigUpgrade(ctx *cli.Context) error {
	path := ctx.String("config")
	if _, err := connector.LoadConfig(path, true); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Config at %s is up to date\n", path)
	return nil
}
