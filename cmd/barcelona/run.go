package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/barcelona/pkg/connector"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Read the notification feed and write bridge commands to stdout",
	Before: prepareApp,
	Action: cmdRun,
}

func cmdRun(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	br, err := connector.NewBridge(sigCtx, cfg, os.Stdout, log)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer br.Stop()
	return br.Start(sigCtx)
}

var checkAccessCommand = &cli.Command{
	Name:   "check-access",
	Usage:  "Check that chat.db can be read",
	Before: prepareApp,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "wait",
			Usage: "Prompt for Full Disk Access and wait until it's granted",
		},
	},
	Action: cmdCheckAccess,
}

func cmdCheckAccess(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	if ctx.Bool("wait") {
		if err := connector.EnsureChatDBAccess(ctx.Context, cfg.ChatDB.Path, true, log); err != nil {
			return err
		}
	} else if !connector.CanReadChatDB(cfg.ChatDB.Path, log) {
		return fmt.Errorf("can't read %s", cfg.ChatDB.Path)
	}
	fmt.Printf("%s is readable\n", cfg.ChatDB.Path)
	return nil
}
