package main

import (
	"context"
	"errors"

	"github.com/urfave/cli/v2"
)

// Deps holds the injectable runners so command dispatch stays testable
// without wiring a real server.
type Deps struct {
	RunServer func(ctx context.Context, configDir string) error
}

// BuildApp constructs the maestro CLI. The bare binary and `server start`
// both run the orchestrator; the split leaves room for sibling commands.
func BuildApp(deps Deps) *cli.App {
	run := func(ctx *cli.Context) error {
		return runServer(ctx.Context, deps, ctx.String("config-dir"))
	}

	return &cli.App{
		Name:  "maestro",
		Usage: "orchestrator for assistant coding sessions in tmux panes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-dir",
				Usage:   "path to the configuration directory",
				Value:   "./config",
				EnvVars: []string{"CONFIG_DIR"},
			},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "server",
				Usage:  "run the orchestrator server",
				Action: run,
				Subcommands: []*cli.Command{
					{
						Name:   "start",
						Usage:  "start the orchestrator server",
						Action: run,
					},
				},
			},
		},
	}
}

func runServer(ctx context.Context, deps Deps, configDir string) error {
	if deps.RunServer == nil {
		return errors.New("server runner is not configured")
	}
	return deps.RunServer(ctx, configDir)
}
