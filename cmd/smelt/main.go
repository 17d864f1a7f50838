package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/smelt/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:   "smelt",
		Usage:  "Inspect, plan and fuse transformer checkpoints",
		Flags:  loggingFlags(),
		Before: setupLogging,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			inspectCmd(),
			planCmd(),
			fuseCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging loads the config file and installs the logger on the context
// every subcommand receives.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg = LoadConfig()
	applyLoggingConfig(cmd, cfg)
	if debug {
		logLevel = "debug"
	}
	log, err := logger.Setup(os.Stderr, logFormat, logLevel)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}
