package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/smelt/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Flags: outputFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info := version.Resolve()
			return writeOutput(os.Stdout, outFormat, info, func(w io.Writer) error {
				_, _ = fmt.Fprintf(w, "version:    %s\n", version.String())
				if info.Commit != "" {
					_, _ = fmt.Fprintf(w, "commit:     %s\n", info.Commit)
				}
				if info.BuildTime != "" {
					_, _ = fmt.Fprintf(w, "build time: %s\n", info.BuildTime)
				}
				return nil
			})
		},
	}
}
