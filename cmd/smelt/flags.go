package main

import "github.com/urfave/cli/v3"

var (
	cfg       Config
	modelDir  string
	device    string
	maxSeqLen int
	noMmap    bool
	outFormat string
	logLevel  string
	logFormat string
	debug     bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "directory holding config.json and *.safetensors",
			Destination: &modelDir,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "device recorded on loaded tensors (cpu, cuda:N)",
			Value:       "cpu",
			Destination: &device,
		},
		&cli.IntFlag{
			Name:        "max-seq-len",
			Usage:       "override the checkpoint's maximum sequence length (0 = from config)",
			Destination: &maxSeqLen,
		},
		&cli.BoolFlag{
			Name:        "no-mmap",
			Usage:       "read tensors with ReadAt instead of mapping the shards",
			Destination: &noMmap,
		},
	}
}

func outputFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "format",
			Aliases:     []string{"f"},
			Usage:       "output format (text, json, yaml)",
			Value:       "text",
			Destination: &outFormat,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
