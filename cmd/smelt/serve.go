package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/smelt/internal/fuse"
	"github.com/samcharles93/smelt/internal/logger"
	"github.com/samcharles93/smelt/internal/metrics"
	"github.com/samcharles93/smelt/internal/server"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		out         string
		mode        string
		workers     int
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve inspection, planning and fusion of one model over HTTP",
		Flags: append(append(commonModelFlags(), fuseFlags(&mode, &workers)...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "directory POST /v1/fuse writes to when asked (empty disables writing)",
				Destination: &out,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(c, cfg, &addr, &out, &mode, &workers)

			fm, err := fuse.ParseMode(mode)
			if err != nil {
				return err
			}
			lm, err := loadModel()
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m := metrics.New(reg)

			srv := server.New(server.Config{
				Model:     lm,
				Fuser:     fuse.New(fuse.Options{Mode: fm, Workers: workers, Logger: log, Metrics: m}),
				Metrics:   m,
				Logger:    log,
				OutputDir: out,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			srv.Register(e)
			log.Info("starting server", "address", addr, "arch", lm.Arch, "layers", lm.Body.NumLayers())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(s *http.Server) error {
					s.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
