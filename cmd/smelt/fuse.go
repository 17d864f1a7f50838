package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/smelt/internal/fuse"
	"github.com/samcharles93/smelt/internal/fused"
	"github.com/samcharles93/smelt/internal/logger"
	"github.com/samcharles93/smelt/internal/tensor"
)

func fuseFlags(mode *string, workers *int) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "mode",
			Usage:       "handling of layers the family cannot fuse (strict, lenient)",
			Value:       "strict",
			Destination: mode,
		},
		&cli.IntFlag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "concurrent block builders",
			Value:       1,
			Destination: workers,
		},
	}
}

// parseEmbedDevice returns the empty device for an unset flag so the
// embedding stays where it was loaded.
func parseEmbedDevice(s string) (tensor.Device, error) {
	if s == "" {
		return "", nil
	}
	d, err := tensor.ParseDevice(s)
	if err != nil {
		return "", fmt.Errorf("embed-device: %w", err)
	}
	return d, nil
}

func fuseCmd() *cli.Command {
	var (
		out     string
		dtype   string
		mode    string
		workers  int
		embedDev string
		dryRun   bool
	)

	return &cli.Command{
		Name:  "fuse",
		Usage: "Fuse decoder layers into blocks and write the fused checkpoint",
		Flags: append(append(commonModelFlags(), fuseFlags(&mode, &workers)...),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output directory (default: $SMELT_OUT_DIR/<model>-fused or ./out/<model>-fused)",
				Destination: &out,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "convert matrices on write (f32, f16, bf16; empty keeps source dtype)",
				Destination: &dtype,
			},
			&cli.StringFlag{
				Name:        "embed-device",
				Usage:       "place the fused model's embedding table on this device (cpu, cuda:N, metal, rocm:N)",
				Destination: &embedDev,
			},
			&cli.BoolFlag{
				Name:        "dry-run",
				Usage:       "validate and fuse in memory without writing",
				Destination: &dryRun,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyFuseConfig(c, cfg, &out, &dtype, &mode, &workers)

			fm, err := fuse.ParseMode(mode)
			if err != nil {
				return err
			}
			ed, err := parseEmbedDevice(embedDev)
			if err != nil {
				return err
			}
			var dt tensor.DType
			if dtype != "" {
				if dt, err = tensor.ParseDType(dtype); err != nil {
					return err
				}
			}
			dir, err := resolveModelDir(modelDir)
			if err != nil {
				return err
			}
			outDir, err := resolveFuseOut(dir, out)
			if err != nil {
				return err
			}

			start := time.Now()
			lm, err := loadModel()
			if err != nil {
				return err
			}
			log.Info("model loaded", "dir", dir, "arch", lm.Arch, "layers", lm.Body.NumLayers(),
				"duration", time.Since(start))

			fuser := fuse.New(fuse.Options{Mode: fm, Workers: workers, EmbedDevice: ed, Logger: log})
			if err := fuser.Apply(ctx, lm); err != nil {
				return err
			}
			m := lm.Body.(*fused.Model)
			if dryRun {
				_, _ = fmt.Fprintf(os.Stdout, "fused %d blocks (run %s), nothing written\n", len(m.Blocks), m.RunID)
				return nil
			}

			err = fused.WriteCheckpoint(outDir, m, fused.WriteOptions{
				Arch:   lm.Arch,
				Config: lm.Config,
				LMHead: lm.LMHead,
				DType:  dt,
			})
			if err != nil {
				return fmt.Errorf("write fused checkpoint: %w", err)
			}
			log.Info("fused checkpoint written", "dir", outDir, "run_id", m.RunID)
			_, _ = fmt.Fprintf(os.Stdout, "fused %d blocks into %s\n", len(m.Blocks), outDir)
			return nil
		},
	}
}
