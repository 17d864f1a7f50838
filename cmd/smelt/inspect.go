package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/smelt/internal/awq"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Report per-layer fusion and scaling eligibility of a checkpoint",
		Flags: append(commonModelFlags(), outputFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyModelConfig(c, cfg)
			lm, err := loadModel()
			if err != nil {
				return err
			}
			r := awq.Inspect(lm)
			return writeOutput(os.Stdout, outFormat, r, func(w io.Writer) error {
				return printReport(w, r)
			})
		},
	}
}

func printReport(w io.Writer, r awq.Report) error {
	_, _ = fmt.Fprintf(w, "arch:        %s\n", r.Arch)
	_, _ = fmt.Fprintf(w, "vocab:       %d\n", r.VocabSize)
	_, _ = fmt.Fprintf(w, "hidden:      %d\n", r.HiddenSize)
	_, _ = fmt.Fprintf(w, "heads:       %d (kv %d)\n", r.NumHeads, r.NumKVHeads)
	_, _ = fmt.Fprintf(w, "max seq len: %d\n", r.MaxSeqLen)
	if r.Fused {
		_, err := fmt.Fprintf(w, "fused:       %d blocks\n", r.Blocks)
		return err
	}
	_, _ = fmt.Fprintf(w, "layers:      %d\n", len(r.Layers))
	for _, l := range r.Layers {
		if !l.Supported {
			_, _ = fmt.Fprintf(w, "  %3d  %-24s %-18s unsupported\n", l.Index, l.Name, l.Kind)
			continue
		}
		_, _ = fmt.Fprintf(w, "  %3d  %-24s %-18s qkv=%s o=%s o_group=%t eps=%g device=%s",
			l.Index, l.Name, l.Kind, formatShape(l.QKVShape), formatShape(l.OShape), l.OFusable, l.Eps, l.Device)
		if l.Problem != "" {
			_, _ = fmt.Fprintf(w, "  problem: %s", l.Problem)
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}
