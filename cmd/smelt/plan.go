package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/smelt/internal/awq"
	"github.com/samcharles93/smelt/internal/logger"
	"github.com/samcharles93/smelt/internal/model"
)

func planCmd() *cli.Command {
	var layer int

	return &cli.Command{
		Name:  "plan",
		Usage: "Print the activation-aware scaling groups of decoder layers",
		Flags: append(commonModelFlags(), append(outputFlags(),
			&cli.IntFlag{
				Name:        "layer",
				Aliases:     []string{"l"},
				Usage:       "layer index to plan (-1 = every plannable layer)",
				Value:       -1,
				Destination: &layer,
			},
		)...),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(c, cfg)
			lm, err := loadModel()
			if err != nil {
				return err
			}
			plans, err := planLayers(log, lm, layer)
			if err != nil {
				return err
			}
			return writeOutput(os.Stdout, outFormat, plans, func(w io.Writer) error {
				return printPlans(w, plans)
			})
		},
	}
}

// planLayers plans one layer, or every plannable layer when index is negative.
func planLayers(log logger.Logger, lm *model.CausalLM, index int) ([]awq.LayerPlan, error) {
	if index >= 0 {
		p, err := awq.PlanLayer(lm, index)
		if err != nil {
			return nil, err
		}
		return []awq.LayerPlan{p}, nil
	}
	dec, ok := lm.Decoder()
	if !ok {
		return nil, awq.ErrNoDecoder
	}
	plans := make([]awq.LayerPlan, 0, len(dec.Layers))
	for i := range dec.Layers {
		p, err := awq.PlanLayer(lm, i)
		if errors.Is(err, awq.ErrNotPlannable) {
			log.Warn("skipping layer", "layer", i, "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("no plannable layers in %s model", lm.Arch)
	}
	return plans, nil
}

func printPlans(w io.Writer, plans []awq.LayerPlan) error {
	for _, p := range plans {
		_, _ = fmt.Fprintf(w, "layer %d (%s)\n", p.Layer, p.Name)
		for i, g := range p.Groups {
			_, _ = fmt.Fprintf(w, "  %d. %s\n", i, g.InputKey)
			_, _ = fmt.Fprintf(w, "     prev:    %s\n", g.Prev)
			_, _ = fmt.Fprintf(w, "     layers:  %s\n", strings.Join(g.Layers, ", "))
			if g.Inspect != "" {
				_, _ = fmt.Fprintf(w, "     inspect: %s\n", g.Inspect)
			}
			if g.ForwardArgs {
				_, _ = fmt.Fprintln(w, "     kwargs:  forwarded")
			}
		}
		if p.Act.Scalable {
			_, _ = fmt.Fprintf(w, "  act scaling: %s on %s [%d]\n", p.Act.ScaleName, p.Act.ScaleLayer, p.Act.ScaleShape)
		} else {
			_, _ = fmt.Fprintln(w, "  act scaling: not scalable")
		}
	}
	return nil
}
