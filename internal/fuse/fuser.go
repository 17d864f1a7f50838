// Package fuse rewrites a loaded decoder into fused blocks.
package fuse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/smelt/internal/awq"
	"github.com/samcharles93/smelt/internal/fused"
	"github.com/samcharles93/smelt/internal/logger"
	"github.com/samcharles93/smelt/internal/metrics"
	"github.com/samcharles93/smelt/internal/model"
	"github.com/samcharles93/smelt/internal/tensor"
)

// Mode decides what happens to layers the model family does not fuse.
type Mode int

const (
	// Strict fails the pass with an UnsupportedLayerError.
	Strict Mode = iota
	// Lenient leaves such layers out of the fused model.
	Lenient
)

func (m Mode) String() string {
	switch m {
	case Strict:
		return "strict"
	case Lenient:
		return "lenient"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return Strict, nil
	case "lenient":
		return Lenient, nil
	default:
		return Strict, fmt.Errorf("unknown fuse mode %q (want strict or lenient)", s)
	}
}

type Options struct {
	Mode Mode
	// Workers bounds concurrent block construction. Values below 1 mean 1.
	Workers int
	// EmbedDevice, when set, is where Apply places the embedding table of the
	// fused model.
	EmbedDevice tensor.Device
	Logger      logger.Logger
	Metrics     *metrics.Metrics
}

// Fuser runs fusion passes. It assumes exclusive access to the models it is
// given.
type Fuser struct {
	mode     Mode
	workers  int
	embedDev tensor.Device
	log      logger.Logger
	metrics  *metrics.Metrics
}

func New(opts Options) *Fuser {
	f := &Fuser{
		mode:     opts.Mode,
		workers:  max(opts.Workers, 1),
		embedDev: opts.EmbedDevice,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
	if f.log == nil {
		f.log = logger.Nop()
	}
	return f
}

// layerJob is a validated layer waiting to become a block.
type layerJob struct {
	layer *model.DecoderLayer
	dev   tensor.Device
}

// Fuse builds a fused model from lm without modifying it. Every layer is
// validated before any block is built.
func (f *Fuser) Fuse(ctx context.Context, lm *model.CausalLM) (fm *fused.Model, err error) {
	if lm == nil {
		return nil, fmt.Errorf("fuse: nil model")
	}
	if _, ok := lm.Body.(*fused.Model); ok {
		return nil, ErrAlreadyFused
	}
	start := time.Now()
	defer func() {
		f.metrics.ObserveFusion(lm.Arch, time.Since(start), err)
	}()

	fam, ok := model.LookupFamily(lm.Arch)
	if !ok {
		return nil, fmt.Errorf("fuse: unknown model family %q", lm.Arch)
	}
	ex, err := fam.Extract(lm)
	if err != nil {
		return nil, fmt.Errorf("fuse: %w", err)
	}
	dec, _ := lm.Decoder()

	for _, l := range ex.Skipped {
		if f.mode == Strict {
			return nil, fmt.Errorf("fuse: %w", &UnsupportedLayerError{Layer: l.Name(), Kind: l.Kind()})
		}
		f.log.Warn("skipping unsupported layer", "layer", l.Name(), "kind", l.Kind())
		f.metrics.SkippedLayer(l.Kind())
	}
	if len(ex.Layers) == 0 {
		return nil, fmt.Errorf("fuse: no %s layers found", fam.LayerKind)
	}

	cfg := fused.BlockConfig{
		HiddenSize: lm.Config.HiddenSize,
		NumHeads:   lm.Config.NumHeads,
		NumKVHeads: lm.Config.NumKVHeads,
		MaxSeqLen:  lm.Config.MaxSeqLen,
	}
	jobs := make([]layerJob, len(ex.Layers))
	for i, l := range ex.Layers {
		dev, err := validateLayer(l, cfg)
		if err != nil {
			return nil, fmt.Errorf("fuse: %w", err)
		}
		jobs[i] = layerJob{layer: l, dev: dev}
	}
	blocks := make([]*fused.Block, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)
	for i, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t0 := time.Now()
			b, err := buildBlock(i, job, cfg)
			if err != nil {
				return err
			}
			blocks[i] = b
			f.metrics.ObserveBlock(lm.Arch, time.Since(t0))
			f.log.Debug("fused layer", "layer", job.layer.Name(), "block", i, "device", job.dev.String(),
				"q_rows", b.QKV.QRows, "o_fusable", awq.OutputEligible(job.layer.SelfAttn))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fuse: %w", err)
	}

	fm = fused.NewModel(lm.Config.VocabSize, blocks, dec.Embed, dec.Norm)
	fm.RunID = uuid.NewString()
	f.log.Info("fusion complete", "arch", lm.Arch, "run_id", fm.RunID, "blocks", len(blocks),
		"skipped", len(ex.Skipped), "mode", f.mode.String(), "duration", time.Since(start))
	return fm, nil
}

// Apply fuses lm and installs the fused model as its body. The embedding and
// final norm move to the new body, and the embedding is placed on the
// configured embed device; the old decoder is emptied. On error lm is left
// untouched.
func (f *Fuser) Apply(ctx context.Context, lm *model.CausalLM) error {
	fm, err := f.Fuse(ctx, lm)
	if err != nil {
		return err
	}
	if f.embedDev != "" && fm.Embedding() == nil {
		return fmt.Errorf("fuse: cannot place embedding on %s: model has no embedding", f.embedDev)
	}
	if dec, ok := lm.Decoder(); ok {
		dec.Embed, dec.Norm, dec.Layers = nil, nil, nil
	}
	lm.Body = fm
	if f.embedDev != "" {
		if err := model.MoveEmbedding(lm, f.embedDev); err != nil {
			return fmt.Errorf("fuse: %w", err)
		}
		f.log.Debug("embedding placed", "device", f.embedDev.String())
	}
	return nil
}

// validateLayer checks structure, co-location and the QKV split of l against
// the head layout in cfg and returns the layer's device.
func validateLayer(l *model.DecoderLayer, cfg fused.BlockConfig) (tensor.Device, error) {
	missing := func(part string) error {
		return &MissingModuleError{Layer: l.Name(), Module: part}
	}
	switch {
	case l.InputNorm == nil:
		return "", missing("input_layernorm")
	case l.PostAttnNorm == nil:
		return "", missing("post_attention_layernorm")
	case l.SelfAttn == nil:
		return "", missing("self_attn")
	case l.SelfAttn.QKV == nil:
		return "", missing(awq.KeyQKV)
	case l.SelfAttn.O == nil:
		return "", missing(awq.KeyO)
	case l.MLP == nil:
		return "", missing("mlp")
	case l.MLP.GateUp == nil:
		return "", missing(awq.KeyGateUp)
	case l.MLP.Down == nil:
		return "", missing(awq.KeyDown)
	}

	placements := l.Placements()
	dev := placements[0].Device
	for _, p := range placements[1:] {
		if !p.Device.Same(dev) {
			return "", &DeviceMismatchError{Layer: l.Name(), Tensor: p.Name, Want: dev, Got: p.Device}
		}
	}

	qkv := l.SelfAttn.QKV
	if qkv.OutFeatures()%3 != 0 {
		return "", &ShapeError{Layer: l.Name(), Tensor: qkv.Name(), Shape: qkv.Shape(), Parts: 3}
	}
	// Each third must hold one projection over all heads.
	if want := cfg.QRows(); want > 0 && qkv.OutFeatures()/3 != want {
		return "", &ShapeError{Layer: l.Name(), Tensor: qkv.Name(), Shape: qkv.Shape(), Parts: 3, PartRows: want}
	}
	return dev, nil
}

func buildBlock(i int, job layerJob, cfg fused.BlockConfig) (*fused.Block, error) {
	l := job.layer
	q, k, v, err := SplitQKV(l.SelfAttn.QKV)
	if err != nil {
		var se *ShapeError
		if errors.As(err, &se) {
			se.Layer = l.Name()
		}
		return nil, err
	}
	prefix := fmt.Sprintf("blocks.%d.", i)
	qkv, err := fused.MergeQKV(prefix+"attn.qkv", q, k, v)
	if err != nil {
		return nil, err
	}
	norm1 := fused.NewNorm(prefix+"norm_1", l.InputNorm)
	norm2 := fused.NewNorm(prefix+"norm_2", l.PostAttnNorm)
	return fused.NewBlock(i, l.Name(), cfg, qkv, l.SelfAttn.O, l.MLP, norm1, norm2, job.dev)
}
