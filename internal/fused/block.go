package fused

import (
	"fmt"

	"github.com/samcharles93/smelt/internal/model"
	"github.com/samcharles93/smelt/internal/tensor"
)

// Norm is an RMS norm ready for fused execution. The weight is shared with the
// source norm and Eps is carried over unchanged.
type Norm struct {
	Path   string
	Weight []float32
	Eps    float64
	Dev    tensor.Device
}

func NewNorm(path string, src *model.RMSNorm) *Norm {
	return &Norm{Path: path, Weight: src.Weight, Eps: src.Eps, Dev: src.Device()}
}

func (n *Norm) Name() string { return n.Path }

func (n *Norm) Forward(x *tensor.Mat) (tensor.Mat, error) {
	return tensor.RMSNormRows(x, n.Weight, n.Eps)
}

// BlockConfig carries the model-wide values every block is built with.
type BlockConfig struct {
	HiddenSize int
	NumHeads   int
	NumKVHeads int
	MaxSeqLen  int
}

// QRows is the query projection height, heads times head dim. Zero when the
// head count is unset or does not divide the hidden size.
func (c BlockConfig) QRows() int {
	if c.NumHeads <= 0 || c.HiddenSize%c.NumHeads != 0 {
		return 0
	}
	return c.NumHeads * (c.HiddenSize / c.NumHeads)
}

// Block is one fused decoder layer.
type Block struct {
	Index int
	// Source is the name of the decoder layer the block was built from.
	Source string

	HiddenSize int
	NumHeads   int
	NumKVHeads int
	HeadDim    int
	MaxSeqLen  int
	Device     tensor.Device

	QKV   *QKV
	O     *model.Linear
	MLP   *model.MLP
	Norm1 *Norm
	Norm2 *Norm
}

// NewBlock assembles a block. o and mlp are taken as is.
func NewBlock(index int, source string, cfg BlockConfig, qkv *QKV, o *model.Linear, mlp *model.MLP, norm1, norm2 *Norm, dev tensor.Device) (*Block, error) {
	if qkv == nil || o == nil || mlp == nil || norm1 == nil || norm2 == nil {
		return nil, fmt.Errorf("block %d: incomplete parts", index)
	}
	if cfg.NumHeads <= 0 || cfg.HiddenSize%cfg.NumHeads != 0 {
		return nil, fmt.Errorf("block %d: hidden size %d not divisible by %d heads", index, cfg.HiddenSize, cfg.NumHeads)
	}
	if want := cfg.QRows(); qkv.QRows != want {
		return nil, fmt.Errorf("block %d: q rows %d, want %d (%d heads x %d)", index, qkv.QRows, want, cfg.NumHeads, cfg.HiddenSize/cfg.NumHeads)
	}
	if qkv.InFeatures() != cfg.HiddenSize {
		return nil, fmt.Errorf("block %d: qkv input width %d, want hidden size %d", index, qkv.InFeatures(), cfg.HiddenSize)
	}
	if len(norm1.Weight) != cfg.HiddenSize || len(norm2.Weight) != cfg.HiddenSize {
		return nil, fmt.Errorf("block %d: norm widths %d/%d, want %d", index, len(norm1.Weight), len(norm2.Weight), cfg.HiddenSize)
	}
	kv := cfg.NumKVHeads
	if kv == 0 {
		kv = cfg.NumHeads
	}
	return &Block{
		Index:      index,
		Source:     source,
		HiddenSize: cfg.HiddenSize,
		NumHeads:   cfg.NumHeads,
		NumKVHeads: kv,
		HeadDim:    cfg.HiddenSize / cfg.NumHeads,
		MaxSeqLen:  cfg.MaxSeqLen,
		Device:     dev,
		QKV:        qkv,
		O:          o,
		MLP:        mlp,
		Norm1:      norm1,
		Norm2:      norm2,
	}, nil
}

func (b *Block) Name() string { return fmt.Sprintf("blocks.%d", b.Index) }
