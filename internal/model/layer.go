package model

import (
	"github.com/samcharles93/smelt/internal/tensor"
)

// Layer is one entry of a decoder's layer stack.
type Layer interface {
	Module
	Kind() string
}

// Placement names a tensor of a layer and the device it lives on.
type Placement struct {
	Name   string
	Device tensor.Device
}

// DecoderLayer is a pre-norm transformer layer: input norm, self-attention,
// post-attention norm, MLP. Parts missing from the checkpoint are nil.
type DecoderLayer struct {
	Index        int
	Path         string
	Type         string
	InputNorm    *RMSNorm
	SelfAttn     *Attention
	PostAttnNorm *RMSNorm
	MLP          *MLP
}

func (l *DecoderLayer) Name() string { return l.Path }
func (l *DecoderLayer) Kind() string { return l.Type }

// Placements lists the layer's tensors in state order: attention (o_proj
// before qkv_proj), MLP, then the two norms. Missing parts are skipped.
func (l *DecoderLayer) Placements() []Placement {
	var out []Placement
	linear := func(lin *Linear) {
		if lin == nil {
			return
		}
		out = append(out, Placement{Name: lin.Path + ".weight", Device: lin.Device()})
		if lin.Bias != nil {
			// bias vectors follow the weight's placement
			out = append(out, Placement{Name: lin.Path + ".bias", Device: lin.Device()})
		}
	}
	if l.SelfAttn != nil {
		linear(l.SelfAttn.O)
		linear(l.SelfAttn.QKV)
	}
	if l.MLP != nil {
		linear(l.MLP.GateUp)
		linear(l.MLP.Down)
	}
	for _, n := range []*RMSNorm{l.InputNorm, l.PostAttnNorm} {
		if n != nil {
			out = append(out, Placement{Name: n.Path + ".weight", Device: n.Device()})
		}
	}
	return out
}

// OpaqueLayer stands in for a layer type this package cannot load, such as
// the convolution or linear-attention layers of hybrid checkpoints.
type OpaqueLayer struct {
	Index int
	Path  string
	Type  string
}

func (l *OpaqueLayer) Name() string { return l.Path }
func (l *OpaqueLayer) Kind() string { return l.Type }
