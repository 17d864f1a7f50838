package model

import (
	"github.com/samcharles93/smelt/internal/tensor"
)

// Module is a named node of the host model graph. Names are the dotted
// checkpoint prefixes, e.g. "model.layers.3.self_attn.qkv_proj".
type Module interface {
	Name() string
}

// Linear is a projection with weight [out, in] and an optional bias.
type Linear struct {
	Path   string
	Weight tensor.Mat
	Bias   []float32
}

func (l *Linear) Name() string { return l.Path }

func (l *Linear) InFeatures() int  { return l.Weight.C }
func (l *Linear) OutFeatures() int { return l.Weight.R }

// Shape returns the weight shape as [out, in].
func (l *Linear) Shape() [2]int { return [2]int{l.Weight.R, l.Weight.C} }

func (l *Linear) Device() tensor.Device { return l.Weight.Device }

// Forward computes x·Wᵀ+b for x of shape [tokens, in].
func (l *Linear) Forward(x *tensor.Mat) (tensor.Mat, error) {
	return tensor.Linear(x, &l.Weight, l.Bias)
}

// RMSNorm holds a norm weight and its epsilon as configured.
type RMSNorm struct {
	Path   string
	Weight []float32
	Eps    float64
	Dev    tensor.Device
}

func (n *RMSNorm) Name() string          { return n.Path }
func (n *RMSNorm) Device() tensor.Device { return n.Dev }

func (n *RMSNorm) Forward(x *tensor.Mat) (tensor.Mat, error) {
	return tensor.RMSNormRows(x, n.Weight, n.Eps)
}

// Embedding is the token embedding table, [vocab, hidden].
type Embedding struct {
	Path   string
	Weight tensor.Mat
}

func (e *Embedding) Name() string          { return e.Path }
func (e *Embedding) Device() tensor.Device { return e.Weight.Device }

// Attention is the self-attention block of a layer with a combined QKV
// projection.
type Attention struct {
	Path string
	QKV  *Linear
	O    *Linear
}

func (a *Attention) Name() string { return a.Path }

// MLP is the gated feed-forward block with a combined gate/up projection.
type MLP struct {
	Path   string
	GateUp *Linear
	Down   *Linear
}

func (m *MLP) Name() string { return m.Path }
