// Package awq builds the per-layer scaling plan consumed by activation-aware
// weight quantization calibration.
package awq

import (
	"fmt"

	"github.com/samcharles93/smelt/internal/model"
	"github.com/samcharles93/smelt/internal/tensor"
)

// Input keys into a layer's captured feature cache.
const (
	KeyQKV    = "self_attn.qkv_proj"
	KeyO      = "self_attn.o_proj"
	KeyGateUp = "mlp.gate_up_proj"
	KeyDown   = "mlp.down_proj"
)

// Features maps input keys to the activations captured for a layer.
type Features map[string]tensor.Mat

// Kwargs are passed through to the layer forward when a group is inspected.
type Kwargs struct {
	AttentionMask *tensor.Mat
	PositionIDs   []int
	UseCache      bool
}

// ScalingGroup is a set of layers scaled jointly against the output of Prev.
// Input is only set when BuildPlan is given a feature cache. Inspect and
// Kwargs are nil when the group has none.
type ScalingGroup struct {
	Prev     model.Module
	Layers   []model.Module
	InputKey string
	Input    *tensor.Mat
	Inspect  model.Module
	Kwargs   *Kwargs
}

// ActScaling describes whether a layer has an activation function whose
// output can be scaled. The scale fields are only set when Scalable.
type ActScaling struct {
	Scalable   bool
	ScaleName  string
	ScaleLayer model.Module
	ScaleShape int
}

// ActScalingFor reports the activation scaling of a phi3 layer; the fused
// gate/up activation is not scalable.
func ActScalingFor(*model.DecoderLayer) ActScaling {
	return ActScaling{Scalable: false}
}

// MissingFeatureError reports an input key absent from a non-nil feature
// cache.
type MissingFeatureError struct {
	Layer string
	Key   string
}

func (e *MissingFeatureError) Error() string {
	return fmt.Sprintf("layer %s: no captured input for %s", e.Layer, e.Key)
}

// OutputEligible reports whether o_proj has the shape of one third of the
// combined QKV weight, which makes it scalable against qkv_proj.
func OutputEligible(attn *model.Attention) bool {
	if attn == nil || attn.QKV == nil || attn.O == nil {
		return false
	}
	qkv := attn.QKV.Shape()
	return attn.O.Shape() == [2]int{qkv[0] / 3, qkv[1]}
}

// BuildPlan returns the ordered scaling groups of layer: attention input,
// attention output when eligible, MLP input, MLP output. With a nil features
// map the groups carry keys only.
func BuildPlan(layer *model.DecoderLayer, features Features, kwargs *Kwargs) ([]ScalingGroup, error) {
	if err := checkParts(layer); err != nil {
		return nil, err
	}
	attn, mlp := layer.SelfAttn, layer.MLP

	groups := make([]ScalingGroup, 0, 4)
	add := func(g ScalingGroup) error {
		if features != nil {
			in, ok := features[g.InputKey]
			if !ok {
				return &MissingFeatureError{Layer: layer.Name(), Key: g.InputKey}
			}
			g.Input = &in
		}
		groups = append(groups, g)
		return nil
	}

	if err := add(ScalingGroup{
		Prev:     layer.InputNorm,
		Layers:   []model.Module{attn.QKV},
		InputKey: KeyQKV,
		Inspect:  attn,
		Kwargs:   kwargs,
	}); err != nil {
		return nil, err
	}

	if OutputEligible(attn) {
		if err := add(ScalingGroup{
			Prev:     attn.QKV,
			Layers:   []model.Module{attn.O},
			InputKey: KeyO,
		}); err != nil {
			return nil, err
		}
	}

	if err := add(ScalingGroup{
		Prev:     layer.PostAttnNorm,
		Layers:   []model.Module{mlp.GateUp},
		InputKey: KeyGateUp,
		Inspect:  mlp,
	}); err != nil {
		return nil, err
	}

	if err := add(ScalingGroup{
		Prev:     mlp.GateUp,
		Layers:   []model.Module{mlp.Down},
		InputKey: KeyDown,
	}); err != nil {
		return nil, err
	}
	return groups, nil
}

func checkParts(layer *model.DecoderLayer) error {
	if layer == nil {
		return fmt.Errorf("nil layer")
	}
	var missing string
	switch {
	case layer.InputNorm == nil:
		missing = "input_layernorm"
	case layer.PostAttnNorm == nil:
		missing = "post_attention_layernorm"
	case layer.SelfAttn == nil || layer.SelfAttn.QKV == nil:
		missing = KeyQKV
	case layer.SelfAttn.O == nil:
		missing = KeyO
	case layer.MLP == nil || layer.MLP.GateUp == nil:
		missing = KeyGateUp
	case layer.MLP.Down == nil:
		missing = KeyDown
	default:
		return nil
	}
	return fmt.Errorf("layer %s: missing %s", layer.Name(), missing)
}
