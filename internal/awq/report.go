package awq

import (
	"errors"
	"fmt"

	"github.com/samcharles93/smelt/internal/model"
)

// LayerReport describes one layer of a loaded model.
type LayerReport struct {
	Index     int    `json:"index" yaml:"index"`
	Name      string `json:"name" yaml:"name"`
	Kind      string `json:"kind" yaml:"kind"`
	Supported bool   `json:"supported" yaml:"supported"`
	QKVShape  []int  `json:"qkv_shape,omitempty" yaml:"qkv_shape,omitempty"`
	OShape    []int  `json:"o_shape,omitempty" yaml:"o_shape,omitempty"`
	// OFusable is true when o_proj gets its own scaling group.
	OFusable bool    `json:"o_fusable" yaml:"o_fusable"`
	Eps      float64 `json:"eps,omitempty" yaml:"eps,omitempty"`
	Device   string  `json:"device,omitempty" yaml:"device,omitempty"`
	Problem  string  `json:"problem,omitempty" yaml:"problem,omitempty"`
}

// Report summarises a model for inspection.
type Report struct {
	Arch       string        `json:"arch" yaml:"arch"`
	Fused      bool          `json:"fused" yaml:"fused"`
	VocabSize  int           `json:"vocab_size" yaml:"vocab_size"`
	HiddenSize int           `json:"hidden_size" yaml:"hidden_size"`
	NumHeads   int           `json:"num_attention_heads" yaml:"num_attention_heads"`
	NumKVHeads int           `json:"num_key_value_heads" yaml:"num_key_value_heads"`
	MaxSeqLen  int           `json:"max_seq_len" yaml:"max_seq_len"`
	Layers     []LayerReport `json:"layers,omitempty" yaml:"layers,omitempty"`
	Blocks     int           `json:"blocks,omitempty" yaml:"blocks,omitempty"`
}

// Inspect reports per-layer plan eligibility. Layers of a fused model are no
// longer enumerable; only the block count is reported.
func Inspect(lm *model.CausalLM) Report {
	r := Report{
		Arch:       lm.Arch,
		VocabSize:  lm.Config.VocabSize,
		HiddenSize: lm.Config.HiddenSize,
		NumHeads:   lm.Config.NumHeads,
		NumKVHeads: lm.Config.NumKVHeads,
		MaxSeqLen:  lm.Config.MaxSeqLen,
	}
	dec, ok := lm.Decoder()
	if !ok {
		r.Fused = true
		if lm.Body != nil {
			r.Blocks = lm.Body.NumLayers()
		}
		return r
	}

	kind := ""
	if fam, ok := model.LookupFamily(lm.Arch); ok {
		kind = fam.LayerKind
	}
	for i, l := range dec.Layers {
		lr := LayerReport{Index: i, Name: l.Name(), Kind: l.Kind()}
		dl, isDecoder := l.(*model.DecoderLayer)
		if !isDecoder || l.Kind() != kind {
			r.Layers = append(r.Layers, lr)
			continue
		}
		lr.Supported = true
		if err := checkParts(dl); err != nil {
			lr.Problem = err.Error()
		}
		if a := dl.SelfAttn; a != nil {
			if a.QKV != nil {
				s := a.QKV.Shape()
				lr.QKVShape = s[:]
				if lr.Problem == "" {
					lr.Problem = qkvProblem(s[0], lm.Config)
				}
			}
			if a.O != nil {
				s := a.O.Shape()
				lr.OShape = s[:]
			}
			lr.OFusable = OutputEligible(a)
		}
		if dl.InputNorm != nil {
			lr.Eps = dl.InputNorm.Eps
		}
		if p := dl.Placements(); len(p) > 0 {
			lr.Device = p[0].Device.String()
		}
		r.Layers = append(r.Layers, lr)
	}
	return r
}

// qkvProblem describes why a combined QKV of the given height cannot be split
// into per-head Q, K and V parts.
func qkvProblem(rows int, cfg model.Config) string {
	if rows%3 != 0 {
		return fmt.Sprintf("qkv rows %d not divisible by 3", rows)
	}
	if h := cfg.NumHeads; h > 0 && cfg.HiddenSize%h == 0 && rows/3 != cfg.HiddenSize {
		return fmt.Sprintf("qkv parts of %d rows, want %d heads x %d", rows/3, h, cfg.HiddenSize/h)
	}
	return ""
}

var (
	ErrNoDecoder    = errors.New("model has no decoder layers")
	ErrLayerRange   = errors.New("layer index out of range")
	ErrNotPlannable = errors.New("layer cannot be planned")
)

// PlanLayer builds the keys-only plan of the i-th decoder layer. The attention
// group is marked as receiving the layer's forward arguments.
func PlanLayer(lm *model.CausalLM, i int) (LayerPlan, error) {
	dec, ok := lm.Decoder()
	if !ok {
		return LayerPlan{}, ErrNoDecoder
	}
	if i < 0 || i >= len(dec.Layers) {
		return LayerPlan{}, fmt.Errorf("%w: %d not in [0,%d)", ErrLayerRange, i, len(dec.Layers))
	}
	dl, ok := dec.Layers[i].(*model.DecoderLayer)
	if !ok {
		return LayerPlan{}, fmt.Errorf("%w: %s is %s", ErrNotPlannable, dec.Layers[i].Name(), dec.Layers[i].Kind())
	}
	groups, err := BuildPlan(dl, nil, &Kwargs{})
	if err != nil {
		return LayerPlan{}, fmt.Errorf("%w: %w", ErrNotPlannable, err)
	}
	return LayerPlan{
		Layer:  i,
		Name:   dl.Name(),
		Groups: Summarize(groups),
		Act:    SummarizeAct(ActScalingFor(dl)),
	}, nil
}
