package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/smelt/internal/safetensors"
	"github.com/samcharles93/smelt/internal/tensor"
)

type tensorPayload struct {
	DType tensor.DType
	Shape []int
	Raw   []byte
}

type tensorSource interface {
	ReadTensor(name string) (tensorPayload, error)
	TensorShape(name string) ([]int, bool)
}

type setSource struct {
	set *safetensors.Set
}

func (s setSource) ReadTensor(name string) (tensorPayload, error) {
	raw, info, err := s.set.ReadTensor(name)
	if err != nil {
		return tensorPayload{}, err
	}
	dtype, err := tensor.ParseDType(info.DType)
	if err != nil {
		return tensorPayload{}, err
	}
	shape := make([]int, len(info.Shape))
	copy(shape, info.Shape)
	return tensorPayload{DType: dtype, Shape: shape, Raw: raw}, nil
}

func (s setSource) TensorShape(name string) ([]int, bool) {
	info, ok := s.set.Tensor(name)
	if !ok {
		return nil, false
	}
	shape := make([]int, len(info.Shape))
	copy(shape, info.Shape)
	return shape, true
}

// LoadOptions tune Load.
type LoadOptions struct {
	// MaxSeqLen overrides the family's sequence length key when positive.
	MaxSeqLen int
	// Device is recorded on every loaded tensor. Empty means cpu.
	Device tensor.Device
	// NoMmap reads tensors with ReadAt instead of mapping the shards.
	NoMmap bool
}

// Load reads config.json and the safetensors checkpoint in dir.
func Load(dir string, opts LoadOptions) (*CausalLM, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	fam, err := DetectFamily(&cfg)
	if err != nil {
		return nil, err
	}
	if n, ok := configInt(raw, fam.MaxSeqLenKey); ok {
		cfg.MaxSeqLen = n
	}
	if opts.MaxSeqLen > 0 {
		cfg.MaxSeqLen = opts.MaxSeqLen
	}
	set, err := safetensors.OpenDir(dir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = set.Close() }()
	if !opts.NoMmap {
		// Shards that fail to map are read with ReadAt instead.
		_ = set.Map()
	}
	return loadFromSource(cfg, fam, setSource{set: set}, opts.Device)
}

func loadFromSource(cfg Config, fam Family, src tensorSource, dev tensor.Device) (*CausalLM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dev == "" {
		dev = tensor.CPU
	}
	names := fam.Names

	embMat, err := loadMat(src, names.Embedding+".weight", dev)
	if err != nil {
		return nil, err
	}
	if embMat.R != cfg.VocabSize || embMat.C != cfg.HiddenSize {
		return nil, fmt.Errorf("%s: shape %v, want [%d %d]", names.Embedding, embMat.Shape(), cfg.VocabSize, cfg.HiddenSize)
	}
	norm, err := loadNorm(src, names.FinalNorm, cfg.RMSNormEps, dev)
	if err != nil {
		return nil, err
	}
	if norm == nil {
		return nil, fmt.Errorf("missing final norm %s", names.FinalNorm)
	}

	var head *Linear
	for _, cand := range names.LMHeadCandidates {
		if head, err = loadLinear(src, cand, dev); err != nil {
			return nil, err
		}
		if head != nil {
			break
		}
	}
	if head == nil {
		return nil, fmt.Errorf("missing output projection (tried %v)", names.LMHeadCandidates)
	}

	dec := &Decoder{
		Embed:  &Embedding{Path: names.Embedding, Weight: embMat},
		Layers: make([]Layer, 0, cfg.NumLayers),
		Norm:   norm,
	}
	for i := 0; i < cfg.NumLayers; i++ {
		if i < len(cfg.LayerTypes) && !isAttentionLayerType(cfg.LayerTypes[i]) {
			dec.Layers = append(dec.Layers, &OpaqueLayer{Index: i, Path: names.Layer(i), Type: cfg.LayerTypes[i]})
			continue
		}
		layer, err := loadDecoderLayer(src, fam, i, cfg.RMSNormEps, dev)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		dec.Layers = append(dec.Layers, layer)
	}

	return &CausalLM{
		Arch:   fam.Name,
		Config: cfg,
		Body:   dec,
		LMHead: head,
	}, nil
}

func isAttentionLayerType(lt string) bool {
	switch strings.ToLower(strings.TrimSpace(lt)) {
	case "", "attention", "full_attention", "sliding_attention":
		return true
	default:
		return false
	}
}

// loadDecoderLayer builds a layer from whatever tensors are present; absent
// parts are left nil for the caller to report.
func loadDecoderLayer(src tensorSource, fam Family, i int, eps float64, dev tensor.Device) (*DecoderLayer, error) {
	n := fam.Names
	l := &DecoderLayer{Index: i, Path: n.Layer(i), Type: fam.LayerKind}

	var err error
	if l.InputNorm, err = loadNorm(src, n.InputNorm(i), eps, dev); err != nil {
		return nil, err
	}
	if l.PostAttnNorm, err = loadNorm(src, n.PostAttnNorm(i), eps, dev); err != nil {
		return nil, err
	}

	qkv, err := loadLinear(src, n.QKV(i), dev)
	if err != nil {
		return nil, err
	}
	o, err := loadLinear(src, n.O(i), dev)
	if err != nil {
		return nil, err
	}
	if qkv != nil || o != nil {
		l.SelfAttn = &Attention{Path: n.SelfAttn(i), QKV: qkv, O: o}
	}

	gateUp, err := loadLinear(src, n.GateUp(i), dev)
	if err != nil {
		return nil, err
	}
	down, err := loadLinear(src, n.Down(i), dev)
	if err != nil {
		return nil, err
	}
	if gateUp != nil || down != nil {
		l.MLP = &MLP{Path: n.MLP(i), GateUp: gateUp, Down: down}
	}
	return l, nil
}

// loadLinear returns nil without error when prefix.weight is absent.
func loadLinear(src tensorSource, prefix string, dev tensor.Device) (*Linear, error) {
	if _, ok := src.TensorShape(prefix + ".weight"); !ok {
		return nil, nil
	}
	w, err := loadMat(src, prefix+".weight", dev)
	if err != nil {
		return nil, err
	}
	lin := &Linear{Path: prefix, Weight: w}
	if _, ok := src.TensorShape(prefix + ".bias"); ok {
		b, err := loadVec(src, prefix+".bias")
		if err != nil {
			return nil, err
		}
		if len(b) != w.R {
			return nil, fmt.Errorf("%s.bias: length %d, want %d", prefix, len(b), w.R)
		}
		lin.Bias = b
	}
	return lin, nil
}

// loadNorm returns nil without error when prefix.weight is absent.
func loadNorm(src tensorSource, prefix string, eps float64, dev tensor.Device) (*RMSNorm, error) {
	if _, ok := src.TensorShape(prefix + ".weight"); !ok {
		return nil, nil
	}
	w, err := loadVec(src, prefix+".weight")
	if err != nil {
		return nil, err
	}
	return &RMSNorm{Path: prefix, Weight: w, Eps: eps, Dev: dev}, nil
}

func loadMat(src tensorSource, name string, dev tensor.Device) (tensor.Mat, error) {
	payload, err := src.ReadTensor(name)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("%s: %w", name, err)
	}
	shape := payload.Shape
	if len(shape) != 2 {
		return tensor.Mat{}, fmt.Errorf("%s: expected 2D tensor, got shape %v", name, shape)
	}
	if shape[0] <= 0 || shape[1] <= 0 {
		return tensor.Mat{}, fmt.Errorf("%s: invalid shape %v", name, shape)
	}
	m, err := tensor.NewMatFromRaw(shape[0], shape[1], payload.DType, payload.Raw)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("%s: %w", name, err)
	}
	m.Device = dev
	return m, nil
}

func loadVec(src tensorSource, name string) ([]float32, error) {
	payload, err := src.ReadTensor(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(payload.Shape) != 1 {
		return nil, fmt.Errorf("%s: expected 1D tensor, got shape %v", name, payload.Shape)
	}
	data, err := tensor.Decode(payload.DType, payload.Raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(data) != payload.Shape[0] {
		return nil, fmt.Errorf("%s: size mismatch", name)
	}
	return data, nil
}
