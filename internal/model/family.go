package model

import (
	"fmt"
	"slices"
	"sync"
)

// TensorNames maps a family's modules to checkpoint tensor prefixes. Per-layer
// entries take the layer index.
type TensorNames struct {
	Embedding        string
	FinalNorm        string
	LMHeadCandidates []string

	Layer        func(layer int) string
	InputNorm    func(layer int) string
	PostAttnNorm func(layer int) string
	SelfAttn     func(layer int) string
	QKV          func(layer int) string
	O            func(layer int) string
	MLP          func(layer int) string
	GateUp       func(layer int) string
	Down         func(layer int) string
}

// Extraction is the result of locating a family's decoder layers.
type Extraction struct {
	Layers  []*DecoderLayer
	Skipped []Layer
}

// Family describes one model family: how to recognise its configs, where its
// tensors live and which layers belong to it.
type Family struct {
	Name string
	// LayerKind is the Kind() of layers the family can fuse.
	LayerKind string
	// MaxSeqLenKey is the config.json key holding the trained context length.
	MaxSeqLenKey string
	Names        TensorNames

	Detect  func(cfg *Config) bool
	Extract func(lm *CausalLM) (Extraction, error)
}

var (
	familiesMu sync.RWMutex
	families   = map[string]Family{}
	// detection order follows registration order
	familyOrder []string
)

// RegisterFamily adds f to the registry. It panics on an empty or duplicate
// name, or a family without Detect and Extract.
func RegisterFamily(f Family) {
	familiesMu.Lock()
	defer familiesMu.Unlock()
	if f.Name == "" || f.Detect == nil || f.Extract == nil {
		panic("model: RegisterFamily with incomplete family")
	}
	if _, dup := families[f.Name]; dup {
		panic("model: RegisterFamily called twice for " + f.Name)
	}
	families[f.Name] = f
	familyOrder = append(familyOrder, f.Name)
}

// LookupFamily returns the registered family called name.
func LookupFamily(name string) (Family, bool) {
	familiesMu.RLock()
	defer familiesMu.RUnlock()
	f, ok := families[name]
	return f, ok
}

// Families lists registered family names in registration order.
func Families() []string {
	familiesMu.RLock()
	defer familiesMu.RUnlock()
	return slices.Clone(familyOrder)
}

// DetectFamily picks the first registered family whose Detect accepts cfg.
func DetectFamily(cfg *Config) (Family, error) {
	if cfg == nil {
		return Family{}, fmt.Errorf("nil config")
	}
	familiesMu.RLock()
	defer familiesMu.RUnlock()
	for _, name := range familyOrder {
		if f := families[name]; f.Detect(cfg) {
			return f, nil
		}
	}
	return Family{}, fmt.Errorf("unsupported model_type %q (architectures=%v)", cfg.ModelType, cfg.Architectures)
}

// ExtractLayers partitions the decoder's layers into those of kind and the
// rest, preserving order.
func ExtractLayers(lm *CausalLM, kind string) (Extraction, error) {
	if lm == nil {
		return Extraction{}, fmt.Errorf("nil model")
	}
	dec, ok := lm.Decoder()
	if !ok {
		return Extraction{}, fmt.Errorf("model body is %T, not a decoder", lm.Body)
	}
	var ex Extraction
	for _, l := range dec.Layers {
		if dl, ok := l.(*DecoderLayer); ok && dl != nil && dl.Kind() == kind {
			ex.Layers = append(ex.Layers, dl)
			continue
		}
		ex.Skipped = append(ex.Skipped, l)
	}
	return ex, nil
}
