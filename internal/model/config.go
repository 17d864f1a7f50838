package model

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// ConfigFile is the Hugging Face config name inside a checkpoint directory.
const ConfigFile = "config.json"

type hfConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`

	LayerTypes        []string `json:"layer_types"`
	MaxPosition       int      `json:"max_position_embeddings"`
	NumAttentionHeads int      `json:"num_attention_heads"`
	NumKeyValueHeads  int      `json:"num_key_value_heads"`

	HiddenSize         int     `json:"hidden_size"`
	IntermediateSize   int     `json:"intermediate_size"`
	NumHiddenLayers    int     `json:"num_hidden_layers"`
	HeadDim            int     `json:"head_dim"`
	RMSNormEps         float64 `json:"rms_norm_eps"`
	VocabSize          int     `json:"vocab_size"`
	RopeTheta          float64 `json:"rope_theta"`
	TieWordEmbeddings  bool    `json:"tie_word_embeddings"`
	OriginalMaxPosEmbs int     `json:"original_max_position_embeddings"`
}

// Config is the subset of config.json the fusion pass and the scaling planner
// care about.
type Config struct {
	ModelType     string
	Architectures []string

	VocabSize        int
	HiddenSize       int
	IntermediateSize int
	NumLayers        int
	NumHeads         int
	NumKVHeads       int
	HeadDim          int
	RMSNormEps       float64
	RopeTheta        float64
	LayerTypes       []string
	TieEmbeddings    bool

	// MaxPositionEmbeddings is the trained context; MaxSeqLen is what fused
	// blocks are built for and may be overridden at load time.
	MaxPositionEmbeddings int
	MaxSeqLen             int
}

// ParseConfig decodes a config.json payload. Values nested under
// text_config fill fields missing at the top level.
func ParseConfig(raw []byte) (Config, error) {
	hf, err := loadHFConfigBytes(raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	cfg := Config{
		ModelType:             hf.ModelType,
		Architectures:         hf.Architectures,
		VocabSize:             hf.VocabSize,
		HiddenSize:            hf.HiddenSize,
		IntermediateSize:      hf.IntermediateSize,
		NumLayers:             hf.NumHiddenLayers,
		NumHeads:              hf.NumAttentionHeads,
		NumKVHeads:            hf.NumKeyValueHeads,
		HeadDim:               hf.HeadDim,
		RMSNormEps:            hf.RMSNormEps,
		RopeTheta:             hf.RopeTheta,
		LayerTypes:            hf.LayerTypes,
		TieEmbeddings:         hf.TieWordEmbeddings,
		MaxPositionEmbeddings: hf.MaxPosition,
		MaxSeqLen:             hf.MaxPosition,
	}
	if cfg.NumKVHeads == 0 {
		cfg.NumKVHeads = cfg.NumHeads
	}
	if cfg.HeadDim == 0 && cfg.NumHeads > 0 && cfg.HiddenSize%cfg.NumHeads == 0 {
		cfg.HeadDim = cfg.HiddenSize / cfg.NumHeads
	}
	return cfg, nil
}

// Validate reports the first required field that is unset.
func (c *Config) Validate() error {
	switch {
	case c.HiddenSize <= 0:
		return fmt.Errorf("hidden_size must be set")
	case c.NumHeads <= 0:
		return fmt.Errorf("num_attention_heads must be set")
	case c.NumLayers <= 0:
		return fmt.Errorf("num_hidden_layers must be set")
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be set")
	case c.RMSNormEps <= 0:
		return fmt.Errorf("rms_norm_eps must be set")
	case c.NumKVHeads <= 0 || c.NumHeads%c.NumKVHeads != 0:
		return fmt.Errorf("num_key_value_heads %d does not divide num_attention_heads %d", c.NumKVHeads, c.NumHeads)
	}
	return nil
}

func loadHFConfigBytes(raw []byte) (*hfConfig, error) {
	var cfg hfConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if err := mergeTextConfigMissing(&cfg, raw); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeTextConfigMissing fills missing hfConfig fields from a nested
// text_config object when present. Multimodal wrappers put the language model
// parameters there.
func mergeTextConfigMissing(dst *hfConfig, raw []byte) error {
	textRaw, err := textConfig(raw)
	if err != nil || textRaw == nil {
		return err
	}

	var textCfg hfConfig
	if err := json.Unmarshal(textRaw, &textCfg); err != nil {
		return err
	}

	// Identity fields stay as declared at the top level.
	fillInt := func(dst *int, v int) {
		if *dst == 0 && v > 0 {
			*dst = v
		}
	}
	fillFloat := func(dst *float64, v float64) {
		if *dst == 0 && v > 0 {
			*dst = v
		}
	}
	fillInt(&dst.MaxPosition, textCfg.MaxPosition)
	fillInt(&dst.NumAttentionHeads, textCfg.NumAttentionHeads)
	fillInt(&dst.NumKeyValueHeads, textCfg.NumKeyValueHeads)
	fillInt(&dst.HiddenSize, textCfg.HiddenSize)
	fillInt(&dst.IntermediateSize, textCfg.IntermediateSize)
	fillInt(&dst.NumHiddenLayers, textCfg.NumHiddenLayers)
	fillInt(&dst.HeadDim, textCfg.HeadDim)
	fillInt(&dst.VocabSize, textCfg.VocabSize)
	fillInt(&dst.OriginalMaxPosEmbs, textCfg.OriginalMaxPosEmbs)
	fillFloat(&dst.RMSNormEps, textCfg.RMSNormEps)
	fillFloat(&dst.RopeTheta, textCfg.RopeTheta)
	if len(dst.LayerTypes) == 0 && len(textCfg.LayerTypes) > 0 {
		dst.LayerTypes = textCfg.LayerTypes
	}
	return nil
}

func textConfig(raw []byte) (json.RawMessage, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, err
	}
	textRaw, ok := top["text_config"]
	if !ok || len(textRaw) == 0 || string(textRaw) == "null" {
		return nil, nil
	}
	return textRaw, nil
}

// configInt reads an integer field by key, looking in text_config when the
// top level does not carry it. Families name their sequence length key, so
// this cannot go through hfConfig.
func configInt(raw []byte, key string) (int, bool) {
	lookup := func(obj []byte) (int, bool) {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(obj, &m); err != nil {
			return 0, false
		}
		v, ok := m[key]
		if !ok {
			return 0, false
		}
		var n int
		if err := json.Unmarshal(v, &n); err != nil {
			return 0, false
		}
		return n, true
	}
	if n, ok := lookup(raw); ok {
		return n, true
	}
	textRaw, err := textConfig(raw)
	if err != nil || textRaw == nil {
		return 0, false
	}
	return lookup(textRaw)
}

// hasArch reports whether model_type or any architecture name contains substr,
// case-insensitively.
func (c *Config) hasArch(substr string) bool {
	substr = strings.ToLower(substr)
	if strings.Contains(strings.ToLower(strings.TrimSpace(c.ModelType)), substr) {
		return true
	}
	for _, arch := range c.Architectures {
		if strings.Contains(strings.ToLower(arch), substr) {
			return true
		}
	}
	return false
}
