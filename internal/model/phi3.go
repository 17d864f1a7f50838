package model

import "fmt"

// Phi3LayerKind is the layer type name of phi3 decoder layers.
const Phi3LayerKind = "Phi3DecoderLayer"

func init() {
	RegisterFamily(phi3Family())
}

func phi3Family() Family {
	layer := func(i int) string { return fmt.Sprintf("model.layers.%d", i) }
	return Family{
		Name:         "phi3",
		LayerKind:    Phi3LayerKind,
		MaxSeqLenKey: "max_position_embeddings",
		Names: TensorNames{
			Embedding: "model.embed_tokens",
			FinalNorm: "model.norm",
			LMHeadCandidates: []string{
				"lm_head",
				"model.embed_tokens",
			},
			Layer:        layer,
			InputNorm:    func(i int) string { return layer(i) + ".input_layernorm" },
			PostAttnNorm: func(i int) string { return layer(i) + ".post_attention_layernorm" },
			SelfAttn:     func(i int) string { return layer(i) + ".self_attn" },
			QKV:          func(i int) string { return layer(i) + ".self_attn.qkv_proj" },
			O:            func(i int) string { return layer(i) + ".self_attn.o_proj" },
			MLP:          func(i int) string { return layer(i) + ".mlp" },
			GateUp:       func(i int) string { return layer(i) + ".mlp.gate_up_proj" },
			Down:         func(i int) string { return layer(i) + ".mlp.down_proj" },
		},
		Detect: func(cfg *Config) bool {
			// phi3small uses separate projections and a different MLP.
			return cfg.hasArch("phi3") && !cfg.hasArch("phi3small")
		},
		Extract: func(lm *CausalLM) (Extraction, error) {
			return ExtractLayers(lm, Phi3LayerKind)
		},
	}
}
