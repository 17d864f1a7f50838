package model

import (
	"errors"

	"github.com/samcharles93/smelt/internal/tensor"
)

// Body is the part of a causal LM between token ids and the LM head. Both the
// loaded decoder and a fused model implement it.
type Body interface {
	Embedding() *Embedding
	FinalNorm() *RMSNorm
	NumLayers() int
}

// Decoder is the unfused layer stack as loaded from a checkpoint.
type Decoder struct {
	Embed  *Embedding
	Layers []Layer
	Norm   *RMSNorm
}

func (d *Decoder) Embedding() *Embedding { return d.Embed }
func (d *Decoder) FinalNorm() *RMSNorm   { return d.Norm }
func (d *Decoder) NumLayers() int        { return len(d.Layers) }

// CausalLM is a loaded model: family name, parsed config, body and head.
type CausalLM struct {
	Arch   string
	Config Config
	Body   Body
	LMHead *Linear
}

// Decoder returns the body as an unfused decoder, or false once the body has
// been replaced.
func (lm *CausalLM) Decoder() (*Decoder, bool) {
	d, ok := lm.Body.(*Decoder)
	return d, ok && d != nil
}

var errNoEmbedding = errors.New("model has no embedding")

// MoveEmbedding places the embedding table on dev. The table itself is not
// copied.
func MoveEmbedding(lm *CausalLM, dev tensor.Device) error {
	if lm == nil || lm.Body == nil || lm.Body.Embedding() == nil {
		return errNoEmbedding
	}
	lm.Body.Embedding().Weight.Device = dev
	return nil
}
