package fused

import (
	"github.com/samcharles93/smelt/internal/model"
)

// Model replaces a decoder body after fusion. It implements model.Body.
type Model struct {
	VocabSize int
	Blocks    []*Block
	Embed     *model.Embedding
	Norm      *model.RMSNorm
	// RunID identifies the fusion pass that produced the model.
	RunID string
}

// NewModel takes ownership of blocks and the embedding table; nothing is
// copied.
func NewModel(vocabSize int, blocks []*Block, embed *model.Embedding, norm *model.RMSNorm) *Model {
	return &Model{
		VocabSize: vocabSize,
		Blocks:    blocks,
		Embed:     embed,
		Norm:      norm,
	}
}

func (m *Model) Embedding() *model.Embedding { return m.Embed }
func (m *Model) FinalNorm() *model.RMSNorm   { return m.Norm }
func (m *Model) NumLayers() int              { return len(m.Blocks) }
