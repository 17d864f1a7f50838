package fuse

import (
	"fmt"
	"strings"

	"github.com/samcharles93/smelt/internal/model"
	"github.com/samcharles93/smelt/internal/tensor"
)

// SplitQKV cuts a combined projection into query, key and value projections
// of equal height. Rows are taken in order; values are copied bit for bit.
func SplitQKV(qkv *model.Linear) (q, k, v *model.Linear, err error) {
	if qkv == nil {
		return nil, nil, nil, fmt.Errorf("split qkv: nil projection")
	}
	if qkv.Weight.R%3 != 0 {
		return nil, nil, nil, &ShapeError{Tensor: qkv.Name(), Shape: qkv.Shape(), Parts: 3}
	}
	if qkv.Bias != nil && len(qkv.Bias) != qkv.Weight.R {
		return nil, nil, nil, fmt.Errorf("split qkv %s: bias length %d, want %d", qkv.Name(), len(qkv.Bias), qkv.Weight.R)
	}

	chunks, err := tensor.ChunkRows(qkv.Weight, 3)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("split qkv %s: %w", qkv.Name(), err)
	}
	rows := qkv.Weight.R / 3
	base := strings.TrimSuffix(qkv.Name(), "qkv_proj")

	out := make([]*model.Linear, 3)
	for i, part := range []string{"q_proj", "k_proj", "v_proj"} {
		out[i] = &model.Linear{Path: base + part, Weight: chunks[i]}
		if qkv.Bias != nil {
			out[i].Bias = append([]float32(nil), qkv.Bias[i*rows:(i+1)*rows]...)
		}
	}
	return out[0], out[1], out[2], nil
}
