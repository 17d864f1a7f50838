// Package fused holds the fused execution structures produced by the fusion
// pass: combined QKV projections, norms, blocks and the replacement body.
package fused

import (
	"fmt"

	"github.com/samcharles93/smelt/internal/model"
	"github.com/samcharles93/smelt/internal/tensor"
)

// QKV is a single projection producing query, key and value outputs side by
// side. Weight rows are Q then K then V.
type QKV struct {
	Path   string
	Weight tensor.Mat
	// Bias is nil when none of the source projections had one; otherwise
	// absent parts are zero-filled.
	Bias []float32

	QRows, KRows, VRows int
}

func (f *QKV) Name() string          { return f.Path }
func (f *QKV) Device() tensor.Device { return f.Weight.Device }
func (f *QKV) InFeatures() int       { return f.Weight.C }
func (f *QKV) OutFeatures() int      { return f.Weight.R }

// MergeQKV concatenates three projections with equal input width and equal
// output width into one.
func MergeQKV(name string, q, k, v *model.Linear) (*QKV, error) {
	if q == nil || k == nil || v == nil {
		return nil, fmt.Errorf("merge qkv %s: nil projection", name)
	}
	if q.InFeatures() != k.InFeatures() || q.InFeatures() != v.InFeatures() {
		return nil, fmt.Errorf("merge qkv %s: input widths %d/%d/%d differ", name, q.InFeatures(), k.InFeatures(), v.InFeatures())
	}
	if q.OutFeatures() != k.OutFeatures() || q.OutFeatures() != v.OutFeatures() {
		return nil, fmt.Errorf("merge qkv %s: output widths %d/%d/%d differ", name, q.OutFeatures(), k.OutFeatures(), v.OutFeatures())
	}
	if !q.Device().Same(k.Device()) || !q.Device().Same(v.Device()) {
		return nil, fmt.Errorf("merge qkv %s: projections on %s/%s/%s", name, q.Device(), k.Device(), v.Device())
	}

	w, err := tensor.ConcatRows(q.Weight, k.Weight, v.Weight)
	if err != nil {
		return nil, fmt.Errorf("merge qkv %s: %w", name, err)
	}

	f := &QKV{
		Path:   name,
		Weight: w,
		QRows:  q.OutFeatures(),
		KRows:  k.OutFeatures(),
		VRows:  v.OutFeatures(),
	}
	if q.Bias != nil || k.Bias != nil || v.Bias != nil {
		f.Bias = make([]float32, 0, w.R)
		for _, p := range []*model.Linear{q, k, v} {
			if p.Bias == nil {
				f.Bias = append(f.Bias, make([]float32, p.OutFeatures())...)
				continue
			}
			if len(p.Bias) != p.OutFeatures() {
				return nil, fmt.Errorf("merge qkv %s: %s bias length %d, want %d", name, p.Name(), len(p.Bias), p.OutFeatures())
			}
			f.Bias = append(f.Bias, p.Bias...)
		}
	}
	return f, nil
}

// Forward computes [tokens, in] -> [tokens, q+k+v].
func (f *QKV) Forward(x *tensor.Mat) (tensor.Mat, error) {
	return tensor.Linear(x, &f.Weight, f.Bias)
}

// Split separates a Forward result into its query, key and value columns.
func (f *QKV) Split(y tensor.Mat) (q, k, v tensor.Mat, err error) {
	parts, err := tensor.SplitCols(y, f.QRows, f.KRows, f.VRows)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, tensor.Mat{}, err
	}
	return parts[0], parts[1], parts[2], nil
}
