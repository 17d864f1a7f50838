package tensor

import (
	"fmt"
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// RMSNorm performs Root Mean Square Normalization. eps is taken as float64 so
// the configured value reaches the kernel without an intermediate rounding.
func RMSNorm(dst, src, weight []float32, eps float64) {
	var sum float64
	for _, v := range src {
		sum += float64(v) * float64(v)
	}
	mean := sum / float64(len(src))
	scale := float32(1.0 / math.Sqrt(mean+eps))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// RMSNormRows normalises every row of x and returns a new matrix.
func RMSNormRows(x *Mat, weight []float32, eps float64) (Mat, error) {
	if len(weight) != x.C {
		return Mat{}, fmt.Errorf("rmsnorm: weight length %d, want %d: %w", len(weight), x.C, errShapeMismatch)
	}
	out := NewMat(x.R, x.C)
	out.Device = x.Device
	row := make([]float32, x.C)
	for i := 0; i < x.R; i++ {
		x.RowTo(row, i)
		RMSNorm(out.Row(i), row, weight, eps)
	}
	return out, nil
}

// SplitCols copies consecutive column ranges of an f32 matrix, one result per
// entry in sizes. The sizes must add up to x.C.
func SplitCols(x Mat, sizes ...int) ([]Mat, error) {
	total := 0
	for _, s := range sizes {
		total += s
	}
	if total != x.C {
		return nil, fmt.Errorf("split %d cols into %v: %w", x.C, sizes, errShapeMismatch)
	}
	x = x.Compact()
	out := make([]Mat, 0, len(sizes))
	off := 0
	for _, s := range sizes {
		part := NewMat(x.R, s)
		part.Device = x.Device
		for i := 0; i < x.R; i++ {
			copy(part.Row(i), x.Row(i)[off:off+s])
		}
		out = append(out, part)
		off += s
	}
	return out, nil
}
