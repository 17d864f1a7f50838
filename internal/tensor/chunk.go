package tensor

import (
	"fmt"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
)

// ChunkRows splits m into n matrices of R/n contiguous rows each, in order.
// R must be divisible by n. Chunks are copies: element bits, dtype and device
// are preserved and no chunk aliases m.
func ChunkRows(m Mat, n int) ([]Mat, error) {
	if n <= 0 {
		return nil, errChunkCount
	}
	if m.R%n != 0 {
		return nil, fmt.Errorf("cannot chunk %d rows into %d equal parts", m.R, n)
	}
	rows := m.R / n
	m = m.Compact()

	out := make([]Mat, 0, n)
	for i := range n {
		var (
			chunk Mat
			err   error
		)
		if m.isF32() {
			chunk, err = sliceRowsF32(m, i*rows, (i+1)*rows)
		} else {
			chunk, err = sliceRowsRaw(m, i*rows, (i+1)*rows)
		}
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		chunk.Device = m.Device
		out = append(out, chunk)
	}
	return out, nil
}

func sliceRowsF32(m Mat, start, end int) (Mat, error) {
	if end == start || m.C == 0 {
		return NewMat(end-start, m.C), nil
	}

	var tt tensor.Tensor = tensor.New(tensor.WithShape(m.R, m.C), tensor.WithBacking(m.Data))
	tt, err := tt.Slice(tensor.S(start, end), nil)
	if err != nil {
		return Mat{}, err
	}

	tt = tensor.Materialize(tt)

	// flatten so the backing can be read as a vector
	if err := tt.Reshape(tt.Shape().TotalSize()); err != nil {
		return Mat{}, err
	}

	data, err := native.VectorF32(tt.(*tensor.Dense))
	if err != nil {
		return Mat{}, err
	}
	return NewMatFromData(end-start, m.C, data), nil
}

func sliceRowsRaw(m Mat, start, end int) (Mat, error) {
	size, ok := m.DType.ElemSize()
	if !ok {
		return Mat{}, errUnsupportedDType
	}
	rowBytes := m.C * size
	raw := make([]byte, (end-start)*rowBytes)
	copy(raw, m.Raw[start*rowBytes:end*rowBytes])
	return NewMatFromRaw(end-start, m.C, m.DType, raw)
}

// ConcatRows stacks mats along the row dimension. All inputs must share C and
// dtype. The result is placed on the first input's device.
func ConcatRows(mats ...Mat) (Mat, error) {
	if len(mats) == 0 {
		return Mat{}, errChunkCount
	}
	first := mats[0]
	rows := 0
	for i, m := range mats {
		if m.C != first.C {
			return Mat{}, fmt.Errorf("concat input %d: %d cols, want %d: %w", i, m.C, first.C, errShapeMismatch)
		}
		if m.isF32() != first.isF32() || (!m.isF32() && m.DType != first.DType) {
			return Mat{}, fmt.Errorf("concat input %d: dtype %s, want %s: %w", i, m.DType, first.DType, errShapeMismatch)
		}
		rows += m.R
	}

	if first.isF32() {
		out := NewMat(rows, first.C)
		out.Device = first.Device
		off := 0
		for _, m := range mats {
			m = m.Compact()
			off += copy(out.Data[off:], m.Data[:m.R*m.C])
		}
		return out, nil
	}

	size, _ := first.DType.ElemSize()
	raw := make([]byte, 0, rows*first.C*size)
	for _, m := range mats {
		raw = append(raw, m.Raw[:m.R*m.C*size]...)
	}
	out, err := NewMatFromRaw(rows, first.C, first.DType, raw)
	if err != nil {
		return Mat{}, err
	}
	out.Device = first.Device
	return out, nil
}
