package tensor

import (
	"math/rand"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively.  Stride is the
// number of elements between the starts of two consecutive rows (for row‑major
// matrices this is equal to C).  Data holds the flattened matrix values.
//
// Weights in a linear layer use the [out, in] layout: R is the output feature
// count and C the input feature count.
type Mat struct {
	R, C   int
	Stride int

	// DType describes the underlying element encoding. For f32 weights Data is
	// populated. For f16/bf16 weights Raw holds the checkpoint bytes unchanged
	// and rows are decoded on access.
	DType DType
	Data  []float32
	Raw   []byte

	Device Device
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised.  The stride is set to the
// number of columns.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  F32,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  F32,
		Data:   data,
	}
}

// NewMatFromRaw creates a matrix backed by raw bytes in the provided dtype.
// The raw slice must contain exactly r*c elements in row-major layout.
// F32 payloads are decoded into Data; other dtypes stay in Raw.
func NewMatFromRaw(r, c int, dtype DType, raw []byte) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	elemSize, ok := dtype.ElemSize()
	if !ok {
		return Mat{}, errUnsupportedDType
	}
	want := r * c
	if r != 0 && want/r != c {
		return Mat{}, errMatTooLarge
	}
	wantBytes := want * elemSize
	if want != 0 && wantBytes/want != elemSize {
		return Mat{}, errMatTooLarge
	}
	if len(raw) != wantBytes {
		return Mat{}, errRawSizeMismatch
	}
	if dtype == F32 {
		data, err := Decode(F32, raw)
		if err != nil {
			return Mat{}, err
		}
		return NewMatFromData(r, c, data), nil
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  dtype,
		Raw:    raw,
	}, nil
}

// Shape returns [R, C].
func (m *Mat) Shape() []int { return []int{m.R, m.C} }

func (m *Mat) isF32() bool { return m.Raw == nil || m.DType == F32 || m.DType == "" }

// Row returns a view of the i‑th row of the matrix as a slice.  The slice
// has length equal to the number of columns.  Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if m.isF32() {
		start := i * m.Stride
		return m.Data[start : start+m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// RowTo decodes the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	start := i * m.Stride
	if m.isF32() {
		copy(dst[:m.C], m.Data[start:start+m.C])
		return
	}

	off := start * 2
	switch m.DType {
	case BF16:
		for j := 0; j < m.C; j++ {
			dst[j] = bf16ToF32(m.Raw, off+j*2)
		}
	case F16:
		for j := 0; j < m.C; j++ {
			dst[j] = f16ToF32(u16le(m.Raw, off+j*2))
		}
	default:
		panic("unsupported dtype for row decode")
	}
}

// Compact returns m with Stride == C. Already compact matrices are returned
// as is; strided f32 matrices are copied.
func (m Mat) Compact() Mat {
	if m.Stride == m.C || !m.isF32() {
		return m
	}
	out := NewMat(m.R, m.C)
	out.Device = m.Device
	for i := 0; i < m.R; i++ {
		copy(out.Data[i*m.C:(i+1)*m.C], m.Data[i*m.Stride:i*m.Stride+m.C])
	}
	return out
}

// FillRand fills the matrix with reproducible pseudo‑random values.  A small
// range around zero is used to avoid overflow in accumulations.  The seed
// controls the random sequence; multiple calls with the same seed produce
// identical matrices.
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	if !m.isF32() {
		panic("FillRand only supports f32 mats")
	}
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02 // roughly in (-0.01,0.01)
	}
}

var (
	errNegativeDim      = fmtError("negative dimension for matrix")
	errUnsupportedDType = fmtError("unsupported dtype for raw matrix")
	errMatTooLarge      = fmtError("matrix too large")
	errRawSizeMismatch  = fmtError("raw data length mismatch")
	errChunkCount       = fmtError("chunk count must be positive")
	errShapeMismatch    = fmtError("matrix shape mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
