package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"

	"github.com/samcharles93/smelt/internal/tensor"
)

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	data []byte
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// maxHeaderLen bounds the JSON header so a corrupt length prefix cannot
// trigger a huge allocation.
const maxHeaderLen = 100 << 20

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	headerLen, err := readU64(f)
	if err != nil {
		return nil, err
	}
	if headerLen > maxHeaderLen {
		return nil, fmt.Errorf("%s: header length %d exceeds limit", path, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, err
	}

	var meta map[string]string
	if msg, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(msg, &meta); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		delete(raw, "__metadata__")
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   tensors,
		Metadata:  meta,
	}, nil
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	if t.End < t.Start {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid offsets", name)
	}
	if f.data != nil {
		buf, err := f.mapped(name, t)
		if err != nil {
			return nil, TensorInfo{}, err
		}
		return buf, t, nil
	}
	n := t.End - t.Start
	buf := make([]byte, n)

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	off := f.DataStart + t.Start
	if _, err := file.ReadAt(buf, off); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	dtype, err := tensor.ParseDType(info.DType)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}
	size, _ := dtype.ElemSize()
	if len(raw) != n*size {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid %s data size", name, info.DType)
	}
	out, err := tensor.Decode(dtype, raw)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
