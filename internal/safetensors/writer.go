package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/goccy/go-json"
)

type pendingTensor struct {
	dtype string
	shape []int
	raw   []byte
}

// Writer collects tensors in memory and serialises them as one safetensors
// file. Tensors are laid out in name order.
type Writer struct {
	tensors  map[string]pendingTensor
	metadata map[string]string
}

func NewWriter() *Writer {
	return &Writer{
		tensors:  make(map[string]pendingTensor),
		metadata: make(map[string]string),
	}
}

// SetMetadata records a __metadata__ entry.
func (w *Writer) SetMetadata(key, value string) {
	w.metadata[key] = value
}

// Add stages a tensor. raw must hold exactly prod(shape) elements of dtype.
func (w *Writer) Add(name, dtype string, shape []int, raw []byte) error {
	if _, dup := w.tensors[name]; dup {
		return fmt.Errorf("duplicate tensor %s", name)
	}
	n, err := numElements(shape)
	if err != nil {
		return fmt.Errorf("tensor %s: %w", name, err)
	}
	size := elemSize(dtype)
	if size == 0 {
		return fmt.Errorf("tensor %s: unsupported dtype %s", name, dtype)
	}
	if len(raw) != n*size {
		return fmt.Errorf("tensor %s: have %d bytes, want %d", name, len(raw), n*size)
	}
	w.tensors[name] = pendingTensor{dtype: dtype, shape: slices.Clone(shape), raw: raw}
	return nil
}

// Len returns the number of staged tensors.
func (w *Writer) Len() int { return len(w.tensors) }

// WriteTo writes the header and tensor data.
func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	names := make([]string, 0, len(w.tensors))
	for name := range w.tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(names)+1)
	if len(w.metadata) > 0 {
		header["__metadata__"] = w.metadata
	}
	var offset int64
	for _, name := range names {
		t := w.tensors[name]
		end := offset + int64(len(t.raw))
		header[name] = tensorHeader{DType: t.dtype, Shape: t.shape, DataOffsets: []int64{offset, end}}
		offset = end
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return 0, err
	}
	// The data section starts on an 8-byte boundary.
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	bw := bufio.NewWriter(dst)
	var written int64
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	n, err := bw.Write(lenBuf[:])
	written += int64(n)
	if err != nil {
		return written, err
	}
	n, err = bw.Write(headerBytes)
	written += int64(n)
	if err != nil {
		return written, err
	}
	for _, name := range names {
		n, err := bw.Write(w.tensors[name].raw)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("write tensor %s: %w", name, err)
		}
	}
	return written, bw.Flush()
}

// Save writes the file to path, replacing any existing file.
func (w *Writer) Save(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func elemSize(dtype string) int {
	switch dtype {
	case "F32", "I32", "U32":
		return 4
	case "F16", "BF16", "I16", "U16":
		return 2
	case "I8", "U8", "BOOL":
		return 1
	case "F64", "I64", "U64":
		return 8
	default:
		return 0
	}
}
