package tensor

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the element encoding of a tensor, using the safetensors spelling.
type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
)

// ParseDType accepts the safetensors spelling and common lower-case aliases.
func ParseDType(s string) (DType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "F32", "FP32", "FLOAT32":
		return F32, nil
	case "F16", "FP16", "FLOAT16":
		return F16, nil
	case "BF16", "BFLOAT16":
		return BF16, nil
	default:
		return "", errUnsupportedDType
	}
}

// ElemSize returns the byte width of one element.
func (d DType) ElemSize() (int, bool) {
	switch d {
	case F32:
		return 4, true
	case F16, BF16:
		return 2, true
	default:
		return 0, false
	}
}

func u16le(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off:])
}

func f16ToF32(u uint16) float32 {
	return float16.Frombits(u).Float32()
}

func bf16ToF32(b []byte, off int) float32 {
	return bfloat16.ToFloat32(bfloat16.FromBytes(b[off:]))
}

// Encode converts f32 values into raw little-endian bytes of dtype d.
func Encode(d DType, src []float32) ([]byte, error) {
	switch d {
	case F32:
		out := make([]byte, len(src)*4)
		for i, v := range src {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, nil
	case F16:
		out := make([]byte, len(src)*2)
		for i, v := range src {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	case BF16:
		return bfloat16.EncodeFloat32(src), nil
	default:
		return nil, errUnsupportedDType
	}
}

// Decode converts raw little-endian bytes of dtype d into f32 values.
func Decode(d DType, raw []byte) ([]float32, error) {
	size, ok := d.ElemSize()
	if !ok {
		return nil, errUnsupportedDType
	}
	if len(raw)%size != 0 {
		return nil, errRawSizeMismatch
	}
	switch d {
	case F32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case F16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = f16ToF32(u16le(raw, i*2))
		}
		return out, nil
	default:
		return bfloat16.DecodeFloat32(raw), nil
	}
}
