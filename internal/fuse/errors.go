package fuse

import (
	"errors"
	"fmt"

	"github.com/samcharles93/smelt/internal/tensor"
)

// ErrAlreadyFused is returned when the model body has already been replaced
// by a fused model.
var ErrAlreadyFused = errors.New("model is already fused")

// ShapeError reports a weight that cannot be split into equal parts, or whose
// parts do not match the head layout.
type ShapeError struct {
	Layer  string
	Tensor string
	Shape  [2]int
	Parts  int
	// PartRows is the expected row count of each part. Zero when the rows
	// are not divisible at all.
	PartRows int
}

func (e *ShapeError) Error() string {
	if e.PartRows > 0 {
		return fmt.Sprintf("layer %s: %s shape %v: %d parts of %d rows, want %d rows per part",
			e.Layer, e.Tensor, e.Shape, e.Parts, e.Shape[0]/e.Parts, e.PartRows)
	}
	return fmt.Sprintf("layer %s: %s shape %v: %d rows not divisible into %d parts",
		e.Layer, e.Tensor, e.Shape, e.Shape[0], e.Parts)
}

// MissingModuleError reports a decoder layer without one of its parts.
type MissingModuleError struct {
	Layer  string
	Module string
}

func (e *MissingModuleError) Error() string {
	return fmt.Sprintf("layer %s: missing %s", e.Layer, e.Module)
}

// DeviceMismatchError reports a layer whose tensors are not co-located.
type DeviceMismatchError struct {
	Layer  string
	Tensor string
	Want   tensor.Device
	Got    tensor.Device
}

func (e *DeviceMismatchError) Error() string {
	return fmt.Sprintf("layer %s: %s is on %s, layer resolved to %s", e.Layer, e.Tensor, e.Got, e.Want)
}

// UnsupportedLayerError reports, in strict mode, a layer the model family
// does not fuse.
type UnsupportedLayerError struct {
	Layer string
	Kind  string
}

func (e *UnsupportedLayerError) Error() string {
	return fmt.Sprintf("layer %s: unsupported layer kind %q", e.Layer, e.Kind)
}
