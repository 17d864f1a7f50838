package tensor

import (
	"bytes"
	"math"
	"testing"
)

func TestChunkRowsRoundTripsBits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		r, c int
	}{
		{name: "square-chunks", r: 12, c: 4},
		{name: "single-col", r: 9, c: 1},
		{name: "wide", r: 3, c: 33},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewMat(tt.r, tt.c)
			FillRand(&m, int64(tt.r*tt.c))
			// values whose bit patterns must survive untouched
			m.Data[0] = float32(math.Copysign(0, -1))
			m.Data[len(m.Data)-1] = math.SmallestNonzeroFloat32
			m.Device = "cuda:1"

			chunks, err := ChunkRows(m, 3)
			if err != nil {
				t.Fatalf("chunk: %v", err)
			}
			if len(chunks) != 3 {
				t.Fatalf("want 3 chunks, got %d", len(chunks))
			}
			for i, ch := range chunks {
				if ch.R != tt.r/3 || ch.C != tt.c {
					t.Fatalf("chunk %d shape [%d %d], want [%d %d]", i, ch.R, ch.C, tt.r/3, tt.c)
				}
				if ch.Device != m.Device {
					t.Fatalf("chunk %d device %q, want %q", i, ch.Device, m.Device)
				}
			}

			joined, err := ConcatRows(chunks...)
			if err != nil {
				t.Fatalf("concat: %v", err)
			}
			if joined.R != m.R || joined.C != m.C {
				t.Fatalf("joined shape [%d %d], want [%d %d]", joined.R, joined.C, m.R, m.C)
			}
			for i := range m.Data {
				if math.Float32bits(joined.Data[i]) != math.Float32bits(m.Data[i]) {
					t.Fatalf("element %d: bits %08x, want %08x", i, math.Float32bits(joined.Data[i]), math.Float32bits(m.Data[i]))
				}
			}
		})
	}
}

func TestChunkRowsDoesNotAlias(t *testing.T) {
	t.Parallel()
	m := NewMatFromData(3, 2, []float32{1, 2, 3, 4, 5, 6})
	chunks, err := ChunkRows(m, 3)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	chunks[1].Data[0] = 99
	if m.Data[2] != 3 {
		t.Fatalf("source mutated through chunk: %v", m.Data)
	}
	if got := chunks[2].Data; got[0] != 5 || got[1] != 6 {
		t.Fatalf("third chunk = %v, want [5 6]", got)
	}
}

func TestChunkRowsRawKeepsDType(t *testing.T) {
	t.Parallel()
	src := NewMat(6, 5)
	FillRand(&src, 11)
	raw, err := Encode(BF16, src.Data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m, err := NewMatFromRaw(6, 5, BF16, raw)
	if err != nil {
		t.Fatalf("raw mat: %v", err)
	}

	chunks, err := ChunkRows(m, 3)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	for i, ch := range chunks {
		if ch.DType != BF16 {
			t.Fatalf("chunk %d dtype %s, want BF16", i, ch.DType)
		}
	}
	joined, err := ConcatRows(chunks...)
	if err != nil {
		t.Fatalf("concat: %v", err)
	}
	if !bytes.Equal(joined.Raw, raw) {
		t.Fatalf("raw bytes changed after chunk and concat")
	}
}

func TestChunkRowsRejectsUneven(t *testing.T) {
	t.Parallel()
	m := NewMat(10, 2)
	if _, err := ChunkRows(m, 3); err == nil {
		t.Fatalf("expected error chunking 10 rows into 3")
	}
	if _, err := ChunkRows(m, 0); err == nil {
		t.Fatalf("expected error for zero chunks")
	}
}

func TestConcatRowsRejectsMismatchedCols(t *testing.T) {
	t.Parallel()
	if _, err := ConcatRows(NewMat(1, 2), NewMat(1, 3)); err == nil {
		t.Fatalf("expected column mismatch error")
	}
}
