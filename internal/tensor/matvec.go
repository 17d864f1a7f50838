package tensor

import (
	"fmt"
	"runtime"
	"sync"
)

type matVecTask struct {
	dst    []float32
	w      *Mat
	x      []float32
	rs, re int
	done   chan struct{}
}

type matVecPool struct {
	size      int
	tasks     chan matVecTask
	doneSlots chan chan struct{}
}

var matVecWorkPool *matVecPool

var matVecPoolOnce sync.Once

func getMatVecPool() *matVecPool {
	matVecPoolOnce.Do(func() {
		matVecWorkPool = newMatVecPool()
	})
	return matVecWorkPool
}

func newMatVecPool() *matVecPool {
	size := max(runtime.GOMAXPROCS(0), 1)
	p := &matVecPool{
		size:      size,
		tasks:     make(chan matVecTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, size)
	}
	for range size {
		go func() {
			for task := range p.tasks {
				matVecRange(task.dst, task.w, task.x, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// MatVec computes dst = w * x where w is a matrix and x is a vector.
// It runs in parallel using a worker pool. Every output element is reduced in
// the same order regardless of how rows are partitioned across workers.
func MatVec(dst []float32, w *Mat, x []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec shape mismatch")
	}

	pool := getMatVecPool()
	workers := min(pool.size, w.R)
	if workers <= 1 {
		matVecRange(dst, w, x, 0, w.R)
		return
	}

	chunk := (w.R + workers - 1) / workers
	done := <-pool.doneSlots

	activeWorkers := 0
	for i := range workers {
		rs := i * chunk
		re := min(rs+chunk, w.R)
		if rs >= re {
			break
		}
		activeWorkers++
		pool.tasks <- matVecTask{
			dst:  dst,
			w:    w,
			x:    x,
			rs:   rs,
			re:   re,
			done: done,
		}
	}

	for range activeWorkers {
		<-done
	}
	pool.doneSlots <- done
}

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int) {
	if w.isF32() {
		for i := rs; i < re; i++ {
			dst[i] = dotRow(w.Data[i*w.Stride:i*w.Stride+w.C], x)
		}
		return
	}
	row := make([]float32, w.C)
	for i := rs; i < re; i++ {
		w.RowTo(row, i)
		dst[i] = dotRow(row, x)
	}
}

// dotRow unrolls by four; the summation order is fixed by len(row) alone.
func dotRow(row, x []float32) float32 {
	var sum float32
	j := 0
	for ; j+3 < len(row); j += 4 {
		sum += row[j]*x[j] + row[j+1]*x[j+1] + row[j+2]*x[j+2] + row[j+3]*x[j+3]
	}
	for ; j < len(row); j++ {
		sum += row[j] * x[j]
	}
	return sum
}

// Linear applies y = x·wᵀ + bias to every row of x. x is [tokens, in], w is
// [out, in] and bias, when non-nil, has length out. The result is [tokens, out].
func Linear(x *Mat, w *Mat, bias []float32) (Mat, error) {
	if x.C != w.C {
		return Mat{}, fmt.Errorf("linear: input has %d features, weight expects %d: %w", x.C, w.C, errShapeMismatch)
	}
	if bias != nil && len(bias) != w.R {
		return Mat{}, fmt.Errorf("linear: bias length %d, want %d: %w", len(bias), w.R, errShapeMismatch)
	}
	out := NewMat(x.R, w.R)
	out.Device = x.Device
	xrow := make([]float32, x.C)
	for t := 0; t < x.R; t++ {
		x.RowTo(xrow, t)
		dst := out.Row(t)
		MatVec(dst, w, xrow)
		if bias != nil {
			Add(dst, bias)
		}
	}
	return out, nil
}
