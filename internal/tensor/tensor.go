// Package tensor provides the dense float32 tensors and kernels the
// prediction trunk is built from. Tensors are row-major and operations
// return new tensors; callers own the replace-on-update discipline.
package tensor

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

var allocatedBytes atomic.Int64

// AllocatedBytes reports the cumulative bytes allocated for tensor storage
// since process start. Callers snapshot it around a unit of work to meter
// that unit's allocation volume.
func AllocatedBytes() int64 {
	return allocatedBytes.Load()
}

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Data  []float32
	Shape []int
}

// New returns a zero-filled tensor.
func New(shape ...int) *Tensor {
	n := checkShape(shape)
	allocatedBytes.Add(int64(n) * 4)
	return &Tensor{Data: make([]float32, n), Shape: append([]int(nil), shape...)}
}

// From wraps data in a tensor header. The slice is not copied.
func From(data []float32, shape ...int) *Tensor {
	n := checkShape(shape)
	if len(data) != n {
		panic(fmt.Sprintf("tensor: data len %d does not match shape %v (%d)", len(data), shape, n))
	}
	return &Tensor{Data: data, Shape: append([]int(nil), shape...)}
}

func checkShape(shape []int) int {
	if len(shape) == 0 {
		panic("tensor: empty shape")
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dim in shape %v", shape))
		}
		n *= d
	}
	return n
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.Shape...)
	copy(out.Data, t.Data)
	return out
}

// Strides returns the row-major stride of each axis.
func (t *Tensor) Strides() []int {
	s := make([]int, len(t.Shape))
	acc := 1
	for i := len(t.Shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= t.Shape[i]
	}
	return s
}

// Offset returns the flat index of a coordinate.
func (t *Tensor) Offset(idx ...int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(idx), len(t.Shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.Shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range for axis %d (dim %d)", x, i, t.Shape[i]))
		}
		off = off*t.Shape[i] + x
	}
	return off
}

// At reads one element.
func (t *Tensor) At(idx ...int) float32 { return t.Data[t.Offset(idx...)] }

// Set writes one element.
func (t *Tensor) Set(v float32, idx ...int) { t.Data[t.Offset(idx...)] = v }

// Reshape returns a view with a new shape sharing the same storage.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	n := checkShape(shape)
	if n != t.Numel() {
		panic(fmt.Sprintf("tensor: reshape %v -> %v changes element count", t.Shape, shape))
	}
	return &Tensor{Data: t.Data, Shape: append([]int(nil), shape...)}
}

// Unsqueeze returns a view with a singleton axis inserted before axis.
func (t *Tensor) Unsqueeze(axis int) *Tensor {
	if axis < 0 || axis > len(t.Shape) {
		panic(fmt.Sprintf("tensor: unsqueeze axis %d out of range for rank %d", axis, len(t.Shape)))
	}
	shape := make([]int, 0, len(t.Shape)+1)
	shape = append(shape, t.Shape[:axis]...)
	shape = append(shape, 1)
	shape = append(shape, t.Shape[axis:]...)
	return &Tensor{Data: t.Data, Shape: shape}
}

// Squeeze returns a view with the given singleton axis removed.
func (t *Tensor) Squeeze(axis int) *Tensor {
	if axis < 0 || axis >= len(t.Shape) || t.Shape[axis] != 1 {
		panic(fmt.Sprintf("tensor: cannot squeeze axis %d of shape %v", axis, t.Shape))
	}
	shape := make([]int, 0, len(t.Shape)-1)
	shape = append(shape, t.Shape[:axis]...)
	shape = append(shape, t.Shape[axis+1:]...)
	return &Tensor{Data: t.Data, Shape: shape}
}

// Transpose returns a new tensor with axes permuted.
func (t *Tensor) Transpose(perm ...int) *Tensor {
	if len(perm) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: perm %v does not match rank %d", perm, len(t.Shape)))
	}
	seen := make([]bool, len(perm))
	outShape := make([]int, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			panic(fmt.Sprintf("tensor: invalid perm %v", perm))
		}
		seen[p] = true
		outShape[i] = t.Shape[p]
	}
	out := New(outShape...)
	inStrides := t.Strides()
	outStrides := out.Strides()
	n := t.Numel()
	Parallel(n, func(start, end int) {
		idx := make([]int, len(perm))
		for flat := start; flat < end; flat++ {
			rem := flat
			for i := range outShape {
				idx[i] = rem / outStrides[i]
				rem %= outStrides[i]
			}
			src := 0
			for i, p := range perm {
				src += idx[i] * inStrides[p]
			}
			out.Data[flat] = t.Data[src]
		}
	})
	return out
}

// Slice copies the half-open range [start, end) along axis.
func (t *Tensor) Slice(axis, start, end int) *Tensor {
	if axis < 0 || axis >= len(t.Shape) {
		panic(fmt.Sprintf("tensor: slice axis %d out of range for rank %d", axis, len(t.Shape)))
	}
	if start < 0 || end > t.Shape[axis] || start > end {
		panic(fmt.Sprintf("tensor: slice [%d:%d] out of range for dim %d", start, end, t.Shape[axis]))
	}
	outShape := append([]int(nil), t.Shape...)
	outShape[axis] = end - start
	out := New(outShape...)

	outer := 1
	for i := 0; i < axis; i++ {
		outer *= t.Shape[i]
	}
	inner := 1
	for i := axis + 1; i < len(t.Shape); i++ {
		inner *= t.Shape[i]
	}
	srcRow := t.Shape[axis] * inner
	dstRow := (end - start) * inner
	for o := 0; o < outer; o++ {
		src := o*srcRow + start*inner
		dst := o * dstRow
		copy(out.Data[dst:dst+dstRow], t.Data[src:src+dstRow])
	}
	return out
}

// Concat joins tensors along axis. All other dims must match.
func Concat(axis int, parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		panic("tensor: concat of zero tensors")
	}
	if len(parts) == 1 {
		return parts[0].Clone()
	}
	first := parts[0]
	if axis < 0 || axis >= len(first.Shape) {
		panic(fmt.Sprintf("tensor: concat axis %d out of range for rank %d", axis, len(first.Shape)))
	}
	total := 0
	for _, p := range parts {
		if len(p.Shape) != len(first.Shape) {
			panic("tensor: concat rank mismatch")
		}
		for i := range p.Shape {
			if i != axis && p.Shape[i] != first.Shape[i] {
				panic(fmt.Sprintf("tensor: concat dim mismatch at axis %d: %v vs %v", i, p.Shape, first.Shape))
			}
		}
		total += p.Shape[axis]
	}
	outShape := append([]int(nil), first.Shape...)
	outShape[axis] = total
	out := New(outShape...)

	outer := 1
	for i := 0; i < axis; i++ {
		outer *= first.Shape[i]
	}
	inner := 1
	for i := axis + 1; i < len(first.Shape); i++ {
		inner *= first.Shape[i]
	}
	dstRow := total * inner
	colOff := 0
	for _, p := range parts {
		srcRow := p.Shape[axis] * inner
		for o := 0; o < outer; o++ {
			src := o * srcRow
			dst := o*dstRow + colOff*inner
			copy(out.Data[dst:dst+srcRow], p.Data[src:src+srcRow])
		}
		colOff += p.Shape[axis]
	}
	return out
}

// Stack joins tensors of identical shape along a new axis.
func Stack(axis int, parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		panic("tensor: stack of zero tensors")
	}
	expanded := make([]*Tensor, len(parts))
	for i, p := range parts {
		expanded[i] = p.Unsqueeze(axis)
	}
	return Concat(axis, expanded...)
}

// Parallel splits n units of independent work across the available CPUs.
// Output regions must be disjoint per range so results are order-free.
func Parallel(n int, fn func(start, end int)) {
	parallelism := runtime.NumCPU()
	if parallelism > n {
		parallelism = n
	}
	if parallelism <= 1 || n < 256 {
		fn(0, n)
		return
	}
	chunk := (n + parallelism - 1) / parallelism
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
