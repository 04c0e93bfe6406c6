package tensor

import (
	"fmt"
	"math"
)

// maskedBias is added to attention logits at masked positions. Matches the
// trunk's masking convention of 1e9*(mask-1).
const maskedBias = 1e9

// Softmax normalizes along axis, subtracting the slice max before
// exponentiation. A slice that is uniformly -1e9 yields a uniform
// distribution rather than NaN.
func Softmax(t *Tensor, axis int) *Tensor {
	axis = normAxis(axis, t.Rank())
	out := New(t.Shape...)
	dim := t.Shape[axis]
	outer := 1
	for i := 0; i < axis; i++ {
		outer *= t.Shape[i]
	}
	inner := 1
	for i := axis + 1; i < len(t.Shape); i++ {
		inner *= t.Shape[i]
	}
	Parallel(outer*inner, func(start, end int) {
		for p := start; p < end; p++ {
			o := p / inner
			in := p % inner
			base := o*dim*inner + in
			maxV := float32(math.Inf(-1))
			for d := 0; d < dim; d++ {
				if v := t.Data[base+d*inner]; v > maxV {
					maxV = v
				}
			}
			var sum float64
			for d := 0; d < dim; d++ {
				e := float32(math.Exp(float64(t.Data[base+d*inner] - maxV)))
				out.Data[base+d*inner] = e
				sum += float64(e)
			}
			invSum := float32(1.0 / sum)
			for d := 0; d < dim; d++ {
				out.Data[base+d*inner] *= invSum
			}
		}
	})
	return out
}

// Sigmoid applies the logistic function elementwise.
func Sigmoid(t *Tensor) *Tensor {
	out := New(t.Shape...)
	Parallel(len(t.Data), func(start, end int) {
		for i := start; i < end; i++ {
			out.Data[i] = float32(1.0 / (1.0 + math.Exp(-float64(t.Data[i]))))
		}
	})
	return out
}

// Relu clamps negatives to zero elementwise.
func Relu(t *Tensor) *Tensor {
	out := New(t.Shape...)
	Parallel(len(t.Data), func(start, end int) {
		for i := start; i < end; i++ {
			if v := t.Data[i]; v > 0 {
				out.Data[i] = v
			}
		}
	})
	return out
}

// LayerNorm normalizes the last axis and applies gamma/beta.
func LayerNorm(t, gamma, beta *Tensor, eps float32) *Tensor {
	dim := t.Shape[len(t.Shape)-1]
	if gamma.Numel() != dim || beta.Numel() != dim {
		panic(fmt.Sprintf("tensor: layer norm gamma/beta %d/%d do not match dim %d", gamma.Numel(), beta.Numel(), dim))
	}
	out := New(t.Shape...)
	rows := t.Numel() / dim
	Parallel(rows, func(start, end int) {
		for r := start; r < end; r++ {
			base := r * dim
			var mean float64
			for i := 0; i < dim; i++ {
				mean += float64(t.Data[base+i])
			}
			mean /= float64(dim)
			var variance float64
			for i := 0; i < dim; i++ {
				d := float64(t.Data[base+i]) - mean
				variance += d * d
			}
			variance /= float64(dim)
			invStd := 1.0 / math.Sqrt(variance+float64(eps))
			for i := 0; i < dim; i++ {
				norm := (float64(t.Data[base+i]) - mean) * invStd
				out.Data[base+i] = float32(norm)*gamma.Data[i] + beta.Data[i]
			}
		}
	})
	return out
}

// Linear contracts the last axis of t against w [in, out] and adds b when
// present.
func Linear(t, w, b *Tensor) *Tensor {
	in := t.Shape[len(t.Shape)-1]
	if w.Rank() != 2 || w.Shape[0] != in {
		panic(fmt.Sprintf("tensor: linear weight %v does not match input dim %d", w.Shape, in))
	}
	outDim := w.Shape[1]
	if b != nil && b.Numel() != outDim {
		panic(fmt.Sprintf("tensor: linear bias %d does not match output dim %d", b.Numel(), outDim))
	}
	outShape := append([]int(nil), t.Shape[:len(t.Shape)-1]...)
	outShape = append(outShape, outDim)
	out := New(outShape...)
	rows := t.Numel() / in
	Parallel(rows, func(start, end int) {
		for r := start; r < end; r++ {
			src := r * in
			dst := r * outDim
			for o := 0; o < outDim; o++ {
				var acc float64
				for i := 0; i < in; i++ {
					acc += float64(t.Data[src+i]) * float64(w.Data[i*outDim+o])
				}
				if b != nil {
					acc += float64(b.Data[o])
				}
				out.Data[dst+o] = float32(acc)
			}
		}
	})
	return out
}

// MaskBias converts a {0,1} mask into an additive attention bias of
// 1e9*(mask-1): zero where attendable, -1e9 where masked.
func MaskBias(mask *Tensor) *Tensor {
	out := New(mask.Shape...)
	for i, m := range mask.Data {
		out.Data[i] = maskedBias * (m - 1)
	}
	return out
}

// MaskMean averages value along axis under mask. The mask must match the
// value shape except that its last dim may be 1 (broadcast across
// channels). The denominator carries a 1e-10 guard.
func MaskMean(mask, value *Tensor, axis int) *Tensor {
	axis = normAxis(axis, value.Rank())
	if mask.Rank() != value.Rank() {
		panic(fmt.Sprintf("tensor: mask rank %d != value rank %d", mask.Rank(), value.Rank()))
	}
	last := value.Rank() - 1
	for i := range value.Shape {
		if i == last && mask.Shape[i] == 1 {
			continue
		}
		if mask.Shape[i] != value.Shape[i] {
			panic(fmt.Sprintf("tensor: mask shape %v incompatible with value %v", mask.Shape, value.Shape))
		}
	}
	outShape := make([]int, 0, value.Rank()-1)
	outShape = append(outShape, value.Shape[:axis]...)
	outShape = append(outShape, value.Shape[axis+1:]...)
	out := New(outShape...)

	dim := value.Shape[axis]
	outer := 1
	for i := 0; i < axis; i++ {
		outer *= value.Shape[i]
	}
	inner := 1
	for i := axis + 1; i < value.Rank(); i++ {
		inner *= value.Shape[i]
	}
	chanDim := value.Shape[last]
	broadcast := mask.Shape[last] == 1 && chanDim != 1
	if broadcast && axis == last {
		panic("tensor: mask mean cannot broadcast over the reduced axis")
	}
	maskInner := inner
	if broadcast {
		maskInner = inner / chanDim
	}
	Parallel(outer*inner, func(start, end int) {
		for p := start; p < end; p++ {
			o := p / inner
			in := p % inner
			vBase := o*dim*inner + in
			mIn := in
			if broadcast {
				mIn = in / chanDim
			}
			mBase := o*dim*maskInner + mIn
			var num, den float64
			for d := 0; d < dim; d++ {
				m := float64(mask.Data[mBase+d*maskInner])
				num += m * float64(value.Data[vBase+d*inner])
				den += m
			}
			out.Data[p] = float32(num / (den + 1e-10))
		}
	})
	return out
}

// OneHot expands integer-valued entries into a trailing axis of the given
// depth. Out-of-range entries produce an all-zero row.
func OneHot(t *Tensor, depth int) *Tensor {
	outShape := append(append([]int(nil), t.Shape...), depth)
	out := New(outShape...)
	for i, v := range t.Data {
		k := int(v)
		if k >= 0 && k < depth {
			out.Data[i*depth+k] = 1
		}
	}
	return out
}

// Linspace returns n evenly spaced values from lo to hi inclusive.
func Linspace(lo, hi float32, n int) *Tensor {
	if n < 2 {
		panic(fmt.Sprintf("tensor: linspace needs n >= 2, got %d", n))
	}
	out := New(n)
	step := (hi - lo) / float32(n-1)
	for i := 0; i < n; i++ {
		out.Data[i] = lo + float32(i)*step
	}
	return out
}

// Add returns a+b with same-rank broadcasting over singleton axes.
func Add(a, b *Tensor) *Tensor {
	return broadcast(a, b, "add", func(x, y float32) float32 { return x + y })
}

// Mul returns a*b with same-rank broadcasting over singleton axes.
func Mul(a, b *Tensor) *Tensor {
	return broadcast(a, b, "mul", func(x, y float32) float32 { return x * y })
}

// Scale multiplies every element by s.
func Scale(t *Tensor, s float32) *Tensor {
	out := New(t.Shape...)
	for i, v := range t.Data {
		out.Data[i] = v * s
	}
	return out
}

// AddScalar adds s to every element.
func AddScalar(t *Tensor, s float32) *Tensor {
	out := New(t.Shape...)
	for i, v := range t.Data {
		out.Data[i] = v + s
	}
	return out
}

func broadcast(a, b *Tensor, op string, fn func(x, y float32) float32) *Tensor {
	if a.Rank() != b.Rank() {
		panic(fmt.Sprintf("tensor: %s rank mismatch %v vs %v", op, a.Shape, b.Shape))
	}
	// Fast path for identical shapes.
	same := true
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			same = false
			break
		}
	}
	if same {
		out := New(a.Shape...)
		Parallel(len(a.Data), func(start, end int) {
			for i := start; i < end; i++ {
				out.Data[i] = fn(a.Data[i], b.Data[i])
			}
		})
		return out
	}

	outShape := make([]int, a.Rank())
	for i := range a.Shape {
		switch {
		case a.Shape[i] == b.Shape[i]:
			outShape[i] = a.Shape[i]
		case a.Shape[i] == 1:
			outShape[i] = b.Shape[i]
		case b.Shape[i] == 1:
			outShape[i] = a.Shape[i]
		default:
			panic(fmt.Sprintf("tensor: %s cannot broadcast %v with %v", op, a.Shape, b.Shape))
		}
	}
	out := New(outShape...)
	aStrides := broadcastStrides(a, outShape)
	bStrides := broadcastStrides(b, outShape)
	outStrides := out.Strides()
	Parallel(out.Numel(), func(start, end int) {
		for flat := start; flat < end; flat++ {
			rem := flat
			ai, bi := 0, 0
			for d := range outShape {
				x := rem / outStrides[d]
				rem %= outStrides[d]
				ai += x * aStrides[d]
				bi += x * bStrides[d]
			}
			out.Data[flat] = fn(a.Data[ai], b.Data[bi])
		}
	})
	return out
}

func broadcastStrides(t *Tensor, outShape []int) []int {
	strides := t.Strides()
	for i := range outShape {
		if t.Shape[i] == 1 && outShape[i] != 1 {
			strides[i] = 0
		}
	}
	return strides
}

// CheckFinite counts NaN and Inf entries.
func CheckFinite(t *Tensor) (nans, infs int) {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) {
			nans++
		} else if math.IsInf(f, 0) {
			infs++
		}
	}
	return nans, infs
}

func normAxis(axis, rank int) int {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		panic(fmt.Sprintf("tensor: axis %d out of range for rank %d", axis, rank))
	}
	return axis
}
