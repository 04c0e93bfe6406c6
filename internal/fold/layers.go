package fold

import (
	"github.com/23skdu/longbow-sibyl/internal/checkpoint"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// layerNorm normalizes over the trailing channel axis with learned scale
// and offset.
type layerNorm struct {
	weight *tensor.Tensor
	bias   *tensor.Tensor
	eps    float32
}

func newLayerNorm(store *checkpoint.Store, scope string, dim int, eps float32) (*layerNorm, error) {
	weight, err := store.Param(scope+".weight", []int{dim}, checkpoint.InitOnes)
	if err != nil {
		return nil, err
	}
	bias, err := store.Param(scope+".bias", []int{dim}, checkpoint.InitZeros)
	if err != nil {
		return nil, err
	}
	return &layerNorm{weight: weight, bias: bias, eps: eps}, nil
}

func (l *layerNorm) Apply(t *tensor.Tensor) *tensor.Tensor {
	return tensor.LayerNorm(t, l.weight, l.bias, l.eps)
}

// linear is a learned affine map over the trailing axis, weight [in, out].
type linear struct {
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

func newLinear(store *checkpoint.Store, scope string, in, out int, init checkpoint.InitKind) (*linear, error) {
	weight, err := store.Param(scope+".weight", []int{in, out}, init)
	if err != nil {
		return nil, err
	}
	bias, err := store.Param(scope+".bias", []int{out}, checkpoint.InitZeros)
	if err != nil {
		return nil, err
	}
	return &linear{weight: weight, bias: bias}, nil
}

// newLinearNoBias is for projections whose checkpoint entry carries no
// offset term.
func newLinearNoBias(store *checkpoint.Store, scope string, in, out int, init checkpoint.InitKind) (*linear, error) {
	weight, err := store.Param(scope+".weight", []int{in, out}, init)
	if err != nil {
		return nil, err
	}
	return &linear{weight: weight}, nil
}

func (l *linear) Apply(t *tensor.Tensor) *tensor.Tensor {
	return tensor.Linear(t, l.weight, l.bias)
}

// pairBias projects pair activations [b, q, k, c] through per-head channel
// weights [c, h] into a shared attention bias [b, h, q, k].
func pairBias(pair, weights *tensor.Tensor) *tensor.Tensor {
	nb, nq, nk, nc := pair.Shape[0], pair.Shape[1], pair.Shape[2], pair.Shape[3]
	numHead := weights.Shape[1]
	out := tensor.New(nb, numHead, nq, nk)

	cells := nb * nq * nk
	tensor.Parallel(cells, func(start, end int) {
		for idx := start; idx < end; idx++ {
			b := idx / (nq * nk)
			rem := idx % (nq * nk)
			pOff := idx * nc
			for h := 0; h < numHead; h++ {
				var sum float64
				for c := 0; c < nc; c++ {
					sum += float64(pair.Data[pOff+c]) * float64(weights.Data[c*numHead+h])
				}
				out.Data[(b*numHead+h)*nq*nk+rem] = float32(sum)
			}
		}
	})
	return out
}
