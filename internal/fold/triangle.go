package fold

import (
	"fmt"

	"github.com/23skdu/longbow-sibyl/internal/checkpoint"
	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// ErrUnknownEquation reports a triangle multiplication configured with a
// contraction other than the outgoing or incoming form.
type ErrUnknownEquation struct {
	Equation string
}

func (e ErrUnknownEquation) Error() string {
	return fmt.Sprintf("unknown triangle multiplication equation: %q", e.Equation)
}

// TriangleAttention attends along pair rows (starting node) or, after a
// transpose, pair columns (ending node), with a bias projected from the pair
// activations themselves.
type TriangleAttention struct {
	cfg           config.Attention
	gcfg          *config.Global
	queryNorm     *layerNorm
	feat2DWeights *tensor.Tensor
	attention     *Attention
}

func NewTriangleAttention(cfg config.Attention, gcfg *config.Global, store *checkpoint.Store, scope string, pairChannel int) (*TriangleAttention, error) {
	t := &TriangleAttention{cfg: cfg, gcfg: gcfg}

	var err error
	if t.queryNorm, err = newLayerNorm(store, scope+".query_norm", pairChannel, gcfg.Eps); err != nil {
		return nil, err
	}
	if t.feat2DWeights, err = store.Param(scope+".feat_2d_weights", []int{pairChannel, cfg.NumHead}, checkpoint.InitScaledNormal); err != nil {
		return nil, err
	}
	if t.attention, err = NewAttention(cfg, *gcfg, store, scope+".attention", pairChannel, pairChannel, pairChannel); err != nil {
		return nil, err
	}
	return t, nil
}

// Apply updates pairAct [b, r, r, cz] under pairMask [b, r, r].
func (t *TriangleAttention) Apply(pairAct, pairMask *tensor.Tensor) *tensor.Tensor {
	perColumn := t.cfg.Orientation == config.PerColumn
	if perColumn {
		pairAct = pairAct.Transpose(0, 2, 1, 3)
		pairMask = pairMask.Transpose(0, 2, 1)
	}

	bias := tensor.MaskBias(pairMask).Unsqueeze(2).Unsqueeze(2) // [b, r, 1, 1, r]
	act := t.queryNorm.Apply(pairAct)
	nonbatched := pairBias(act, t.feat2DWeights) // [b, h, r, r]

	apply := func(args []*tensor.Tensor) *tensor.Tensor {
		return t.attention.Apply(args[0], args[1], args[2], nonbatched)
	}
	if t.gcfg.Inference {
		act = tensor.Subbatch(apply, []*tensor.Tensor{act, act, bias},
			[]int{0, 1, 2}, []int{1, 1, 1}, t.gcfg.SubbatchSize, 1)
	} else {
		act = apply([]*tensor.Tensor{act, act, bias})
	}

	if perColumn {
		act = act.Transpose(0, 2, 1, 3)
	}
	return act
}

// TriangleMultiplication updates each pair position from the two triangle
// edges that close it, using either the outgoing or incoming contraction.
type TriangleMultiplication struct {
	gcfg     *config.Global
	outgoing bool

	layerNormInput   *layerNorm
	leftProjection   *linear
	rightProjection  *linear
	leftGate         *linear
	rightGate        *linear
	centerLayerNorm  *layerNorm
	outputProjection *linear
	gatingLinear     *linear
}

func NewTriangleMultiplication(cfg config.TriangleMultiplication, gcfg *config.Global, store *checkpoint.Store, scope string, pairChannel int) (*TriangleMultiplication, error) {
	t := &TriangleMultiplication{gcfg: gcfg}
	switch cfg.Equation {
	case config.EquationOutgoing:
		t.outgoing = true
	case config.EquationIncoming:
		t.outgoing = false
	default:
		return nil, ErrUnknownEquation{Equation: cfg.Equation}
	}

	inter := cfg.NumIntermediateChannel
	outInit := checkpoint.InitXavier
	if gcfg.ZeroInit {
		outInit = checkpoint.InitZeros
	}
	var err error
	if t.layerNormInput, err = newLayerNorm(store, scope+".layer_norm_input", pairChannel, gcfg.Eps); err != nil {
		return nil, err
	}
	if t.leftProjection, err = newLinear(store, scope+".left_projection", pairChannel, inter, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if t.rightProjection, err = newLinear(store, scope+".right_projection", pairChannel, inter, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if t.leftGate, err = newLinear(store, scope+".left_gate", pairChannel, inter, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if t.rightGate, err = newLinear(store, scope+".right_gate", pairChannel, inter, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if t.centerLayerNorm, err = newLayerNorm(store, scope+".center_layer_norm", inter, gcfg.Eps); err != nil {
		return nil, err
	}
	if t.outputProjection, err = newLinear(store, scope+".output_projection", inter, pairChannel, outInit); err != nil {
		return nil, err
	}
	if t.gatingLinear, err = newLinear(store, scope+".gating_linear", pairChannel, pairChannel, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	return t, nil
}

// Apply updates act [b, r, r, cz] under mask [b, r, r]. Chunking walks the
// output row axis for the outgoing form and the output column axis for the
// incoming form.
func (t *TriangleMultiplication) Apply(act, mask *tensor.Tensor) *tensor.Tensor {
	maskCol := mask.Unsqueeze(3)
	act = t.layerNormInput.Apply(act)

	gateValues := tensor.Sigmoid(t.gatingLinear.Apply(act))
	left := tensor.Mul(maskCol, t.leftProjection.Apply(act))
	right := tensor.Mul(maskCol, t.rightProjection.Apply(act))
	left = tensor.Mul(left, tensor.Sigmoid(t.leftGate.Apply(act)))
	right = tensor.Mul(right, tensor.Sigmoid(t.rightGate.Apply(act)))

	var sliceAxis int
	var contract func(args []*tensor.Tensor) *tensor.Tensor
	if t.outgoing {
		sliceAxis = 1
		contract = func(args []*tensor.Tensor) *tensor.Tensor {
			return triangleOutgoing(args[0], right)
		}
	} else {
		sliceAxis = 2
		contract = func(args []*tensor.Tensor) *tensor.Tensor {
			return triangleIncoming(args[0], right)
		}
	}

	var out *tensor.Tensor
	if t.gcfg.Inference {
		out = tensor.Subbatch(contract, []*tensor.Tensor{left},
			[]int{0}, []int{sliceAxis}, t.gcfg.SubbatchSize, sliceAxis)
	} else {
		out = contract([]*tensor.Tensor{left})
	}

	out = t.centerLayerNorm.Apply(out)
	out = t.outputProjection.Apply(out)
	return tensor.Mul(out, gateValues)
}

// triangleOutgoing computes out[b, i, j, c] = sum_k l[b, i, k, c] * r[b, j, k, c].
func triangleOutgoing(left, right *tensor.Tensor) *tensor.Tensor {
	nb, ri, nk, nc := left.Shape[0], left.Shape[1], left.Shape[2], left.Shape[3]
	rj := right.Shape[1]
	out := tensor.New(nb, ri, rj, nc)

	tensor.Parallel(nb*ri, func(start, end int) {
		for idx := start; idx < end; idx++ {
			b, i := idx/ri, idx%ri
			for j := 0; j < rj; j++ {
				oOff := ((b*ri+i)*rj + j) * nc
				for k := 0; k < nk; k++ {
					lOff := ((b*ri+i)*nk + k) * nc
					rOff := ((b*rj+j)*nk + k) * nc
					for c := 0; c < nc; c++ {
						out.Data[oOff+c] += left.Data[lOff+c] * right.Data[rOff+c]
					}
				}
			}
		}
	})
	return out
}

// triangleIncoming computes out[b, i, j, c] = sum_k l[b, k, j, c] * r[b, k, i, c].
func triangleIncoming(left, right *tensor.Tensor) *tensor.Tensor {
	nb, nk, rj, nc := left.Shape[0], left.Shape[1], left.Shape[2], left.Shape[3]
	ri := right.Shape[2]
	out := tensor.New(nb, ri, rj, nc)

	tensor.Parallel(nb*ri, func(start, end int) {
		for idx := start; idx < end; idx++ {
			b, i := idx/ri, idx%ri
			for j := 0; j < rj; j++ {
				oOff := ((b*ri+i)*rj + j) * nc
				for k := 0; k < nk; k++ {
					lOff := ((b*nk+k)*rj + j) * nc
					rOff := ((b*nk+k)*ri + i) * nc
					for c := 0; c < nc; c++ {
						out.Data[oOff+c] += left.Data[lOff+c] * right.Data[rOff+c]
					}
				}
			}
		}
	})
	return out
}
