package fold

import (
	"github.com/23skdu/longbow-sibyl/internal/checkpoint"
	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// outerEpsilon guards the per-pair alignment count in the mean.
const outerEpsilon = 1e-3

// OuterProductMean turns MSA activations into a pair update: for every
// residue pair it averages the outer product of two learned projections over
// the alignment rows.
type OuterProductMean struct {
	cfg             config.OuterProductMean
	gcfg            *config.Global
	layerNormInput  *layerNorm
	leftProjection  *linear
	rightProjection *linear
	outputW         *tensor.Tensor // [outer, outer, pair]
	outputB         *tensor.Tensor // [pair]
}

func NewOuterProductMean(cfg config.OuterProductMean, gcfg *config.Global, store *checkpoint.Store, scope string, msaChannel, pairChannel int) (*OuterProductMean, error) {
	o := &OuterProductMean{cfg: cfg, gcfg: gcfg}

	outInit := checkpoint.InitScaledNormal
	if gcfg.ZeroInit {
		outInit = checkpoint.InitZeros
	}
	var err error
	if o.layerNormInput, err = newLayerNorm(store, scope+".layer_norm_input", msaChannel, gcfg.Eps); err != nil {
		return nil, err
	}
	if o.leftProjection, err = newLinear(store, scope+".left_projection", msaChannel, cfg.NumOuterChannel, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if o.rightProjection, err = newLinear(store, scope+".right_projection", msaChannel, cfg.NumOuterChannel, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if o.outputW, err = store.Param(scope+".output_w", []int{cfg.NumOuterChannel, cfg.NumOuterChannel, pairChannel}, outInit); err != nil {
		return nil, err
	}
	if o.outputB, err = store.Param(scope+".output_b", []int{pairChannel}, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	return o, nil
}

// Apply maps act [b, s, r, cm] and mask [b, s, r] to a pair update
// [b, r, r, cz]. Chunking walks the left residue axis.
func (o *OuterProductMean) Apply(act, mask *tensor.Tensor) *tensor.Tensor {
	maskCol := mask.Unsqueeze(3)
	normed := o.layerNormInput.Apply(act)
	left := tensor.Mul(maskCol, o.leftProjection.Apply(normed))
	right := tensor.Mul(maskCol, o.rightProjection.Apply(normed))

	chunk := func(args []*tensor.Tensor) *tensor.Tensor {
		return outerChunk(args[0], right, o.outputW, o.outputB)
	}
	var out *tensor.Tensor
	if o.gcfg.Inference {
		out = tensor.Subbatch(chunk, []*tensor.Tensor{left},
			[]int{0}, []int{2}, o.cfg.ChunkSize, 1)
	} else {
		out = chunk([]*tensor.Tensor{left})
	}
	dividePairCount(out, mask)
	return out
}

// outerChunk computes out[b, i, j, f] =
// sum_{c,e} (sum_s left[b, s, i, c] * right[b, s, j, e]) * w[c, e, f] + bias[f].
func outerChunk(left, right, w, bias *tensor.Tensor) *tensor.Tensor {
	nb, ns, ri, co := left.Shape[0], left.Shape[1], left.Shape[2], left.Shape[3]
	rj, ce := right.Shape[2], right.Shape[3]
	cz := w.Shape[2]
	out := tensor.New(nb, ri, rj, cz)

	tensor.Parallel(nb*ri, func(start, end int) {
		acc := make([]float64, co*ce)
		for idx := start; idx < end; idx++ {
			b, i := idx/ri, idx%ri
			for j := 0; j < rj; j++ {
				for t := range acc {
					acc[t] = 0
				}
				for s := 0; s < ns; s++ {
					lOff := ((b*ns+s)*ri + i) * co
					rOff := ((b*ns+s)*rj + j) * ce
					for c := 0; c < co; c++ {
						lv := float64(left.Data[lOff+c])
						if lv == 0 {
							continue
						}
						row := acc[c*ce : (c+1)*ce]
						for e := 0; e < ce; e++ {
							row[e] += lv * float64(right.Data[rOff+e])
						}
					}
				}
				oOff := ((b*ri+i)*rj + j) * cz
				for f := 0; f < cz; f++ {
					sum := float64(bias.Data[f])
					for c := 0; c < co; c++ {
						for e := 0; e < ce; e++ {
							if a := acc[c*ce+e]; a != 0 {
								sum += a * float64(w.Data[(c*ce+e)*cz+f])
							}
						}
					}
					out.Data[oOff+f] = float32(sum)
				}
			}
		}
	})
	return out
}

// dividePairCount divides out[b, i, j, :] by the number of alignment rows
// where both residues are present, in place.
func dividePairCount(out, mask *tensor.Tensor) {
	nb, ri, rj, cz := out.Shape[0], out.Shape[1], out.Shape[2], out.Shape[3]
	ns, r := mask.Shape[1], mask.Shape[2]

	tensor.Parallel(nb*ri, func(start, end int) {
		for idx := start; idx < end; idx++ {
			b, i := idx/ri, idx%ri
			for j := 0; j < rj; j++ {
				var norm float64
				for s := 0; s < ns; s++ {
					mOff := (b*ns + s) * r
					norm += float64(mask.Data[mOff+i]) * float64(mask.Data[mOff+j])
				}
				inv := float32(1 / (outerEpsilon + norm))
				oOff := ((b*ri+i)*rj + j) * cz
				for f := 0; f < cz; f++ {
					out.Data[oOff+f] *= inv
				}
			}
		}
	})
}
