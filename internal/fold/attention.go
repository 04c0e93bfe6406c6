package fold

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-sibyl/internal/checkpoint"
	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// Attention is gated multi-head scaled dot-product attention over a batch of
// rows: queries [batch, row, q, qDim] attend to memories [batch, row, k, kvDim].
type Attention struct {
	cfg      config.Attention
	numHead  int
	keyDim   int // per head
	valueDim int // per head

	queryW  *tensor.Tensor // [qDim, head, keyDim]
	keyW    *tensor.Tensor // [kvDim, head, keyDim]
	valueW  *tensor.Tensor // [kvDim, head, valueDim]
	gatingW *tensor.Tensor // [qDim, head, valueDim]
	gatingB *tensor.Tensor // [head, valueDim]
	outputW *tensor.Tensor // [head, valueDim, outDim]
	outputB *tensor.Tensor // [outDim]
}

// NewAttention builds an attention block reading its parameters from store
// under the given scope. KeyDim and ValueDim default to the query and memory
// channel counts; both must divide evenly across heads.
func NewAttention(cfg config.Attention, gcfg config.Global, store *checkpoint.Store, scope string, qDim, kvDim, outDim int) (*Attention, error) {
	keyDim := cfg.KeyDim
	if keyDim == 0 {
		keyDim = qDim
	}
	valueDim := cfg.ValueDim
	if valueDim == 0 {
		valueDim = kvDim
	}
	if keyDim%cfg.NumHead != 0 {
		return nil, fmt.Errorf("%s: key_dim %d not divisible by num_head %d", scope, keyDim, cfg.NumHead)
	}
	if valueDim%cfg.NumHead != 0 {
		return nil, fmt.Errorf("%s: value_dim %d not divisible by num_head %d", scope, valueDim, cfg.NumHead)
	}

	a := &Attention{
		cfg:      cfg,
		numHead:  cfg.NumHead,
		keyDim:   keyDim / cfg.NumHead,
		valueDim: valueDim / cfg.NumHead,
	}

	outInit := checkpoint.InitXavier
	if gcfg.ZeroInit {
		outInit = checkpoint.InitZeros
	}
	var err error
	if a.queryW, err = store.Param(scope+".query_w", []int{qDim, a.numHead, a.keyDim}, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if a.keyW, err = store.Param(scope+".key_w", []int{kvDim, a.numHead, a.keyDim}, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if a.valueW, err = store.Param(scope+".value_w", []int{kvDim, a.numHead, a.valueDim}, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if cfg.Gating {
		if a.gatingW, err = store.Param(scope+".gating_w", []int{qDim, a.numHead, a.valueDim}, checkpoint.InitZeros); err != nil {
			return nil, err
		}
		if a.gatingB, err = store.Param(scope+".gating_b", []int{a.numHead, a.valueDim}, checkpoint.InitOnes); err != nil {
			return nil, err
		}
	}
	if a.outputW, err = store.Param(scope+".output_w", []int{a.numHead, a.valueDim, outDim}, outInit); err != nil {
		return nil, err
	}
	if a.outputB, err = store.Param(scope+".output_b", []int{outDim}, checkpoint.InitZeros); err != nil {
		return nil, err
	}
	return a, nil
}

// Apply runs attention. bias must broadcast against the logits
// [batch, row, head, q, k]; nonbatchedBias is an optional [batch, head, q, k]
// term shared across rows. The output is [batch, row, q, outDim].
func (a *Attention) Apply(qData, mData, bias, nonbatchedBias *tensor.Tensor) *tensor.Tensor {
	nb, nr, nq := qData.Shape[0], qData.Shape[1], qData.Shape[2]
	nk := mData.Shape[2]
	scale := float32(1.0)
	if a.keyDim > 0 {
		scale = float32(1.0 / math.Sqrt(float64(a.keyDim)))
	}

	qDim := a.queryW.Shape[0]
	kvDim := a.keyW.Shape[0]
	q := tensor.Linear(qData, a.queryW.Reshape(qDim, a.numHead*a.keyDim), nil)
	q = tensor.Scale(q, scale).Reshape(nb, nr, nq, a.numHead, a.keyDim)
	k := tensor.Linear(mData, a.keyW.Reshape(kvDim, a.numHead*a.keyDim), nil).
		Reshape(nb, nr, nk, a.numHead, a.keyDim)
	v := tensor.Linear(mData, a.valueW.Reshape(kvDim, a.numHead*a.valueDim), nil).
		Reshape(nb, nr, nk, a.numHead, a.valueDim)

	logits := attentionLogits(q, k)
	logits = tensor.Add(logits, bias)
	if nonbatchedBias != nil {
		logits = tensor.Add(logits, nonbatchedBias.Unsqueeze(1))
	}
	weights := tensor.Softmax(logits, -1)

	weighted := attentionWeightedAverage(weights, v).
		Reshape(nb, nr, nq, a.numHead*a.valueDim)
	if a.cfg.Gating {
		gate := tensor.Linear(qData,
			a.gatingW.Reshape(qDim, a.numHead*a.valueDim),
			a.gatingB.Reshape(a.numHead*a.valueDim))
		weighted = tensor.Mul(tensor.Sigmoid(gate), weighted)
	}

	outDim := a.outputW.Shape[2]
	return tensor.Linear(weighted, a.outputW.Reshape(a.numHead*a.valueDim, outDim), a.outputB)
}

// attentionLogits contracts q [b, r, q, h, c] with k [b, r, k, h, c] into
// [b, r, h, q, k].
func attentionLogits(q, k *tensor.Tensor) *tensor.Tensor {
	nb, nr, nq, nh, nc := q.Shape[0], q.Shape[1], q.Shape[2], q.Shape[3], q.Shape[4]
	nk := k.Shape[2]
	out := tensor.New(nb, nr, nh, nq, nk)

	rows := nb * nr
	tensor.Parallel(rows, func(start, end int) {
		for row := start; row < end; row++ {
			qBase := row * nq * nh * nc
			kBase := row * nk * nh * nc
			oBase := row * nh * nq * nk
			for h := 0; h < nh; h++ {
				for qi := 0; qi < nq; qi++ {
					qOff := qBase + (qi*nh+h)*nc
					oOff := oBase + (h*nq+qi)*nk
					for ki := 0; ki < nk; ki++ {
						kOff := kBase + (ki*nh+h)*nc
						var sum float64
						for c := 0; c < nc; c++ {
							sum += float64(q.Data[qOff+c]) * float64(k.Data[kOff+c])
						}
						out.Data[oOff+ki] = float32(sum)
					}
				}
			}
		}
	})
	return out
}

// attentionWeightedAverage contracts weights [b, r, h, q, k] with
// v [b, r, k, h, c] into [b, r, q, h, c].
func attentionWeightedAverage(weights, v *tensor.Tensor) *tensor.Tensor {
	nb, nr, nh, nq, nk := weights.Shape[0], weights.Shape[1], weights.Shape[2], weights.Shape[3], weights.Shape[4]
	nc := v.Shape[4]
	out := tensor.New(nb, nr, nq, nh, nc)

	rows := nb * nr
	tensor.Parallel(rows, func(start, end int) {
		for row := start; row < end; row++ {
			wBase := row * nh * nq * nk
			vBase := row * nk * nh * nc
			oBase := row * nq * nh * nc
			for h := 0; h < nh; h++ {
				for qi := 0; qi < nq; qi++ {
					wOff := wBase + (h*nq+qi)*nk
					oOff := oBase + (qi*nh+h)*nc
					for ki := 0; ki < nk; ki++ {
						w := float64(weights.Data[wOff+ki])
						if w == 0 {
							continue
						}
						vOff := vBase + (ki*nh+h)*nc
						for c := 0; c < nc; c++ {
							out.Data[oOff+c] += float32(w * float64(v.Data[vOff+c]))
						}
					}
				}
			}
		}
	})
	return out
}

// GlobalAttention pools the queries into a single attention target per row.
// The per-position gate keeps the output position-dependent, so one
// key/value pass serves the whole row.
type GlobalAttention struct {
	cfg      config.Attention
	numHead  int
	keyDim   int
	valueDim int

	queryW  *tensor.Tensor // [qDim, head, keyDim]
	keyW    *tensor.Tensor // [kvDim, keyDim], headless
	valueW  *tensor.Tensor // [kvDim, valueDim], headless
	gatingW *tensor.Tensor
	gatingB *tensor.Tensor
	outputW *tensor.Tensor
	outputB *tensor.Tensor
}

// NewGlobalAttention builds the pooled variant under the given scope.
func NewGlobalAttention(cfg config.Attention, gcfg config.Global, store *checkpoint.Store, scope string, qDim, kvDim, outDim int) (*GlobalAttention, error) {
	keyDim := cfg.KeyDim
	if keyDim == 0 {
		keyDim = qDim
	}
	valueDim := cfg.ValueDim
	if valueDim == 0 {
		valueDim = kvDim
	}
	if keyDim%cfg.NumHead != 0 {
		return nil, fmt.Errorf("%s: key_dim %d not divisible by num_head %d", scope, keyDim, cfg.NumHead)
	}
	if valueDim%cfg.NumHead != 0 {
		return nil, fmt.Errorf("%s: value_dim %d not divisible by num_head %d", scope, valueDim, cfg.NumHead)
	}

	g := &GlobalAttention{
		cfg:      cfg,
		numHead:  cfg.NumHead,
		keyDim:   keyDim / cfg.NumHead,
		valueDim: valueDim / cfg.NumHead,
	}

	outInit := checkpoint.InitXavier
	if gcfg.ZeroInit {
		outInit = checkpoint.InitZeros
	}
	var err error
	if g.queryW, err = store.Param(scope+".query_w", []int{qDim, g.numHead, g.keyDim}, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if g.keyW, err = store.Param(scope+".key_w", []int{kvDim, g.keyDim}, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if g.valueW, err = store.Param(scope+".value_w", []int{kvDim, g.valueDim}, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if cfg.Gating {
		if g.gatingW, err = store.Param(scope+".gating_w", []int{qDim, g.numHead, g.valueDim}, checkpoint.InitZeros); err != nil {
			return nil, err
		}
		if g.gatingB, err = store.Param(scope+".gating_b", []int{g.numHead, g.valueDim}, checkpoint.InitOnes); err != nil {
			return nil, err
		}
	}
	if g.outputW, err = store.Param(scope+".output_w", []int{g.numHead, g.valueDim, outDim}, outInit); err != nil {
		return nil, err
	}
	if g.outputB, err = store.Param(scope+".output_b", []int{outDim}, checkpoint.InitZeros); err != nil {
		return nil, err
	}
	return g, nil
}

// Apply runs pooled attention. qData and mData are [batch, row, pos, dim],
// qMask is [batch, row, pos, 1]. The mask drives both the query pooling and
// the key bias.
func (g *GlobalAttention) Apply(qData, mData, qMask *tensor.Tensor) *tensor.Tensor {
	nb, nr := qData.Shape[0], qData.Shape[1]
	nk := mData.Shape[2]
	scale := float32(1.0 / math.Sqrt(float64(g.keyDim)))

	qDim := g.queryW.Shape[0]
	k := tensor.Linear(mData, g.keyW, nil)   // [b, r, k, keyDim]
	v := tensor.Linear(mData, g.valueW, nil) // [b, r, k, valueDim]

	qAvg := tensor.MaskMean(qMask, qData, 2) // [b, r, qDim]
	q := tensor.Linear(qAvg, g.queryW.Reshape(qDim, g.numHead*g.keyDim), nil)
	q = tensor.Scale(q, scale).Reshape(nb, nr, g.numHead, g.keyDim)

	// logits [b, r, h, k] = q . k + 1e9 * (mask - 1)
	logits := tensor.New(nb, nr, g.numHead, nk)
	rows := nb * nr
	tensor.Parallel(rows, func(start, end int) {
		for row := start; row < end; row++ {
			qBase := row * g.numHead * g.keyDim
			kBase := row * nk * g.keyDim
			mBase := row * nk
			oBase := row * g.numHead * nk
			for h := 0; h < g.numHead; h++ {
				qOff := qBase + h*g.keyDim
				for ki := 0; ki < nk; ki++ {
					kOff := kBase + ki*g.keyDim
					var sum float64
					for c := 0; c < g.keyDim; c++ {
						sum += float64(q.Data[qOff+c]) * float64(k.Data[kOff+c])
					}
					bias := 1e9 * (qMask.Data[mBase+ki] - 1)
					logits.Data[oBase+h*nk+ki] = float32(sum) + bias
				}
			}
		}
	})
	weights := tensor.Softmax(logits, -1)

	// weighted [b, r, h, valueDim]
	weighted := tensor.New(nb, nr, g.numHead, g.valueDim)
	tensor.Parallel(rows, func(start, end int) {
		for row := start; row < end; row++ {
			wBase := row * g.numHead * nk
			vBase := row * nk * g.valueDim
			oBase := row * g.numHead * g.valueDim
			for h := 0; h < g.numHead; h++ {
				for ki := 0; ki < nk; ki++ {
					w := float64(weights.Data[wBase+h*nk+ki])
					vOff := vBase + ki*g.valueDim
					oOff := oBase + h*g.valueDim
					for c := 0; c < g.valueDim; c++ {
						weighted.Data[oOff+c] += float32(w * float64(v.Data[vOff+c]))
					}
				}
			}
		}
	})

	outDim := g.outputW.Shape[2]
	if !g.cfg.Gating {
		out := tensor.Linear(weighted.Reshape(nb, nr, g.numHead*g.valueDim),
			g.outputW.Reshape(g.numHead*g.valueDim, outDim), g.outputB)
		return out.Unsqueeze(2)
	}

	gate := tensor.Linear(qData,
		g.gatingW.Reshape(qDim, g.numHead*g.valueDim),
		g.gatingB.Reshape(g.numHead*g.valueDim)) // [b, r, q, h*v]
	gate = tensor.Sigmoid(gate)
	pooled := weighted.Reshape(nb, nr, 1, g.numHead*g.valueDim)
	gated := tensor.Mul(gate, pooled) // broadcast over q
	return tensor.Linear(gated, g.outputW.Reshape(g.numHead*g.valueDim, outDim), g.outputB)
}
