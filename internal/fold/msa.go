package fold

import (
	"github.com/23skdu/longbow-sibyl/internal/checkpoint"
	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// MSARowAttentionWithPairBias attends within each alignment row, with an
// extra per-head bias projected from the pair representation.
type MSARowAttentionWithPairBias struct {
	gcfg          *config.Global
	queryNorm     *layerNorm
	feat2DNorm    *layerNorm
	feat2DWeights *tensor.Tensor
	attention     *Attention
}

func NewMSARowAttentionWithPairBias(cfg config.Attention, gcfg *config.Global, store *checkpoint.Store, scope string, msaChannel, pairChannel int) (*MSARowAttentionWithPairBias, error) {
	m := &MSARowAttentionWithPairBias{gcfg: gcfg}

	var err error
	if m.queryNorm, err = newLayerNorm(store, scope+".query_norm", msaChannel, gcfg.Eps); err != nil {
		return nil, err
	}
	if m.feat2DNorm, err = newLayerNorm(store, scope+".feat_2d_norm", pairChannel, gcfg.Eps); err != nil {
		return nil, err
	}
	if m.feat2DWeights, err = store.Param(scope+".feat_2d_weights", []int{pairChannel, cfg.NumHead}, checkpoint.InitScaledNormal); err != nil {
		return nil, err
	}
	if m.attention, err = NewAttention(cfg, *gcfg, store, scope+".attention", msaChannel, msaChannel, msaChannel); err != nil {
		return nil, err
	}
	return m, nil
}

// Apply updates msaAct [b, s, r, c] under msaMask [b, s, r], reading the
// pair bias from pairAct [b, r, r, cp].
func (m *MSARowAttentionWithPairBias) Apply(msaAct, msaMask, pairAct *tensor.Tensor) *tensor.Tensor {
	bias := tensor.MaskBias(msaMask).Unsqueeze(2).Unsqueeze(2) // [b, s, 1, 1, r]
	act := m.queryNorm.Apply(msaAct)
	pair := m.feat2DNorm.Apply(pairAct)
	nonbatched := pairBias(pair, m.feat2DWeights) // [b, h, r, r]

	apply := func(args []*tensor.Tensor) *tensor.Tensor {
		return m.attention.Apply(args[0], args[1], args[2], nonbatched)
	}
	if !m.gcfg.Inference {
		return apply([]*tensor.Tensor{act, act, bias})
	}
	return tensor.Subbatch(apply, []*tensor.Tensor{act, act, bias},
		[]int{0, 1, 2}, []int{1, 1, 1}, m.gcfg.SubbatchSize, 1)
}

// MSAColumnAttention attends within each alignment column. The MSA is
// transposed so rows become columns, then the row machinery is reused.
type MSAColumnAttention struct {
	gcfg      *config.Global
	queryNorm *layerNorm
	attention *Attention
}

func NewMSAColumnAttention(cfg config.Attention, gcfg *config.Global, store *checkpoint.Store, scope string, msaChannel int) (*MSAColumnAttention, error) {
	m := &MSAColumnAttention{gcfg: gcfg}

	var err error
	if m.queryNorm, err = newLayerNorm(store, scope+".query_norm", msaChannel, gcfg.Eps); err != nil {
		return nil, err
	}
	if m.attention, err = NewAttention(cfg, *gcfg, store, scope+".attention", msaChannel, msaChannel, msaChannel); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MSAColumnAttention) Apply(msaAct, msaMask *tensor.Tensor) *tensor.Tensor {
	act := msaAct.Transpose(0, 2, 1, 3) // [b, r, s, c]
	mask := msaMask.Transpose(0, 2, 1)  // [b, r, s]
	bias := tensor.MaskBias(mask).Unsqueeze(2).Unsqueeze(2)

	act = m.queryNorm.Apply(act)
	apply := func(args []*tensor.Tensor) *tensor.Tensor {
		return m.attention.Apply(args[0], args[1], args[2], nil)
	}
	if m.gcfg.Inference {
		act = tensor.Subbatch(apply, []*tensor.Tensor{act, act, bias},
			[]int{0, 1, 2}, []int{1, 1, 1}, m.gcfg.SubbatchSize, 1)
	} else {
		act = apply([]*tensor.Tensor{act, act, bias})
	}
	return act.Transpose(0, 2, 1, 3)
}

// MSAColumnGlobalAttention is the memory-lean column attention used in the
// extra-MSA stack: queries are mask-pooled per column before attending.
type MSAColumnGlobalAttention struct {
	gcfg      *config.Global
	queryNorm *layerNorm
	attention *GlobalAttention
}

func NewMSAColumnGlobalAttention(cfg config.Attention, gcfg *config.Global, store *checkpoint.Store, scope string, msaChannel int) (*MSAColumnGlobalAttention, error) {
	m := &MSAColumnGlobalAttention{gcfg: gcfg}

	var err error
	if m.queryNorm, err = newLayerNorm(store, scope+".query_norm", msaChannel, gcfg.Eps); err != nil {
		return nil, err
	}
	if m.attention, err = NewGlobalAttention(cfg, *gcfg, store, scope+".attention", msaChannel, msaChannel, msaChannel); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MSAColumnGlobalAttention) Apply(msaAct, msaMask *tensor.Tensor) *tensor.Tensor {
	act := msaAct.Transpose(0, 2, 1, 3) // [b, r, s, c]
	mask := msaMask.Transpose(0, 2, 1)  // [b, r, s]
	maskCol := mask.Unsqueeze(3)        // [b, r, s, 1]

	act = m.queryNorm.Apply(act)
	apply := func(args []*tensor.Tensor) *tensor.Tensor {
		return m.attention.Apply(args[0], args[1], args[2])
	}
	if m.gcfg.Inference {
		act = tensor.Subbatch(apply, []*tensor.Tensor{act, act, maskCol},
			[]int{0, 1, 2}, []int{1, 1, 1}, m.gcfg.SubbatchSize, 1)
	} else {
		act = apply([]*tensor.Tensor{act, act, maskCol})
	}
	return act.Transpose(0, 2, 1, 3)
}

// Transition is the two-layer feed-forward update applied to MSA and pair
// activations, widened by a configured factor with ReLU in between.
type Transition struct {
	gcfg        *config.Global
	inputNorm   *layerNorm
	transition1 *linear
	transition2 *linear
}

func NewTransition(cfg config.Transition, gcfg *config.Global, store *checkpoint.Store, scope string, channel int) (*Transition, error) {
	t := &Transition{gcfg: gcfg}
	inter := channel * cfg.NumIntermediateFactor

	lastInit := checkpoint.InitScaledNormal
	if gcfg.ZeroInit {
		lastInit = checkpoint.InitZeros
	}
	var err error
	if t.inputNorm, err = newLayerNorm(store, scope+".input_layer_norm", channel, gcfg.Eps); err != nil {
		return nil, err
	}
	if t.transition1, err = newLinear(store, scope+".transition1", channel, inter, checkpoint.InitScaledNormal); err != nil {
		return nil, err
	}
	if t.transition2, err = newLinear(store, scope+".transition2", inter, channel, lastInit); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transition) Apply(act *tensor.Tensor) *tensor.Tensor {
	act = t.inputNorm.Apply(act)
	apply := func(args []*tensor.Tensor) *tensor.Tensor {
		x := t.transition1.Apply(args[0])
		x = tensor.Relu(x)
		return t.transition2.Apply(x)
	}
	if !t.gcfg.Inference {
		return apply([]*tensor.Tensor{act})
	}
	return tensor.Subbatch(apply, []*tensor.Tensor{act},
		[]int{0}, []int{1}, t.gcfg.SubbatchSize, 1)
}
