package fold

import (
	"github.com/23skdu/longbow-sibyl/internal/checkpoint"
	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// Activations carry the evolving per-sequence and per-pair representations
// through the trunk. Blocks return fresh tensors; inputs are never updated
// in place.
type Activations struct {
	MSA  *tensor.Tensor // [batch, seq, res, msaChannel]
	Pair *tensor.Tensor // [batch, res, res, pairChannel]
}

// Masks are derived once per invocation and constant across blocks.
type Masks struct {
	MSA  *tensor.Tensor // [batch, seq, res]
	Pair *tensor.Tensor // [batch, res, res]
}

// EvoformerBlock is one trunk iteration: three MSA updates followed by six
// pair updates, each added back as a residual. The extra-MSA variant swaps
// dense column attention for the pooled global form. Residual dropout is a
// training concern and is not applied.
type EvoformerBlock struct {
	extra bool

	msaRowAttention          *MSARowAttentionWithPairBias
	msaColumnAttention       *MSAColumnAttention
	msaColumnGlobalAttention *MSAColumnGlobalAttention
	msaTransition            *Transition
	outerProductMean         *OuterProductMean
	triangleMultOutgoing     *TriangleMultiplication
	triangleMultIncoming     *TriangleMultiplication
	triangleAttnStarting     *TriangleAttention
	triangleAttnEnding       *TriangleAttention
	pairTransition           *Transition
}

func NewEvoformerBlock(cfg config.Evoformer, gcfg *config.Global, store *checkpoint.Store, scope string, msaChannel, pairChannel int, extra bool) (*EvoformerBlock, error) {
	blk := &EvoformerBlock{extra: extra}

	var err error
	if blk.msaRowAttention, err = NewMSARowAttentionWithPairBias(
		cfg.MSARowAttentionWithPairBias, gcfg, store,
		scope+".msa_row_attention_with_pair_bias", msaChannel, pairChannel); err != nil {
		return nil, err
	}
	if extra {
		if blk.msaColumnGlobalAttention, err = NewMSAColumnGlobalAttention(
			cfg.MSAColumnAttention, gcfg, store,
			scope+".msa_column_global_attention", msaChannel); err != nil {
			return nil, err
		}
	} else {
		if blk.msaColumnAttention, err = NewMSAColumnAttention(
			cfg.MSAColumnAttention, gcfg, store,
			scope+".msa_column_attention", msaChannel); err != nil {
			return nil, err
		}
	}
	if blk.msaTransition, err = NewTransition(
		cfg.MSATransition, gcfg, store, scope+".msa_transition", msaChannel); err != nil {
		return nil, err
	}
	if blk.outerProductMean, err = NewOuterProductMean(
		cfg.OuterProductMean, gcfg, store, scope+".outer_product_mean", msaChannel, pairChannel); err != nil {
		return nil, err
	}
	if blk.triangleMultOutgoing, err = NewTriangleMultiplication(
		cfg.TriangleMultiplicationOutgoing, gcfg, store,
		scope+".triangle_multiplication_outgoing", pairChannel); err != nil {
		return nil, err
	}
	if blk.triangleMultIncoming, err = NewTriangleMultiplication(
		cfg.TriangleMultiplicationIncoming, gcfg, store,
		scope+".triangle_multiplication_incoming", pairChannel); err != nil {
		return nil, err
	}
	if blk.triangleAttnStarting, err = NewTriangleAttention(
		cfg.TriangleAttentionStartingNode, gcfg, store,
		scope+".triangle_attention_starting_node", pairChannel); err != nil {
		return nil, err
	}
	if blk.triangleAttnEnding, err = NewTriangleAttention(
		cfg.TriangleAttentionEndingNode, gcfg, store,
		scope+".triangle_attention_ending_node", pairChannel); err != nil {
		return nil, err
	}
	if blk.pairTransition, err = NewTransition(
		cfg.PairTransition, gcfg, store, scope+".pair_transition", pairChannel); err != nil {
		return nil, err
	}
	return blk, nil
}

// Apply runs one block and returns the updated activations.
func (blk *EvoformerBlock) Apply(act Activations, masks Masks) Activations {
	msa, pair := act.MSA, act.Pair

	msa = tensor.Add(msa, blk.msaRowAttention.Apply(msa, masks.MSA, pair))
	if blk.extra {
		msa = tensor.Add(msa, blk.msaColumnGlobalAttention.Apply(msa, masks.MSA))
	} else {
		msa = tensor.Add(msa, blk.msaColumnAttention.Apply(msa, masks.MSA))
	}
	msa = tensor.Add(msa, blk.msaTransition.Apply(msa))

	pair = tensor.Add(pair, blk.outerProductMean.Apply(msa, masks.MSA))
	pair = tensor.Add(pair, blk.triangleMultOutgoing.Apply(pair, masks.Pair))
	pair = tensor.Add(pair, blk.triangleMultIncoming.Apply(pair, masks.Pair))
	pair = tensor.Add(pair, blk.triangleAttnStarting.Apply(pair, masks.Pair))
	pair = tensor.Add(pair, blk.triangleAttnEnding.Apply(pair, masks.Pair))
	pair = tensor.Add(pair, blk.pairTransition.Apply(pair))

	return Activations{MSA: msa, Pair: pair}
}
