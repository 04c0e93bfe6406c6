package fold

import (
	"math"
	"strconv"

	"github.com/23skdu/longbow-sibyl/internal/checkpoint"
	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// TemplatePairBlock is one iteration of the pair-only stack run over each
// template. It reuses the trunk's triangle updates but orders attention
// before multiplication.
type TemplatePairBlock struct {
	triangleAttnStarting *TriangleAttention
	triangleAttnEnding   *TriangleAttention
	triangleMultOutgoing *TriangleMultiplication
	triangleMultIncoming *TriangleMultiplication
	pairTransition       *Transition
}

func NewTemplatePairBlock(cfg config.TemplatePairStack, gcfg *config.Global, store *checkpoint.Store, scope string, channel int) (*TemplatePairBlock, error) {
	blk := &TemplatePairBlock{}

	var err error
	if blk.triangleAttnStarting, err = NewTriangleAttention(
		cfg.TriangleAttentionStartingNode, gcfg, store,
		scope+".triangle_attention_starting_node", channel); err != nil {
		return nil, err
	}
	if blk.triangleAttnEnding, err = NewTriangleAttention(
		cfg.TriangleAttentionEndingNode, gcfg, store,
		scope+".triangle_attention_ending_node", channel); err != nil {
		return nil, err
	}
	if blk.triangleMultOutgoing, err = NewTriangleMultiplication(
		cfg.TriangleMultiplicationOutgoing, gcfg, store,
		scope+".triangle_multiplication_outgoing", channel); err != nil {
		return nil, err
	}
	if blk.triangleMultIncoming, err = NewTriangleMultiplication(
		cfg.TriangleMultiplicationIncoming, gcfg, store,
		scope+".triangle_multiplication_incoming", channel); err != nil {
		return nil, err
	}
	if blk.pairTransition, err = NewTransition(
		cfg.PairTransition, gcfg, store, scope+".pair_transition", channel); err != nil {
		return nil, err
	}
	return blk, nil
}

func (blk *TemplatePairBlock) Apply(pair, mask *tensor.Tensor) *tensor.Tensor {
	pair = tensor.Add(pair, blk.triangleAttnStarting.Apply(pair, mask))
	pair = tensor.Add(pair, blk.triangleAttnEnding.Apply(pair, mask))
	pair = tensor.Add(pair, blk.triangleMultOutgoing.Apply(pair, mask))
	pair = tensor.Add(pair, blk.triangleMultIncoming.Apply(pair, mask))
	pair = tensor.Add(pair, blk.pairTransition.Apply(pair))
	return pair
}

// templateSlice holds one template's features after the template axis has
// been stripped.
type templateSlice struct {
	aatype    *tensor.Tensor // [batch, res]
	positions *tensor.Tensor // [batch, res, numAtomTypes, 3]
	atomMasks *tensor.Tensor // [batch, res, numAtomTypes]
}

// SingleTemplateEmbedding turns one template's geometry into a pair
// embedding: pseudo-beta distogram, residue-type one-hots, inter-residue
// unit vectors and masks, projected and refined by the template pair stack.
type SingleTemplateEmbedding struct {
	cfg         config.Template
	embedding2d *linear
	pairStack   []*TemplatePairBlock
	outputNorm  *layerNorm
}

func NewSingleTemplateEmbedding(cfg config.Template, gcfg *config.Global, store *checkpoint.Store, scope string) (*SingleTemplateEmbedding, error) {
	s := &SingleTemplateEmbedding{cfg: cfg}
	channel := cfg.TemplatePairStack.TriangleAttentionEndingNode.ValueDim

	var err error
	if s.embedding2d, err = newLinear(store, scope+".embedding2d",
		config.TemplatePairDim, channel, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	for i := 0; i < cfg.TemplatePairStack.NumBlock; i++ {
		blk, err := NewTemplatePairBlock(cfg.TemplatePairStack, gcfg, store,
			scope+".template_pair_stack_"+strconv.Itoa(i), channel)
		if err != nil {
			return nil, err
		}
		s.pairStack = append(s.pairStack, blk)
	}
	if s.outputNorm, err = newLayerNorm(store, scope+".output_layer_norm",
		cfg.Attention.KeyDim, gcfg.Eps); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply embeds one template against the query pair representation.
// mask2d is the query residue mask outer product; whether the template
// itself has coordinates at a position is handled by the per-atom masks.
func (s *SingleTemplateEmbedding) Apply(tmpl templateSlice, mask2d *tensor.Tensor) *tensor.Tensor {
	nb, nr := tmpl.aatype.Shape[0], tmpl.aatype.Shape[1]

	pb, pbMask := pseudoBetaWithMask(tmpl.aatype, tmpl.positions, tmpl.atomMasks)
	pbMask2d := tensor.Mul(pbMask.Unsqueeze(2), pbMask.Unsqueeze(1)) // [b, i, j]
	dgram := dgramFromPositions(pb, s.cfg.DgramFeatures)

	aatype := tensor.OneHot(tmpl.aatype, 22)
	zeros := tensor.New(nb, nr, nr, 22)
	colAatype := tensor.Add(zeros, aatype.Unsqueeze(1)) // aatype of j
	rowAatype := tensor.Add(zeros, aatype.Unsqueeze(2)) // aatype of i

	// Backbone frames need N, CA and C; the pseudo-beta mask above only
	// covers the CB position.
	bbMask := tensor.New(nb, nr)
	for p := 0; p < nb*nr; p++ {
		off := p * numAtomTypes
		bbMask.Data[p] = tmpl.atomMasks.Data[off+atomN] *
			tmpl.atomMasks.Data[off+atomCA] *
			tmpl.atomMasks.Data[off+atomC]
	}
	bbMask2d := tensor.Mul(bbMask.Unsqueeze(2), bbMask.Unsqueeze(1))

	unit := tensor.New(nb, nr, nr, 3)
	if s.cfg.UseTemplateUnitVector {
		vecs := invertedPointVectors(tmpl.positions)
		for p := 0; p < nb*nr*nr; p++ {
			x := float64(vecs.Data[p*3])
			y := float64(vecs.Data[p*3+1])
			z := float64(vecs.Data[p*3+2])
			inv := float64(bbMask2d.Data[p]) / math.Sqrt(1e-6+x*x+y*y+z*z)
			unit.Data[p*3] = float32(x * inv)
			unit.Data[p*3+1] = float32(y * inv)
			unit.Data[p*3+2] = float32(z * inv)
		}
	}

	act := tensor.Concat(3,
		dgram, pbMask2d.Unsqueeze(3), colAatype, rowAatype, unit, bbMask2d.Unsqueeze(3))
	// Zero non-template regions so absent coordinates cannot leak
	// arbitrary distogram values.
	act = tensor.Mul(act, bbMask2d.Unsqueeze(3))

	act = s.embedding2d.Apply(act)
	for _, blk := range s.pairStack {
		act = blk.Apply(act, mask2d)
	}
	return s.outputNorm.Apply(act)
}

// TemplateEmbedding embeds every template independently, then lets each
// query pair position attend over the per-template embeddings.
type TemplateEmbedding struct {
	cfg       config.Template
	gcfg      *config.Global
	single    *SingleTemplateEmbedding
	attention *Attention
}

func NewTemplateEmbedding(cfg config.Template, gcfg *config.Global, store *checkpoint.Store, scope string, pairChannel int) (*TemplateEmbedding, error) {
	t := &TemplateEmbedding{cfg: cfg, gcfg: gcfg}

	var err error
	if t.single, err = NewSingleTemplateEmbedding(cfg, gcfg, store,
		scope+".single_template_embedding"); err != nil {
		return nil, err
	}
	if t.attention, err = NewAttention(cfg.Attention, *gcfg, store,
		scope+".attention", pairChannel, cfg.Attention.KeyDim, pairChannel); err != nil {
		return nil, err
	}
	return t, nil
}

// Apply returns the pair update contributed by the templates. With every
// template masked off the result is exactly zero. aatype is [b, t, res],
// positions [b, t, res, numAtomTypes, 3], atomMasks [b, t, res,
// numAtomTypes], templateMask [b, t].
func (t *TemplateEmbedding) Apply(query, aatype, positions, atomMasks, templateMask, mask2d *tensor.Tensor) *tensor.Tensor {
	nb, nr, cz := query.Shape[0], query.Shape[1], query.Shape[3]
	numTemplates := templateMask.Shape[1]

	outs := make([]*tensor.Tensor, numTemplates)
	for i := 0; i < numTemplates; i++ {
		outs[i] = t.single.Apply(templateSlice{
			aatype:    aatype.Slice(1, i, i+1).Squeeze(1),
			positions: positions.Slice(1, i, i+1).Squeeze(1),
			atomMasks: atomMasks.Slice(1, i, i+1).Squeeze(1),
		}, mask2d)
	}
	stacked := tensor.Stack(1, outs...) // [b, t, res, res, ct]
	ct := stacked.Shape[4]

	flatQuery := query.Reshape(nb, nr*nr, 1, cz)
	flatTemplates := stacked.Transpose(0, 2, 3, 1, 4).Reshape(nb, nr*nr, numTemplates, ct)
	bias := tensor.MaskBias(templateMask).Reshape(nb, 1, 1, 1, numTemplates)

	apply := func(args []*tensor.Tensor) *tensor.Tensor {
		return t.attention.Apply(args[0], args[1], bias, nil)
	}
	var emb *tensor.Tensor
	if t.gcfg.Inference {
		emb = tensor.Subbatch(apply, []*tensor.Tensor{flatQuery, flatTemplates},
			[]int{0, 1}, []int{1, 1}, t.cfg.SubbatchSize, 1)
	} else {
		emb = apply([]*tensor.Tensor{flatQuery, flatTemplates})
	}

	var total float64
	for _, v := range templateMask.Data {
		total += float64(v)
	}
	if !(total > 0) {
		return tensor.New(nb, nr, nr, cz)
	}
	return emb.Reshape(nb, nr, nr, cz)
}
