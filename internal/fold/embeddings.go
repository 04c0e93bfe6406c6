package fold

import (
	"strconv"
	"time"

	"github.com/23skdu/longbow-sibyl/internal/checkpoint"
	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/features"
	"github.com/23skdu/longbow-sibyl/internal/metrics"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// Representations carries the trunk outputs the heads consume. The
// StructureModule field starts nil and is populated by the structure head
// for the predicted-LDDT head to read.
type Representations struct {
	MSA             *tensor.Tensor // [batch, seq, res, msaChannel]
	MSAFirstRow     *tensor.Tensor // [batch, res, msaChannel]
	Pair            *tensor.Tensor // [batch, res, res, pairChannel]
	Single          *tensor.Tensor // [batch, res, seqChannel]
	StructureModule *tensor.Tensor // [batch, res, structureChannel]
}

// feature fetches a batch entry that the feature pipeline guarantees.
// Absence here is a programming error, not bad input.
func feature(batch features.Batch, name string) *tensor.Tensor {
	t, ok := batch[name]
	if !ok {
		panic("fold: missing feature " + name)
	}
	return t
}

// Embeddings is the trunk: input embedders, recycled-feature injection,
// relative-position encoding, template embedding and the two Evoformer
// stacks, producing the representations for the heads.
type Embeddings struct {
	cfg  config.Embeddings
	gcfg *config.Global

	preprocess1D  *linear
	preprocessMSA *linear
	leftSingle    *linear
	rightSingle   *linear

	prevPosLinear       *linear
	prevMSAFirstRowNorm *layerNorm
	prevPairNorm        *layerNorm

	// The published checkpoints carry this projection under a historically
	// misspelled name; the scope keeps it so parameters resolve.
	relPosProjection *linear

	templateEmbedding       *TemplateEmbedding
	templateSingleEmbedding *linear
	templateProjection      *linear

	extraMSAActivations *linear
	extraMSAStack       []*EvoformerBlock

	evoformerStack    []*EvoformerBlock
	singleActivations *linear
}

func NewEmbeddings(cfg config.Embeddings, gcfg *config.Global, store *checkpoint.Store, scope string) (*Embeddings, error) {
	e := &Embeddings{cfg: cfg, gcfg: gcfg}

	var err error
	if e.preprocess1D, err = newLinear(store, scope+".preprocess_1d",
		config.TargetFeatDim, cfg.MSAChannel, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if e.preprocessMSA, err = newLinear(store, scope+".preprocess_msa",
		config.MSAFeatDim, cfg.MSAChannel, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if e.leftSingle, err = newLinear(store, scope+".left_single",
		config.TargetFeatDim, cfg.PairChannel, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if e.rightSingle, err = newLinear(store, scope+".right_single",
		config.TargetFeatDim, cfg.PairChannel, checkpoint.InitXavier); err != nil {
		return nil, err
	}

	if cfg.RecyclePos {
		if e.prevPosLinear, err = newLinear(store, scope+".prev_pos_linear",
			cfg.PrevPos.NumBins, cfg.PairChannel, checkpoint.InitXavier); err != nil {
			return nil, err
		}
	}
	if cfg.RecycleFeatures {
		if e.prevMSAFirstRowNorm, err = newLayerNorm(store,
			scope+".prev_msa_first_row_norm", cfg.MSAChannel, gcfg.Eps); err != nil {
			return nil, err
		}
		if e.prevPairNorm, err = newLayerNorm(store,
			scope+".prev_pair_norm", cfg.PairChannel, gcfg.Eps); err != nil {
			return nil, err
		}
	}
	if cfg.MaxRelativeFeature > 0 {
		if e.relPosProjection, err = newLinear(store, scope+".pair_activiations",
			2*cfg.MaxRelativeFeature+1, cfg.PairChannel, checkpoint.InitXavier); err != nil {
			return nil, err
		}
	}

	if cfg.Template.Enabled {
		if e.templateEmbedding, err = NewTemplateEmbedding(cfg.Template, gcfg, store,
			scope+".template_embedding", cfg.PairChannel); err != nil {
			return nil, err
		}
		if cfg.Template.EmbedTorsionAngles {
			if e.templateSingleEmbedding, err = newLinear(store,
				scope+".template_single_embedding",
				config.TemplateAngleDim, cfg.MSAChannel, checkpoint.InitXavier); err != nil {
				return nil, err
			}
			if e.templateProjection, err = newLinear(store,
				scope+".template_projection",
				cfg.MSAChannel, cfg.MSAChannel, checkpoint.InitXavier); err != nil {
				return nil, err
			}
		}
	}

	if e.extraMSAActivations, err = newLinear(store, scope+".extra_msa_activations",
		config.ExtraMSAFeatDim, cfg.ExtraMSAChannel, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	for i := 0; i < cfg.ExtraMSAStackBlock; i++ {
		blk, err := NewEvoformerBlock(cfg.ExtraMSAStack, gcfg, store,
			scope+".extra_msa_stack_"+strconv.Itoa(i),
			cfg.ExtraMSAChannel, cfg.PairChannel, true)
		if err != nil {
			return nil, err
		}
		e.extraMSAStack = append(e.extraMSAStack, blk)
	}

	for i := 0; i < cfg.EvoformerNumBlock; i++ {
		blk, err := NewEvoformerBlock(cfg.Evoformer, gcfg, store,
			scope+".evoformer_iteration_"+strconv.Itoa(i),
			cfg.MSAChannel, cfg.PairChannel, false)
		if err != nil {
			return nil, err
		}
		e.evoformerStack = append(e.evoformerStack, blk)
	}
	if e.singleActivations, err = newLinear(store, scope+".single_activations",
		cfg.MSAChannel, cfg.SeqChannel, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	return e, nil
}

// Apply runs the trunk over one ensemble member's features. Recycled
// outputs from the previous iteration enter through the prev_pos,
// prev_msa_first_row and prev_pair batch entries when present.
func (e *Embeddings) Apply(batch features.Batch) *Representations {
	targetFeat := feature(batch, "target_feat")
	msaFeat := feature(batch, "msa_feat")
	seqMask := feature(batch, "seq_mask")

	msaAct := tensor.Add(
		e.preprocess1D.Apply(targetFeat).Unsqueeze(1),
		e.preprocessMSA.Apply(msaFeat))

	pairAct := tensor.Add(
		e.leftSingle.Apply(targetFeat).Unsqueeze(2),
		e.rightSingle.Apply(targetFeat).Unsqueeze(1))

	mask2d := tensor.Mul(seqMask.Unsqueeze(2), seqMask.Unsqueeze(1))

	if e.cfg.RecyclePos {
		if prevPos, ok := batch["prev_pos"]; ok {
			pb := pseudoBeta(feature(batch, "aatype"), prevPos)
			dgram := dgramFromPositions(pb, e.cfg.PrevPos)
			pairAct = tensor.Add(pairAct, e.prevPosLinear.Apply(dgram))
		}
	}
	if e.cfg.RecycleFeatures {
		if prevRow, ok := batch["prev_msa_first_row"]; ok {
			row := e.prevMSAFirstRowNorm.Apply(prevRow)
			addIntoFirstRow(msaAct, row)
		}
		if prevPair, ok := batch["prev_pair"]; ok {
			pairAct = tensor.Add(pairAct, e.prevPairNorm.Apply(prevPair))
		}
	}

	if e.cfg.MaxRelativeFeature > 0 {
		pairAct = tensor.Add(pairAct, e.relPos(feature(batch, "residue_index")))
	}

	if e.cfg.Template.Enabled {
		pairAct = tensor.Add(pairAct, e.templateEmbedding.Apply(
			pairAct,
			feature(batch, "template_aatype"),
			feature(batch, "template_all_atom_positions"),
			feature(batch, "template_all_atom_masks"),
			feature(batch, "template_mask"),
			mask2d))
	}

	extraFeat := tensor.Concat(3,
		tensor.OneHot(feature(batch, "extra_msa"), 23),
		feature(batch, "extra_has_deletion").Unsqueeze(3),
		feature(batch, "extra_deletion_value").Unsqueeze(3))
	extra := Activations{
		MSA:  e.extraMSAActivations.Apply(extraFeat),
		Pair: pairAct,
	}
	extraMasks := Masks{MSA: feature(batch, "extra_msa_mask"), Pair: mask2d}
	for _, blk := range e.extraMSAStack {
		blkStart := time.Now()
		extra = blk.Apply(extra, extraMasks)
		metrics.RecordBlockDuration("extra_msa", time.Since(blkStart))
	}
	pairAct = extra.Pair

	evoMSA := msaAct
	evoMSAMask := feature(batch, "msa_mask")
	if e.cfg.Template.Enabled && e.cfg.Template.EmbedTorsionAngles {
		rows, rowMask := e.templateTorsionRows(batch)
		evoMSA = tensor.Concat(1, evoMSA, rows)
		evoMSAMask = tensor.Concat(1, evoMSAMask, rowMask)
	}

	act := Activations{MSA: evoMSA, Pair: pairAct}
	masks := Masks{MSA: evoMSAMask, Pair: mask2d}
	for _, blk := range e.evoformerStack {
		blkStart := time.Now()
		act = blk.Apply(act, masks)
		metrics.RecordBlockDuration("evoformer", time.Since(blkStart))
	}

	firstRow := act.MSA.Slice(1, 0, 1).Squeeze(1)
	numSeq := msaFeat.Shape[1]
	return &Representations{
		MSA:         act.MSA.Slice(1, 0, numSeq), // drop the template rows
		MSAFirstRow: firstRow,
		Pair:        act.Pair,
		Single:      e.singleActivations.Apply(firstRow),
	}
}

// relPos one-hot encodes clipped sequence offsets and projects them into
// the pair representation.
func (e *Embeddings) relPos(residueIndex *tensor.Tensor) *tensor.Tensor {
	nb, nr := residueIndex.Shape[0], residueIndex.Shape[1]
	maxRel := e.cfg.MaxRelativeFeature
	offsets := tensor.New(nb, nr, nr)
	for b := 0; b < nb; b++ {
		base := b * nr
		for i := 0; i < nr; i++ {
			for j := 0; j < nr; j++ {
				off := int(residueIndex.Data[base+i]) - int(residueIndex.Data[base+j]) + maxRel
				if off < 0 {
					off = 0
				}
				if off > 2*maxRel {
					off = 2 * maxRel
				}
				offsets.Data[(base+i)*nr+j] = float32(off)
			}
		}
	}
	return e.relPosProjection.Apply(tensor.OneHot(offsets, 2*maxRel+1))
}

// templateTorsionRows embeds each template's torsion angles as extra rows
// for the main MSA stack. The returned row mask comes from the psi angle,
// which depends only on backbone atoms of a single residue.
func (e *Embeddings) templateTorsionRows(batch features.Batch) (*tensor.Tensor, *tensor.Tensor) {
	aatype := feature(batch, "template_aatype")
	nb, nt, nr := aatype.Shape[0], aatype.Shape[1], aatype.Shape[2]

	sinCos, altSinCos, torsionMask := atom37ToTorsionAngles(
		aatype,
		feature(batch, "template_all_atom_positions"),
		feature(batch, "template_all_atom_masks"),
		!e.gcfg.ZeroInit)

	feat := tensor.Concat(3,
		tensor.OneHot(aatype, 22),
		sinCos.Reshape(nb, nt, nr, 2*numTorsions),
		altSinCos.Reshape(nb, nt, nr, 2*numTorsions),
		torsionMask)

	rows := tensor.Relu(e.templateSingleEmbedding.Apply(feat))
	rows = e.templateProjection.Apply(rows)
	return rows, torsionMask.Slice(3, 2, 3).Squeeze(3)
}

// addIntoFirstRow adds row [b, r, c] into msa[:, 0] in place. The MSA
// tensor is freshly built by the caller, so the mutation is private.
func addIntoFirstRow(msa, row *tensor.Tensor) {
	nb, ns := msa.Shape[0], msa.Shape[1]
	rowLen := msa.Shape[2] * msa.Shape[3]
	for b := 0; b < nb; b++ {
		dst := msa.Data[b*ns*rowLen : b*ns*rowLen+rowLen]
		src := row.Data[b*rowLen : (b+1)*rowLen]
		for i, v := range src {
			dst[i] += v
		}
	}
}
