package fold

import (
	"github.com/23skdu/longbow-sibyl/internal/checkpoint"
	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/features"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// StructureModule decodes atom coordinates from the trunk output. The
// bundled PositionDecoder satisfies it; callers may inject their own.
type StructureModule interface {
	Apply(rep *Representations, batch features.Batch) *StructureOutput
}

// StructureOutput carries the decoded coordinates plus the activation
// the predicted-LDDT head consumes.
type StructureOutput struct {
	FinalAtomPositions *tensor.Tensor // [batch, res, numAtomTypes, 3]
	FinalAtomMask      *tensor.Tensor // [batch, res, numAtomTypes]
	Single             *tensor.Tensor // [batch, res, num_channel]
}

// PositionDecoder is the bundled structure module: the layer-normed
// single representation is projected to the working width and decoded
// into per-atom coordinates in one shot. Its projected activation must
// match the width the predicted-LDDT head was built for, as in the
// published model dimensions.
type PositionDecoder struct {
	cfg       config.StructureModuleHead
	inputNorm *layerNorm
	initial   *linear
	positions *linear
}

func NewPositionDecoder(cfg config.StructureModuleHead, gcfg *config.Global, store *checkpoint.Store, scope string, seqChannel int) (*PositionDecoder, error) {
	d := &PositionDecoder{cfg: cfg}

	var err error
	if d.inputNorm, err = newLayerNorm(store, scope+".input_layer_norm", seqChannel, gcfg.Eps); err != nil {
		return nil, err
	}
	if d.initial, err = newLinear(store, scope+".initial_projection", seqChannel, cfg.NumChannel, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if d.positions, err = newLinear(store, scope+".position_projection", cfg.NumChannel, numAtomTypes*3, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *PositionDecoder) Apply(rep *Representations, batch features.Batch) *StructureOutput {
	act := d.initial.Apply(d.inputNorm.Apply(rep.Single))

	flat := d.positions.Apply(act)
	nb, nr := flat.Shape[0], flat.Shape[1]
	return &StructureOutput{
		FinalAtomPositions: flat.Reshape(nb, nr, numAtomTypes, 3),
		FinalAtomMask:      backboneAtomMask(batch["aatype"]),
		Single:             act,
	}
}

// backboneAtomMask marks the atoms every residue resolves: the backbone
// N, CA, C, O plus CB for everything but glycine.
func backboneAtomMask(aatype *tensor.Tensor) *tensor.Tensor {
	nb, nr := aatype.Shape[0], aatype.Shape[1]
	mask := tensor.New(nb, nr, numAtomTypes)
	for b := 0; b < nb; b++ {
		for r := 0; r < nr; r++ {
			base := (b*nr + r) * numAtomTypes
			mask.Data[base+atomN] = 1
			mask.Data[base+atomCA] = 1
			mask.Data[base+atomC] = 1
			mask.Data[base+atomO] = 1
			if int(aatype.Data[b*nr+r]) != glycineType {
				mask.Data[base+atomCB] = 1
			}
		}
	}
	return mask
}
