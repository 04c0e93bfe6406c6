package fold

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-sibyl/internal/checkpoint"
	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/features"
	"github.com/23skdu/longbow-sibyl/internal/logger"
	"github.com/23skdu/longbow-sibyl/internal/metrics"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// Prediction maps head names to their named output tensors.
type Prediction map[string]map[string]*tensor.Tensor

// Iteration runs the trunk plus all heads over one recycling slice.
type Iteration struct {
	cfg        *config.Model
	embeddings *Embeddings
	structure  StructureModule
	heads      []Head
}

// NewIteration builds the trunk and heads over one parameter store.
// A nil structure module selects the bundled PositionDecoder.
func NewIteration(cfg *config.Model, store *checkpoint.Store, structure StructureModule) (*Iteration, error) {
	embeddings, err := NewEmbeddings(cfg.Embeddings, &cfg.Global, store, "evoformer")
	if err != nil {
		return nil, err
	}
	if structure == nil {
		structure, err = NewPositionDecoder(cfg.Heads.StructureModule, &cfg.Global, store, "structure_module", cfg.Embeddings.SeqChannel)
		if err != nil {
			return nil, err
		}
	}
	heads, err := ActiveHeads(&cfg.Heads, &cfg.Global, store, cfg.Embeddings.PairChannel, cfg.Embeddings.SeqChannel)
	if err != nil {
		return nil, err
	}
	return &Iteration{cfg: cfg, embeddings: embeddings, structure: structure, heads: heads}, nil
}

// Apply consumes an ensembled batch, whose features keep the member axis
// at dim 1, plus the recycled features shared across members. The trunk
// runs once per member; pooled representations are averaged while the MSA
// activation always comes from the first member. Heads run afterwards on
// the first member's batch, the structure module before everything else.
func (it *Iteration) Apply(ensembled, prev features.Batch) (*Representations, Prediction, error) {
	numEnsemble := feature(ensembled, "seq_length").Shape[1]
	if it.cfg.EnsembleRepresentations {
		if numEnsemble == 1 {
			return nil, nil, fmt.Errorf("fold: representation ensembling needs more than one member per slice")
		}
	} else if numEnsemble != 1 {
		return nil, nil, fmt.Errorf("fold: representation ensembling is off, want 1 member per slice, got %d", numEnsemble)
	}

	trunkStart := time.Now()
	batch0 := sliceMember(ensembled, prev, 0)
	rep := it.embeddings.Apply(batch0)
	if numEnsemble > 1 {
		for i := 1; i < numEnsemble; i++ {
			update := it.embeddings.Apply(sliceMember(ensembled, prev, i))
			rep.MSAFirstRow = tensor.Add(rep.MSAFirstRow, update.MSAFirstRow)
			rep.Pair = tensor.Add(rep.Pair, update.Pair)
			rep.Single = tensor.Add(rep.Single, update.Single)
		}
		inv := 1 / float32(numEnsemble)
		rep.MSAFirstRow = tensor.Scale(rep.MSAFirstRow, inv)
		rep.Pair = tensor.Scale(rep.Pair, inv)
		rep.Single = tensor.Scale(rep.Single, inv)
	}
	metrics.RecordStageDuration("evoformer", time.Since(trunkStart))

	pred := make(Prediction, len(it.heads)+1)
	headStart := time.Now()
	structOut := it.structure.Apply(rep, batch0)
	metrics.RecordHeadDuration("structure_module", time.Since(headStart))
	logger.Log.Debug("head evaluated", "head", "structure_module", "elapsed", time.Since(headStart))
	rep.StructureModule = structOut.Single
	pred["structure_module"] = map[string]*tensor.Tensor{
		"final_atom_positions": structOut.FinalAtomPositions,
		"final_atom_mask":      structOut.FinalAtomMask,
	}
	for _, h := range it.heads {
		headStart = time.Now()
		pred[h.Name()] = h.Apply(rep, batch0)
		metrics.RecordHeadDuration(h.Name(), time.Since(headStart))
		logger.Log.Debug("head evaluated", "head", h.Name(), "elapsed", time.Since(headStart))
	}
	return rep, pred, nil
}

// sliceMember drops the member axis from every ensembled feature and
// merges in the recycled ones.
func sliceMember(ensembled, prev features.Batch, i int) features.Batch {
	member := make(features.Batch, len(ensembled)+len(prev))
	for name, t := range ensembled {
		member[name] = t.Slice(1, i, i+1).Squeeze(1)
	}
	for name, t := range prev {
		member[name] = t
	}
	return member
}

// Fold wraps the iteration in the recycling loop.
type Fold struct {
	cfg       *config.Model
	iteration *Iteration
}

// NewFold builds the model. A nil structure module selects the bundled
// PositionDecoder.
func NewFold(cfg *config.Model, store *checkpoint.Store, structure StructureModule) (*Fold, error) {
	iteration, err := NewIteration(cfg, store, structure)
	if err != nil {
		return nil, err
	}
	return &Fold{cfg: cfg, iteration: iteration}, nil
}

// Apply runs the recycling loop and returns the final pass's predictions.
//
// With NumRecycle > 0 the first pass sees all-zero recycled features and
// each later pass feeds on the previous pass's atom positions, first MSA
// row and pair activation. The num_iter_recycling feature, when present,
// caps the loop below NumRecycle. With NumRecycle == 0 the single pass
// carries no recycled features at all, so none of the recycling injections
// run. When MSA resampling is on, the member axis is cut into
// NumRecycle+1 equal slices and pass i consumes slice i.
func (f *Fold) Apply(batch features.Batch) (Prediction, error) {
	inner := feature(batch, "seq_length").Shape[1]

	numIter := 0
	var prev features.Batch
	if f.cfg.NumRecycle > 0 {
		numIter = f.cfg.NumRecycle
		if t, ok := batch["num_iter_recycling"]; ok {
			if n := int(t.Data[0]); n < numIter {
				numIter = n
			}
		}
		prev = f.zeroPrev(batch)
	}

	width := inner
	if f.cfg.ResampleMSAInRecycling {
		width = inner / (f.cfg.NumRecycle + 1)
		if width == 0 {
			return nil, fmt.Errorf("fold: %d ensemble members cannot cover %d recycling slices", inner, f.cfg.NumRecycle+1)
		}
	}
	slice := func(idx int) features.Batch {
		if !f.cfg.ResampleMSAInRecycling {
			return batch
		}
		out := make(features.Batch, len(batch))
		for name, t := range batch {
			out[name] = t.Slice(1, idx*width, (idx+1)*width)
		}
		return out
	}

	metrics.RecordRecycleIterations(numIter)
	for i := 0; i < numIter; i++ {
		passStart := time.Now()
		rep, pred, err := f.iteration.Apply(slice(i), prev)
		if err != nil {
			return nil, err
		}
		logger.Log.Debug("recycling pass",
			"iter", i, "of", numIter, "elapsed", time.Since(passStart))
		prev = features.Batch{
			"prev_pos":           pred["structure_module"]["final_atom_positions"],
			"prev_msa_first_row": rep.MSAFirstRow,
			"prev_pair":          rep.Pair,
		}
	}
	_, pred, err := f.iteration.Apply(slice(numIter), prev)
	return pred, err
}

func (f *Fold) zeroPrev(batch features.Batch) features.Batch {
	aatype := feature(batch, "aatype")
	nb, nr := aatype.Shape[0], aatype.Shape[2]
	return features.Batch{
		"prev_pos":           tensor.New(nb, nr, numAtomTypes, 3),
		"prev_msa_first_row": tensor.New(nb, nr, f.cfg.Embeddings.MSAChannel),
		"prev_pair":          tensor.New(nb, nr, nr, f.cfg.Embeddings.PairChannel),
	}
}
