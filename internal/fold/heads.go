package fold

import (
	"github.com/23skdu/longbow-sibyl/internal/checkpoint"
	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/features"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// Head computes one named prediction from the trunk representations.
// Heads run after the structure module, so rep.StructureModule is set.
type Head interface {
	Name() string
	Apply(rep *Representations, batch features.Batch) map[string]*tensor.Tensor
}

// headRegistry lists the optional heads in evaluation order. Each entry
// gates on its configured weight, so zero-weight heads are never built
// and never appear in predictions.
var headRegistry = []struct {
	name    string
	enabled func(*config.Heads) bool
	build   func(*config.Heads, *config.Global, *checkpoint.Store, int, int) (Head, error)
}{
	{
		name:    "distogram",
		enabled: func(c *config.Heads) bool { return c.Distogram.Weight != 0 },
		build: func(c *config.Heads, gcfg *config.Global, store *checkpoint.Store, pairChannel, seqChannel int) (Head, error) {
			return NewDistogramHead(c.Distogram, store, "distogram_head", pairChannel)
		},
	},
	{
		name:    "predicted_lddt",
		enabled: func(c *config.Heads) bool { return c.PredictedLDDT.Weight != 0 },
		build: func(c *config.Heads, gcfg *config.Global, store *checkpoint.Store, pairChannel, seqChannel int) (Head, error) {
			return NewPredictedLDDTHead(c.PredictedLDDT, gcfg, store, "predicted_lddt_head", seqChannel)
		},
	},
	{
		name:    "predicted_aligned_error",
		enabled: func(c *config.Heads) bool { return c.PredictedAlignedError.Weight != 0 },
		build: func(c *config.Heads, gcfg *config.Global, store *checkpoint.Store, pairChannel, seqChannel int) (Head, error) {
			return NewPredictedAlignedErrorHead(c.PredictedAlignedError, store, "predicted_aligned_error_head", pairChannel)
		},
	},
}

// ActiveHeads builds the configured heads in registry order.
func ActiveHeads(cfg *config.Heads, gcfg *config.Global, store *checkpoint.Store, pairChannel, seqChannel int) ([]Head, error) {
	var heads []Head
	for _, entry := range headRegistry {
		if !entry.enabled(cfg) {
			continue
		}
		h, err := entry.build(cfg, gcfg, store, pairChannel, seqChannel)
		if err != nil {
			return nil, err
		}
		heads = append(heads, h)
	}
	return heads, nil
}

// DistogramHead predicts binned inter-residue distances from the pair
// representation. Only half the logits are learned; the output is
// symmetrized by adding its own transpose.
type DistogramHead struct {
	cfg        config.DistogramHead
	halfLogits *linear
}

func NewDistogramHead(cfg config.DistogramHead, store *checkpoint.Store, scope string, pairChannel int) (*DistogramHead, error) {
	halfLogits, err := newLinear(store, scope+".half_logits", pairChannel, cfg.NumBins, checkpoint.InitXavier)
	if err != nil {
		return nil, err
	}
	return &DistogramHead{cfg: cfg, halfLogits: halfLogits}, nil
}

func (h *DistogramHead) Name() string { return "distogram" }

func (h *DistogramHead) Apply(rep *Representations, batch features.Batch) map[string]*tensor.Tensor {
	half := h.halfLogits.Apply(rep.Pair)
	logits := tensor.Add(half, half.Transpose(0, 2, 1, 3))

	edges := tensor.Linspace(h.cfg.FirstBreak, h.cfg.LastBreak, h.cfg.NumBins-1)
	tiled := tensor.New(logits.Shape[0], h.cfg.NumBins-1)
	for b := 0; b < logits.Shape[0]; b++ {
		copy(tiled.Data[b*(h.cfg.NumBins-1):], edges.Data)
	}
	return map[string]*tensor.Tensor{"logits": logits, "bin_edges": tiled}
}

// PredictedLDDTHead scores per-residue confidence from the structure
// module's activation.
type PredictedLDDTHead struct {
	cfg       config.PredictedLDDTHead
	inputNorm *layerNorm
	act0      *linear
	act1      *linear
	logits    *linear
}

func NewPredictedLDDTHead(cfg config.PredictedLDDTHead, gcfg *config.Global, store *checkpoint.Store, scope string, seqChannel int) (*PredictedLDDTHead, error) {
	h := &PredictedLDDTHead{cfg: cfg}

	var err error
	if h.inputNorm, err = newLayerNorm(store, scope+".input_layer_norm", seqChannel, gcfg.Eps); err != nil {
		return nil, err
	}
	if h.act0, err = newLinear(store, scope+".act_0", seqChannel, cfg.NumChannels, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if h.act1, err = newLinear(store, scope+".act_1", cfg.NumChannels, cfg.NumChannels, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	if h.logits, err = newLinear(store, scope+".logits", cfg.NumChannels, cfg.NumBins, checkpoint.InitXavier); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *PredictedLDDTHead) Name() string { return "predicted_lddt" }

func (h *PredictedLDDTHead) Apply(rep *Representations, batch features.Batch) map[string]*tensor.Tensor {
	act := h.inputNorm.Apply(rep.StructureModule)
	act = tensor.Relu(h.act0.Apply(act))
	act = tensor.Relu(h.act1.Apply(act))
	return map[string]*tensor.Tensor{"logits": h.logits.Apply(act)}
}

// PredictedAlignedErrorHead predicts the binned distance error of each
// residue pair under backbone alignment, used for TM-score estimates.
type PredictedAlignedErrorHead struct {
	cfg    config.PredictedAlignedErrorHead
	logits *linear
}

func NewPredictedAlignedErrorHead(cfg config.PredictedAlignedErrorHead, store *checkpoint.Store, scope string, pairChannel int) (*PredictedAlignedErrorHead, error) {
	logits, err := newLinear(store, scope+".logits", pairChannel, cfg.NumBins, checkpoint.InitXavier)
	if err != nil {
		return nil, err
	}
	return &PredictedAlignedErrorHead{cfg: cfg, logits: logits}, nil
}

func (h *PredictedAlignedErrorHead) Name() string { return "predicted_aligned_error" }

func (h *PredictedAlignedErrorHead) Apply(rep *Representations, batch features.Batch) map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{
		"logits": h.logits.Apply(rep.Pair),
		"breaks": tensor.Linspace(0, h.cfg.MaxErrorBin, h.cfg.NumBins-1),
	}
}
