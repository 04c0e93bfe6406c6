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

// ErrUnknownSubbatchWidth reports an extra-MSA width with no tuned
// chunking profile.
type ErrUnknownSubbatchWidth struct {
	Width int
}

func (e ErrUnknownSubbatchWidth) Error() string {
	return fmt.Sprintf("no subbatch profile for extra-MSA width %d", e.Width)
}

// Predictor owns one model end to end: checkpoint loading, feature
// preprocessing, the recycling forward pass and confidence summaries.
type Predictor struct {
	cfg       *config.Model
	structure StructureModule
	fold      *Fold
}

// NewPredictor validates the configuration and prepares a predictor.
// Parameters are attached separately with LoadParams or InitParams.
// A nil structure module selects the bundled PositionDecoder.
func NewPredictor(cfg *config.Model, structure StructureModule) (*Predictor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("model %s: %w", cfg.Name, err)
	}
	return &Predictor{cfg: cfg, structure: structure}, nil
}

// LoadParams reads a checkpoint and builds the network against it.
func (p *Predictor) LoadParams(path string) error {
	start := time.Now()
	store, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	fold, err := NewFold(p.cfg, store, p.structure)
	if err != nil {
		return err
	}
	p.fold = fold
	metrics.RecordParamsLoad(store.Len(), time.Since(start))
	logger.Log.Info("loaded model parameters",
		"model", p.cfg.Name,
		"path", path,
		"tensors", store.Len(),
		"duration", time.Since(start))
	return nil
}

// InitParams builds the network over synthesized parameters, for dry
// runs and tests that have no checkpoint on disk.
func (p *Predictor) InitParams(seed int64) error {
	fold, err := NewFold(p.cfg, checkpoint.NewInitStore(seed), p.structure)
	if err != nil {
		return err
	}
	p.fold = fold
	return nil
}

// Preprocess converts raw feature arrays into the model input batch.
func (p *Predictor) Preprocess(raw map[string]*tensor.Tensor, seed int64) (features.Batch, error) {
	return features.Preprocess(raw, p.cfg, seed)
}

// PreprocessCached is Preprocess behind an Arrow IPC cache file.
func (p *Predictor) PreprocessCached(cachePath string, raw map[string]*tensor.Tensor, seed int64) (features.Batch, error) {
	return features.PreprocessCached(cachePath, raw, p.cfg, seed)
}

// UpdateSubbatchSize applies the chunking profile tuned for the batch's
// extra-MSA width. Short targets fit in memory without chunking, so the
// subbatch size is raised to cover the full width; longer targets keep
// the configured size.
func (p *Predictor) UpdateSubbatchSize(batch features.Batch) error {
	extra, ok := batch["extra_msa"]
	if !ok {
		return features.ErrMissingFeature{Name: "extra_msa"}
	}
	seqLength, ok := batch["seq_length"]
	if !ok {
		return features.ErrMissingFeature{Name: "seq_length"}
	}
	width := extra.Shape[2]
	seqLen := int(seqLength.Data[0])

	size := p.cfg.Global.SubbatchSize
	switch width {
	case 5120:
		if seqLen < 200 {
			size = width
		}
	case 1024:
		if seqLen < 600 {
			size = width
		}
	default:
		metrics.RecordValidationError("subbatch", "unknown_width")
		return ErrUnknownSubbatchWidth{Width: width}
	}
	metrics.RecordSubbatchDecision(width, size, size != p.cfg.Global.SubbatchSize)
	if size != p.cfg.Global.SubbatchSize {
		logger.Log.Debug("subbatch size raised for short target",
			"extra_msa_width", width,
			"residues", seqLen,
			"subbatch_size", size)
		p.cfg.Global.SubbatchSize = size
	}
	return nil
}

// Predict runs the recycling forward pass over a preprocessed batch.
func (p *Predictor) Predict(batch features.Batch) (Prediction, error) {
	if p.fold == nil {
		return nil, fmt.Errorf("fold: predict called before parameters were loaded")
	}
	if err := p.UpdateSubbatchSize(batch); err != nil {
		return nil, err
	}

	seqLen := int(batch["seq_length"].Data[0])
	msaDepth := batch["msa_feat"].Shape[2]
	if tm, ok := batch["template_mask"]; ok {
		n := 0
		for _, v := range tm.Data {
			if v > 0 {
				n++
			}
		}
		metrics.RecordTemplates(n)
	}

	start := time.Now()
	pred, err := p.fold.Apply(batch)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	if pos, ok := pred["structure_module"]["final_atom_positions"]; ok {
		if nans, infs := tensor.CheckFinite(pos); nans > 0 || infs > 0 {
			metrics.RecordNumericalInstability("final_atom_positions", nans, infs)
			logger.Log.Warn("non-finite atom positions",
				"model", p.cfg.Name, "nan", nans, "inf", infs)
		}
	}
	metrics.RecordTensorMemory(tensor.AllocatedBytes())
	metrics.RecordPrediction(seqLen, msaDepth, elapsed)
	logger.Log.Info("prediction complete",
		"model", p.cfg.Name,
		"residues", seqLen,
		"msa_depth", msaDepth,
		"duration", elapsed)
	return pred, nil
}

// Confidence summarizes the prediction heads. Fields stay nil when the
// corresponding head is disabled.
type Confidence struct {
	PLDDT           *tensor.Tensor // [batch, res], scaled 0..100
	MeanPLDDT       float32
	AlignedError    *tensor.Tensor // [batch, res, res] expected error
	MaxAlignedError float32
}

// Postprocess recovers confidence summaries from the head outputs: the
// per-residue pLDDT as the bin-center expectation of the predicted-LDDT
// logits, and the expected aligned error from the aligned-error logits.
func Postprocess(pred Prediction) *Confidence {
	conf := &Confidence{}
	if out, ok := pred["predicted_lddt"]; ok {
		conf.PLDDT = plddtFromLogits(out["logits"])
		var sum float64
		for _, v := range conf.PLDDT.Data {
			sum += float64(v)
		}
		conf.MeanPLDDT = float32(sum / float64(len(conf.PLDDT.Data)))
	}
	if out, ok := pred["predicted_aligned_error"]; ok {
		conf.AlignedError, conf.MaxAlignedError = alignedErrorFromLogits(out["logits"], out["breaks"])
	}
	return conf
}

// plddtFromLogits maps [batch, res, bins] logits to [batch, res] scores.
// Bin centers sit at (i + 0.5)/bins over the unit interval.
func plddtFromLogits(logits *tensor.Tensor) *tensor.Tensor {
	bins := logits.Shape[logits.Rank()-1]
	probs := tensor.Softmax(logits, -1)

	out := tensor.New(logits.Shape[:logits.Rank()-1]...)
	for i := range out.Data {
		var e float64
		for d := 0; d < bins; d++ {
			center := (float64(d) + 0.5) / float64(bins)
			e += float64(probs.Data[i*bins+d]) * center
		}
		out.Data[i] = float32(e * 100)
	}
	return out
}

// alignedErrorFromLogits maps [batch, res, res, bins] logits and the
// bins-1 break points to the expected error per residue pair. The last
// bin's center extends one step past the final break.
func alignedErrorFromLogits(logits, breaks *tensor.Tensor) (*tensor.Tensor, float32) {
	bins := logits.Shape[logits.Rank()-1]
	step := breaks.Data[1] - breaks.Data[0]
	centers := make([]float64, bins)
	for d := 0; d < bins-1; d++ {
		centers[d] = float64(breaks.Data[d] + step/2)
	}
	centers[bins-1] = float64(breaks.Data[bins-2] + step/2 + step)

	probs := tensor.Softmax(logits, -1)
	out := tensor.New(logits.Shape[:logits.Rank()-1]...)
	for i := range out.Data {
		var e float64
		for d := 0; d < bins; d++ {
			e += float64(probs.Data[i*bins+d]) * centers[d]
		}
		out.Data[i] = float32(e)
	}
	return out, float32(centers[bins-1])
}
