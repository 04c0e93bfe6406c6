package fold

import (
	"math"
	"testing"

	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/features"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// tinyModelConfig shrinks every channel so a full trunk pass stays cheap.
// Zero-init is off so residual updates actually move the activations.
func tinyModelConfig() config.Model {
	cfg := config.Default()
	cfg.Name = "tiny"

	emb := &cfg.Embeddings
	emb.MSAChannel = 8
	emb.PairChannel = 8
	emb.SeqChannel = 8
	emb.ExtraMSAChannel = 6
	emb.EvoformerNumBlock = 1
	emb.ExtraMSAStackBlock = 1

	evo := &emb.Evoformer
	evo.MSARowAttentionWithPairBias.NumHead = 2
	evo.MSAColumnAttention.NumHead = 2
	evo.TriangleAttentionStartingNode.NumHead = 2
	evo.TriangleAttentionEndingNode.NumHead = 2
	evo.OuterProductMean.NumOuterChannel = 4
	evo.OuterProductMean.ChunkSize = 2
	evo.TriangleMultiplicationOutgoing.NumIntermediateChannel = 4
	evo.TriangleMultiplicationIncoming.NumIntermediateChannel = 4
	emb.ExtraMSAStack = *evo

	cfg.Heads.Distogram.NumBins = 12
	cfg.Heads.PredictedLDDT.NumBins = 10
	cfg.Heads.PredictedLDDT.NumChannels = 8
	cfg.Heads.PredictedAlignedError.NumBins = 12
	cfg.Heads.StructureModule.NumChannel = 8

	cfg.Global.SubbatchSize = 2
	cfg.Global.ZeroInit = false
	cfg.NumRecycle = 0
	cfg.ResampleMSAInRecycling = false
	cfg.MaxExtraMSA = 4
	return cfg
}

// tinyTemplateConfig additionally enables template embedding with torsion
// rows, shrunk to match the tiny channels.
func tinyTemplateConfig() config.Model {
	cfg := tinyModelConfig()
	tmpl := &cfg.Embeddings.Template
	tmpl.Enabled = true
	tmpl.EmbedTorsionAngles = true
	tmpl.SubbatchSize = 2
	tmpl.Attention.NumHead = 2
	tmpl.Attention.KeyDim = 4
	tmpl.Attention.ValueDim = 4

	stack := &tmpl.TemplatePairStack
	stack.NumBlock = 1
	stack.TriangleAttentionStartingNode.NumHead = 2
	stack.TriangleAttentionStartingNode.KeyDim = 4
	stack.TriangleAttentionStartingNode.ValueDim = 4
	stack.TriangleAttentionEndingNode.NumHead = 2
	stack.TriangleAttentionEndingNode.KeyDim = 4
	stack.TriangleAttentionEndingNode.ValueDim = 4
	stack.TriangleMultiplicationOutgoing.NumIntermediateChannel = 4
	stack.TriangleMultiplicationIncoming.NumIntermediateChannel = 4
	return cfg
}

// fillWave writes a bounded deterministic pattern so activations are
// nonzero without any RNG plumbing.
func fillWave(t *tensor.Tensor, phase float64) *tensor.Tensor {
	for i := range t.Data {
		t.Data[i] = float32(0.1 + 0.05*math.Sin(phase+0.7*float64(i)))
	}
	return t
}

func onesTensor(shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = 1
	}
	return t
}

// memberBatch builds one ensemble member's features, without the member
// axis, sized for the tiny config.
func memberBatch(nr, ns, nx int) features.Batch {
	aatype := tensor.New(1, nr)
	for r := 0; r < nr; r++ {
		aatype.Data[r] = float32(r % numRestypes)
	}
	residueIndex := tensor.New(1, nr)
	for r := 0; r < nr; r++ {
		residueIndex.Data[r] = float32(r)
	}
	extraMSA := tensor.New(1, nx, nr)
	for i := range extraMSA.Data {
		extraMSA.Data[i] = float32(i % 23)
	}

	return features.Batch{
		"aatype":               aatype,
		"residue_index":        residueIndex,
		"seq_length":           tensor.From([]float32{float32(nr)}, 1),
		"seq_mask":             onesTensor(1, nr),
		"target_feat":          fillWave(tensor.New(1, nr, config.TargetFeatDim), 1),
		"msa_feat":             fillWave(tensor.New(1, ns, nr, config.MSAFeatDim), 2),
		"msa_mask":             onesTensor(1, ns, nr),
		"extra_msa":            extraMSA,
		"extra_has_deletion":   tensor.New(1, nx, nr),
		"extra_deletion_value": fillWave(tensor.New(1, nx, nr), 3),
		"extra_msa_mask":       onesTensor(1, nx, nr),
	}
}

// templateFeaturesInto adds template features for nt templates, all marked
// present, with backbone atoms resolved.
func templateFeaturesInto(batch features.Batch, nr, nt int) {
	aatype := tensor.New(1, nt, nr)
	for i := range aatype.Data {
		aatype.Data[i] = float32(i % numRestypes)
	}
	positions := tensor.New(1, nt, nr, numAtomTypes, 3)
	for t := 0; t < nt; t++ {
		for r := 0; r < nr; r++ {
			base := ((t*nr)+r)*numAtomTypes*3 + 0
			// Rough backbone geometry marching along x.
			set := func(atom int, x, y, z float32) {
				positions.Data[base+atom*3+0] = x
				positions.Data[base+atom*3+1] = y
				positions.Data[base+atom*3+2] = z
			}
			x := float32(r) * 3.8
			set(atomN, x, 0, 0)
			set(atomCA, x+1.46, 0.2, 0)
			set(atomC, x+2.0, 1.4, 0.1)
			set(atomCB, x+1.8, -0.9, 1.0)
			set(atomO, x+1.6, 2.5, 0.2)
		}
	}
	masks := tensor.New(1, nt, nr, numAtomTypes)
	for t := 0; t < nt; t++ {
		for r := 0; r < nr; r++ {
			base := ((t*nr) + r) * numAtomTypes
			for _, atom := range []int{atomN, atomCA, atomC, atomCB, atomO} {
				masks.Data[base+atom] = 1
			}
		}
	}
	batch["template_aatype"] = aatype
	batch["template_all_atom_positions"] = positions
	batch["template_all_atom_masks"] = masks
	batch["template_mask"] = onesTensor(1, nt)
}

// ensembledBatch stacks ne member batches along the member axis, giving
// each member a distinct msa_feat so averaging is observable.
func ensembledBatch(ne, nr, ns, nx int) features.Batch {
	members := make([]features.Batch, ne)
	for m := 0; m < ne; m++ {
		members[m] = memberBatch(nr, ns, nx)
		fillWave(members[m]["msa_feat"], float64(10*(m+1)))
	}
	out := make(features.Batch, len(members[0]))
	for name := range members[0] {
		parts := make([]*tensor.Tensor, ne)
		for m := 0; m < ne; m++ {
			parts[m] = members[m][name]
		}
		out[name] = tensor.Stack(1, parts...)
	}
	return out
}

func assertShape(t *testing.T, got *tensor.Tensor, want ...int) {
	t.Helper()
	if got == nil {
		t.Fatalf("nil tensor, want shape %v", want)
	}
	if len(got.Shape) != len(want) {
		t.Fatalf("shape %v, want %v", got.Shape, want)
	}
	for i := range want {
		if got.Shape[i] != want[i] {
			t.Fatalf("shape %v, want %v", got.Shape, want)
		}
	}
}

func assertFinite(t *testing.T, name string, tt *tensor.Tensor) {
	t.Helper()
	if nans, infs := tensor.CheckFinite(tt); nans != 0 || infs != 0 {
		t.Fatalf("%s: %d NaNs, %d Infs", name, nans, infs)
	}
}

func assertAllClose(t *testing.T, got, want *tensor.Tensor, tol float64) {
	t.Helper()
	if got.Numel() != want.Numel() {
		t.Fatalf("size %d, want %d", got.Numel(), want.Numel())
	}
	for i := range got.Data {
		if math.Abs(float64(got.Data[i])-float64(want.Data[i])) > tol {
			t.Fatalf("element %d: %v, want %v", i, got.Data[i], want.Data[i])
		}
	}
}
