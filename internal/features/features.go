// Package features converts raw exported feature arrays into the batched
// tensor mapping the model consumes. Raw arrays carry the ensemble axis but
// no leading batch axis; Preprocess crops the extra-MSA block, normalizes
// deletion counts and prepends the batch dimension.
package features

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/logger"
	"github.com/23skdu/longbow-sibyl/internal/metrics"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// Batch maps feature names to batched tensors, shaped [batch, ensemble, ...].
type Batch map[string]*tensor.Tensor

// ErrMissingFeature reports a required feature absent from the raw input.
type ErrMissingFeature struct {
	Name string
}

func (e ErrMissingFeature) Error() string {
	return fmt.Sprintf("missing required feature: %s", e.Name)
}

// requiredFeatures must be present in every raw input.
var requiredFeatures = []string{
	"aatype",
	"residue_index",
	"seq_length",
	"seq_mask",
	"msa_feat",
	"msa_mask",
	"target_feat",
	"extra_msa",
	"extra_has_deletion",
	"extra_deletion_value",
	"extra_msa_mask",
}

// templateFeatures are additionally required when template embedding is on.
var templateFeatures = []string{
	"template_aatype",
	"template_all_atom_positions",
	"template_all_atom_masks",
	"template_mask",
}

// extraMSAFeatures share the extra-MSA row axis and are cropped together.
var extraMSAFeatures = []string{
	"extra_msa",
	"extra_has_deletion",
	"extra_deletion_value",
	"extra_msa_mask",
}

// residueAxis gives the residue axis (before the batch axis is added) for
// features that must agree with seq_length. Features not listed have no
// residue axis.
var residueAxis = map[string]int{
	"aatype":                      1,
	"residue_index":               1,
	"seq_mask":                    1,
	"target_feat":                 1,
	"msa_feat":                    2,
	"msa_mask":                    2,
	"deletion_matrix":             2,
	"extra_msa":                   2,
	"extra_has_deletion":          2,
	"extra_deletion_value":        2,
	"extra_msa_mask":              2,
	"template_aatype":             2,
	"template_all_atom_positions": 2,
	"template_all_atom_masks":     2,
}

// Preprocess builds the model input batch from raw feature arrays.
//
// The extra-MSA block is reduced to cfg.MaxExtraMSA rows; when the input is
// wider, rows are sampled without replacement using the given seed, keeping
// the original row order. deletion_matrix_int is renamed to deletion_matrix.
// Every output tensor gains a leading batch axis.
func Preprocess(raw map[string]*tensor.Tensor, cfg *config.Model, seed int64) (Batch, error) {
	if raw == nil {
		return nil, fmt.Errorf("nil raw feature map")
	}

	work := make(map[string]*tensor.Tensor, len(raw))
	for name, t := range raw {
		work[name] = t
	}
	if dm, ok := work["deletion_matrix_int"]; ok {
		work["deletion_matrix"] = dm
		delete(work, "deletion_matrix_int")
	}

	required := requiredFeatures
	if cfg.Embeddings.Template.Enabled {
		required = append(append([]string{}, required...), templateFeatures...)
	}
	for _, name := range required {
		if _, ok := work[name]; !ok {
			metrics.RecordValidationError("preprocess", "missing_feature")
			return nil, ErrMissingFeature{Name: name}
		}
	}

	numRes, err := declaredLength(work["seq_length"])
	if err != nil {
		metrics.RecordValidationError("preprocess", "bad_seq_length")
		return nil, err
	}
	for name, axis := range residueAxis {
		t, ok := work[name]
		if !ok {
			continue
		}
		if axis >= t.Rank() {
			metrics.RecordValidationError("preprocess", "bad_shape")
			return nil, fmt.Errorf("feature %q: rank %d has no residue axis %d", name, t.Rank(), axis)
		}
		n := t.Shape[axis]
		if n < numRes {
			metrics.RecordValidationError("preprocess", "bad_shape")
			return nil, fmt.Errorf("feature %q: residue axis %d (%d) shorter than seq_length %d", name, axis, n, numRes)
		}
		if n > numRes {
			work[name] = t.Slice(axis, 0, numRes)
		}
	}

	extraRows := work["extra_msa"].Shape[1]
	if extraRows > cfg.MaxExtraMSA {
		keep := sampleRows(extraRows, cfg.MaxExtraMSA, seed)
		for _, name := range extraMSAFeatures {
			work[name] = gatherRows(work[name], keep)
		}
		extraRows = cfg.MaxExtraMSA
	}
	for _, name := range extraMSAFeatures {
		if got := work[name].Shape[1]; got != extraRows {
			metrics.RecordValidationError("preprocess", "bad_shape")
			return nil, fmt.Errorf("feature %q: extra-MSA rows %d, want %d", name, got, extraRows)
		}
	}

	batch := make(Batch, len(work))
	for name, t := range work {
		batch[name] = t.Unsqueeze(0)
	}

	logger.Log.Debug("processed input features",
		"residues", numRes,
		"msa_depth", batch["msa_feat"].Shape[2],
		"extra_msa_rows", extraRows,
		"seed", seed)
	return batch, nil
}

// declaredLength reads the per-target sequence length from the seq_length
// feature, validating that it holds an integral value.
func declaredLength(t *tensor.Tensor) (int, error) {
	if t.Numel() == 0 {
		return 0, fmt.Errorf("feature \"seq_length\": empty tensor")
	}
	v := t.Data[0]
	n := int(v)
	if float32(n) != v || n <= 0 {
		return 0, fmt.Errorf("feature \"seq_length\": value %v is not a positive integer", v)
	}
	return n, nil
}

// sampleRows picks keep rows out of total without replacement, seeded, and
// returns them in ascending order so relative row order is preserved.
func sampleRows(total, keep int, seed int64) []int {
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(total)
	rows := append([]int{}, perm[:keep]...)
	sort.Ints(rows)
	return rows
}

// gatherRows selects the given indices along axis 1.
func gatherRows(t *tensor.Tensor, rows []int) *tensor.Tensor {
	if t.Rank() < 2 {
		panic(fmt.Sprintf("features: gather on rank %d tensor", t.Rank()))
	}
	outShape := append([]int{}, t.Shape...)
	outShape[1] = len(rows)
	out := tensor.New(outShape...)

	inner := 1
	for _, d := range t.Shape[2:] {
		inner *= d
	}
	srcRow := t.Shape[1]
	for o := 0; o < t.Shape[0]; o++ {
		for i, r := range rows {
			src := (o*srcRow + r) * inner
			dst := (o*len(rows) + i) * inner
			copy(out.Data[dst:dst+inner], t.Data[src:src+inner])
		}
	}
	return out
}

// Int reads an index-valued feature as integers, validating that every
// element is integral.
func (b Batch) Int(name string) ([]int, error) {
	t, ok := b[name]
	if !ok {
		return nil, ErrMissingFeature{Name: name}
	}
	out := make([]int, t.Numel())
	for i, v := range t.Data {
		n := int(v)
		if float32(n) != v {
			return nil, fmt.Errorf("feature %q: element %d (%v) is not integral", name, i, v)
		}
		out[i] = n
	}
	return out, nil
}

// Has reports whether the batch carries the named feature.
func (b Batch) Has(name string) bool {
	_, ok := b[name]
	return ok
}
