package fold

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/23skdu/longbow-sibyl/internal/features"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

func subbatchProbe(width, seqLen int) features.Batch {
	return features.Batch{
		"extra_msa":  tensor.New(1, 1, width, 4),
		"seq_length": tensor.From([]float32{float32(seqLen)}, 1, 1),
	}
}

func TestUpdateSubbatchSize(t *testing.T) {
	cases := []struct {
		name   string
		width  int
		seqLen int
		want   int
	}{
		{"deep short raises", 5120, 100, 5120},
		{"shallow mid raises", 1024, 300, 1024},
		{"deep long keeps", 5120, 400, 2},
		{"shallow long keeps", 1024, 700, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tinyModelConfig()
			p, err := NewPredictor(&cfg, nil)
			if err != nil {
				t.Fatal(err)
			}
			if err := p.UpdateSubbatchSize(subbatchProbe(tc.width, tc.seqLen)); err != nil {
				t.Fatal(err)
			}
			if cfg.Global.SubbatchSize != tc.want {
				t.Errorf("subbatch size = %d, want %d", cfg.Global.SubbatchSize, tc.want)
			}
		})
	}
}

func TestUpdateSubbatchSizeUnknownWidth(t *testing.T) {
	cfg := tinyModelConfig()
	p, err := NewPredictor(&cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	err = p.UpdateSubbatchSize(subbatchProbe(2048, 100))
	var widthErr ErrUnknownSubbatchWidth
	if !errors.As(err, &widthErr) {
		t.Fatalf("err = %v, want ErrUnknownSubbatchWidth", err)
	}
	if widthErr.Width != 2048 {
		t.Errorf("width = %d, want 2048", widthErr.Width)
	}

	var missing features.ErrMissingFeature
	err = p.UpdateSubbatchSize(features.Batch{"seq_length": tensor.From([]float32{4}, 1, 1)})
	if !errors.As(err, &missing) || missing.Name != "extra_msa" {
		t.Fatalf("err = %v, want missing extra_msa", err)
	}
}

func TestPredictBeforeParamsErrors(t *testing.T) {
	cfg := tinyModelConfig()
	p, err := NewPredictor(&cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Predict(subbatchProbe(1024, 4))
	if err == nil || !strings.Contains(err.Error(), "before parameters") {
		t.Fatalf("err = %v, want missing parameters", err)
	}
}

func TestPredictorEndToEnd(t *testing.T) {
	cfg := tinyModelConfig()
	nr := 4

	p, err := NewPredictor(&cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.InitParams(49); err != nil {
		t.Fatal(err)
	}

	batch := ensembledBatch(1, nr, 2, 1024)
	pred, err := p.Predict(batch)
	if err != nil {
		t.Fatal(err)
	}

	// Four residues against a 1024-wide extra MSA lifts the subbatch size
	// to the full width.
	if cfg.Global.SubbatchSize != 1024 {
		t.Errorf("subbatch size = %d, want 1024", cfg.Global.SubbatchSize)
	}

	positions := pred["structure_module"]["final_atom_positions"]
	assertShape(t, positions, 1, nr, numAtomTypes, 3)
	assertFinite(t, "final positions", positions)
	assertShape(t, pred["structure_module"]["final_atom_mask"], 1, nr, numAtomTypes)
	assertShape(t, pred["distogram"]["logits"], 1, nr, nr, cfg.Heads.Distogram.NumBins)

	conf := Postprocess(pred)
	if conf.PLDDT == nil {
		t.Fatal("no pLDDT summary")
	}
	assertShape(t, conf.PLDDT, 1, nr)
	for i, v := range conf.PLDDT.Data {
		if v < 0 || v > 100 {
			t.Errorf("pLDDT[%d] = %v, want within [0, 100]", i, v)
		}
	}
	if conf.AlignedError != nil {
		t.Error("aligned error present despite disabled head")
	}
}

func TestPostprocessPeakedPLDDT(t *testing.T) {
	bins := 10
	logits := tensor.New(1, 2, bins)
	logits.Set(100, 0, 0, 3)
	logits.Set(100, 0, 1, 9)

	conf := Postprocess(Prediction{"predicted_lddt": {"logits": logits}})
	if conf.PLDDT == nil {
		t.Fatal("no pLDDT summary")
	}
	want := []float64{35, 95}
	for i, w := range want {
		if got := float64(conf.PLDDT.Data[i]); math.Abs(got-w) > 1e-3 {
			t.Errorf("pLDDT[%d] = %v, want %v", i, got, w)
		}
	}
	if got := float64(conf.MeanPLDDT); math.Abs(got-65) > 1e-3 {
		t.Errorf("mean pLDDT = %v, want 65", got)
	}
}

func TestPostprocessPeakedAlignedError(t *testing.T) {
	bins := 12
	logits := tensor.New(1, 1, 1, bins)
	logits.Set(100, 0, 0, 0, 0)
	breaks := tensor.Linspace(0, 31, bins-1)

	conf := Postprocess(Prediction{
		"predicted_aligned_error": {"logits": logits, "breaks": breaks},
	})
	if conf.AlignedError == nil {
		t.Fatal("no aligned error summary")
	}

	// Bin centers sit half a 3.1 step past each break.
	if got := float64(conf.AlignedError.Data[0]); math.Abs(got-1.55) > 1e-3 {
		t.Errorf("aligned error = %v, want 1.55", got)
	}
	if got := float64(conf.MaxAlignedError); math.Abs(got-35.65) > 1e-3 {
		t.Errorf("max aligned error = %v, want 35.65", got)
	}
}

func TestPostprocessWithoutConfidenceHeads(t *testing.T) {
	conf := Postprocess(Prediction{"structure_module": {}})
	if conf.PLDDT != nil || conf.AlignedError != nil {
		t.Error("confidence fields set without head outputs")
	}
	if conf.MeanPLDDT != 0 || conf.MaxAlignedError != 0 {
		t.Error("scalar summaries set without head outputs")
	}
}
