package fold

import (
	"testing"

	"github.com/23skdu/longbow-sibyl/internal/checkpoint"
	"github.com/23skdu/longbow-sibyl/internal/features"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

func TestBackboneAtomMask(t *testing.T) {
	// ALA, GLY, ASP
	aatype := tensor.From([]float32{0, 7, 3}, 1, 3)
	mask := backboneAtomMask(aatype)
	assertShape(t, mask, 1, 3, numAtomTypes)

	for r := 0; r < 3; r++ {
		var count float32
		for a := 0; a < numAtomTypes; a++ {
			count += mask.At(0, r, a)
		}
		want := float32(5)
		if r == 1 {
			want = 4
		}
		if count != want {
			t.Errorf("residue %d resolves %v atoms, want %v", r, count, want)
		}
		if got := mask.At(0, r, atomCB); (r == 1) == (got == 1) {
			t.Errorf("residue %d CB mask = %v", r, got)
		}
		for _, a := range []int{atomN, atomCA, atomC, atomO} {
			if mask.At(0, r, a) != 1 {
				t.Errorf("residue %d atom %d unmasked", r, a)
			}
		}
	}
}

func TestPositionDecoderShapes(t *testing.T) {
	cfg := tinyModelConfig()
	store := checkpoint.NewInitStore(11)
	dec, err := NewPositionDecoder(cfg.Heads.StructureModule, &cfg.Global, store, "structure_module", cfg.Embeddings.SeqChannel)
	if err != nil {
		t.Fatal(err)
	}

	nr := 5
	rep := &Representations{
		Single: fillWave(tensor.New(1, nr, cfg.Embeddings.SeqChannel), 1),
	}
	aatype := tensor.New(1, nr)
	for r := 0; r < nr; r++ {
		aatype.Data[r] = float32(r % 20)
	}
	out := dec.Apply(rep, features.Batch{"aatype": aatype})

	assertShape(t, out.FinalAtomPositions, 1, nr, numAtomTypes, 3)
	assertShape(t, out.FinalAtomMask, 1, nr, numAtomTypes)
	assertShape(t, out.Single, 1, nr, cfg.Heads.StructureModule.NumChannel)
	assertFinite(t, "final positions", out.FinalAtomPositions)
	assertFinite(t, "structure single", out.Single)
}
