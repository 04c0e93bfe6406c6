package fold

import (
	"math"
	"testing"

	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

func placeAtom(positions *tensor.Tensor, res, atom int, x, y, z float32) {
	base := (res*numAtomTypes + atom) * 3
	positions.Data[base] = x
	positions.Data[base+1] = y
	positions.Data[base+2] = z
}

func TestPseudoBetaGlycineUsesCA(t *testing.T) {
	aatype := tensor.From([]float32{glycineType, 0}, 1, 2)
	positions := tensor.New(1, 2, numAtomTypes, 3)
	placeAtom(positions, 0, atomCA, 1, 2, 3)
	placeAtom(positions, 0, atomCB, 9, 9, 9)
	placeAtom(positions, 1, atomCA, 1, 1, 1)
	placeAtom(positions, 1, atomCB, 4, 5, 6)

	masks := tensor.New(1, 2, numAtomTypes)
	masks.Set(1, 0, 0, atomCA)
	masks.Set(0.5, 0, 1, atomCB)

	beta, mask := pseudoBetaWithMask(aatype, positions, masks)
	assertShape(t, beta, 1, 2, 3)
	assertShape(t, mask, 1, 2)

	want := []float32{1, 2, 3, 4, 5, 6}
	for i, v := range want {
		if beta.Data[i] != v {
			t.Errorf("beta[%d] = %v, want %v", i, beta.Data[i], v)
		}
	}
	if mask.Data[0] != 1 || mask.Data[1] != 0.5 {
		t.Errorf("mask = %v, want [1 0.5]", mask.Data)
	}
}

func TestDgramFromPositionsBuckets(t *testing.T) {
	cfg := config.Dgram{MinBin: 3.25, MaxBin: 20.75, NumBins: 15}
	positions := tensor.From([]float32{
		0, 0, 0,
		5, 0, 0,
		100, 0, 0,
	}, 1, 3, 3)

	dgram := dgramFromPositions(positions, cfg)
	assertShape(t, dgram, 1, 3, 3, cfg.NumBins)

	hotBin := func(i, j int) int {
		hot, count := -1, 0
		for k := 0; k < cfg.NumBins; k++ {
			if dgram.At(0, i, j, k) != 0 {
				hot = k
				count++
			}
		}
		if count > 1 {
			t.Fatalf("pair (%d,%d) lights %d bins", i, j, count)
		}
		return hot
	}

	// 5 A lands between the 4.5 and 5.75 break points.
	if got := hotBin(0, 1); got != 1 {
		t.Errorf("bin(0,1) = %d, want 1", got)
	}
	if got := hotBin(1, 0); got != 1 {
		t.Errorf("bin(1,0) = %d, want 1", got)
	}
	// Beyond the last break point the open-ended bin catches everything.
	if got := hotBin(0, 2); got != cfg.NumBins-1 {
		t.Errorf("bin(0,2) = %d, want %d", got, cfg.NumBins-1)
	}
	// Self distances fall below the first break point and light nothing.
	for i := 0; i < 3; i++ {
		if got := hotBin(i, i); got != -1 {
			t.Errorf("bin(%d,%d) = %d, want none", i, i, got)
		}
	}
}

func TestTorsionAnglesBackbonePsi(t *testing.T) {
	aatype := tensor.From([]float32{0}, 1, 1, 1)
	positions := tensor.New(1, 1, 1, numAtomTypes, 3)
	masks := tensor.New(1, 1, 1, numAtomTypes)

	placeAtom(positions, 0, atomN, -0.4, 0.9, 0)
	placeAtom(positions, 0, atomCA, 0, 0, 0)
	placeAtom(positions, 0, atomC, 1, 0, 0)
	placeAtom(positions, 0, atomO, 1.5, 0, 0.8)
	for _, atom := range []int{atomN, atomCA, atomC, atomO} {
		masks.Data[atom] = 1
	}

	sinCos, altSinCos, mask := atom37ToTorsionAngles(aatype, positions, masks, false)
	assertShape(t, sinCos, 1, 1, 1, numTorsions, 2)
	assertShape(t, altSinCos, 1, 1, 1, numTorsions, 2)
	assertShape(t, mask, 1, 1, 1, numTorsions)

	// No previous residue, no side chain: only psi is defined.
	wantMask := []float32{0, 0, 1, 0, 0, 0, 0}
	for i, w := range wantMask {
		if mask.Data[i] != w {
			t.Errorf("mask[%d] = %v, want %v", i, mask.Data[i], w)
		}
	}

	s := float64(sinCos.At(0, 0, 0, 2, 0))
	c := float64(sinCos.At(0, 0, 0, 2, 1))
	if norm := s*s + c*c; math.Abs(norm-1) > 1e-4 {
		t.Errorf("psi norm = %v, want 1", norm)
	}
	// The oxygen sits straight above the CA->C axis, a +90 degree twist,
	// mirrored to -90 by the psi sign flip.
	if math.Abs(s+1) > 1e-4 || math.Abs(c) > 1e-4 {
		t.Errorf("psi = (%v, %v), want (-1, 0)", s, c)
	}
	// Psi is not pi-periodic, so the alternative equals the original.
	if altSinCos.At(0, 0, 0, 2, 0) != sinCos.At(0, 0, 0, 2, 0) {
		t.Error("alt psi differs from psi")
	}
}

func TestTorsionAnglesPlaceholder(t *testing.T) {
	aatype := tensor.From([]float32{0}, 1, 1, 1)
	positions := tensor.New(1, 1, 1, numAtomTypes, 3)
	masks := tensor.New(1, 1, 1, numAtomTypes)

	sinCos, altSinCos, mask := atom37ToTorsionAngles(aatype, positions, masks, true)
	for i := 0; i < numTorsions; i++ {
		if mask.Data[i] != 0 {
			t.Errorf("mask[%d] = %v, want 0", i, mask.Data[i])
		}
		if sinCos.At(0, 0, 0, i, 0) != 1 || sinCos.At(0, 0, 0, i, 1) != 0 {
			t.Errorf("torsion %d = (%v, %v), want placeholder (1, 0)",
				i, sinCos.At(0, 0, 0, i, 0), sinCos.At(0, 0, 0, i, 1))
		}
		if altSinCos.At(0, 0, 0, i, 0) != 1 || altSinCos.At(0, 0, 0, i, 1) != 0 {
			t.Errorf("alt torsion %d not placeholder", i)
		}
	}
}

func TestTorsionAltAnglesFlipPiPeriodicChi(t *testing.T) {
	// Aspartate: chi1 and chi2 exist, chi2 is pi-periodic.
	asp := float32(3)
	aatype := tensor.From([]float32{asp}, 1, 1, 1)
	positions := tensor.New(1, 1, 1, numAtomTypes, 3)
	masks := tensor.New(1, 1, 1, numAtomTypes)

	cg := atomOrder["CG"]
	od1 := atomOrder["OD1"]
	placeAtom(positions, 0, atomN, -0.5, 1.0, 0)
	placeAtom(positions, 0, atomCA, 0, 0, 0)
	placeAtom(positions, 0, atomCB, 1.5, 0, 0)
	placeAtom(positions, 0, cg, 2.0, 1.3, 0)
	placeAtom(positions, 0, od1, 2.5, 1.3, 1.1)
	for _, atom := range []int{atomN, atomCA, atomCB, cg, od1} {
		masks.Data[atom] = 1
	}

	sinCos, altSinCos, mask := atom37ToTorsionAngles(aatype, positions, masks, false)

	wantMask := []float32{0, 0, 0, 1, 1, 0, 0}
	for i, w := range wantMask {
		if mask.Data[i] != w {
			t.Errorf("mask[%d] = %v, want %v", i, mask.Data[i], w)
		}
	}

	// Chi1 atoms are coplanar with the CG branch in the xy-plane.
	if s := sinCos.At(0, 0, 0, 3, 0); math.Abs(float64(s)) > 1e-4 {
		t.Errorf("chi1 sin = %v, want 0", s)
	}
	if c := sinCos.At(0, 0, 0, 3, 1); math.Abs(float64(c)-1) > 1e-4 {
		t.Errorf("chi1 cos = %v, want 1", c)
	}

	for comp := 0; comp < 2; comp++ {
		if altSinCos.At(0, 0, 0, 3, comp) != sinCos.At(0, 0, 0, 3, comp) {
			t.Error("alt chi1 differs from chi1")
		}
		if altSinCos.At(0, 0, 0, 4, comp) != -sinCos.At(0, 0, 0, 4, comp) {
			t.Error("alt chi2 is not the negated chi2")
		}
	}

	s := float64(sinCos.At(0, 0, 0, 4, 0))
	c := float64(sinCos.At(0, 0, 0, 4, 1))
	if norm := s*s + c*c; math.Abs(norm-1) > 1e-4 {
		t.Errorf("chi2 norm = %v, want 1", norm)
	}
}

func TestInvertedPointVectors(t *testing.T) {
	positions := tensor.New(1, 2, numAtomTypes, 3)
	placeAtom(positions, 0, atomN, -1, 1, 0)
	placeAtom(positions, 0, atomCA, 0, 0, 0)
	placeAtom(positions, 0, atomC, 1, 0, 0)
	placeAtom(positions, 1, atomN, 2, 5, 5)
	placeAtom(positions, 1, atomCA, 3, 4, 5)
	placeAtom(positions, 1, atomC, 4, 4, 5)

	out := invertedPointVectors(positions)
	assertShape(t, out, 1, 2, 2, 3)

	// Both backbone frames line up with the lab axes, so the vectors are
	// plain CA differences.
	want := map[[2]int][3]float32{
		{0, 0}: {0, 0, 0},
		{0, 1}: {3, 4, 5},
		{1, 0}: {-3, -4, -5},
		{1, 1}: {0, 0, 0},
	}
	for ij, w := range want {
		for k := 0; k < 3; k++ {
			got := float64(out.At(0, ij[0], ij[1], k))
			if math.Abs(got-float64(w[k])) > 1e-5 {
				t.Errorf("out[%d,%d,%d] = %v, want %v", ij[0], ij[1], k, got, w[k])
			}
		}
	}
}
