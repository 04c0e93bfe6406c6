package fold

import (
	"math"

	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

type vec3 struct{ x, y, z float64 }

func (v vec3) sub(o vec3) vec3    { return vec3{v.x - o.x, v.y - o.y, v.z - o.z} }
func (v vec3) dot(o vec3) float64 { return v.x*o.x + v.y*o.y + v.z*o.z }
func (v vec3) cross(o vec3) vec3 {
	return vec3{v.y*o.z - v.z*o.y, v.z*o.x - v.x*o.z, v.x*o.y - v.y*o.x}
}
func (v vec3) scale(s float64) vec3 { return vec3{v.x * s, v.y * s, v.z * s} }

// normalize guards the zero vector with an epsilon inside the root, so
// fully masked residues yield finite (garbage, later masked) frames.
func (v vec3) normalize() vec3 {
	return v.scale(1 / math.Sqrt(v.dot(v)+1e-8))
}

// frame is a right-handed orthonormal basis stored as columns.
type frame struct{ e0, e1, e2 vec3 }

// frameFrom builds the basis with e0 along a and e1 the component of b
// orthogonal to a.
func frameFrom(a, b vec3) frame {
	e0 := a.normalize()
	e1 := b.sub(e0.scale(e0.dot(b))).normalize()
	return frame{e0, e1, e0.cross(e1)}
}

// invApply returns the coordinates of d in the frame basis.
func (f frame) invApply(d vec3) vec3 {
	return vec3{f.e0.dot(d), f.e1.dot(d), f.e2.dot(d)}
}

// atomVec reads one atom position given a flat residue index into a
// [..., numAtomTypes, 3] array.
func atomVec(positions *tensor.Tensor, res, atom int) vec3 {
	base := (res*numAtomTypes + atom) * 3
	return vec3{
		float64(positions.Data[base]),
		float64(positions.Data[base+1]),
		float64(positions.Data[base+2]),
	}
}

// pseudoBeta gathers CB coordinates, substituting CA for glycine.
// aatype is [B, N], positions [B, N, numAtomTypes, 3]; result [B, N, 3].
func pseudoBeta(aatype, positions *tensor.Tensor) *tensor.Tensor {
	nb, nr := aatype.Shape[0], aatype.Shape[1]
	out := tensor.New(nb, nr, 3)
	for p := 0; p < nb*nr; p++ {
		atom := atomCB
		if int(aatype.Data[p]) == glycineType {
			atom = atomCA
		}
		src := (p*numAtomTypes + atom) * 3
		copy(out.Data[p*3:p*3+3], positions.Data[src:src+3])
	}
	return out
}

// pseudoBetaWithMask additionally gathers the validity of the chosen atom.
func pseudoBetaWithMask(aatype, positions, atomMasks *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	nb, nr := aatype.Shape[0], aatype.Shape[1]
	mask := tensor.New(nb, nr)
	for p := 0; p < nb*nr; p++ {
		atom := atomCB
		if int(aatype.Data[p]) == glycineType {
			atom = atomCA
		}
		mask.Data[p] = atomMasks.Data[p*numAtomTypes+atom]
	}
	return pseudoBeta(aatype, positions), mask
}

// dgramFromPositions buckets pairwise squared distances into one-hot bins.
// Break points are squared linspace(MinBin, MaxBin, NumBins) values; the
// last bin is open-ended. positions is [B, N, 3], result [B, N, N, NumBins].
func dgramFromPositions(positions *tensor.Tensor, cfg config.Dgram) *tensor.Tensor {
	nb, nr := positions.Shape[0], positions.Shape[1]
	lower := tensor.Linspace(cfg.MinBin, cfg.MaxBin, cfg.NumBins)
	for i, v := range lower.Data {
		lower.Data[i] = v * v
	}
	out := tensor.New(nb, nr, nr, cfg.NumBins)
	tensor.Parallel(nb*nr, func(start, end int) {
		for p := start; p < end; p++ {
			b, i := p/nr, p%nr
			pi := ((b*nr + i) * 3)
			xi, yi, zi := positions.Data[pi], positions.Data[pi+1], positions.Data[pi+2]
			for j := 0; j < nr; j++ {
				pj := ((b*nr + j) * 3)
				dx := xi - positions.Data[pj]
				dy := yi - positions.Data[pj+1]
				dz := zi - positions.Data[pj+2]
				dist2 := dx*dx + dy*dy + dz*dz
				row := (p*nr + j) * cfg.NumBins
				for k := 0; k < cfg.NumBins; k++ {
					upper := float32(1e8)
					if k+1 < cfg.NumBins {
						upper = lower.Data[k+1]
					}
					if dist2 > lower.Data[k] && dist2 < upper {
						out.Data[row+k] = 1
					}
				}
			}
		}
	})
	return out
}

// invertedPointVectors expresses every CA position in the backbone frame
// of every residue: out[b, i, j] = R_i^T (t_j - t_i), with the frame of
// residue i built from its N, CA and C atoms (x-axis along CA->C, N in
// the xy-plane) and t its CA position. positions is [B, N, numAtomTypes, 3].
func invertedPointVectors(positions *tensor.Tensor) *tensor.Tensor {
	nb, nr := positions.Shape[0], positions.Shape[1]
	frames := make([]frame, nb*nr)
	trans := make([]vec3, nb*nr)
	for p := range frames {
		n := atomVec(positions, p, atomN)
		ca := atomVec(positions, p, atomCA)
		c := atomVec(positions, p, atomC)
		frames[p] = frameFrom(c.sub(ca), n.sub(ca))
		trans[p] = ca
	}
	out := tensor.New(nb, nr, nr, 3)
	tensor.Parallel(nb*nr, func(start, end int) {
		for p := start; p < end; p++ {
			b := p / nr
			for j := 0; j < nr; j++ {
				v := frames[p].invApply(trans[b*nr+j].sub(trans[p]))
				o := (p*nr + j) * 3
				out.Data[o] = float32(v.x)
				out.Data[o+1] = float32(v.y)
				out.Data[o+2] = float32(v.z)
			}
		}
	})
	return out
}

// atom37ToTorsionAngles derives the seven backbone and side-chain torsion
// angles per residue as normalized (sin, cos) pairs, together with the
// pi-periodic alternatives and a validity mask. Torsions are ordered
// pre-omega, phi, psi, chi1..chi4. aatype is [B, T, N], positions
// [B, T, N, numAtomTypes, 3], atomMasks [B, T, N, numAtomTypes]; the
// results are [B, T, N, numTorsions, 2] twice and [B, T, N, numTorsions].
// With placeholderForUndefined, masked angles read (1, 0) instead of
// whatever the degenerate geometry produced.
func atom37ToTorsionAngles(aatype, positions, atomMasks *tensor.Tensor, placeholderForUndefined bool) (sinCos, altSinCos, mask *tensor.Tensor) {
	nb, nt, nr := aatype.Shape[0], aatype.Shape[1], aatype.Shape[2]
	sinCos = tensor.New(nb, nt, nr, numTorsions, 2)
	altSinCos = tensor.New(nb, nt, nr, numTorsions, 2)
	mask = tensor.New(nb, nt, nr, numTorsions)

	tensor.Parallel(nb*nt, func(start, end int) {
		for p := start; p < end; p++ {
			for r := 0; r < nr; r++ {
				res := p*nr + r
				rt := int(aatype.Data[res])
				if rt < 0 || rt > unkRestype {
					rt = unkRestype
				}

				pos := func(rr, atom int) vec3 { return atomVec(positions, p*nr+rr, atom) }
				msk := func(rr, atom int) float32 { return atomMasks.Data[(p*nr+rr)*numAtomTypes+atom] }

				var quads [numTorsions][4]vec3
				var tmask [numTorsions]float32
				if r > 0 {
					quads[0] = [4]vec3{pos(r-1, atomCA), pos(r-1, atomC), pos(r, atomN), pos(r, atomCA)}
					tmask[0] = msk(r-1, atomCA) * msk(r-1, atomC) * msk(r, atomN) * msk(r, atomCA)
					quads[1] = [4]vec3{pos(r-1, atomC), pos(r, atomN), pos(r, atomCA), pos(r, atomC)}
					tmask[1] = msk(r-1, atomC) * msk(r, atomN) * msk(r, atomCA) * msk(r, atomC)
				}
				quads[2] = [4]vec3{pos(r, atomN), pos(r, atomCA), pos(r, atomC), pos(r, atomO)}
				tmask[2] = msk(r, atomN) * msk(r, atomCA) * msk(r, atomC) * msk(r, atomO)
				for k := 0; k < 4; k++ {
					idx := chiAtomIndices[rt][k]
					quads[3+k] = [4]vec3{pos(r, idx[0]), pos(r, idx[1]), pos(r, idx[2]), pos(r, idx[3])}
					m := chiAnglesMask[rt][k]
					for _, a := range idx {
						m *= msk(r, a)
					}
					tmask[3+k] = m
				}

				for t := 0; t < numTorsions; t++ {
					f := frameFrom(quads[t][2].sub(quads[t][1]), quads[t][0].sub(quads[t][2]))
					rel := f.invApply(quads[t][3].sub(quads[t][2]))
					s, c := rel.z, rel.y
					inv := 1 / math.Sqrt(s*s+c*c+1e-8)
					s *= inv
					c *= inv
					// Psi is computed from the oxygen, which sits opposite
					// the next residue's nitrogen; mirror it back.
					if t == 2 {
						s, c = -s, -c
					}
					alt := 1.0
					if t >= 3 && chiPiPeriodic[rt][t-3] != 0 {
						alt = -1
					}
					if placeholderForUndefined && tmask[t] == 0 {
						s, c = 1, 0
						alt = 1
					}
					o := (res*numTorsions + t) * 2
					sinCos.Data[o] = float32(s)
					sinCos.Data[o+1] = float32(c)
					altSinCos.Data[o] = float32(alt * s)
					altSinCos.Data[o+1] = float32(alt * c)
					mask.Data[res*numTorsions+t] = tmask[t]
				}
			}
		}
	})
	return sinCos, altSinCos, mask
}
