package fold

// Residue and atom tables for the fixed 37-atom layout. Atom positions and
// masks arrive as [..., numAtomTypes, ...] arrays indexed by atomOrder.

const (
	atomN  = 0
	atomCA = 1
	atomC  = 2
	atomCB = 3
	atomO  = 4

	numAtomTypes = 37
	numTorsions  = 7
	numRestypes  = 20

	// unkRestype is the catch-all row appended to the per-restype tables.
	unkRestype = numRestypes
)

var atomTypes = [numAtomTypes]string{
	"N", "CA", "C", "CB", "O", "CG", "CG1", "CG2", "OG", "OG1", "SG", "CD",
	"CD1", "CD2", "ND1", "ND2", "OD1", "OD2", "SD", "CE", "CE1", "CE2", "CE3",
	"NE", "NE1", "NE2", "NH1", "NH2", "NZ", "CH2", "CZ", "CZ2", "CZ3", "OE1",
	"OE2", "OH", "OXT",
}

var atomOrder = func() map[string]int {
	m := make(map[string]int, numAtomTypes)
	for i, name := range atomTypes {
		m[name] = i
	}
	return m
}()

// restypes fixes the residue-type encoding order; glycine is index 7.
const restypes = "ARNDCQEGHILKMFPSTWYV"

const glycineType = 7

// chiAnglesAtoms names the four atoms defining each side-chain torsion,
// in restypes order. Rows shorter than four torsions leave the remaining
// slots undefined; chiAnglesMask marks which slots exist.
var chiAnglesAtoms = [numRestypes][][4]string{
	{}, // ALA
	{{"N", "CA", "CB", "CG"}, {"CA", "CB", "CG", "CD"}, {"CB", "CG", "CD", "NE"}, {"CG", "CD", "NE", "CZ"}}, // ARG
	{{"N", "CA", "CB", "CG"}, {"CA", "CB", "CG", "OD1"}},                                                    // ASN
	{{"N", "CA", "CB", "CG"}, {"CA", "CB", "CG", "OD1"}},                                                    // ASP
	{{"N", "CA", "CB", "SG"}},                                                                               // CYS
	{{"N", "CA", "CB", "CG"}, {"CA", "CB", "CG", "CD"}, {"CB", "CG", "CD", "OE1"}},                          // GLN
	{{"N", "CA", "CB", "CG"}, {"CA", "CB", "CG", "CD"}, {"CB", "CG", "CD", "OE1"}},                          // GLU
	{}, // GLY
	{{"N", "CA", "CB", "CG"}, {"CA", "CB", "CG", "ND1"}},                                                    // HIS
	{{"N", "CA", "CB", "CG1"}, {"CA", "CB", "CG1", "CD1"}},                                                  // ILE
	{{"N", "CA", "CB", "CG"}, {"CA", "CB", "CG", "CD1"}},                                                    // LEU
	{{"N", "CA", "CB", "CG"}, {"CA", "CB", "CG", "CD"}, {"CB", "CG", "CD", "CE"}, {"CG", "CD", "CE", "NZ"}}, // LYS
	{{"N", "CA", "CB", "CG"}, {"CA", "CB", "CG", "SD"}, {"CB", "CG", "SD", "CE"}},                           // MET
	{{"N", "CA", "CB", "CG"}, {"CA", "CB", "CG", "CD1"}},                                                    // PHE
	{{"N", "CA", "CB", "CG"}, {"CA", "CB", "CG", "CD"}},                                                     // PRO
	{{"N", "CA", "CB", "OG"}},                                                                               // SER
	{{"N", "CA", "CB", "OG1"}},                                                                              // THR
	{{"N", "CA", "CB", "CG"}, {"CA", "CB", "CG", "CD1"}},                                                    // TRP
	{{"N", "CA", "CB", "CG"}, {"CA", "CB", "CG", "CD1"}},                                                    // TYR
	{{"N", "CA", "CB", "CG1"}},                                                                              // VAL
}

// chiAtomIndices maps chiAnglesAtoms through atomOrder; missing torsions
// and the unknown restype stay zero and are masked off.
var chiAtomIndices = func() [numRestypes + 1][4][4]int {
	var tbl [numRestypes + 1][4][4]int
	for r, chis := range chiAnglesAtoms {
		for c, atoms := range chis {
			for a, name := range atoms {
				tbl[r][c][a] = atomOrder[name]
			}
		}
	}
	return tbl
}()

var chiAnglesMask = func() [numRestypes + 1][4]float32 {
	var tbl [numRestypes + 1][4]float32
	for r, chis := range chiAnglesAtoms {
		for c := range chis {
			tbl[r][c] = 1
		}
	}
	return tbl
}()

// chiPiPeriodic marks torsions whose branch atoms are chemically
// indistinguishable, so the angle is only defined modulo pi. ASP chi2,
// GLU chi3, PHE chi2 and TYR chi2.
var chiPiPeriodic = func() [numRestypes + 1][4]float32 {
	var tbl [numRestypes + 1][4]float32
	set := func(letter byte, chi int) {
		for i := 0; i < numRestypes; i++ {
			if restypes[i] == letter {
				tbl[i][chi] = 1
				return
			}
		}
	}
	set('D', 1)
	set('E', 2)
	set('F', 1)
	set('Y', 1)
	return tbl
}()
