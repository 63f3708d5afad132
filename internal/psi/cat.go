package psi

// BuildCAT regenerates the CAT with an empty descriptor loop, mainly for
// versioning (spec.md §4.3 CAT).
func BuildCAT(version uint8) [][]byte {
	a := newSectionAssembler(TableIDCAT, 0xFFFF, version)
	return a.finish()
}
