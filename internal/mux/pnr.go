package mux

// resolvePNRs implements the two-pass PNR resolution of spec.md §4.4:
// pass 1 claims each service's configured/input PNR if free, pass 2
// assigns the lowest free PNR in [1, 65535] to every unclaimed service.
// Returns the resolved PNR per service index and the indices that needed
// a fallback assignment (for the conflict/missing warning).
func resolvePNRs(requested []uint16) (resolved []uint16, fellBack []int) {
	resolved = make([]uint16, len(requested))
	taken := make(map[uint16]bool, len(requested))

	needsFallback := make([]bool, len(requested))
	for i, pnr := range requested {
		if pnr != 0 && !taken[pnr] {
			resolved[i] = pnr
			taken[pnr] = true
		} else {
			needsFallback[i] = true
		}
	}

	next := uint16(1)
	for i, needs := range needsFallback {
		if !needs {
			continue
		}
		for taken[next] {
			if next == 65535 {
				break
			}
			next++
		}
		resolved[i] = next
		taken[next] = true
		fellBack = append(fellBack, i)
	}

	return resolved, fellBack
}
