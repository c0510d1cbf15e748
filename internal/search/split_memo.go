package search

import (
	"fmt"

	"fortio.org/safecast"
)

// splitMemoKey identifies one factorization query.
type splitMemoKey struct {
	extent       int64
	nLengths     int
	maxInnermost int
}

// splitFactorizationMemo caches the factorization schemes of an extent into
// n tile lengths: every scheme's product divides the extent exactly, and the
// innermost length respects the configured cap. Sampling tile sizes hits the
// same (extent, n) pairs thousands of times per round, so the enumeration is
// done once.
type splitFactorizationMemo struct {
	cache map[splitMemoKey][][]int64
}

func newSplitFactorizationMemo() *splitFactorizationMemo {
	return &splitFactorizationMemo{cache: make(map[splitMemoKey][][]int64)}
}

// factors returns the ascending divisors of n.
func factors(n int64) []int64 {
	var out []int64
	for f := int64(1); f*f <= n; f++ {
		if n%f == 0 {
			out = append(out, f)
			if g := n / f; g != f {
				out = append(out, g)
			}
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// GetFactorizationSchemes enumerates every assignment of nLengths tile
// lengths for the extent. The result is cached and must not be mutated.
func (m *splitFactorizationMemo) GetFactorizationSchemes(extent int64, nLengths, maxInnermost int) [][]int64 {
	key := splitMemoKey{extent: extent, nLengths: nLengths, maxInnermost: maxInnermost}
	if schemes, ok := m.cache[key]; ok {
		return schemes
	}
	innermostCap, err := safecast.Conv[int64](maxInnermost)
	if err != nil {
		panic(fmt.Errorf("search: max innermost split factor overflow: %w", err))
	}

	var schemes [][]int64
	current := make([]int64, nLengths)
	var enumerate func(pos int, remaining int64)
	enumerate = func(pos int, remaining int64) {
		if pos == nLengths {
			schemes = append(schemes, append([]int64(nil), current...))
			return
		}
		last := pos == nLengths-1
		for _, f := range factors(remaining) {
			if last && f > innermostCap {
				continue
			}
			current[pos] = f
			enumerate(pos+1, remaining/f)
		}
	}
	enumerate(0, extent)
	m.cache[key] = schemes
	return schemes
}
