package search

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"strata/internal/loopstate"
)

// hasCacheWriteStage reports whether the given stage was produced by a
// cache_write step. Stage ids shift as structural steps insert stages, so the
// history is walked backwards while renumbering.
func hasCacheWriteStage(s *loopstate.State, stageID int) bool {
	id := stageID
	for i := len(s.Steps) - 1; i >= 0; i-- {
		switch ps := s.Steps[i].(type) {
		case *loopstate.CacheWriteStep:
			if id == ps.ID {
				return true
			}
			if id > ps.ID {
				id--
			}
		case *loopstate.CacheReadStep:
			if id == ps.ID+1 {
				return false
			}
			if id > ps.ID+1 {
				id--
			}
		case *loopstate.RfactorStep:
			if id == ps.ID {
				return false
			}
			if id > ps.ID {
				id--
			}
		}
	}
	return false
}

// getSingleConsumerID returns the only consumer stage of stageID, or -1.
func (p *SketchPolicy) getSingleConsumerID(s *loopstate.State, stageID int) int {
	consumers := p.Task.DAG.Analyzer.GetConsumers(s, stageID)
	if len(consumers) != 1 {
		return -1
	}
	return consumers[0]
}

// hasSingleElementwiseMatchedConsumer reports whether the stage has exactly
// one consumer and that consumer matches it elementwise. The match must be
// unique for the rule to fire.
func (p *SketchPolicy) hasSingleElementwiseMatchedConsumer(s *loopstate.State, stageID int) (int, bool) {
	consumers := p.Task.DAG.Analyzer.GetConsumers(s, stageID)
	matched := -1
	for _, c := range consumers {
		if p.Task.DAG.Analyzer.ElementWiseMatch(s, stageID, c) {
			if matched >= 0 {
				return -1, false
			}
			matched = c
		}
	}
	if matched < 0 || len(consumers) != 1 {
		return -1, false
	}
	return matched, true
}

// cumulativeLengths returns the products of the known spatial and reduction
// extents of a stage.
func cumulativeLengths(st *loopstate.Stage) (space, reduce int64) {
	space, reduce = 1, 1
	for _, it := range st.Iters {
		if it.Extent <= 0 {
			continue
		}
		if it.Kind == loopstate.IterReduce {
			reduce *= it.Extent
		} else {
			space *= it.Extent
		}
	}
	return space, reduce
}

// needsRfactor decides whether factoring the reduction is worth a sketch:
// reduction-heavy stages with too little spatial parallelism.
func (p *SketchPolicy) needsRfactor(s *loopstate.State, stageID int) bool {
	st := &s.Stages[stageID]
	if st.Kind != loopstate.StageCompute || !st.HasReduceIter() {
		return false
	}
	space, reduce := cumulativeLengths(st)
	cores := int64(p.Task.Hardware.NumCores)
	if p.Task.DAG.Analyzer.NeedsMultiLevelTiling(st.Op) {
		// Enough spatial parallelism already: rfactor only adds overhead.
		if space > reduce || space > cores*16 {
			return false
		}
		return true
	}
	if reduce > 1 {
		return reduce > cores
	}
	return false
}

// fuseAllReductionIterators fuses every reduction iterator of the stage into
// one; returns the fused iterator id and the spatial iterator count.
func fuseAllReductionIterators(s *loopstate.State, stageID int) (fusedID, numSpatial int) {
	var reduceIDs []int
	for i, it := range s.Stages[stageID].Iters {
		if it.Kind == loopstate.IterReduce {
			reduceIDs = append(reduceIDs, i)
		} else {
			numSpatial++
		}
	}
	if len(reduceIDs) == 0 {
		panic(fmt.Errorf("search: stage %d has no reduction iterators to fuse", stageID))
	}
	if len(reduceIDs) == 1 {
		return reduceIDs[0], numSpatial
	}
	return s.Fuse(stageID, reduceIDs), numSpatial
}

func findIter(s *loopstate.State, stageID int, name string) int {
	for i, it := range s.Stages[stageID].Iters {
		if it.Name == name {
			return i
		}
	}
	panic(fmt.Errorf("search: stage %d has no iterator %q", stageID, name))
}

// doMultiLevelTiling applies the structure string to the stage: every
// spatial axis is split into one piece per 'S', every reduction axis into
// one per 'R', all tile lengths left unfilled, and the pieces are reordered
// into the declared interleaving.
func doMultiLevelTiling(s *loopstate.State, stageID int, format string) {
	format = strings.ToUpper(format)
	spaceLevels := strings.Count(format, "S")
	reduceLevels := strings.Count(format, "R")
	if spaceLevels == 0 {
		panic(fmt.Errorf("search: tiling structure %q has no spatial level", format))
	}

	orig := append([]loopstate.Iterator(nil), s.Stages[stageID].Iters...)

	pieceNames := func(it loopstate.Iterator, levels int) []string {
		if levels <= 1 {
			return []string{it.Name}
		}
		names := make([]string, levels)
		for l := range names {
			names[l] = fmt.Sprintf("%s.%d", it.Name, l)
		}
		return names
	}

	var spacePieces, reducePieces [][]string
	for _, it := range orig {
		levels := spaceLevels
		if it.Kind == loopstate.IterReduce {
			levels = reduceLevels
		}
		if levels > 1 {
			s.Split(stageID, findIter(s, stageID, it.Name), make([]int64, levels-1), true)
		}
		if it.Kind == loopstate.IterReduce {
			reducePieces = append(reducePieces, pieceNames(it, levels))
		} else {
			spacePieces = append(spacePieces, pieceNames(it, levels))
		}
	}

	var order []int
	spaceLevel, reduceLevel := 0, 0
	for _, c := range format {
		switch c {
		case 'S':
			for _, pieces := range spacePieces {
				order = append(order, findIter(s, stageID, pieces[spaceLevel]))
			}
			spaceLevel++
		case 'R':
			for _, pieces := range reducePieces {
				order = append(order, findIter(s, stageID, pieces[reduceLevel]))
			}
			reduceLevel++
		default:
			panic(fmt.Errorf("search: bad tiling structure char %q in %q", c, format))
		}
	}
	if len(order) == len(s.Stages[stageID].Iters) {
		s.Reorder(stageID, order)
	}
}

// followTiling tiles a consumer stage to match `level` outer spatial levels
// of its tiled producer; returns the iterator id of the last iterator in the
// level-th block, the natural compute_at point.
func followTiling(s *loopstate.State, stageID, level int) int {
	orig := append([]loopstate.Iterator(nil), s.Stages[stageID].Iters...)
	var spatial []loopstate.Iterator
	for _, it := range orig {
		if it.Kind != loopstate.IterSpatial {
			panic(fmt.Errorf("search: follow tiling: stage %d has non-spatial iterator %q", stageID, it.Name))
		}
		spatial = append(spatial, it)
	}
	for _, it := range spatial {
		s.Split(stageID, findIter(s, stageID, it.Name), make([]int64, level), true)
	}
	var order []int
	for l := 0; l <= level; l++ {
		for _, it := range spatial {
			order = append(order, findIter(s, stageID, fmt.Sprintf("%s.%d", it.Name, l)))
		}
	}
	s.Reorder(stageID, order)
	return level*len(spatial) - 1
}

// randomSampleStates draws n states from the population with replacement.
func randomSampleStates(pop []*loopstate.State, rng *rand.Rand, n int) []*loopstate.State {
	if len(pop) == 0 || n <= 0 {
		return nil
	}
	out := make([]*loopstate.State, n)
	for i := range out {
		out[i] = pop[rng.Intn(len(pop))]
	}
	return out
}

// argsortDesc returns indices ordering vals from highest to lowest, breaking
// ties by insertion order.
func argsortDesc(vals []float64) []int {
	idx := make([]int, len(vals))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return vals[idx[a]] > vals[idx[b]] })
	return idx
}

// iterNameSet parses a comma-separated attribute into a name set.
func iterNameSet(attr string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, name := range strings.Split(attr, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			out[name] = struct{}{}
		}
	}
	return out
}
