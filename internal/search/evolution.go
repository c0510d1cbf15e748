package search

import (
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"strata/internal/costmodel"
	"strata/internal/loopstate"
	"strata/internal/task"
	"strata/internal/trace"
)

// evolutionarySearch refines the initial population with generations of
// roulette-wheel selection under the cost model, applying one random
// mutation per offspring: a tile-size reshuffle, a compute-location hop or
// an auto-unroll change. Returns the outSize best states seen across all
// generations, deduplicated on their canonical records.
func (p *SketchPolicy) evolutionarySearch(initPop []*loopstate.State, outSize int) []*loopstate.State {
	if len(initPop) == 0 {
		return nil
	}
	done := trace.Span(p.Tracer, trace.ScopePhase, "evolutionary-search")

	popSize := p.Params.Int(task.KeyEvoPopulation, 2048)
	numIters := p.Params.Int(task.KeyEvoNumIters, 4)

	type scored struct {
		state *loopstate.State
		score float64
		order int
	}
	bestSeen := make(map[string]scored)
	recordOf := func(s *loopstate.State) string {
		return p.Task.DAG.RecordString(p.Task.DAG.InferBound(s))
	}

	pop := initPop
	if len(pop) > popSize {
		pop = pop[:popSize]
	}
	order := 0

	for iter := 0; iter <= numIters; iter++ {
		scores32 := p.Model.Predict(p.Task, pop)
		if costmodel.SanitizeScores(scores32) {
			trace.Point(p.Tracer, trace.ScopeSearch, "cost-model-warning", "non-finite scores; ordering degrades to random")
		}
		scores := make([]float64, len(scores32))
		for i, v := range scores32 {
			scores[i] = float64(v)
		}

		for i, state := range pop {
			rec := recordOf(state)
			if prev, ok := bestSeen[rec]; !ok || scores[i] > prev.score {
				keep := prev.order
				if !ok {
					keep = order
					order++
				}
				bestSeen[rec] = scored{state: state, score: scores[i], order: keep}
			}
		}

		if iter == numIters {
			break
		}

		// Roulette-wheel selection weights: shift scores positive.
		minScore := scores[0]
		for _, v := range scores {
			if v < minScore {
				minScore = v
			}
		}
		weights := make([]float64, len(scores))
		total := 0.0
		for i, v := range scores {
			weights[i] = v - minScore + 1e-6
			total += weights[i]
		}

		next := make([]*loopstate.State, 0, popSize)
		for len(next) < popSize && len(next) < 4*len(pop) {
			parent := pop[rouletteWheel(p.rng, weights, total)]
			child := p.mutate(parent)
			if child == nil {
				child = parent
			}
			next = append(next, child)
		}
		pop = next
	}

	all := make([]scored, 0, len(bestSeen))
	for _, sc := range bestSeen {
		all = append(all, sc)
	}
	sort.Slice(all, func(a, b int) bool {
		if all[a].score != all[b].score {
			return all[a].score > all[b].score
		}
		return all[a].order < all[b].order
	})
	if len(all) > outSize {
		all = all[:outSize]
	}
	out := make([]*loopstate.State, len(all))
	for i, sc := range all {
		out[i] = sc.state
	}

	done(countNote(len(out)))
	return out
}

func rouletteWheel(rng *rand.Rand, weights []float64, total float64) int {
	r := rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return i
		}
	}
	return len(weights) - 1
}

// mutate applies one random mutation; nil means the mutation did not apply.
func (p *SketchPolicy) mutate(state *loopstate.State) *loopstate.State {
	switch r := p.rng.Float64(); {
	case r < 0.6:
		return p.mutateTileSize(state)
	case r < 0.8:
		return p.mutateComputeLocation(state)
	default:
		return p.mutateAutoUnroll(state)
	}
}

// mutateTileSize re-samples the factorization of one filled split step.
func (p *SketchPolicy) mutateTileSize(state *loopstate.State) *loopstate.State {
	maxInnermost := p.Params.Int(task.KeyMaxInnermostSplitFactor, 64)

	var splitIDs []int
	for i, step := range state.Steps {
		if ps, ok := step.(*loopstate.SplitStep); ok && len(ps.Lengths) > 0 && ps.AllDefined() && ps.Extent > 1 {
			splitIDs = append(splitIDs, i)
		}
	}
	if len(splitIDs) == 0 {
		return nil
	}
	stepID := splitIDs[p.rng.Intn(len(splitIDs))]
	split := state.Steps[stepID].(*loopstate.SplitStep)
	schemes := p.splitMemo.GetFactorizationSchemes(split.Extent, len(split.Lengths), maxInnermost)
	if len(schemes) < 2 {
		return nil
	}
	scheme := schemes[p.rng.Intn(len(schemes))]

	steps := append([]loopstate.Step(nil), state.Steps...)
	steps[stepID] = &loopstate.SplitStep{
		ID:           split.ID,
		IterID:       split.IterID,
		Extent:       split.Extent,
		Lengths:      scheme,
		InnerToOuter: split.InnerToOuter,
	}
	return p.Task.DAG.InferBound(&loopstate.State{Steps: steps})
}

// mutateComputeLocation re-runs the compute-location annotator with fresh
// randomness.
func (p *SketchPolicy) mutateComputeLocation(state *loopstate.State) *loopstate.State {
	if p.Params.Bool(task.KeyDisableChangeComputeLocation, false) {
		return nil
	}
	child := state.Clone()
	if (initChangeComputeLocation{}).Apply(p, child, p.rng) == ResultInvalid {
		return nil
	}
	return child
}

// mutateAutoUnroll re-rolls the value of one auto-unroll pragma.
func (p *SketchPolicy) mutateAutoUnroll(state *loopstate.State) *loopstate.State {
	var pragmaIDs []int
	for i, step := range state.Steps {
		if ps, ok := step.(*loopstate.PragmaStep); ok && strings.HasPrefix(ps.Pragma, "auto_unroll_max_step") {
			pragmaIDs = append(pragmaIDs, i)
		}
	}
	if len(pragmaIDs) == 0 {
		return nil
	}
	stepID := pragmaIDs[p.rng.Intn(len(pragmaIDs))]
	pragma := state.Steps[stepID].(*loopstate.PragmaStep)

	steps := append([]loopstate.Step(nil), state.Steps...)
	steps[stepID] = &loopstate.PragmaStep{
		ID:     pragma.ID,
		IterID: pragma.IterID,
		Pragma: "auto_unroll_max_step$" + strconv.Itoa(autoUnrollConfigs[p.rng.Intn(len(autoUnrollConfigs))]),
	}
	return p.Task.DAG.InferBound(&loopstate.State{Steps: steps})
}
