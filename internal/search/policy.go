// Package search implements the sketch-based schedule search: rule-directed
// sketch enumeration, randomized init population sampling, evolutionary
// refinement under a cost model, and the eps-greedy measurement loop.
package search

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"

	"strata/internal/costmodel"
	"strata/internal/loopstate"
	"strata/internal/measure"
	"strata/internal/observ"
	"strata/internal/task"
	"strata/internal/trace"
)

// SketchPolicy searches the schedule space of one task. It is driven from a
// single goroutine; only population sampling fans out internally.
type SketchPolicy struct {
	Task    *task.SearchTask
	Model   costmodel.CostModel
	Params  task.Params
	Seed    int64
	Verbose int

	Tracer trace.Tracer
	Sink   ProgressSink
	Timer  *observ.Timer

	rng         *rand.Rand
	sketchRules []SketchRule
	initRules   []InitRule
	splitMemo   *splitFactorizationMemo

	sketchCache []*loopstate.State
	sampleIndex int64

	numMeasurePerIter int

	measuredSet         map[string]struct{}
	measuredStates      []*loopstate.State
	measuredThroughputs []float64
}

// NewSketchPolicy builds a policy with the default CPU rule sets. Callbacks
// run once at construction and may adjust parameters or warm caches.
func NewSketchPolicy(t *task.SearchTask, model costmodel.CostModel, params task.Params,
	seed int64, verbose int, initCallbacks ...func(*SketchPolicy)) *SketchPolicy {
	if params == nil {
		params = task.DefaultParams()
	}
	p := &SketchPolicy{
		Task:        t,
		Model:       model,
		Params:      params,
		Seed:        seed,
		Verbose:     verbose,
		Tracer:      trace.Nop,
		Sink:        nopSink{},
		Timer:       observ.NewTimer(),
		rng:         rand.New(rand.NewSource(seed)),
		sketchRules: defaultSketchRules(),
		initRules:   defaultInitRules(),
		splitMemo:   newSplitFactorizationMemo(),
		measuredSet: make(map[string]struct{}),
	}
	for _, cb := range initCallbacks {
		cb(p)
	}
	return p
}

// BestGFlops converts a latency to measured throughput for progress display.
func (p *SketchPolicy) BestGFlops(cost float64) float64 {
	if cost <= 0 || cost >= measure.MaxCost {
		return 0
	}
	return p.Task.DAG.FlopCt / cost / 1e9
}

// Search runs the measurement-driven loop and returns the best state found.
// With nTrials <= 1 a single round runs and its first candidate is returned
// without any measurement. earlyStopping < 0 disables early stopping.
func (p *SketchPolicy) Search(ctx context.Context, nTrials, earlyStopping, numMeasurePerIter int,
	measurer *measure.ProgramMeasurer) (*loopstate.State, error) {
	p.numMeasurePerIter = numMeasurePerIter

	if nTrials <= 1 {
		best, _ := p.SearchOneRound(0)
		if len(best) == 0 {
			return nil, fmt.Errorf("search: no candidate could be sampled")
		}
		return best[0], nil
	}

	if earlyStopping < 0 {
		earlyStopping = math.MaxInt >> 1
	}
	numRandom := int(p.Params.Float(task.KeyEpsGreedy, 0.05) * float64(numMeasurePerIter))
	measurer.Reset()

	var inputs []measure.MeasureInput
	var results []measure.MeasureResult
	round := 0
	ct := 0
	for ct < nTrials {
		if len(inputs) > 0 {
			// Retrain on everything measured so far.
			tidx := p.Timer.Begin("train-cost-model")
			p.Sink.OnEvent(Event{Round: round, Phase: PhaseTrain, Status: StatusWorking, Trials: ct, Total: nTrials})
			p.Model.Update(inputs, results)
			p.Timer.End(tidx, "")
		}

		trace.Point(p.Tracer, trace.ScopeSearch, "round", strconv.Itoa(round))
		p.Sink.OnEvent(Event{Round: round, Phase: PhaseSketch, Status: StatusWorking, Trials: ct, Total: nTrials})
		best, random := p.SearchOneRound(numRandom)

		p.Task.DAG.InferBoundAll(best)
		p.Task.DAG.InferBoundAll(random)

		inputs = p.PickStatesWithEpsGreedy(best, random, nTrials-ct)
		if len(inputs) == 0 {
			trace.Point(p.Tracer, trace.ScopeSearch, "space-exhausted",
				"all candidates in the search space have been measured")
			break
		}

		midx := p.Timer.Begin("measure")
		p.Sink.OnEvent(Event{Round: round, Phase: PhaseMeasure, Status: StatusWorking, Trials: ct, Total: nTrials})
		batch, err := measurer.Measure(ctx, p.Task, inputs)
		p.Timer.End(midx, countNote(len(batch)))
		results = batch
		ct += len(inputs)

		for _, res := range batch {
			p.measuredThroughputs = append(p.measuredThroughputs, 1.0/res.MeanCost())
		}

		bestCost := measurer.BestCost[p.Task.WorkloadKey]
		p.Sink.OnEvent(Event{Round: round, Phase: PhaseMeasure, Status: StatusDone,
			Trials: ct, Total: nTrials, BestGFlops: p.BestGFlops(bestCost)})

		if err != nil {
			// Cancellation: return the best found so far.
			if best, ok := measurer.BestState[p.Task.WorkloadKey]; ok {
				return best, nil
			}
			return nil, err
		}
		if ct-measurer.BestCt[p.Task.WorkloadKey] > earlyStopping {
			trace.Point(p.Tracer, trace.ScopeSearch, "early-stopping", strconv.Itoa(ct))
			break
		}
		round++
	}

	if best, ok := measurer.BestState[p.Task.WorkloadKey]; ok {
		return best, nil
	}
	return nil, fmt.Errorf("search: no state was measured")
}

// SearchOneRound generates sketches, samples a population, and returns the
// round's best states plus a pool of random states for eps-greedy mixing.
func (p *SketchPolicy) SearchOneRound(numRandomStates int) (best, random []*loopstate.State) {
	population := p.Params.Int(task.KeySampleInitMinPopulation, 50)
	useMeasuredRatio := p.Params.Float(task.KeyEvoUseMeasuredRatio, 0.2)
	numUseMeasured := min(len(p.measuredStates), int(useMeasuredRatio*float64(population)))

	_, modelIsRandom := p.Model.(*costmodel.RandomModel)

	sketches := p.GenerateSketches()

	sampleTarget := population
	if !modelIsRandom {
		sampleTarget = population - numUseMeasured
	}
	sidx := p.Timer.Begin("sample-init-population")
	initPop := p.SampleInitPopulation(sketches, sampleTarget)
	p.Timer.End(sidx, countNote(len(initPop)))
	if len(initPop) == 0 {
		return nil, nil
	}

	if !modelIsRandom {
		// Seed the population with the best measured states.
		indices := argsortDesc(p.measuredThroughputs)
		for i := 0; i < numUseMeasured; i++ {
			initPop = append(initPop, p.measuredStates[indices[i]])
		}
		eidx := p.Timer.Begin("evolutionary-search")
		best = p.evolutionarySearch(initPop, p.numMeasurePerIter*2)
		p.Timer.End(eidx, countNote(len(best)))
		random = randomSampleStates(initPop, p.rng, numRandomStates*10)
		return best, random
	}

	best = randomSampleStates(initPop, p.rng, p.numMeasurePerIter*3)
	return best, nil
}

// PickStatesWithEpsGreedy interleaves best-first and random-first picks into
// a measurement batch, deduplicating against everything already measured.
func (p *SketchPolicy) PickStatesWithEpsGreedy(best, random []*loopstate.State,
	remainingTrials int) []measure.MeasureInput {
	numRandom := int(p.Params.Float(task.KeyEpsGreedy, 0.05) * float64(p.numMeasurePerIter))
	numGood := p.numMeasurePerIter - numRandom

	var inputs []measure.MeasureInput
	offsetBest, offsetRandom := 0, 0

	for len(inputs) < min(p.numMeasurePerIter, remainingTrials) {
		var state *loopstate.State

		hasBest := offsetBest < len(best)
		hasRandom := offsetRandom < len(random)

		if len(inputs) < numGood {
			// prefer best states
			switch {
			case hasBest:
				state = best[offsetBest]
				offsetBest++
			case hasRandom:
				state = random[offsetRandom]
				offsetRandom++
			default:
				return inputs
			}
		} else {
			// prefer random states
			switch {
			case hasRandom:
				state = random[offsetRandom]
				offsetRandom++
			case hasBest:
				state = best[offsetBest]
				offsetBest++
			default:
				return inputs
			}
		}

		record := p.Task.DAG.RecordString(state)
		if _, seen := p.measuredSet[record]; seen {
			continue
		}
		p.measuredSet[record] = struct{}{}
		p.measuredStates = append(p.measuredStates, state)
		inputs = append(inputs, measure.MeasureInput{Task: p.Task, State: state})
	}

	return inputs
}
