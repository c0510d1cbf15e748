package search

import (
	"fmt"
	"math/rand"
	"runtime"
	"strconv"

	"golang.org/x/sync/errgroup"

	"strata/internal/loopstate"
	"strata/internal/task"
	"strata/internal/texpr"
	"strata/internal/trace"
)

// ResultKind is the verdict of an init rule on one sampled candidate.
type ResultKind uint8

const (
	// ResultValid keeps the candidate.
	ResultValid ResultKind = iota
	// ResultInvalid discards the candidate; the sampler draws another sketch.
	ResultInvalid
)

// InitRule converts part of a sketch into a concrete candidate. Rules run in
// a fixed order and mutate the state in place.
type InitRule interface {
	Apply(p *SketchPolicy, s *loopstate.State, rng *rand.Rand) ResultKind
}

// initFillTileSize randomly fills every unfilled tile length in the history,
// then rebuilds the state with inferred bounds so later rules see real
// extents.
type initFillTileSize struct{}

func (initFillTileSize) Apply(p *SketchPolicy, s *loopstate.State, rng *rand.Rand) ResultKind {
	maxInnermost := p.Params.Int(task.KeyMaxInnermostSplitFactor, 64)
	steps := s.Steps
	rewritten := false
	for stepID := range steps {
		split, ok := steps[stepID].(*loopstate.SplitStep)
		if !ok || split.AllDefined() {
			continue
		}
		if split.Extent <= 0 {
			return ResultInvalid
		}
		schemes := p.splitMemo.GetFactorizationSchemes(split.Extent, len(split.Lengths), maxInnermost)
		if len(schemes) == 0 {
			return ResultInvalid
		}
		if !rewritten {
			steps = append([]loopstate.Step(nil), steps...)
			rewritten = true
		}
		steps[stepID] = &loopstate.SplitStep{
			ID:           split.ID,
			IterID:       split.IterID,
			Extent:       split.Extent,
			Lengths:      schemes[rng.Intn(len(schemes))],
			InnerToOuter: split.InnerToOuter,
		}
	}
	if rewritten {
		s.Steps = steps
	}
	*s = *p.Task.DAG.InferBound(s)
	s.Concrete = true
	return ResultValid
}

// initChangeComputeLocation randomly moves untiled single-consumer stages
// between inline, root and legal attachment points inside the consumer.
type initChangeComputeLocation struct{}

func (initChangeComputeLocation) Apply(p *SketchPolicy, s *loopstate.State, rng *rand.Rand) ResultKind {
	if p.Params.Bool(task.KeyDisableChangeComputeLocation, false) {
		return ResultValid
	}

	for stageID := len(s.Stages) - 1; stageID >= 0; stageID-- {
		st := &s.Stages[stageID]
		if st.Kind == loopstate.StagePlaceholder || st.ComputeAt == loopstate.ComputeAtInlined {
			continue
		}
		if st.IsTiled() || p.Task.DAG.Analyzer.NeedsMultiLevelTiling(st.Op) {
			continue
		}

		targetID := p.getSingleConsumerID(s, stageID)
		if targetID < 0 {
			continue
		}

		target := &s.Stages[targetID]
		toUnroll := map[string]struct{}{}
		if attr := target.Op.Attr(texpr.AttrAlwaysUnroll); attr != "" {
			toUnroll = iterNameSet(attr)
		}

		var candidates []loopstate.IterKey
		targetAttached := target.ComputeAt == loopstate.ComputeAtIter
		targetTiled := target.IsTiled()

		visitedReduce := false
		for i, it := range target.Iters {
			if it.Kind == loopstate.IterReduce {
				visitedReduce = true
				if !targetTiled { // do not go into reduce iter
					break
				}
			} else if visitedReduce { // do not go into inner tile
				break
			}
			if _, ok := toUnroll[it.Name]; ok {
				// Do not go into always unroll region.
				break
			}
			if it.Extent == 1 { // skip iterators with length of 1
				continue
			}
			if targetAttached && it.Kind == loopstate.IterSpatial && hasLevelSuffix(it.Name, 0) {
				// First-level iterators of an attached consumer always have
				// length one per tile; attaching there is pointless.
				continue
			}
			candidates = append(candidates, loopstate.IterKey{Stage: targetID, Iter: i})

			if s.AttachedAt(targetID, i) {
				break
			}
		}

		// If the consumer is itself attached to stage X, X's outer loops are
		// candidates too.
		if targetAttached {
			ttID := s.Attach.StageToIter[targetID].Stage
			ttStage := &s.Stages[ttID]
			if attr := ttStage.Op.Attr(texpr.AttrAlwaysUnroll); attr != "" {
				toUnroll = iterNameSet(attr)
			} else {
				toUnroll = map[string]struct{}{}
			}
			for i, it := range ttStage.Iters {
				if it.Kind == loopstate.IterReduce || s.AttachedAt(ttID, i) {
					break
				}
				if _, ok := toUnroll[it.Name]; ok {
					break
				}
				if it.Extent == 1 {
					continue
				}
				candidates = append(candidates, loopstate.IterKey{Stage: ttID, Iter: i})
			}
		}

		choice := rng.Intn(len(candidates) + 2)
		switch {
		case choice == 0:
			if !st.HasReduceIter() {
				if _, attached := s.Attach.StageToIter[stageID]; attached {
					s.ComputeInline(stageID)
				}
			}
		case choice == 1:
			s.ComputeRoot(stageID)
		default:
			key := candidates[choice-2]
			s.ComputeAt(stageID, key.Stage, key.Iter)
		}
	}

	*s = *p.Task.DAG.InferBound(s)
	return ResultValid
}

// hasLevelSuffix reports whether the iterator name marks tile level k
// (".k" suffix at the end of the whole name; for a fused iterator that is
// its last component only).
func hasLevelSuffix(name string, level int) bool {
	suffix := "." + strconv.Itoa(level)
	return len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix
}

// initParallel fuses and parallelizes the outermost spatial loops of every
// root stage.
type initParallel struct{}

func (initParallel) Apply(p *SketchPolicy, s *loopstate.State, rng *rand.Rand) ResultKind {
	for stageID := range s.Stages {
		st := &s.Stages[stageID]
		if st.ComputeAt != loopstate.ComputeAtRoot || st.Kind == loopstate.StagePlaceholder {
			continue
		}
		annotateParallel(p, s, stageID, 0)
	}
	return ResultValid
}

// annotateParallel fuses outer spatial iterators until it meets a reduction,
// an annotation, an attachment or enough parallel degree, then marks the
// fused iterator parallel. With no usable outer extent it recurses into the
// stages attached at the blocking iterator.
func annotateParallel(p *SketchPolicy, s *loopstate.State, stageID, iterOffset int) {
	var toFuse []int
	parallelDegree := int64(1)

	iterID := iterOffset
	for ; iterID < len(s.Stages[stageID].Iters); iterID++ {
		it := s.Stages[stageID].Iters[iterID]
		if it.Kind == loopstate.IterReduce || it.Ann != loopstate.AnnNone {
			break
		}
		toFuse = append(toFuse, iterID)
		if it.Extent > 0 {
			parallelDegree *= it.Extent
		}
		if parallelDegree > int64(p.Task.Hardware.NumCores)*16 {
			break
		}
		if s.AttachedAt(stageID, iterID) {
			break
		}
	}

	if parallelDegree == 1 {
		if attached, ok := s.Attach.IterToStages[loopstate.IterKey{Stage: stageID, Iter: iterID}]; ok {
			for _, attachedStage := range append([]int(nil), attached...) {
				annotateParallel(p, s, attachedStage, 0)
			}
			annotateParallel(p, s, stageID, iterID+1)
		}
	}

	if len(toFuse) == 0 {
		return
	}

	fused := toFuse[0]
	if len(toFuse) > 1 {
		fused = s.Fuse(stageID, toFuse)
	}

	// When the whole nest collapsed into one parallel loop, keep a vector
	// lane's worth of iterations serial so the vectorizer still has an
	// innermost loop to take.
	vecTail := int64(p.Params.Int(task.KeyMaxVectorizeSize, 16))
	it := s.Stages[stageID].Iters[fused]
	if len(s.Stages[stageID].Iters) == 1 && it.Extent > vecTail*int64(p.Task.Hardware.NumCores) {
		ids := s.Split(stageID, fused, []int64{vecTail}, true)
		fused = ids[0]
	}
	s.Parallel(stageID, fused)
}

// initVectorization fuses and vectorizes the innermost spatial iterators of
// every schedulable stage.
type initVectorization struct{}

func (initVectorization) Apply(p *SketchPolicy, s *loopstate.State, rng *rand.Rand) ResultKind {
	maxVectorize := int64(p.Params.Int(task.KeyMaxVectorizeSize, 16))
	for stageID := range s.Stages {
		st := &s.Stages[stageID]
		if st.ComputeAt == loopstate.ComputeAtInlined || st.Kind == loopstate.StagePlaceholder {
			continue
		}
		if st.HasAnnotation(loopstate.AnnTensorize) {
			// Tensorized stages own their innermost loops.
			continue
		}

		toUnroll := map[string]struct{}{}
		if attr := st.Op.Attr(texpr.AttrAlwaysUnroll); attr != "" {
			toUnroll = iterNameSet(attr)
		}

		cumLength := int64(1)
		numFusible := 0
		for numFusible < len(st.Iters) {
			iterID := len(st.Iters) - 1 - numFusible
			if s.AttachedAt(stageID, iterID) {
				break
			}
			it := st.Iters[iterID]
			if it.Kind == loopstate.IterReduce || it.Ann != loopstate.AnnNone {
				break
			}
			if _, ok := toUnroll[it.Name]; ok {
				break
			}
			// For a tiled stage only the innermost iterator stays contiguous
			// in memory; fusing beyond it would vectorize strided access.
			if st.IsTiled() && numFusible != 0 {
				break
			}
			if it.Extent > 0 {
				cumLength *= it.Extent
			}
			if cumLength > maxVectorize {
				break
			}
			numFusible++
		}

		if numFusible > 1 {
			numFusible = 1 + rng.Intn(numFusible-1)
		}
		if numFusible == 1 {
			s.Vectorize(stageID, len(st.Iters)-1)
		} else if numFusible > 1 {
			ids := make([]int, numFusible)
			for i := range ids {
				ids[i] = len(st.Iters) - numFusible + i
			}
			fused := s.Fuse(stageID, ids)
			s.Vectorize(stageID, fused)
		}
	}
	return ResultValid
}

// autoUnrollConfigs are the candidate values for the auto-unroll pragma.
var autoUnrollConfigs = []int{0, 16, 64, 512}

// initUnroll honors the unroll attributes and attaches an auto-unroll pragma
// to reduction stages.
type initUnroll struct{}

func (initUnroll) Apply(p *SketchPolicy, s *loopstate.State, rng *rand.Rand) ResultKind {
	for stageID := range s.Stages {
		st := &s.Stages[stageID]
		if st.ComputeAt == loopstate.ComputeAtInlined || st.Kind == loopstate.StagePlaceholder {
			continue
		}

		if attr := st.Op.Attr(texpr.AttrAlwaysUnrollInner); attr != "" {
			toUnroll := iterNameSet(attr)
			// Unroll the listed iterators inside the innermost tile: walk
			// inward-out and stop once an original axis repeats.
			visited := map[string]struct{}{}
			for n := len(st.Iters) - 1; n >= 0; n-- {
				it := st.Iters[n]
				before := len(visited)
				loopstate.OriginalIterators(it.Name, visited)
				if len(visited) == before {
					break
				}
				names := map[string]struct{}{}
				loopstate.OriginalIterators(it.Name, names)
				if len(names) == 1 {
					for name := range names {
						if _, ok := toUnroll[name]; ok && it.Ann == loopstate.AnnNone {
							s.Unroll(stageID, n)
						}
					}
				}
			}
		}

		if attr := st.Op.Attr(texpr.AttrAlwaysUnroll); attr != "" {
			toUnroll := iterNameSet(attr)
			for n := len(st.Iters) - 1; n >= 0; n-- {
				if _, ok := toUnroll[st.Iters[n].Name]; ok {
					s.Unroll(stageID, n)
				}
			}
		}

		if st.HasReduceIter() {
			value := autoUnrollConfigs[rng.Intn(len(autoUnrollConfigs))]
			s.Pragma(stageID, 0, fmt.Sprintf("auto_unroll_max_step$%d", value))
		}
	}
	return ResultValid
}

// defaultInitRules returns the CPU init rule set in execution order.
func defaultInitRules() []InitRule {
	return []InitRule{
		initFillTileSize{},
		initChangeComputeLocation{},
		initParallel{},
		initVectorization{},
		initUnroll{},
	}
}

// SampleInitPopulation draws up to outSize concrete candidates from the
// sketches. Samples are independent, so they run in parallel; each sample
// owns a private RNG derived from the policy seed and a global sample index,
// keeping the result deterministic regardless of scheduling. Sampling stops
// early once the total number of failed samples reaches outSize.
func (p *SketchPolicy) SampleInitPopulation(sketches []*loopstate.State, outSize int) []*loopstate.State {
	if len(sketches) == 0 || outSize <= 0 {
		return nil
	}
	done := trace.Span(p.Tracer, trace.ScopePhase, "sample-init-population")

	out := make([]*loopstate.State, 0, outSize)
	failCt := 0
	for len(out) < outSize && failCt < outSize {
		batch := outSize - len(out)
		results := make([]*loopstate.State, batch)

		g := new(errgroup.Group)
		g.SetLimit(min(runtime.GOMAXPROCS(0), batch))
		for i := 0; i < batch; i++ {
			i := i
			sampleIdx := p.sampleIndex + int64(i)
			g.Go(func() error {
				rng := rand.New(rand.NewSource(sampleSeed(p.Seed, sampleIdx)))
				state := sketches[rng.Intn(len(sketches))].Clone()
				for _, rule := range p.initRules {
					if rule.Apply(p, state, rng) == ResultInvalid {
						return nil
					}
				}
				results[i] = state
				return nil
			})
		}
		// Rules are compute-bound and never fail the group.
		_ = g.Wait()
		p.sampleIndex += int64(batch)

		for _, state := range results {
			if state == nil {
				failCt++
				continue
			}
			if len(out) < outSize {
				out = append(out, state)
			}
		}
	}

	done(countNote(len(out)) + " fail_ct: " + strconv.Itoa(failCt))
	return out
}

// sampleSeed mixes the policy seed with a sample index into an independent
// stream seed.
func sampleSeed(seed, index int64) int64 {
	x := uint64(seed) + uint64(index)*0x9e3779b97f4a7c15
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	return int64(x)
}
