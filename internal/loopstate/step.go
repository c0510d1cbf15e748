package loopstate

import (
	"fmt"

	"strata/internal/texpr"
)

// StepKind is the record tag of a transform step.
type StepKind string

const (
	StepSplit         StepKind = "SP"
	StepFuse          StepKind = "FU"
	StepReorder       StepKind = "RE"
	StepComputeAt     StepKind = "CA"
	StepComputeRoot   StepKind = "CR"
	StepComputeInline StepKind = "CI"
	StepCacheRead     StepKind = "CHR"
	StepCacheWrite    StepKind = "CHW"
	StepRfactor       StepKind = "RF"
	StepAnnotation    StepKind = "AN"
	StepPragma        StepKind = "PR"
)

// Step is one entry of a state's transform history. Steps are pure data;
// applying a step derives new stages deterministically. Precondition
// violations panic: they indicate a rule bug, not a recoverable failure.
type Step interface {
	Kind() StepKind
	Stage() int
	apply(s *State)
}

func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }

// SplitStep replaces one iterator with len(Lengths)+1 nested iterators.
// Lengths entries of 0 are unfilled tile sizes; the new extents stay unknown
// until a later fill pass concretizes them. With InnerToOuter the lengths
// size the inner iterators and the outermost absorbs ceiling rounding;
// otherwise the innermost absorbs it.
type SplitStep struct {
	ID           int
	IterID       int
	Extent       int64
	Lengths      []int64
	InnerToOuter bool
}

func (ps *SplitStep) Kind() StepKind { return StepSplit }
func (ps *SplitStep) Stage() int     { return ps.ID }

// AllDefined reports whether every tile length is filled.
func (ps *SplitStep) AllDefined() bool {
	for _, l := range ps.Lengths {
		if l <= 0 {
			return false
		}
	}
	return true
}

func (ps *SplitStep) apply(s *State) {
	st := &s.Stages[ps.ID]
	if ps.IterID < 0 || ps.IterID >= len(st.Iters) {
		panic(fmt.Errorf("loopstate: split: stage %d has no iterator %d", ps.ID, ps.IterID))
	}
	it := st.Iters[ps.IterID]
	n := len(ps.Lengths)
	newIters := make([]Iterator, n+1)

	known := it.Extent > 0 && ps.AllDefined()
	prod := int64(1)
	for _, l := range ps.Lengths {
		prod *= l
	}
	for i := range newIters {
		newIters[i] = Iterator{
			Name: fmt.Sprintf("%s.%d", it.Name, i),
			Kind: it.Kind,
		}
	}
	if known {
		if ps.InnerToOuter {
			newIters[0].Extent = ceilDiv(it.Extent, prod)
			for i, l := range ps.Lengths {
				newIters[i+1].Extent = l
			}
		} else {
			for i, l := range ps.Lengths {
				newIters[i].Extent = l
			}
			newIters[n].Extent = ceilDiv(it.Extent, prod)
		}
	} else {
		s.Concrete = false
	}

	iters := make([]Iterator, 0, len(st.Iters)+n)
	iters = append(iters, st.Iters[:ps.IterID]...)
	iters = append(iters, newIters...)
	iters = append(iters, st.Iters[ps.IterID+1:]...)
	st.Iters = iters

	s.Attach.RemapIters(ps.ID, func(i int) int {
		if i > ps.IterID {
			return i + n
		}
		return i
	})
}

// FuseStep merges a contiguous run of same-kind iterators into one.
type FuseStep struct {
	ID      int
	IterIDs []int
}

func (ps *FuseStep) Kind() StepKind { return StepFuse }
func (ps *FuseStep) Stage() int     { return ps.ID }

func (ps *FuseStep) apply(s *State) {
	st := &s.Stages[ps.ID]
	if len(ps.IterIDs) < 2 {
		panic(fmt.Errorf("loopstate: fuse: stage %d: need at least two iterators", ps.ID))
	}
	for i := 1; i < len(ps.IterIDs); i++ {
		if ps.IterIDs[i] != ps.IterIDs[i-1]+1 {
			panic(fmt.Errorf("loopstate: fuse: stage %d: iterators %v not contiguous", ps.ID, ps.IterIDs))
		}
	}
	first, last := ps.IterIDs[0], ps.IterIDs[len(ps.IterIDs)-1]
	if first < 0 || last >= len(st.Iters) {
		panic(fmt.Errorf("loopstate: fuse: stage %d: iterators %v out of range", ps.ID, ps.IterIDs))
	}

	fused := Iterator{Kind: st.Iters[first].Kind, Extent: 1}
	for i, id := range ps.IterIDs {
		it := st.Iters[id]
		if it.Kind != fused.Kind {
			panic(fmt.Errorf("loopstate: fuse: stage %d: mixing %v and %v iterators", ps.ID, fused.Kind, it.Kind))
		}
		if it.Ann != AnnNone {
			panic(fmt.Errorf("loopstate: fuse: stage %d: iterator %q is annotated", ps.ID, it.Name))
		}
		if i == 0 {
			fused.Name = it.Name
		} else {
			fused.Name += "@" + it.Name
		}
		if fused.Extent > 0 && it.Extent > 0 {
			fused.Extent *= it.Extent
		} else {
			fused.Extent = 0
		}
	}
	if fused.Extent == 0 {
		s.Concrete = false
	}

	iters := make([]Iterator, 0, len(st.Iters)-len(ps.IterIDs)+1)
	iters = append(iters, st.Iters[:first]...)
	iters = append(iters, fused)
	iters = append(iters, st.Iters[last+1:]...)
	st.Iters = iters

	shrink := len(ps.IterIDs) - 1
	s.Attach.RemapIters(ps.ID, func(i int) int {
		switch {
		case i < first:
			return i
		case i <= last:
			return first
		default:
			return i - shrink
		}
	})
}

// ReorderStep permutes a stage's iterators. Order must be a full permutation
// of the current iterator indices.
type ReorderStep struct {
	ID    int
	Order []int
}

func (ps *ReorderStep) Kind() StepKind { return StepReorder }
func (ps *ReorderStep) Stage() int     { return ps.ID }

func (ps *ReorderStep) apply(s *State) {
	st := &s.Stages[ps.ID]
	if len(ps.Order) != len(st.Iters) {
		panic(fmt.Errorf("loopstate: reorder: stage %d: order size %d != %d iterators", ps.ID, len(ps.Order), len(st.Iters)))
	}
	seen := make([]bool, len(st.Iters))
	newIters := make([]Iterator, len(st.Iters))
	inverse := make([]int, len(st.Iters))
	for pos, old := range ps.Order {
		if old < 0 || old >= len(st.Iters) || seen[old] {
			panic(fmt.Errorf("loopstate: reorder: stage %d: order %v is not a permutation", ps.ID, ps.Order))
		}
		seen[old] = true
		newIters[pos] = st.Iters[old]
		inverse[old] = pos
	}
	st.Iters = newIters
	s.Attach.RemapIters(ps.ID, func(i int) int { return inverse[i] })
}

// ComputeAtStep attaches a stage inside a consumer's loop. The stage's own
// extents become conditional on the target loop nest and are cleared until
// the next InferBound.
type ComputeAtStep struct {
	ID         int
	TargetID   int
	TargetIter int
}

func (ps *ComputeAtStep) Kind() StepKind { return StepComputeAt }
func (ps *ComputeAtStep) Stage() int     { return ps.ID }

func (ps *ComputeAtStep) apply(s *State) {
	target := s.Stages[ps.TargetID]
	if ps.TargetIter < 0 || ps.TargetIter >= len(target.Iters) {
		panic(fmt.Errorf("loopstate: compute_at: target stage %d has no iterator %d", ps.TargetID, ps.TargetIter))
	}
	st := &s.Stages[ps.ID]
	st.ComputeAt = ComputeAtIter
	s.Attach.SetAttach(ps.ID, IterKey{Stage: ps.TargetID, Iter: ps.TargetIter})
	if !s.inferMode {
		for i := range st.Iters {
			st.Iters[i].Extent = 0
		}
		s.Concrete = false
	}
}

// ComputeRootStep moves a stage back to the schedule root.
type ComputeRootStep struct{ ID int }

func (ps *ComputeRootStep) Kind() StepKind { return StepComputeRoot }
func (ps *ComputeRootStep) Stage() int     { return ps.ID }

func (ps *ComputeRootStep) apply(s *State) {
	st := &s.Stages[ps.ID]
	st.ComputeAt = ComputeAtRoot
	s.Attach.DeleteStage(ps.ID)
	if !s.inferMode {
		for i := range st.Iters {
			st.Iters[i].Extent = 0
		}
		s.Concrete = false
	}
}

// ComputeInlineStep inlines a stage into its consumers. Only legal when no
// other stage is attached inside this one.
type ComputeInlineStep struct{ ID int }

func (ps *ComputeInlineStep) Kind() StepKind { return StepComputeInline }
func (ps *ComputeInlineStep) Stage() int     { return ps.ID }

func (ps *ComputeInlineStep) apply(s *State) {
	for key := range s.Attach.IterToStages {
		if key.Stage == ps.ID {
			panic(fmt.Errorf("loopstate: compute_inline: stage %d has attached stages", ps.ID))
		}
	}
	st := &s.Stages[ps.ID]
	st.ComputeAt = ComputeAtInlined
	s.Attach.DeleteStage(ps.ID)
}

// CacheWriteStep introduces a cache stage that performs the stage's full
// computation into a scoped buffer; the original stage becomes an elementwise
// copy-out. The cache stage is inserted at the step's stage id, shifting
// later stages by one, and the state must be replayed into a fresh DAG before
// lowering.
type CacheWriteStep struct {
	ID    int
	Scope string
}

func (ps *CacheWriteStep) Kind() StepKind { return StepCacheWrite }
func (ps *CacheWriteStep) Stage() int     { return ps.ID }

func (ps *CacheWriteStep) apply(s *State) {
	base := s.Stages[ps.ID].Op
	cacheOp := &texpr.Operation{
		Name:         base.Name + "." + ps.Scope,
		Kind:         texpr.OpCompute,
		Axes:         base.Axes,
		Reduce:       base.Reduce,
		Reads:        base.Reads,
		Calls:        base.Calls,
		Attrs:        base.Attrs,
		FlopsPerElem: base.FlopsPerElem,
	}
	idx := make([]*texpr.Expr, len(base.Axes))
	for i, ax := range base.Axes {
		idx[i] = texpr.AxisRef(ax.Name)
	}
	outOp := &texpr.Operation{
		Name:  base.Name,
		Kind:  texpr.OpCompute,
		Axes:  base.Axes,
		Reads: []texpr.Access{{Producer: cacheOp.Name, Indices: idx}},
	}

	s.Attach.ShiftStageIDs(ps.ID, 1)
	stages := make([]Stage, 0, len(s.Stages)+1)
	stages = append(stages, s.Stages[:ps.ID]...)
	stages = append(stages, NewStage(cacheOp), NewStage(outOp))
	stages = append(stages, s.Stages[ps.ID+1:]...)
	s.Stages = stages
	s.NeedsReplay = true
}

// CacheReadStep introduces a cache stage that copies the stage's output into
// a scoped buffer; the listed reader stages are rewritten to read the cache.
// Reader ids refer to positions before the insertion.
type CacheReadStep struct {
	ID      int
	Scope   string
	Readers []int
}

func (ps *CacheReadStep) Kind() StepKind { return StepCacheRead }
func (ps *CacheReadStep) Stage() int     { return ps.ID }

func (ps *CacheReadStep) apply(s *State) {
	base := s.Stages[ps.ID].Op
	idx := make([]*texpr.Expr, len(base.Axes))
	for i, ax := range base.Axes {
		idx[i] = texpr.AxisRef(ax.Name)
	}
	cacheOp := &texpr.Operation{
		Name:  base.Name + "." + ps.Scope,
		Kind:  texpr.OpCompute,
		Axes:  base.Axes,
		Reads: []texpr.Access{{Producer: base.Name, Indices: idx}},
	}

	s.Attach.ShiftStageIDs(ps.ID+1, 1)
	stages := make([]Stage, 0, len(s.Stages)+1)
	stages = append(stages, s.Stages[:ps.ID+1]...)
	stages = append(stages, NewStage(cacheOp))
	stages = append(stages, s.Stages[ps.ID+1:]...)
	s.Stages = stages

	for _, r := range ps.Readers {
		if r > ps.ID {
			r++
		}
		reader := s.Stages[r].Op
		reads := make([]texpr.Access, len(reader.Reads))
		copy(reads, reader.Reads)
		for i := range reads {
			if reads[i].Producer == base.Name {
				reads[i].Producer = cacheOp.Name
			}
		}
		newReader := *reader
		newReader.Reads = reads
		s.Stages[r].Op = &newReader
	}
	s.NeedsReplay = true
}

// RfactorStep splits a reduction into a two-stage reduction: a new rfactor
// stage computes partial results with the chosen reduction iterator promoted
// to a spatial axis at FactorAxis, and the original stage reduces over it.
type RfactorStep struct {
	ID         int
	IterID     int
	FactorAxis int
}

func (ps *RfactorStep) Kind() StepKind { return StepRfactor }
func (ps *RfactorStep) Stage() int     { return ps.ID }

func (ps *RfactorStep) apply(s *State) {
	st := s.Stages[ps.ID]
	if ps.IterID < 0 || ps.IterID >= len(st.Iters) {
		panic(fmt.Errorf("loopstate: rfactor: stage %d has no iterator %d", ps.ID, ps.IterID))
	}
	chosen := st.Iters[ps.IterID]
	if chosen.Kind != IterReduce {
		panic(fmt.Errorf("loopstate: rfactor: stage %d iterator %q is not a reduction", ps.ID, chosen.Name))
	}
	base := st.Op

	var spatial, reduce []Iterator
	for i, it := range st.Iters {
		if i == ps.IterID {
			continue
		}
		if it.Kind == IterSpatial {
			spatial = append(spatial, it)
		} else {
			reduce = append(reduce, it)
		}
	}
	if ps.FactorAxis < 0 || ps.FactorAxis > len(spatial) {
		panic(fmt.Errorf("loopstate: rfactor: stage %d: factor axis %d out of range", ps.ID, ps.FactorAxis))
	}
	factored := chosen
	factored.Kind = IterSpatial

	rfIters := make([]Iterator, 0, len(st.Iters))
	rfIters = append(rfIters, spatial[:ps.FactorAxis]...)
	rfIters = append(rfIters, factored)
	rfIters = append(rfIters, spatial[ps.FactorAxis:]...)
	rfIters = append(rfIters, reduce...)

	rfAxes := make([]texpr.Axis, 0, len(rfIters))
	var rfReduce []texpr.Axis
	for _, it := range rfIters {
		ext := it.Extent
		if ext <= 0 {
			ext = 1
		}
		ax := texpr.Axis{Name: it.Name, Extent: ext, Kind: texpr.AxisSpatial}
		if it.Kind == IterReduce {
			ax.Kind = texpr.AxisReduce
			rfReduce = append(rfReduce, ax)
		} else {
			rfAxes = append(rfAxes, ax)
		}
	}
	rfOp := &texpr.Operation{
		Name:         base.Name + ".rf",
		Kind:         texpr.OpCompute,
		Axes:         rfAxes,
		Reduce:       rfReduce,
		Reads:        base.Reads,
		Calls:        base.Calls,
		FlopsPerElem: base.FlopsPerElem,
	}

	idx := make([]*texpr.Expr, 0, len(rfAxes))
	for _, ax := range rfAxes {
		idx = append(idx, texpr.AxisRef(ax.Name))
	}
	outOp := &texpr.Operation{
		Name:   base.Name,
		Kind:   texpr.OpCompute,
		Axes:   base.Axes,
		Reduce: []texpr.Axis{{Name: chosen.Name, Extent: maxInt64(chosen.Extent, 1), Kind: texpr.AxisReduce}},
		Reads:  []texpr.Access{{Producer: rfOp.Name, Indices: idx}},
	}

	rfStage := Stage{Op: rfOp, Kind: StageCompute, ComputeAt: ComputeAtRoot, Iters: rfIters}
	outStage := NewStage(outOp)
	outStage.Iters[len(outStage.Iters)-1].Extent = chosen.Extent

	s.Attach.ShiftStageIDs(ps.ID, 1)
	stages := make([]Stage, 0, len(s.Stages)+1)
	stages = append(stages, s.Stages[:ps.ID]...)
	stages = append(stages, rfStage, outStage)
	stages = append(stages, s.Stages[ps.ID+1:]...)
	s.Stages = stages
	s.NeedsReplay = true
	if chosen.Extent <= 0 {
		s.Concrete = false
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// AnnotationStep marks one iterator parallel, vectorized, unrolled or
// tensorized.
type AnnotationStep struct {
	ID     int
	IterID int
	Ann    Annotation
}

func (ps *AnnotationStep) Kind() StepKind { return StepAnnotation }
func (ps *AnnotationStep) Stage() int     { return ps.ID }

func (ps *AnnotationStep) apply(s *State) {
	st := &s.Stages[ps.ID]
	if ps.IterID < 0 || ps.IterID >= len(st.Iters) {
		panic(fmt.Errorf("loopstate: annotate: stage %d has no iterator %d", ps.ID, ps.IterID))
	}
	if st.Iters[ps.IterID].Ann != AnnNone {
		panic(fmt.Errorf("loopstate: annotate: stage %d iterator %q already annotated %v",
			ps.ID, st.Iters[ps.IterID].Name, st.Iters[ps.IterID].Ann))
	}
	st.Iters[ps.IterID].Ann = ps.Ann
}

// PragmaStep attaches a lowering pragma string to one iterator.
type PragmaStep struct {
	ID     int
	IterID int
	Pragma string
}

func (ps *PragmaStep) Kind() StepKind { return StepPragma }
func (ps *PragmaStep) Stage() int     { return ps.ID }

func (ps *PragmaStep) apply(s *State) {
	st := &s.Stages[ps.ID]
	if ps.IterID < 0 || ps.IterID >= len(st.Iters) {
		panic(fmt.Errorf("loopstate: pragma: stage %d has no iterator %d", ps.ID, ps.IterID))
	}
	st.Pragmas = append(st.Pragmas, IterPragma{IterID: ps.IterID, Pragma: ps.Pragma})
}
