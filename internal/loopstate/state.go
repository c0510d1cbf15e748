// Package loopstate models a schedule under construction: a value-typed
// snapshot of per-stage loop nests plus the append-only transform history
// that produced it. States are never mutated after being observed by the
// search; successors are built by cloning and applying further steps, and
// replaying the history from the initial state always reproduces the
// snapshot exactly.
package loopstate

import (
	"fmt"

	"strata/internal/texpr"
)

// State is a schedule snapshot.
type State struct {
	Stages []Stage
	Steps  []Step
	Attach AttachMap

	// Concrete is true while every iterator extent is known.
	Concrete bool

	// NeedsReplay is set by cache/rfactor steps: the stage list now contains
	// operations that do not exist in the original DAG, so lowering requires
	// replaying the history into a fresh DAG first.
	NeedsReplay bool

	// inferMode suppresses the extent clearing of compute_at/compute_root so
	// that a bound-inference replay can reconstruct standalone extents.
	inferMode bool
}

// NewState builds the initial state for an operation list: one root stage
// per operation, no transform steps.
func NewState(ops []*texpr.Operation) *State {
	s := &State{Attach: NewAttachMap(), Concrete: true}
	for _, op := range ops {
		s.Stages = append(s.Stages, NewStage(op))
	}
	return s
}

// Clone returns a copy safe to mutate independently. Stage and attach data
// are deep-copied; the step history shares its backing array with the parent
// (it is append-only, and the full-capacity clamp forces the first append to
// reallocate).
func (s *State) Clone() *State {
	out := &State{
		Stages:      make([]Stage, len(s.Stages)),
		Steps:       s.Steps[:len(s.Steps):len(s.Steps)],
		Attach:      s.Attach.clone(),
		Concrete:    s.Concrete,
		NeedsReplay: s.NeedsReplay,
	}
	for i := range s.Stages {
		out.Stages[i] = s.Stages[i].clone()
	}
	return out
}

// Replay applies steps to a clone of init and returns the result. The
// initial state is not modified.
func Replay(init *State, steps []Step) *State {
	s := init.Clone()
	s.Steps = s.Steps[:0:0]
	for _, step := range steps {
		step.apply(s)
		s.Steps = append(s.Steps, step)
	}
	return s
}

// InferReplay replays steps with extent clearing suppressed: attached stages
// keep the extents derived from their own history. Bound inference builds on
// this and then pins the outer extents shared with the attach target.
func InferReplay(init *State, steps []Step) *State {
	s := init.Clone()
	s.Steps = s.Steps[:0:0]
	s.inferMode = true
	for _, step := range steps {
		step.apply(s)
		s.Steps = append(s.Steps, step)
	}
	s.inferMode = false
	s.Concrete = s.AllExtentsKnown()
	return s
}

func (s *State) checkStage(id int, what string) {
	if id < 0 || id >= len(s.Stages) {
		panic(fmt.Errorf("loopstate: %s: no stage %d (have %d)", what, id, len(s.Stages)))
	}
}

func (s *State) push(step Step) {
	step.apply(s)
	s.Steps = append(s.Steps, step)
}

// Split replaces an iterator with len(lengths)+1 nested iterators whose
// extents multiply to the original extent. Entries of 0 are tile sizes to be
// filled later. Returns the ids of the new iterators, outermost first.
func (s *State) Split(stageID, iterID int, lengths []int64, innerToOuter bool) []int {
	s.checkStage(stageID, "split")
	extent := int64(0)
	if iterID >= 0 && iterID < len(s.Stages[stageID].Iters) {
		extent = s.Stages[stageID].Iters[iterID].Extent
	}
	s.push(&SplitStep{
		ID:           stageID,
		IterID:       iterID,
		Extent:       extent,
		Lengths:      append([]int64(nil), lengths...),
		InnerToOuter: innerToOuter,
	})
	ids := make([]int, len(lengths)+1)
	for i := range ids {
		ids[i] = iterID + i
	}
	return ids
}

// Fuse merges a contiguous run of iterators; returns the fused iterator id.
func (s *State) Fuse(stageID int, iterIDs []int) int {
	s.checkStage(stageID, "fuse")
	s.push(&FuseStep{ID: stageID, IterIDs: append([]int(nil), iterIDs...)})
	return iterIDs[0]
}

// Reorder permutes the stage's iterators; order lists old indices in their
// new positions and must cover every iterator.
func (s *State) Reorder(stageID int, order []int) {
	s.checkStage(stageID, "reorder")
	s.push(&ReorderStep{ID: stageID, Order: append([]int(nil), order...)})
}

// ComputeAt attaches the stage at an iterator of a consumer stage.
func (s *State) ComputeAt(stageID, targetID, targetIter int) {
	s.checkStage(stageID, "compute_at")
	s.checkStage(targetID, "compute_at target")
	s.push(&ComputeAtStep{ID: stageID, TargetID: targetID, TargetIter: targetIter})
}

// ComputeRoot moves the stage back to the schedule root.
func (s *State) ComputeRoot(stageID int) {
	s.checkStage(stageID, "compute_root")
	s.push(&ComputeRootStep{ID: stageID})
}

// ComputeInline inlines the stage into its consumers.
func (s *State) ComputeInline(stageID int) {
	s.checkStage(stageID, "compute_inline")
	s.push(&ComputeInlineStep{ID: stageID})
}

// CacheWrite adds a scoped cache stage for the stage's computation; returns
// the id of the new cache stage.
func (s *State) CacheWrite(stageID int, scope string) int {
	s.checkStage(stageID, "cache_write")
	s.push(&CacheWriteStep{ID: stageID, Scope: scope})
	return stageID
}

// CacheRead adds a scoped cache of the stage's output for the given reader
// stages; returns the id of the new cache stage.
func (s *State) CacheRead(stageID int, scope string, readers []int) int {
	s.checkStage(stageID, "cache_read")
	s.push(&CacheReadStep{ID: stageID, Scope: scope, Readers: append([]int(nil), readers...)})
	return stageID + 1
}

// Rfactor factors the chosen reduction iterator out into a new parallelizable
// stage; returns the id of the new stage.
func (s *State) Rfactor(stageID, iterID, factorAxis int) int {
	s.checkStage(stageID, "rfactor")
	s.push(&RfactorStep{ID: stageID, IterID: iterID, FactorAxis: factorAxis})
	return stageID
}

// Parallel marks an iterator for parallel execution.
func (s *State) Parallel(stageID, iterID int) { s.annotate(stageID, iterID, AnnParallel) }

// Vectorize marks an iterator for vectorization.
func (s *State) Vectorize(stageID, iterID int) { s.annotate(stageID, iterID, AnnVectorize) }

// Unroll marks an iterator for unrolling.
func (s *State) Unroll(stageID, iterID int) { s.annotate(stageID, iterID, AnnUnroll) }

// Tensorize marks an iterator for tensorization. The lowering contract for
// tensorized loops is an extension point; the search core only records it.
func (s *State) Tensorize(stageID, iterID int) { s.annotate(stageID, iterID, AnnTensorize) }

func (s *State) annotate(stageID, iterID int, ann Annotation) {
	s.checkStage(stageID, "annotate")
	s.push(&AnnotationStep{ID: stageID, IterID: iterID, Ann: ann})
}

// Pragma attaches a lowering pragma to an iterator.
func (s *State) Pragma(stageID, iterID int, pragma string) {
	s.checkStage(stageID, "pragma")
	s.push(&PragmaStep{ID: stageID, IterID: iterID, Pragma: pragma})
}

// StageIDByName returns the index of the stage whose op has the given name.
func (s *State) StageIDByName(name string) (int, bool) {
	for i := range s.Stages {
		if s.Stages[i].Op.Name == name {
			return i, true
		}
	}
	return 0, false
}

// AttachedAt reports whether any stage is attached at (stage, iter).
func (s *State) AttachedAt(stageID, iterID int) bool {
	_, ok := s.Attach.IterToStages[IterKey{Stage: stageID, Iter: iterID}]
	return ok
}

// AllExtentsKnown recomputes the concrete flag from the current iterators of
// non-inlined stages.
func (s *State) AllExtentsKnown() bool {
	for i := range s.Stages {
		if s.Stages[i].ComputeAt == ComputeAtInlined {
			continue
		}
		for _, it := range s.Stages[i].Iters {
			if !it.Known() {
				return false
			}
		}
	}
	return true
}
