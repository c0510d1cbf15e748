package search

import (
	"strconv"

	"strata/internal/loopstate"
	"strata/internal/task"
	"strata/internal/texpr"
	"strata/internal/trace"
)

// ConditionKind is the verdict of a sketch rule for a (state, stage) pair.
type ConditionKind uint8

const (
	// CondPass skips this rule.
	CondPass ConditionKind = iota
	// CondApply applies this rule and keeps trying the rest.
	CondApply
	// CondApplyAndSkipRest applies this rule and stops rule iteration for
	// the pair.
	CondApplyAndSkipRest
)

// StateStage is one enumeration frontier entry: a state plus the stage the
// enumerator will process next.
type StateStage struct {
	State   *loopstate.State
	StageID int
}

// SketchRule conditionally expands a (state, stage) pair into successors.
// The rule set is closed and fixed at policy construction.
type SketchRule interface {
	MeetCondition(p *SketchPolicy, s *loopstate.State, stageID int) ConditionKind
	Apply(p *SketchPolicy, s *loopstate.State, stageID int) []StateStage
}

func shouldAlwaysBeInlined(p *SketchPolicy, s *loopstate.State, stageID int) bool {
	st := &s.Stages[stageID]
	if st.Kind == loopstate.StagePlaceholder {
		return false
	}
	if p.Task.DAG.Analyzer.IsOutput(st.Op) || st.HasReduceIter() {
		return false
	}
	return st.Op.HasAttr(texpr.AttrAlwaysComputeInline) ||
		p.Task.DAG.Analyzer.IsStrictInlinable(st.Op)
}

// ruleAlwaysInline inlines simple elementwise ops.
type ruleAlwaysInline struct{}

func (ruleAlwaysInline) MeetCondition(p *SketchPolicy, s *loopstate.State, stageID int) ConditionKind {
	if shouldAlwaysBeInlined(p, s, stageID) {
		return CondApplyAndSkipRest
	}
	return CondPass
}

func (ruleAlwaysInline) Apply(p *SketchPolicy, s *loopstate.State, stageID int) []StateStage {
	tmp := s.Clone()
	tmp.ComputeInline(stageID)
	return []StateStage{{State: tmp, StageID: stageID - 1}}
}

// ruleSkipStage leaves the stage as is.
type ruleSkipStage struct{}

func (ruleSkipStage) MeetCondition(p *SketchPolicy, s *loopstate.State, stageID int) ConditionKind {
	return CondApply
}

func (ruleSkipStage) Apply(p *SketchPolicy, s *loopstate.State, stageID int) []StateStage {
	return []StateStage{{State: s, StageID: stageID - 1}}
}

// ruleMultiLevelTiling tiles compute-intensive stages by the structure
// string. Leaving such a stage unscheduled is never competitive, so the
// skip rule must not fire after it.
type ruleMultiLevelTiling struct{}

func (ruleMultiLevelTiling) MeetCondition(p *SketchPolicy, s *loopstate.State, stageID int) ConditionKind {
	if p.Task.DAG.Analyzer.NeedsMultiLevelTiling(s.Stages[stageID].Op) {
		return CondApplyAndSkipRest
	}
	return CondPass
}

func (ruleMultiLevelTiling) Apply(p *SketchPolicy, s *loopstate.State, stageID int) []StateStage {
	tmp := s.Clone()
	doMultiLevelTiling(tmp, stageID, p.Params.String(task.KeyCPUStructure, "SSRSRS"))
	return []StateStage{{State: tmp, StageID: stageID - 1}}
}

// ruleMultiLevelTilingWithFusion tiles the stage and fuses it into its
// single elementwise-matched consumer, one variant per candidate tile level.
type ruleMultiLevelTilingWithFusion struct{}

func (ruleMultiLevelTilingWithFusion) MeetCondition(p *SketchPolicy, s *loopstate.State, stageID int) ConditionKind {
	if !p.Task.DAG.Analyzer.NeedsMultiLevelTiling(s.Stages[stageID].Op) {
		return CondPass
	}
	if _, ok := p.hasSingleElementwiseMatchedConsumer(s, stageID); !ok {
		return CondPass
	}
	// A cache-write stage exists exactly to be fused into its consumer.
	if hasCacheWriteStage(s, stageID) {
		return CondApplyAndSkipRest
	}
	return CondApply
}

func (ruleMultiLevelTilingWithFusion) Apply(p *SketchPolicy, s *loopstate.State, stageID int) []StateStage {
	targetID, ok := p.hasSingleElementwiseMatchedConsumer(s, stageID)
	if !ok {
		return nil
	}
	structure := p.Params.String(task.KeyCPUStructure, "SSRSRS")
	base := s.Clone()
	doMultiLevelTiling(base, stageID, structure)

	// A cache-write copy-out is memory-bound: the attachment depth barely
	// matters, so only the innermost candidate level is emitted for it.
	// Real consumers get one variant per level.
	levels := []int{1, 2}
	if hasCacheWriteStage(s, stageID) {
		levels = []int{2}
	}

	var ret []StateStage
	for _, level := range levels {
		if level-1 >= len(structure) || structure[level-1] != 'S' {
			continue
		}
		tmp := base.Clone()
		targetIter := followTiling(tmp, targetID, level)
		tmp.ComputeAt(stageID, targetID, targetIter)
		ret = append(ret, StateStage{State: tmp, StageID: stageID - 1})
	}
	return ret
}

// ruleAddCacheWrite adds a cache stage for compute-intensive stages that
// have no elementwise consumer to fuse into.
type ruleAddCacheWrite struct{}

func (ruleAddCacheWrite) MeetCondition(p *SketchPolicy, s *loopstate.State, stageID int) ConditionKind {
	st := &s.Stages[stageID]
	if st.Op.HasAttr(texpr.AttrNoCacheWrite) {
		return CondPass
	}
	if !p.Task.DAG.Analyzer.NeedsMultiLevelTiling(st.Op) {
		return CondPass
	}
	if _, ok := p.hasSingleElementwiseMatchedConsumer(s, stageID); ok {
		return CondPass
	}
	return CondApply
}

func (ruleAddCacheWrite) Apply(p *SketchPolicy, s *loopstate.State, stageID int) []StateStage {
	tmp := s.Clone()
	tmp.CacheWrite(stageID, "local")
	// Reprocess the same id: it now addresses the new cache stage.
	return []StateStage{{State: tmp, StageID: stageID}}
}

// ruleAddRfactor factors the fused reduction, with and without moving the
// factored axis innermost for vectorization.
type ruleAddRfactor struct{}

func (ruleAddRfactor) MeetCondition(p *SketchPolicy, s *loopstate.State, stageID int) ConditionKind {
	if p.needsRfactor(s, stageID) && !hasCacheWriteStage(s, stageID) {
		return CondApply
	}
	return CondPass
}

func (ruleAddRfactor) Apply(p *SketchPolicy, s *loopstate.State, stageID int) []StateStage {
	base := s.Clone()
	fusedID, numSpatial := fuseAllReductionIterators(base, stageID)
	splitIDs := base.Split(stageID, fusedID, []int64{1}, true)

	var ret []StateStage
	for variant, splitIter := range splitIDs {
		tmp := base.Clone()
		rstage := tmp.Rfactor(stageID, splitIter, numSpatial)

		if variant == 1 {
			// Move the factored axis innermost so it can be vectorized.
			iters := tmp.Stages[rstage].Iters
			order := make([]int, 0, len(iters))
			for i := range iters {
				if i != numSpatial {
					order = append(order, i)
				}
			}
			order = append(order, numSpatial)
			tmp.Reorder(rstage, order)
		}
		ret = append(ret, StateStage{State: tmp, StageID: rstage - 1})
	}
	return ret
}

// defaultSketchRules returns the CPU rule set. Order matters: rules that
// apply-and-skip must come before the ones they preempt. Tensor-core and
// tensorize rules are extension points, deliberately absent here.
func defaultSketchRules() []SketchRule {
	return []SketchRule{
		ruleAlwaysInline{},
		ruleAddRfactor{},
		ruleAddCacheWrite{},
		ruleMultiLevelTilingWithFusion{},
		ruleMultiLevelTiling{},
		ruleSkipStage{},
	}
}

// GenerateSketches enumerates the high-level sketches of the task by walking
// stages from the last id down to -1 and multiplying states across the
// applicable rules. The result is deterministic for a fixed DAG and rule
// order, and is cached for the policy's lifetime.
func (p *SketchPolicy) GenerateSketches() []*loopstate.State {
	if p.sketchCache != nil {
		return p.sketchCache
	}
	done := trace.Span(p.Tracer, trace.ScopePhase, "generate-sketches")

	init := p.Task.DAG.InitState()
	curStageID := map[*loopstate.State]int{init: len(init.Stages) - 1}

	// Two ping-pong buffers avoid reallocating the frontier each level.
	pnow := []*loopstate.State{init}
	var pnext []*loopstate.State
	var out []*loopstate.State

	for len(pnow) > 0 {
		pnext = pnext[:0]
		for _, state := range pnow {
			stageID := curStageID[state]

			if stageID < 0 {
				out = append(out, state)
				continue
			}

			for _, rule := range p.sketchRules {
				cond := rule.MeetCondition(p, state, stageID)
				if cond == CondPass {
					continue
				}
				for _, pair := range rule.Apply(p, state, stageID) {
					curStageID[pair.State] = pair.StageID
					pnext = append(pnext, pair.State)
				}
				if cond == CondApplyAndSkipRest {
					break
				}
			}
		}
		pnow, pnext = pnext, pnow
	}

	// Clear the tile lengths of the split feeding every rfactor so the init
	// pass samples them. The split needed a concrete length while the
	// rfactor applied, but the right moment to choose it is after.
	for i, state := range out {
		rewritten := false
		steps := state.Steps
		for stepID := 1; stepID < len(steps); stepID++ {
			if _, ok := steps[stepID].(*loopstate.RfactorStep); !ok {
				continue
			}
			split, ok := steps[stepID-1].(*loopstate.SplitStep)
			if !ok {
				continue
			}
			if !rewritten {
				steps = append([]loopstate.Step(nil), steps...)
				rewritten = true
			}
			steps[stepID-1] = &loopstate.SplitStep{
				ID:           split.ID,
				IterID:       split.IterID,
				Extent:       split.Extent,
				Lengths:      make([]int64, len(split.Lengths)),
				InnerToOuter: split.InnerToOuter,
			}
		}
		if rewritten {
			out[i] = loopstate.Replay(p.Task.DAG.InitState(), steps)
		}
	}

	done(countNote(len(out)))
	p.sketchCache = out
	return out
}

func countNote(n int) string { return "#s: " + strconv.Itoa(n) }
