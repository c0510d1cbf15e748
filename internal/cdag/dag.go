// Package cdag holds the scheduler's view of a computation: an immutable
// operation graph plus the static access analysis the search rules consult.
package cdag

import (
	"fmt"
	"strings"

	"strata/internal/loopstate"
	"strata/internal/texpr"
)

// ComputeDAG is an immutable operation graph in producer-before-consumer
// order, with the total FLOP count, the initial schedule state and the
// embedded access analyzer.
type ComputeDAG struct {
	Ops         []*texpr.Operation
	FlopCt      float64
	WorkloadKey string
	Analyzer    *AccessAnalyzer

	initState *loopstate.State
}

// New validates the operation list and builds the DAG. Ops must be ordered
// producers-first and every read must resolve to an earlier operation.
func New(ops []*texpr.Operation) (*ComputeDAG, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("cdag: empty operation list")
	}
	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		if _, dup := seen[op.Name]; dup {
			return nil, fmt.Errorf("cdag: duplicate operation %q", op.Name)
		}
		for _, acc := range op.Reads {
			if _, ok := seen[acc.Producer]; !ok {
				return nil, fmt.Errorf("cdag: op %q reads %q before it is defined", op.Name, acc.Producer)
			}
		}
		seen[op.Name] = struct{}{}
	}

	d := &ComputeDAG{Ops: ops, Analyzer: newAccessAnalyzer(ops)}
	for _, op := range ops {
		if op.Kind == texpr.OpCompute {
			d.FlopCt += float64(op.NumElements()) * op.FlopsPerElem
		}
	}
	d.WorkloadKey = workloadKey(ops)
	d.initState = loopstate.NewState(ops)
	return d, nil
}

func workloadKey(ops []*texpr.Operation) string {
	var b strings.Builder
	for i, op := range ops {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(op.Name)
		b.WriteByte('[')
		for j, ax := range op.Axes {
			if j > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%d", ax.Extent)
		}
		b.WriteByte(']')
		if len(op.Reduce) > 0 {
			b.WriteByte('r')
			b.WriteByte('[')
			for j, ax := range op.Reduce {
				if j > 0 {
					b.WriteByte(',')
				}
				fmt.Fprintf(&b, "%d", ax.Extent)
			}
			b.WriteByte(']')
		}
	}
	return b.String()
}

// InitState returns a private copy of the schedule-free initial state.
func (d *ComputeDAG) InitState() *loopstate.State {
	return d.initState.Clone()
}

// InferBound returns a state in which every iterator extent is known,
// derived by replaying the transform history with bound reconstruction and
// then pinning the extents an attachment makes per-tile. The result is
// stable under repeated application.
func (d *ComputeDAG) InferBound(state *loopstate.State) *loopstate.State {
	out := loopstate.InferReplay(d.initState, state.Steps)
	for stageID, key := range out.Attach.StageToIter {
		st := &out.Stages[stageID]
		if st.IsTiled() {
			// Tiled attached stages keep their own tile extents; the outer
			// levels are consumed by the target nest during lowering.
			continue
		}
		target := out.Stages[key.Stage]
		n := d.Analyzer.NumCommonOuterIterators(st.Op, target.Op)
		for i := 0; i < len(st.Iters) && n > 0; i++ {
			if st.Iters[i].Kind != loopstate.IterSpatial {
				break
			}
			st.Iters[i].Extent = 1
			n--
		}
	}
	out.Concrete = out.AllExtentsKnown()
	return out
}

// InferBoundAll applies InferBound to every state in place.
func (d *ComputeDAG) InferBoundAll(states []*loopstate.State) {
	for i, s := range states {
		states[i] = d.InferBound(s)
	}
}

// ReplayAndGetDAG materializes the DAG a transform history implies: cache
// and rfactor steps introduce operations the original DAG does not have.
// Annotation-level steps do not change the graph and are skipped.
func (d *ComputeDAG) ReplayAndGetDAG(steps []loopstate.Step) (*ComputeDAG, error) {
	structural := make([]loopstate.Step, 0, len(steps))
	for _, step := range steps {
		switch step.Kind() {
		case loopstate.StepCacheRead, loopstate.StepCacheWrite, loopstate.StepRfactor:
			structural = append(structural, step)
		}
	}
	if len(structural) == 0 {
		return d, nil
	}
	replayed := loopstate.Replay(d.initState, structural)
	ops := make([]*texpr.Operation, len(replayed.Stages))
	for i := range replayed.Stages {
		ops[i] = replayed.Stages[i].Op
	}
	return New(ops)
}

// RecordString renders a state as its canonical textual form: the workload
// key followed by the transform steps in application order. Two states are
// equal iff their record strings match after InferBound.
func (d *ComputeDAG) RecordString(state *loopstate.State) string {
	return d.WorkloadKey + "\n" + loopstate.FormatSteps(state.Steps)
}

// ParseRecord parses a canonical record produced by RecordString back into a
// replayed state. The workload key must match this DAG.
func (d *ComputeDAG) ParseRecord(record string) (*loopstate.State, error) {
	key, rest, found := strings.Cut(record, "\n")
	if !found {
		return nil, fmt.Errorf("cdag: record missing workload key line")
	}
	if key != d.WorkloadKey {
		return nil, fmt.Errorf("cdag: record workload key %q does not match %q", key, d.WorkloadKey)
	}
	steps, err := loopstate.ParseSteps(rest)
	if err != nil {
		return nil, err
	}
	return loopstate.Replay(d.initState, steps), nil
}

// PrintSteps renders a transform history as human-readable schedule
// pseudocode, resolving stage and iterator names as each step applies.
func (d *ComputeDAG) PrintSteps(steps []loopstate.Step) string {
	var b strings.Builder
	s := d.initState.Clone()
	for _, step := range steps {
		b.WriteString(describeStep(s, step))
		b.WriteByte('\n')
		s = loopstate.Replay(d.initState, append(s.Steps[:len(s.Steps):len(s.Steps)], step))
	}
	return b.String()
}

func describeStep(s *loopstate.State, step loopstate.Step) string {
	name := func(id int) string {
		if id >= 0 && id < len(s.Stages) {
			return s.Stages[id].Op.Name
		}
		return fmt.Sprintf("stage%d", id)
	}
	iterName := func(stage, iter int) string {
		if stage >= 0 && stage < len(s.Stages) && iter >= 0 && iter < len(s.Stages[stage].Iters) {
			return s.Stages[stage].Iters[iter].Name
		}
		return fmt.Sprintf("it%d", iter)
	}
	switch ps := step.(type) {
	case *loopstate.SplitStep:
		return fmt.Sprintf("split(%s, %s, lengths=%v)", name(ps.ID), iterName(ps.ID, ps.IterID), ps.Lengths)
	case *loopstate.FuseStep:
		names := make([]string, len(ps.IterIDs))
		for i, id := range ps.IterIDs {
			names[i] = iterName(ps.ID, id)
		}
		return fmt.Sprintf("fuse(%s, [%s])", name(ps.ID), strings.Join(names, ", "))
	case *loopstate.ReorderStep:
		names := make([]string, len(ps.Order))
		for i, id := range ps.Order {
			names[i] = iterName(ps.ID, id)
		}
		return fmt.Sprintf("reorder(%s, [%s])", name(ps.ID), strings.Join(names, ", "))
	case *loopstate.ComputeAtStep:
		return fmt.Sprintf("compute_at(%s, %s, %s)", name(ps.ID), name(ps.TargetID), iterName(ps.TargetID, ps.TargetIter))
	case *loopstate.ComputeRootStep:
		return fmt.Sprintf("compute_root(%s)", name(ps.ID))
	case *loopstate.ComputeInlineStep:
		return fmt.Sprintf("compute_inline(%s)", name(ps.ID))
	case *loopstate.CacheWriteStep:
		return fmt.Sprintf("%s.%s = cache_write(%s, %q)", name(ps.ID), ps.Scope, name(ps.ID), ps.Scope)
	case *loopstate.CacheReadStep:
		return fmt.Sprintf("%s.%s = cache_read(%s, %q)", name(ps.ID), ps.Scope, name(ps.ID), ps.Scope)
	case *loopstate.RfactorStep:
		return fmt.Sprintf("%s.rf = rfactor(%s, %s, axis=%d)", name(ps.ID), name(ps.ID), iterName(ps.ID, ps.IterID), ps.FactorAxis)
	case *loopstate.AnnotationStep:
		return fmt.Sprintf("%s(%s, %s)", ps.Ann, name(ps.ID), iterName(ps.ID, ps.IterID))
	case *loopstate.PragmaStep:
		return fmt.Sprintf("pragma(%s, %s, %q)", name(ps.ID), iterName(ps.ID, ps.IterID), ps.Pragma)
	default:
		return fmt.Sprintf("step(%v)", step.Kind())
	}
}

// BuildWorkload resolves a built-in workload into a DAG.
func BuildWorkload(name string, args []int64) (*ComputeDAG, error) {
	ops, err := texpr.BuildWorkload(name, args)
	if err != nil {
		return nil, err
	}
	return New(ops)
}
