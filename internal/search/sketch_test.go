package search

import (
	"testing"

	"strata/internal/cdag"
	"strata/internal/costmodel"
	"strata/internal/loopstate"
	"strata/internal/task"
	"strata/internal/texpr"
)

func newTestPolicy(t *testing.T, workload string, seed int64, args ...int64) *SketchPolicy {
	t.Helper()
	dag, err := cdag.BuildWorkload(workload, args)
	if err != nil {
		t.Fatalf("BuildWorkload(%q): %v", workload, err)
	}
	hw := task.DefaultHardwareParams()
	st := task.NewSearchTask(dag, "cpu", hw)
	return NewSketchPolicy(st, costmodel.NewRandomModel(seed), task.DefaultParams(), seed, 0)
}

func sketchRecords(p *SketchPolicy, sketches []*loopstate.State) []string {
	out := make([]string, len(sketches))
	for i, s := range sketches {
		out[i] = p.Task.DAG.RecordString(s)
	}
	return out
}

func hasStepKind(s *loopstate.State, kind loopstate.StepKind) bool {
	for _, step := range s.Steps {
		if step.Kind() == kind {
			return true
		}
	}
	return false
}

func TestMatmulSketches(t *testing.T) {
	p := newTestPolicy(t, "matmul", 0, 1024, 1024, 1024)
	sketches := p.GenerateSketches()
	if len(sketches) != 2 {
		t.Fatalf("matmul sketch count = %d, want 2", len(sketches))
	}

	var withCache, without int
	for _, s := range sketches {
		if hasStepKind(s, loopstate.StepCacheWrite) {
			withCache++
		} else {
			without++
		}
		if !hasStepKind(s, loopstate.StepSplit) {
			t.Fatalf("every matmul sketch must be tiled")
		}
	}
	if withCache != 1 || without != 1 {
		t.Fatalf("sketch mix = %d cache / %d plain, want 1/1", withCache, without)
	}
}

func TestSketchGenerationDeterministic(t *testing.T) {
	a := newTestPolicy(t, "matmul", 0, 512, 512, 512)
	b := newTestPolicy(t, "matmul", 7, 512, 512, 512)

	recA := sketchRecords(a, a.GenerateSketches())
	recB := sketchRecords(b, b.GenerateSketches())
	if len(recA) != len(recB) {
		t.Fatalf("sketch counts differ: %d vs %d", len(recA), len(recB))
	}
	for i := range recA {
		if recA[i] != recB[i] {
			t.Fatalf("sketch %d differs between runs:\n%s\nvs\n%s", i, recA[i], recB[i])
		}
	}
}

func TestElemwiseSketchInlines(t *testing.T) {
	p := newTestPolicy(t, "elemwise", 0, 1024)
	sketches := p.GenerateSketches()
	if len(sketches) != 1 {
		t.Fatalf("elemwise sketch count = %d, want 1", len(sketches))
	}
	s := sketches[0]
	if s.Stages[1].ComputeAt != loopstate.ComputeAtInlined {
		t.Fatalf("add stage should be inlined")
	}
	if s.Stages[2].ComputeAt != loopstate.ComputeAtRoot {
		t.Fatalf("relu stage should stay at root")
	}
}

func TestRowSumSketchesIncludeRfactor(t *testing.T) {
	p := newTestPolicy(t, "rowsum", 0, 1024, 1024)
	sketches := p.GenerateSketches()
	if len(sketches) != 3 {
		t.Fatalf("rowsum sketch count = %d, want 3", len(sketches))
	}

	rfactored := 0
	for _, s := range sketches {
		if hasStepKind(s, loopstate.StepRfactor) {
			rfactored++
		}
	}
	if rfactored != 2 {
		t.Fatalf("rfactor variants = %d, want 2", rfactored)
	}
}

func TestRfactorSplitLengthsCleared(t *testing.T) {
	p := newTestPolicy(t, "rowsum", 0, 1024, 1024)
	for _, s := range p.GenerateSketches() {
		for i, step := range s.Steps {
			if step.Kind() != loopstate.StepRfactor {
				continue
			}
			split, ok := s.Steps[i-1].(*loopstate.SplitStep)
			if !ok {
				t.Fatalf("rfactor not preceded by a split")
			}
			if split.AllDefined() {
				t.Fatalf("split before rfactor should have unfilled lengths, got %v", split.Lengths)
			}
		}
	}
}

func TestConvBiasSketchesFuse(t *testing.T) {
	p := newTestPolicy(t, "conv2d_bias", 0)
	sketches := p.GenerateSketches()
	if len(sketches) != 3 {
		t.Fatalf("conv+bias sketch count = %d, want 3", len(sketches))
	}

	fused := 0
	for _, s := range sketches {
		for _, step := range s.Steps {
			if ca, ok := step.(*loopstate.ComputeAtStep); ok && ca.ID == 3 && ca.TargetID == 4 {
				fused++
			}
		}
	}
	if fused != 2 {
		t.Fatalf("fusion variants = %d, want 2 (levels 1 and 2)", fused)
	}
}

func TestSketchReplayInvariant(t *testing.T) {
	for _, workload := range []string{"matmul", "matmul_bias", "rowsum", "elemwise", "conv2d_bias"} {
		p := newTestPolicy(t, workload, 0)
		for si, s := range p.GenerateSketches() {
			replayed := loopstate.Replay(p.Task.DAG.InitState(), s.Steps)
			if len(replayed.Stages) != len(s.Stages) {
				t.Fatalf("%s sketch %d: replay stage count %d != %d", workload, si, len(replayed.Stages), len(s.Stages))
			}
			for i := range s.Stages {
				if replayed.Stages[i].Op.Name != s.Stages[i].Op.Name {
					t.Fatalf("%s sketch %d: stage %d op %q != %q", workload, si,
						i, replayed.Stages[i].Op.Name, s.Stages[i].Op.Name)
				}
				if replayed.Stages[i].ComputeAt != s.Stages[i].ComputeAt {
					t.Fatalf("%s sketch %d: stage %d placement differs", workload, si, i)
				}
				for j := range s.Stages[i].Iters {
					if replayed.Stages[i].Iters[j] != s.Stages[i].Iters[j] {
						t.Fatalf("%s sketch %d: stage %d iter %d differs", workload, si, i, j)
					}
				}
			}
			if err := s.Attach.Check(); err != nil {
				t.Fatalf("%s sketch %d: attach map: %v", workload, si, err)
			}
			for stage, key := range s.Attach.StageToIter {
				if replayed.Attach.StageToIter[stage] != key {
					t.Fatalf("%s sketch %d: attach entry for stage %d differs", workload, si, stage)
				}
			}
		}
	}
}

func TestSinglePlaceholderTrivialSketch(t *testing.T) {
	dag, err := cdag.New([]*texpr.Operation{texpr.Placeholder("A", 64, 64)})
	if err != nil {
		t.Fatalf("cdag.New: %v", err)
	}
	st := task.NewSearchTask(dag, "cpu", task.DefaultHardwareParams())
	p := NewSketchPolicy(st, costmodel.NewRandomModel(0), task.DefaultParams(), 0, 0)

	sketches := p.GenerateSketches()
	if len(sketches) != 1 {
		t.Fatalf("sketch count = %d, want 1", len(sketches))
	}
	if len(sketches[0].Steps) != 0 {
		t.Fatalf("trivial sketch should have no steps, got %d", len(sketches[0].Steps))
	}
}
