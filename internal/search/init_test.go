package search

import (
	"testing"

	"strata/internal/loopstate"
)

func TestSampleInitPopulationMatmul(t *testing.T) {
	p := newTestPolicy(t, "matmul", 0, 1024, 1024, 1024)
	sketches := p.GenerateSketches()
	pop := p.SampleInitPopulation(sketches, 50)

	if len(pop) < 45 {
		t.Fatalf("valid candidates = %d, want >= 45", len(pop))
	}

	for si, s := range pop {
		if !s.Concrete {
			t.Fatalf("candidate %d is not concrete", si)
		}
		for _, step := range s.Steps {
			split, ok := step.(*loopstate.SplitStep)
			if !ok {
				continue
			}
			if !split.AllDefined() {
				t.Fatalf("candidate %d has an unfilled split: %v", si, split.Lengths)
			}
			prod := int64(1)
			for _, l := range split.Lengths {
				prod *= l
			}
			if split.Extent > 0 && split.Extent%prod != 0 {
				t.Fatalf("candidate %d: tile product %d does not divide extent %d", si, prod, split.Extent)
			}
		}
		if err := s.Attach.Check(); err != nil {
			t.Fatalf("candidate %d attach map: %v", si, err)
		}
	}
}

func TestSampleInitPopulationDeterministic(t *testing.T) {
	a := newTestPolicy(t, "matmul", 42, 256, 256, 256)
	b := newTestPolicy(t, "matmul", 42, 256, 256, 256)

	popA := a.SampleInitPopulation(a.GenerateSketches(), 20)
	popB := b.SampleInitPopulation(b.GenerateSketches(), 20)
	if len(popA) != len(popB) {
		t.Fatalf("population sizes differ: %d vs %d", len(popA), len(popB))
	}
	for i := range popA {
		if a.Task.DAG.RecordString(popA[i]) != b.Task.DAG.RecordString(popB[i]) {
			t.Fatalf("candidate %d differs between equally seeded runs", i)
		}
	}
}

func TestSampleInitPopulationSeedSensitive(t *testing.T) {
	a := newTestPolicy(t, "matmul", 1, 256, 256, 256)
	b := newTestPolicy(t, "matmul", 2, 256, 256, 256)

	popA := a.SampleInitPopulation(a.GenerateSketches(), 20)
	popB := b.SampleInitPopulation(b.GenerateSketches(), 20)

	same := true
	for i := 0; i < min(len(popA), len(popB)); i++ {
		if a.Task.DAG.RecordString(popA[i]) != b.Task.DAG.RecordString(popB[i]) {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("different seeds produced identical populations")
	}
}

func TestElemwiseInitAnnotations(t *testing.T) {
	p := newTestPolicy(t, "elemwise", 0, 1024)
	pop := p.SampleInitPopulation(p.GenerateSketches(), 4)
	if len(pop) == 0 {
		t.Fatalf("no candidates sampled")
	}

	for si, s := range pop {
		relu := s.Stages[2]
		var parallel, vectorized bool
		var vecExtent int64
		for _, it := range relu.Iters {
			switch it.Ann {
			case loopstate.AnnParallel:
				parallel = true
			case loopstate.AnnVectorize:
				vectorized = true
				vecExtent = it.Extent
			}
		}
		if !parallel {
			t.Fatalf("candidate %d: relu has no parallel loop", si)
		}
		if !vectorized {
			t.Fatalf("candidate %d: relu has no vectorized loop", si)
		}
		if vecExtent != 16 {
			t.Fatalf("candidate %d: vectorized extent = %d, want 16", si, vecExtent)
		}
		if s.Stages[1].ComputeAt != loopstate.ComputeAtInlined {
			t.Fatalf("candidate %d: add lost its inline placement", si)
		}
	}
}

func TestRowSumInit(t *testing.T) {
	p := newTestPolicy(t, "rowsum", 0, 1024, 1024)
	pop := p.SampleInitPopulation(p.GenerateSketches(), 12)
	if len(pop) == 0 {
		t.Fatalf("no candidates sampled")
	}

	sawRfactor := false
	for si, s := range pop {
		if hasStepKind(s, loopstate.StepRfactor) {
			sawRfactor = true
			for _, step := range s.Steps {
				if split, ok := step.(*loopstate.SplitStep); ok && split.Extent == 1024 {
					prod := int64(1)
					for _, l := range split.Lengths {
						prod *= l
					}
					if 1024%prod != 0 {
						t.Fatalf("candidate %d: reduction split product %d invalid", si, prod)
					}
				}
			}
		}

		outID, ok := s.StageIDByName("B")
		if !ok {
			t.Fatalf("candidate %d has no output stage", si)
		}
		if s.Stages[outID].ComputeAt != loopstate.ComputeAtRoot {
			continue
		}
		foundParallel := false
		for _, it := range s.Stages[outID].Iters {
			if it.Ann == loopstate.AnnParallel && it.Kind == loopstate.IterSpatial {
				foundParallel = true
			}
		}
		rfID, hasRf := s.StageIDByName("B.rf")
		if !foundParallel && hasRf {
			for _, it := range s.Stages[rfID].Iters {
				if it.Ann == loopstate.AnnParallel {
					foundParallel = true
				}
			}
		}
		if !foundParallel {
			t.Fatalf("candidate %d: no parallel annotation on the reduction output", si)
		}
	}
	if !sawRfactor {
		t.Fatalf("no sampled candidate used the rfactor sketch")
	}
}

func TestSplitMemoSchemes(t *testing.T) {
	memo := newSplitFactorizationMemo()

	schemes := memo.GetFactorizationSchemes(8, 1, 4)
	want := map[int64]bool{1: false, 2: false, 4: false}
	if len(schemes) != len(want) {
		t.Fatalf("scheme count = %d, want %d", len(schemes), len(want))
	}
	for _, scheme := range schemes {
		if len(scheme) != 1 {
			t.Fatalf("scheme arity = %d, want 1", len(scheme))
		}
		if _, ok := want[scheme[0]]; !ok {
			t.Fatalf("unexpected scheme %v", scheme)
		}
		want[scheme[0]] = true
	}
	for v, seen := range want {
		if !seen {
			t.Fatalf("missing scheme [%d]", v)
		}
	}

	again := memo.GetFactorizationSchemes(8, 1, 4)
	if &again[0] != &schemes[0] {
		t.Fatalf("second lookup should hit the cache")
	}

	two := memo.GetFactorizationSchemes(12, 2, 64)
	for _, scheme := range two {
		if 12%(scheme[0]*scheme[1]) != 0 {
			t.Fatalf("scheme %v does not divide 12", scheme)
		}
	}
}
