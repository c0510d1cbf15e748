package loopstate

import (
	"testing"

	"strata/internal/texpr"
)

func matmulState(n, m, k int64) *State {
	return NewState(texpr.Matmul(n, m, k))
}

func iterNames(st Stage) []string {
	names := make([]string, len(st.Iters))
	for i, it := range st.Iters {
		names[i] = it.Name
	}
	return names
}

func stagesEqual(a, b *State) bool {
	if len(a.Stages) != len(b.Stages) {
		return false
	}
	for i := range a.Stages {
		sa, sb := a.Stages[i], b.Stages[i]
		if sa.Op.Name != sb.Op.Name || sa.ComputeAt != sb.ComputeAt || len(sa.Iters) != len(sb.Iters) {
			return false
		}
		for j := range sa.Iters {
			if sa.Iters[j] != sb.Iters[j] {
				return false
			}
		}
	}
	if len(a.Attach.StageToIter) != len(b.Attach.StageToIter) {
		return false
	}
	for k, v := range a.Attach.StageToIter {
		if b.Attach.StageToIter[k] != v {
			return false
		}
	}
	return true
}

func TestSplitExtents(t *testing.T) {
	s := matmulState(64, 64, 64)
	ids := s.Split(2, 0, []int64{8, 4}, true)
	if len(ids) != 3 || ids[0] != 0 || ids[2] != 2 {
		t.Fatalf("split ids = %v, want [0 1 2]", ids)
	}
	st := s.Stages[2]
	wantNames := []string{"i.0", "i.1", "i.2", "j", "k"}
	names := iterNames(st)
	for i, want := range wantNames {
		if names[i] != want {
			t.Fatalf("iter[%d] = %q, want %q", i, names[i], want)
		}
	}
	wantExtents := []int64{2, 8, 4}
	for i, want := range wantExtents {
		if st.Iters[i].Extent != want {
			t.Fatalf("iter[%d] extent = %d, want %d", i, st.Iters[i].Extent, want)
		}
	}
	if !s.Concrete {
		t.Fatalf("state should stay concrete after a fully defined split")
	}
}

func TestSplitRounding(t *testing.T) {
	ops := texpr.Matmul(10, 10, 10)
	s := NewState(ops)

	s.Split(2, 0, []int64{4}, true)
	if got := s.Stages[2].Iters[0].Extent; got != 3 {
		t.Fatalf("outer extent = %d, want 3 (ceil(10/4))", got)
	}
	if got := s.Stages[2].Iters[1].Extent; got != 4 {
		t.Fatalf("inner extent = %d, want 4", got)
	}

	s2 := NewState(ops)
	s2.Split(2, 0, []int64{4}, false)
	if got := s2.Stages[2].Iters[0].Extent; got != 4 {
		t.Fatalf("outer extent = %d, want 4", got)
	}
	if got := s2.Stages[2].Iters[1].Extent; got != 3 {
		t.Fatalf("inner extent = %d, want 3 (ceil(10/4))", got)
	}
}

func TestSplitUnknownLengths(t *testing.T) {
	s := matmulState(64, 64, 64)
	s.Split(2, 2, []int64{0}, true)
	st := s.Stages[2]
	if st.Iters[2].Known() || st.Iters[3].Known() {
		t.Fatalf("split with unfilled lengths should leave unknown extents, got %v", st.Iters)
	}
	if s.Concrete {
		t.Fatalf("state must not be concrete with unknown extents")
	}
}

func TestFuse(t *testing.T) {
	s := matmulState(8, 8, 8)
	fused := s.Fuse(2, []int{0, 1})
	if fused != 0 {
		t.Fatalf("fused iter id = %d, want 0", fused)
	}
	st := s.Stages[2]
	if len(st.Iters) != 2 {
		t.Fatalf("iter count = %d, want 2", len(st.Iters))
	}
	if st.Iters[0].Name != "i@j" || st.Iters[0].Extent != 64 {
		t.Fatalf("fused iter = %+v, want i@j extent 64", st.Iters[0])
	}
	if st.Iters[0].Kind != IterSpatial {
		t.Fatalf("fused iter kind = %v, want spatial", st.Iters[0].Kind)
	}
}

func TestFuseNonContiguousPanics(t *testing.T) {
	s := matmulState(8, 8, 8)
	defer func() {
		if recover() == nil {
			t.Fatalf("fusing non-contiguous iterators must panic")
		}
	}()
	s.Fuse(2, []int{0, 2})
}

func TestReorder(t *testing.T) {
	s := matmulState(8, 8, 8)
	s.Reorder(2, []int{2, 0, 1})
	names := iterNames(s.Stages[2])
	want := []string{"k", "i", "j"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("iter[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestComputeAtUpdatesAttachMap(t *testing.T) {
	s := NewState(texpr.MatmulBias(16, 16, 16))
	s.ComputeAt(3, 4, 1)

	if s.Stages[3].ComputeAt != ComputeAtIter {
		t.Fatalf("compute_at kind = %v, want iter", s.Stages[3].ComputeAt)
	}
	key, ok := s.Attach.StageToIter[3]
	if !ok || key != (IterKey{Stage: 4, Iter: 1}) {
		t.Fatalf("attach entry = %v ok=%v, want {4 1}", key, ok)
	}
	for _, it := range s.Stages[3].Iters {
		if it.Known() {
			t.Fatalf("attached stage extents must be cleared, got %+v", it)
		}
	}
	if err := s.Attach.Check(); err != nil {
		t.Fatalf("attach map inconsistent: %v", err)
	}

	s.ComputeRoot(3)
	if s.Stages[3].ComputeAt != ComputeAtRoot {
		t.Fatalf("compute_root did not reset placement")
	}
	if len(s.Attach.StageToIter) != 0 {
		t.Fatalf("attach map should be empty after compute_root, got %v", s.Attach.StageToIter)
	}
}

func TestAttachMapRemapOnTargetSplit(t *testing.T) {
	s := NewState(texpr.MatmulBias(16, 16, 16))
	s.ComputeAt(3, 4, 1)
	s.Split(4, 0, []int64{4}, true)

	key := s.Attach.StageToIter[3]
	if key != (IterKey{Stage: 4, Iter: 2}) {
		t.Fatalf("attach entry after target split = %v, want {4 2}", key)
	}
	if err := s.Attach.Check(); err != nil {
		t.Fatalf("attach map inconsistent: %v", err)
	}
}

func TestComputeInline(t *testing.T) {
	s := NewState(texpr.ElemwiseChain(64))
	s.ComputeInline(1)
	if s.Stages[1].ComputeAt != ComputeAtInlined {
		t.Fatalf("stage 1 should be inlined")
	}
}

func TestCacheWrite(t *testing.T) {
	s := matmulState(16, 16, 16)
	newID := s.CacheWrite(2, "local")
	if newID != 2 {
		t.Fatalf("cache stage id = %d, want 2", newID)
	}
	if len(s.Stages) != 4 {
		t.Fatalf("stage count = %d, want 4", len(s.Stages))
	}
	cache, orig := s.Stages[2], s.Stages[3]
	if cache.Op.Name != "C.local" {
		t.Fatalf("cache op = %q, want C.local", cache.Op.Name)
	}
	if !cache.HasReduceIter() {
		t.Fatalf("cache stage must carry the reduction")
	}
	if orig.Op.Name != "C" || orig.HasReduceIter() {
		t.Fatalf("original stage should become a spatial copy-out, got %q reduce=%v", orig.Op.Name, orig.HasReduceIter())
	}
	if !s.NeedsReplay {
		t.Fatalf("cache_write must mark the state for DAG replay")
	}
}

func TestCacheWriteShiftsAttachMap(t *testing.T) {
	s := NewState(texpr.MatmulBias(16, 16, 16))
	s.ComputeAt(3, 4, 1)
	s.CacheWrite(3, "local")

	key, ok := s.Attach.StageToIter[4]
	if !ok || key != (IterKey{Stage: 5, Iter: 1}) {
		t.Fatalf("attach entry after cache_write = %v ok=%v, want {5 1}", key, ok)
	}
	if err := s.Attach.Check(); err != nil {
		t.Fatalf("attach map inconsistent: %v", err)
	}
}

func TestRfactor(t *testing.T) {
	s := NewState(texpr.RowSum(64, 64))
	s.Split(1, 1, []int64{4}, true)
	rstage := s.Rfactor(1, 1, 1)
	if rstage != 1 {
		t.Fatalf("rfactor stage id = %d, want 1", rstage)
	}
	if len(s.Stages) != 3 {
		t.Fatalf("stage count = %d, want 3", len(s.Stages))
	}

	rf := s.Stages[1]
	if rf.Op.Name != "B.rf" {
		t.Fatalf("rfactor op = %q, want B.rf", rf.Op.Name)
	}
	names := iterNames(rf)
	want := []string{"i", "j.0", "j.1"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("rf iter[%d] = %q, want %q", i, names[i], want[i])
		}
	}
	if rf.Iters[1].Kind != IterSpatial {
		t.Fatalf("factored iterator must become spatial")
	}
	if rf.Iters[2].Kind != IterReduce {
		t.Fatalf("remaining reduction must stay a reduction")
	}

	out := s.Stages[2]
	if out.Op.Name != "B" || !out.HasReduceIter() {
		t.Fatalf("original stage must reduce over the factored axis")
	}
	if out.Iters[len(out.Iters)-1].Extent != 16 {
		t.Fatalf("outer reduction extent = %d, want 16", out.Iters[len(out.Iters)-1].Extent)
	}
}

func TestReplayReproducesState(t *testing.T) {
	ops := texpr.MatmulBias(32, 32, 32)
	s := NewState(ops)
	s.Split(3, 0, []int64{8}, true)
	s.Split(3, 2, []int64{4}, true)
	s.Reorder(3, []int{0, 2, 1, 3, 4})
	s.ComputeAt(3, 4, 0)
	s.Parallel(4, 0)
	s.Pragma(3, 0, "auto_unroll_max_step$16")

	replayed := Replay(NewState(ops), s.Steps)
	if !stagesEqual(s, replayed) {
		t.Fatalf("replayed stages differ from incrementally built state")
	}
	if FormatSteps(replayed.Steps) != FormatSteps(s.Steps) {
		t.Fatalf("replayed history differs:\n%s\nvs\n%s", FormatSteps(replayed.Steps), FormatSteps(s.Steps))
	}
}

func TestCloneIsolation(t *testing.T) {
	s := matmulState(16, 16, 16)
	s.Split(2, 0, []int64{4}, true)

	child := s.Clone()
	child.Split(2, 3, []int64{4}, true)
	child.Parallel(2, 0)

	if len(s.Steps) != 1 {
		t.Fatalf("parent step count changed to %d", len(s.Steps))
	}
	if len(s.Stages[2].Iters) != 4 {
		t.Fatalf("parent iters changed: %v", iterNames(s.Stages[2]))
	}
	if s.Stages[2].Iters[0].Ann != AnnNone {
		t.Fatalf("parent annotation changed")
	}
	if len(child.Steps) != 3 {
		t.Fatalf("child step count = %d, want 3", len(child.Steps))
	}
}

func TestAnnotations(t *testing.T) {
	s := matmulState(8, 8, 8)
	s.Parallel(2, 0)
	s.Vectorize(2, 1)
	s.Unroll(2, 2)
	st := s.Stages[2]
	if st.Iters[0].Ann != AnnParallel || st.Iters[1].Ann != AnnVectorize || st.Iters[2].Ann != AnnUnroll {
		t.Fatalf("annotations = %v %v %v", st.Iters[0].Ann, st.Iters[1].Ann, st.Iters[2].Ann)
	}
}

func TestInferReplayRestoresExtents(t *testing.T) {
	ops := texpr.MatmulBias(16, 16, 16)
	s := NewState(ops)
	s.ComputeAt(3, 4, 1)

	inferred := InferReplay(NewState(ops), s.Steps)
	for _, it := range inferred.Stages[3].Iters {
		if !it.Known() {
			t.Fatalf("infer replay left unknown extent: %+v", it)
		}
	}
	if !inferred.Concrete {
		t.Fatalf("infer replay should produce a concrete state")
	}
}
