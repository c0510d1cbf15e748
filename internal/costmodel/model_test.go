package costmodel

import (
	"math"
	"testing"

	"strata/internal/cdag"
	"strata/internal/loopstate"
	"strata/internal/task"
)

func testTaskAndStates(t *testing.T, n int) (*task.SearchTask, []*loopstate.State) {
	t.Helper()
	dag, err := cdag.BuildWorkload("matmul", []int64{64, 64, 64})
	if err != nil {
		t.Fatalf("BuildWorkload: %v", err)
	}
	st := task.NewSearchTask(dag, "cpu", task.DefaultHardwareParams())
	states := make([]*loopstate.State, n)
	for i := range states {
		states[i] = dag.InitState()
	}
	return st, states
}

func TestRandomModelScores(t *testing.T) {
	st, states := testTaskAndStates(t, 8)
	m := NewRandomModel(0)
	scores := m.Predict(st, states)
	if len(scores) != 8 {
		t.Fatalf("score count = %d, want 8", len(scores))
	}
	for i, s := range scores {
		if s < 0 || s >= 1 {
			t.Fatalf("score[%d] = %v, want [0, 1)", i, s)
		}
	}
}

func TestRandomModelDeterministic(t *testing.T) {
	st, states := testTaskAndStates(t, 4)
	a := NewRandomModel(7).Predict(st, states)
	b := NewRandomModel(7).Predict(st, states)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("equally seeded models disagree at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestSanitizeScores(t *testing.T) {
	scores := []float32{0.5, float32(math.NaN()), 0.25, float32(math.Inf(1))}
	if !SanitizeScores(scores) {
		t.Fatalf("SanitizeScores should report dirty input")
	}
	if !math.IsInf(float64(scores[1]), -1) || !math.IsInf(float64(scores[3]), -1) {
		t.Fatalf("non-finite scores should be replaced with -inf, got %v", scores)
	}
	if scores[0] != 0.5 || scores[2] != 0.25 {
		t.Fatalf("finite scores must be preserved, got %v", scores)
	}

	clean := []float32{0.1, 0.9}
	if SanitizeScores(clean) {
		t.Fatalf("clean scores reported dirty")
	}
}
