package measure

import (
	"context"
	"testing"

	"strata/internal/cdag"
	"strata/internal/task"
)

func testTask(t *testing.T) *task.SearchTask {
	t.Helper()
	dag, err := cdag.BuildWorkload("matmul", []int64{64, 64, 64})
	if err != nil {
		t.Fatalf("BuildWorkload: %v", err)
	}
	return task.NewSearchTask(dag, "cpu", task.DefaultHardwareParams())
}

func TestMeanCost(t *testing.T) {
	ok := MeasureResult{Costs: []float64{2, 4}}
	if got := ok.MeanCost(); got != 3 {
		t.Fatalf("mean cost = %v, want 3", got)
	}
	failed := MeasureResult{Costs: []float64{1}, Error: ErrRun}
	if got := failed.MeanCost(); got != MaxCost {
		t.Fatalf("failed mean cost = %v, want sentinel %v", got, MaxCost)
	}
	empty := MeasureResult{}
	if got := empty.MeanCost(); got != MaxCost {
		t.Fatalf("empty mean cost = %v, want sentinel %v", got, MaxCost)
	}
}

func TestSimRunnerDeterministic(t *testing.T) {
	st := testTask(t)
	s := st.DAG.InitState()
	s.Split(2, 0, []int64{8}, true)
	s.Parallel(2, 0)
	inputs := []MeasureInput{{Task: st, State: s}}

	r := &SimRunner{Repeats: 2}
	a := r.Run(context.Background(), inputs)
	b := r.Run(context.Background(), inputs)
	if len(a) != 1 || len(a[0].Costs) != 2 {
		t.Fatalf("unexpected result shape: %+v", a)
	}
	if a[0].MeanCost() != b[0].MeanCost() {
		t.Fatalf("simulator is not deterministic: %v vs %v", a[0].MeanCost(), b[0].MeanCost())
	}
}

func TestSimRunnerRewardsParallelism(t *testing.T) {
	st := testTask(t)

	serial := st.DAG.InitState()
	parallel := st.DAG.InitState()
	parallel.Parallel(2, 0)

	r := &SimRunner{}
	res := r.Run(context.Background(), []MeasureInput{
		{Task: st, State: serial},
		{Task: st, State: parallel},
	})
	if res[1].MeanCost() >= res[0].MeanCost() {
		t.Fatalf("parallel schedule cost %v should be below serial %v", res[1].MeanCost(), res[0].MeanCost())
	}
}

func TestProgramMeasurerTracksBest(t *testing.T) {
	st := testTask(t)
	m := NewProgramMeasurer(&SimRunner{})

	a := st.DAG.InitState()
	a.Split(2, 0, []int64{8}, true)
	b := st.DAG.InitState()
	b.Split(2, 0, []int64{8}, true)
	b.Parallel(2, 0)
	b.Vectorize(2, 2)

	results, err := m.Measure(context.Background(), st, []MeasureInput{
		{Task: st, State: a},
		{Task: st, State: b},
	})
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("result count = %d, want 2", len(results))
	}
	if m.Ct != 2 {
		t.Fatalf("measurement count = %d, want 2", m.Ct)
	}

	best, ok := m.BestState[st.WorkloadKey]
	if !ok {
		t.Fatalf("no best state recorded")
	}
	wantCost := results[0].MeanCost()
	if results[1].MeanCost() < wantCost {
		wantCost = results[1].MeanCost()
	}
	if m.BestCost[st.WorkloadKey] != wantCost {
		t.Fatalf("best cost = %v, want %v", m.BestCost[st.WorkloadKey], wantCost)
	}
	if best != a && best != b {
		t.Fatalf("best state is neither input")
	}
}

func TestMeasureCancelledContext(t *testing.T) {
	st := testTask(t)
	m := NewProgramMeasurer(&SimRunner{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Measure(ctx, st, []MeasureInput{{Task: st, State: st.DAG.InitState()}})
	if err == nil {
		t.Fatalf("cancelled measurement should surface the context error")
	}
}
