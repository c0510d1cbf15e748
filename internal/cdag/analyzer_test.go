package cdag

import (
	"testing"

	"strata/internal/texpr"
)

func mustDAG(t *testing.T, name string, args ...int64) *ComputeDAG {
	t.Helper()
	dag, err := BuildWorkload(name, args)
	if err != nil {
		t.Fatalf("BuildWorkload(%q): %v", name, err)
	}
	return dag
}

func TestAnalyzerMatmulPredicates(t *testing.T) {
	dag := mustDAG(t, "matmul", 64, 64, 64)
	a := dag.Analyzer
	c := dag.Ops[2]

	if !a.NeedsMultiLevelTiling(c) {
		t.Fatalf("matmul output should need multi-level tiling")
	}
	if a.IsStrictInlinable(c) {
		t.Fatalf("matmul output must not be strictly inlinable")
	}
	if a.IsSimpleAccess(c) {
		t.Fatalf("matmul reads use the reduction axis; access is not simple")
	}
	if !a.IsOutput(c) {
		t.Fatalf("matmul C should be an output")
	}
	if a.IsOutput(dag.Ops[0]) {
		t.Fatalf("placeholder A is consumed, not an output")
	}
}

func TestAnalyzerElemwisePredicates(t *testing.T) {
	dag := mustDAG(t, "elemwise", 128)
	a := dag.Analyzer
	add, relu := dag.Ops[1], dag.Ops[2]

	if !a.IsStrictInlinable(add) {
		t.Fatalf("add should be strictly inlinable")
	}
	if a.NeedsMultiLevelTiling(add) || a.NeedsMultiLevelTiling(relu) {
		t.Fatalf("elementwise ops never need multi-level tiling")
	}
	if !a.IsOutput(relu) || a.IsOutput(add) {
		t.Fatalf("relu is the output, add is not")
	}
}

func TestRowSumNotMultiLevelTiling(t *testing.T) {
	dag := mustDAG(t, "rowsum", 64, 64)
	if dag.Analyzer.NeedsMultiLevelTiling(dag.Ops[1]) {
		t.Fatalf("rowsum reads every spatial axis; it should not need multi-level tiling")
	}
}

func TestSoftmaxExpNotStrictInlinable(t *testing.T) {
	dag := mustDAG(t, "softmax", 16, 16)
	var exp *texpr.Operation
	for _, op := range dag.Ops {
		if op.Name == "exp" {
			exp = op
		}
	}
	if exp == nil {
		t.Fatalf("softmax has no exp op")
	}
	if dag.Analyzer.IsStrictInlinable(exp) {
		t.Fatalf("exp is expensive and must not be strictly inlinable")
	}
}

func TestConsumersProducersInverse(t *testing.T) {
	for _, workload := range []string{"matmul", "matmul_bias", "conv2d_bias", "elemwise", "softmax"} {
		dag := mustDAG(t, workload)
		s := dag.InitState()
		a := dag.Analyzer
		for i := range s.Stages {
			for _, c := range a.GetConsumers(s, i) {
				found := false
				for _, back := range a.GetProducers(s, c) {
					if back == i {
						found = true
					}
				}
				if !found {
					t.Fatalf("%s: stage %d consumes %d but producer list misses it", workload, c, i)
				}
			}
			for _, p := range a.GetProducers(s, i) {
				found := false
				for _, back := range a.GetConsumers(s, p) {
					if back == i {
						found = true
					}
				}
				if !found {
					t.Fatalf("%s: stage %d produced by %d but consumer list misses it", workload, i, p)
				}
			}
		}
	}
}

func TestConsumersSkipInlined(t *testing.T) {
	dag := mustDAG(t, "elemwise", 64)
	s := dag.InitState()
	s.ComputeInline(1)

	consumers := dag.Analyzer.GetConsumers(s, 0)
	if len(consumers) != 1 || consumers[0] != 2 {
		t.Fatalf("consumers of A with add inlined = %v, want [2]", consumers)
	}
	producers := dag.Analyzer.GetProducers(s, 2)
	if len(producers) != 1 || producers[0] != 0 {
		t.Fatalf("producers of relu with add inlined = %v, want [0]", producers)
	}
}

func TestElementWiseMatch(t *testing.T) {
	dag := mustDAG(t, "matmul_bias", 32, 32, 32)
	s := dag.InitState()
	if !dag.Analyzer.ElementWiseMatch(s, 3, 4) {
		t.Fatalf("bias add should elementwise-match the matmul")
	}
	if dag.Analyzer.ElementWiseMatch(s, 2, 4) {
		t.Fatalf("the 1-D bias tensor must not elementwise-match the 2-D output")
	}
}

func TestElementWiseMatchThroughInlined(t *testing.T) {
	dag := mustDAG(t, "elemwise", 64)
	s := dag.InitState()
	s.ComputeInline(1)
	if !dag.Analyzer.ElementWiseMatch(s, 0, 2) {
		t.Fatalf("match should propagate through the inlined add stage")
	}
}

func TestNumCommonOuterIterators(t *testing.T) {
	dag := mustDAG(t, "matmul_bias", 32, 32, 32)
	c, d := dag.Ops[3], dag.Ops[4]
	if got := dag.Analyzer.NumCommonOuterIterators(c, d); got != 2 {
		t.Fatalf("common outer iterators = %d, want 2", got)
	}

	conv := mustDAG(t, "conv2d_bias")
	ops := conv.Ops
	if got := conv.Analyzer.NumCommonOuterIterators(ops[3], ops[4]); got != 4 {
		t.Fatalf("conv/bias common outer iterators = %d, want 4", got)
	}
}
