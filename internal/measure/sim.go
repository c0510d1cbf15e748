package measure

import (
	"context"
	"hash/fnv"
	"strings"

	"strata/internal/loopstate"
)

// SimRunner is a deterministic stand-in for on-hardware execution: it scores
// a schedule with a crude roofline estimate adjusted by schedule features,
// plus a jitter derived from the candidate's canonical record so distinct
// schedules get distinct but reproducible costs. It exists so the search
// loop, the CLI and the tests can run end to end without a target backend.
type SimRunner struct {
	// Repeats is the number of identical cost entries per result (>=1).
	Repeats int
}

// Run implements Runner.
func (r *SimRunner) Run(ctx context.Context, inputs []MeasureInput) []MeasureResult {
	repeats := r.Repeats
	if repeats <= 0 {
		repeats = 1
	}
	results := make([]MeasureResult, len(inputs))
	for i, in := range inputs {
		select {
		case <-ctx.Done():
			results[i] = MeasureResult{Costs: []float64{MaxCost}, Error: ErrCancelled, ErrorMsg: ctx.Err().Error()}
			continue
		default:
		}
		cost := r.estimate(in)
		costs := make([]float64, repeats)
		for j := range costs {
			costs[j] = cost
		}
		results[i] = MeasureResult{Costs: costs}
	}
	return results
}

func (r *SimRunner) estimate(in MeasureInput) float64 {
	hw := in.Task.Hardware
	flops := in.Task.DAG.FlopCt
	if flops <= 0 {
		flops = 1
	}
	// Peak: num_cores lanes of vector_unit_bytes/4 float32 FMAs at 1 GHz.
	peak := float64(hw.NumCores) * float64(hw.VectorUnitBytes/4) * 2e9
	cost := flops / peak

	state := in.Task.DAG.InferBound(in.State)

	parallel, vectorized := false, false
	var vecWidth int64
	autoUnroll := false
	for si := range state.Stages {
		st := &state.Stages[si]
		if st.ComputeAt != loopstate.ComputeAtRoot {
			continue
		}
		for _, it := range st.Iters {
			switch it.Ann {
			case loopstate.AnnParallel:
				parallel = true
			case loopstate.AnnVectorize:
				vectorized = true
				if it.Extent > vecWidth {
					vecWidth = it.Extent
				}
			}
		}
		for _, pr := range st.Pragmas {
			if strings.HasPrefix(pr.Pragma, "auto_unroll_max_step") && !strings.HasSuffix(pr.Pragma, "$0") {
				autoUnroll = true
			}
		}
	}

	if !parallel {
		cost *= float64(hw.NumCores)
	}
	if !vectorized {
		cost *= 4
	} else if vecWidth < 4 || vecWidth > int64(hw.VectorUnitBytes) {
		cost *= 1.5
	}
	if autoUnroll {
		cost *= 0.9
	}

	// Reproducible jitter in [0.8, 1.25) keyed on the canonical record.
	h := fnv.New64a()
	h.Write([]byte(in.Task.DAG.RecordString(state)))
	jitter := 0.8 + 0.45*float64(h.Sum64()%(1<<20))/float64(1<<20)
	return cost * jitter
}
