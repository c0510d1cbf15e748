// Package measure defines the measurement contract between the search
// policy and an execution backend, plus a deterministic local simulator used
// when no hardware runner is attached.
package measure

import (
	"context"
	"time"

	"strata/internal/loopstate"
	"strata/internal/task"
)

// MaxCost is the sentinel cost recorded for failed measurements. The cost
// model treats it as a very bad observation rather than an error.
const MaxCost = 1e10

// ErrorKind classifies a measurement failure.
type ErrorKind uint8

const (
	// ErrNone means the measurement succeeded.
	ErrNone ErrorKind = iota
	// ErrBuild means the schedule failed to build.
	ErrBuild
	// ErrRun means the built program failed or crashed while running.
	ErrRun
	// ErrCancelled means the caller cancelled the measurement batch.
	ErrCancelled
)

// String returns the string representation of ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case ErrNone:
		return "ok"
	case ErrBuild:
		return "build-error"
	case ErrRun:
		return "run-error"
	case ErrCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MeasureInput pairs a task with one candidate state.
type MeasureInput struct {
	Task  *task.SearchTask
	State *loopstate.State
}

// MeasureResult reports the measured costs of one candidate, in input order
// within a batch.
type MeasureResult struct {
	Costs    []float64 // seconds per repeat; MaxCost on failure
	Error    ErrorKind
	ErrorMsg string
	AllCost  time.Duration // wall time spent measuring, including overhead
}

// MeanCost returns the mean of the measured costs, or MaxCost for an empty
// or failed result.
func (r MeasureResult) MeanCost() float64 {
	if r.Error != ErrNone || len(r.Costs) == 0 {
		return MaxCost
	}
	sum := 0.0
	for _, c := range r.Costs {
		sum += c
	}
	return sum / float64(len(r.Costs))
}

// Runner executes a batch of candidates and returns results in input order.
// Implementations may parallelize internally; the call is synchronous from
// the policy's perspective.
type Runner interface {
	Run(ctx context.Context, inputs []MeasureInput) []MeasureResult
}

// ProgramMeasurer coordinates a Runner and keeps per-workload bests across
// rounds. It is accessed only from the search goroutine.
type ProgramMeasurer struct {
	Runner Runner

	// BestState, BestCost and BestCt track the best measured schedule per
	// workload key and the trial count at which it was found.
	BestState map[string]*loopstate.State
	BestCost  map[string]float64
	BestCt    map[string]int

	// Ct counts all measurements since the last Reset.
	Ct int

	// CPUTime accumulates process CPU time spent inside Measure, when the
	// platform exposes it.
	CPUTime time.Duration
}

// NewProgramMeasurer wraps a runner.
func NewProgramMeasurer(runner Runner) *ProgramMeasurer {
	m := &ProgramMeasurer{Runner: runner}
	m.Reset()
	return m
}

// Reset clears all bookkeeping.
func (m *ProgramMeasurer) Reset() {
	m.BestState = make(map[string]*loopstate.State)
	m.BestCost = make(map[string]float64)
	m.BestCt = make(map[string]int)
	m.Ct = 0
	m.CPUTime = 0
}

// Measure runs one batch and updates the per-workload bests. A cancelled
// context returns ctx.Err so the search loop can terminate with its current
// best; individual build/run failures are encoded in the results instead.
func (m *ProgramMeasurer) Measure(ctx context.Context, t *task.SearchTask, inputs []MeasureInput) ([]MeasureResult, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	cpuBefore, haveCPU := processCPUTime()
	start := time.Now()

	results := m.Runner.Run(ctx, inputs)

	elapsed := time.Since(start)
	if haveCPU {
		if cpuAfter, ok := processCPUTime(); ok {
			m.CPUTime += cpuAfter - cpuBefore
		}
	}

	for i := range results {
		if results[i].AllCost == 0 {
			results[i].AllCost = elapsed / time.Duration(len(results))
		}
		m.Ct++
		cost := results[i].MeanCost()
		key := t.WorkloadKey
		if best, ok := m.BestCost[key]; !ok || cost < best {
			m.BestCost[key] = cost
			m.BestState[key] = inputs[i].State
			m.BestCt[key] = m.Ct
		}
	}

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}
