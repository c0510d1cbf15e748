package cdag

import (
	"strata/internal/loopstate"
	"strata/internal/texpr"
)

// AccessAnalyzer is a static pre-pass over the DAG. It records, per
// operation pair, every multi-dimensional index tuple one uses to read the
// other, and derives the predicates the sketch rules consult. Predicates are
// also computable for operations synthesized later by cache/rfactor steps:
// the map lookups fall back to recomputing from the operation itself.
// IsOutput has no such fallback (see its comment).
type AccessAnalyzer struct {
	// ReadFrom maps a consumer op name to producer name to access lists.
	ReadFrom map[string]map[string][]texpr.Access
	// ReadBy is the inverse of ReadFrom: producer -> consumer -> accesses.
	ReadBy map[string]map[string][]texpr.Access

	numCommonOuter  map[string]map[string]int
	simpleAccess    map[string]bool
	strictInlinable map[string]bool
	multiLevelTile  map[string]bool
	output          map[string]bool

	byName map[string]*texpr.Operation
}

func newAccessAnalyzer(ops []*texpr.Operation) *AccessAnalyzer {
	a := &AccessAnalyzer{
		ReadFrom:        make(map[string]map[string][]texpr.Access, len(ops)),
		ReadBy:          make(map[string]map[string][]texpr.Access, len(ops)),
		numCommonOuter:  make(map[string]map[string]int, len(ops)),
		simpleAccess:    make(map[string]bool, len(ops)),
		strictInlinable: make(map[string]bool, len(ops)),
		multiLevelTile:  make(map[string]bool, len(ops)),
		output:          make(map[string]bool, len(ops)),
		byName:          make(map[string]*texpr.Operation, len(ops)),
	}
	for _, op := range ops {
		a.byName[op.Name] = op
		a.output[op.Name] = true
	}
	for _, op := range ops {
		for _, acc := range op.Reads {
			from := a.ReadFrom[op.Name]
			if from == nil {
				from = make(map[string][]texpr.Access, 2)
				a.ReadFrom[op.Name] = from
			}
			from[acc.Producer] = append(from[acc.Producer], acc)

			by := a.ReadBy[acc.Producer]
			if by == nil {
				by = make(map[string][]texpr.Access, 2)
				a.ReadBy[acc.Producer] = by
			}
			by[op.Name] = append(by[op.Name], acc)

			a.output[acc.Producer] = false
		}
	}
	for _, op := range ops {
		a.simpleAccess[op.Name] = computeSimpleAccess(op)
		a.strictInlinable[op.Name] = computeStrictInlinable(op)
		a.multiLevelTile[op.Name] = computeNeedsMultiLevelTiling(op)
		inner := make(map[string]int, 2)
		for prod := range a.ReadFrom[op.Name] {
			if pop, ok := a.byName[prod]; ok {
				inner[prod] = commonOuterIterators(pop, op)
			}
		}
		a.numCommonOuter[op.Name] = inner
	}
	return a
}

func computeSimpleAccess(op *texpr.Operation) bool {
	spatial := make(map[string]struct{}, len(op.Axes))
	for _, ax := range op.Axes {
		spatial[ax.Name] = struct{}{}
	}
	isSpatial := func(name string) bool {
		_, ok := spatial[name]
		return ok
	}
	for _, acc := range op.Reads {
		for _, idx := range acc.Indices {
			if !idx.Affine(isSpatial) {
				return false
			}
		}
	}
	return true
}

func computeStrictInlinable(op *texpr.Operation) bool {
	return computeSimpleAccess(op) && !op.HasBranch && !op.HasExpensiveCall()
}

// computeNeedsMultiLevelTiling detects the matmul/conv signature: the op
// reduces, and at least one input is read along fewer than all spatial output
// axes, so tiling exposes reuse.
func computeNeedsMultiLevelTiling(op *texpr.Operation) bool {
	if !op.HasReduce() {
		return false
	}
	spatial := make(map[string]struct{}, len(op.Axes))
	for _, ax := range op.Axes {
		spatial[ax.Name] = struct{}{}
	}
	for _, acc := range op.Reads {
		used := make(map[string]struct{}, len(acc.Indices))
		for _, idx := range acc.Indices {
			idx.CollectAxes(used)
		}
		usedSpatial := 0
		for name := range used {
			if _, ok := spatial[name]; ok {
				usedSpatial++
			}
		}
		if usedSpatial < len(op.Axes) {
			return true
		}
	}
	return false
}

// commonOuterIterators counts the longest prefix of consumer output axes that
// index the producer identically: same position, same name, same extent.
func commonOuterIterators(producer, consumer *texpr.Operation) int {
	var acc *texpr.Access
	for i := range consumer.Reads {
		if consumer.Reads[i].Producer == producer.Name {
			acc = &consumer.Reads[i]
			break
		}
	}
	if acc == nil {
		return 0
	}
	n := 0
	for i := 0; i < len(consumer.Axes) && i < len(acc.Indices) && i < len(producer.Axes); i++ {
		if !acc.Indices[i].IsAxis(consumer.Axes[i].Name) {
			break
		}
		if producer.Axes[i].Extent != consumer.Axes[i].Extent {
			break
		}
		n++
	}
	return n
}

// elementWiseRead reports whether consumer reads producer with an index tuple
// equal to its own spatial axes, over equal shapes.
func elementWiseRead(producer, consumer *texpr.Operation) bool {
	pShape, cShape := producer.OutputShape(), consumer.OutputShape()
	if len(pShape) != len(cShape) {
		return false
	}
	for i := range pShape {
		if pShape[i] != cShape[i] {
			return false
		}
	}
	matched := false
	for _, acc := range consumer.Reads {
		if acc.Producer != producer.Name {
			continue
		}
		if len(acc.Indices) != len(consumer.Axes) {
			return false
		}
		for i, idx := range acc.Indices {
			if !idx.IsAxis(consumer.Axes[i].Name) {
				return false
			}
		}
		matched = true
	}
	return matched
}

// IsSimpleAccess reports whether every read of op is an affine function of
// spatial iterators only.
func (a *AccessAnalyzer) IsSimpleAccess(op *texpr.Operation) bool {
	if v, ok := a.simpleAccess[op.Name]; ok {
		return v
	}
	return computeSimpleAccess(op)
}

// IsStrictInlinable reports whether op can always be inlined into consumers.
func (a *AccessAnalyzer) IsStrictInlinable(op *texpr.Operation) bool {
	if v, ok := a.strictInlinable[op.Name]; ok {
		return v
	}
	return computeStrictInlinable(op)
}

// NeedsMultiLevelTiling reports whether op has the compute-intensive
// data-reuse signature.
func (a *AccessAnalyzer) NeedsMultiLevelTiling(op *texpr.Operation) bool {
	if v, ok := a.multiLevelTile[op.Name]; ok {
		return v
	}
	return computeNeedsMultiLevelTiling(op)
}

// IsOutput reports whether op is an output of the original DAG. The lookup
// is by name: an operation synthesized by a step that reuses an original
// name reports that name's flag, and one with a new name reports false.
func (a *AccessAnalyzer) IsOutput(op *texpr.Operation) bool {
	if v, ok := a.output[op.Name]; ok {
		return v
	}
	return false
}

// NumCommonOuterIterators returns the common outer iterator count for a
// producer/consumer pair.
func (a *AccessAnalyzer) NumCommonOuterIterators(producer, consumer *texpr.Operation) int {
	if inner, ok := a.numCommonOuter[consumer.Name]; ok {
		if v, ok := inner[producer.Name]; ok {
			return v
		}
	}
	return commonOuterIterators(producer, consumer)
}

// GetConsumers returns the stage ids consuming the given stage's output,
// skipping over stages currently inlined: an inlined consumer is replaced by
// its own consumers.
func (a *AccessAnalyzer) GetConsumers(s *loopstate.State, stageID int) []int {
	name := s.Stages[stageID].Op.Name
	seen := make(map[int]struct{})
	var out []int
	var visit func(producer string)
	visit = func(producer string) {
		for i := range s.Stages {
			if i == stageID {
				continue
			}
			if !readsFrom(s.Stages[i].Op, producer) {
				continue
			}
			if s.Stages[i].ComputeAt == loopstate.ComputeAtInlined {
				visit(s.Stages[i].Op.Name)
				continue
			}
			if _, dup := seen[i]; !dup {
				seen[i] = struct{}{}
				out = append(out, i)
			}
		}
	}
	visit(name)
	return out
}

// GetProducers returns the stage ids whose output the given stage reads,
// skipping over inlined stages: an inlined producer is replaced by its own
// producers.
func (a *AccessAnalyzer) GetProducers(s *loopstate.State, stageID int) []int {
	seen := make(map[int]struct{})
	var out []int
	var visit func(consumer *texpr.Operation)
	visit = func(consumer *texpr.Operation) {
		for _, acc := range consumer.Reads {
			id, ok := s.StageIDByName(acc.Producer)
			if !ok {
				continue
			}
			if s.Stages[id].ComputeAt == loopstate.ComputeAtInlined {
				visit(s.Stages[id].Op)
				continue
			}
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	visit(s.Stages[stageID].Op)
	return out
}

// ElementWiseMatch reports whether the consumer stage reads the producer
// stage elementwise, propagated through chains of inlined elementwise stages.
func (a *AccessAnalyzer) ElementWiseMatch(s *loopstate.State, producerID, consumerID int) bool {
	var match func(prod *texpr.Operation) bool
	match = func(prod *texpr.Operation) bool {
		cons := s.Stages[consumerID].Op
		if elementWiseRead(prod, cons) {
			return true
		}
		// Follow inlined elementwise middlemen.
		for i := range s.Stages {
			if i == consumerID || s.Stages[i].ComputeAt != loopstate.ComputeAtInlined {
				continue
			}
			mid := s.Stages[i].Op
			if readsFrom(mid, prod.Name) && elementWiseRead(prod, mid) && match(mid) {
				return true
			}
		}
		return false
	}
	return match(s.Stages[producerID].Op)
}

func readsFrom(op *texpr.Operation, producer string) bool {
	for _, acc := range op.Reads {
		if acc.Producer == producer {
			return true
		}
	}
	return false
}
