// Package texpr holds the minimal tensor-expression backend the scheduler
// searches over: loop axes, index expressions, operations, and the built-in
// workload constructors. It deliberately stops short of a lowering IR; the
// scheduler only ever consults shapes, reduction axes and read accesses.
package texpr

import "fmt"

// AxisKind separates spatial output axes from reduction axes.
type AxisKind uint8

const (
	// AxisSpatial is an output (data-parallel) axis.
	AxisSpatial AxisKind = iota + 1
	// AxisReduce is a reduction axis.
	AxisReduce
)

// Axis is a named loop axis with a static integer extent.
type Axis struct {
	Name   string
	Extent int64
	Kind   AxisKind
}

// OpKind discriminates DAG node kinds.
type OpKind uint8

const (
	// OpPlaceholder is an input tensor.
	OpPlaceholder OpKind = iota + 1
	// OpCompute produces one tensor from reads of other operations.
	OpCompute
)

// String returns the string representation of OpKind.
func (k OpKind) String() string {
	switch k {
	case OpPlaceholder:
		return "placeholder"
	case OpCompute:
		return "compute"
	default:
		return "unknown"
	}
}

// Access is one multi-dimensional read of a producer inside a compute body.
type Access struct {
	Producer string  // name of the operation being read
	Indices  []*Expr // one entry per producer output axis
}

// Attribute keys the search policy understands on operations.
const (
	AttrAlwaysComputeInline = "always_compute_inline"
	AttrNoCacheWrite        = "no_cache_write"
	AttrAlwaysUnroll        = "always_unroll"       // comma-separated iterator names
	AttrAlwaysUnrollInner   = "always_unroll_inner" // comma-separated iterator names
)

// Operation is a node in the compute DAG. Operations are immutable after
// construction; the scheduler only synthesizes derived operations (cache
// stages, rfactor stages) from existing ones.
type Operation struct {
	Name   string
	Kind   OpKind
	Axes   []Axis // spatial output axes, outermost first
	Reduce []Axis // reduction axes (compute ops only)
	Reads  []Access
	Calls  []string // intrinsic calls in the body (exp, tanh, ...)
	Attrs  map[string]string

	// HasBranch marks bodies containing a select/if; such ops are never
	// strictly inlinable.
	HasBranch bool

	// FlopsPerElem is the float-op cost of producing one output element.
	FlopsPerElem float64
}

// expensiveCalls lists intrinsics that disqualify an op from inlining.
var expensiveCalls = map[string]struct{}{
	"exp": {}, "log": {}, "pow": {}, "sqrt": {}, "tanh": {}, "sigmoid": {}, "erf": {},
}

// Placeholder constructs an input tensor operation with the given shape.
func Placeholder(name string, shape ...int64) *Operation {
	op := &Operation{Name: name, Kind: OpPlaceholder}
	for i, ext := range shape {
		if ext <= 0 {
			panic(fmt.Errorf("texpr: placeholder %q axis %d has non-positive extent %d", name, i, ext))
		}
		op.Axes = append(op.Axes, Axis{Name: fmt.Sprintf("ax%d", i), Extent: ext, Kind: AxisSpatial})
	}
	return op
}

// Compute constructs a compute operation.
func Compute(name string, axes []Axis, reduce []Axis, reads []Access) *Operation {
	for _, ax := range axes {
		if ax.Extent <= 0 {
			panic(fmt.Errorf("texpr: compute %q axis %q has non-positive extent %d", name, ax.Name, ax.Extent))
		}
	}
	op := &Operation{Name: name, Kind: OpCompute, Axes: axes, Reduce: reduce, Reads: reads}
	return op
}

// HasReduce reports whether the operation carries a reduction axis.
func (op *Operation) HasReduce() bool { return len(op.Reduce) > 0 }

// HasExpensiveCall reports whether the body calls an expensive intrinsic.
func (op *Operation) HasExpensiveCall() bool {
	for _, c := range op.Calls {
		if _, ok := expensiveCalls[c]; ok {
			return true
		}
	}
	return false
}

// OutputShape returns the extents of the spatial axes.
func (op *Operation) OutputShape() []int64 {
	shape := make([]int64, len(op.Axes))
	for i, ax := range op.Axes {
		shape[i] = ax.Extent
	}
	return shape
}

// NumElements returns the product of the spatial extents.
func (op *Operation) NumElements() int64 {
	n := int64(1)
	for _, ax := range op.Axes {
		n *= ax.Extent
	}
	return n
}

// Attr returns the attribute value for key, or "".
func (op *Operation) Attr(key string) string {
	if op.Attrs == nil {
		return ""
	}
	return op.Attrs[key]
}

// HasAttr reports whether the attribute key is set.
func (op *Operation) HasAttr(key string) bool {
	_, ok := op.Attrs[key]
	return ok
}

// SetAttr sets an attribute, allocating the map on first use.
func (op *Operation) SetAttr(key, value string) {
	if op.Attrs == nil {
		op.Attrs = make(map[string]string, 2)
	}
	op.Attrs[key] = value
}
