package texpr

import "fmt"

// Built-in workloads used by the CLI and the scenario tests. Each returns the
// operation list in producer-before-consumer order.

// Matmul builds C[i,j] = sum_k A[i,k] * B[k,j].
func Matmul(n, m, k int64) []*Operation {
	a := Placeholder("A", n, k)
	b := Placeholder("B", k, m)
	c := Compute("C",
		[]Axis{{Name: "i", Extent: n, Kind: AxisSpatial}, {Name: "j", Extent: m, Kind: AxisSpatial}},
		[]Axis{{Name: "k", Extent: k, Kind: AxisReduce}},
		[]Access{
			{Producer: "A", Indices: []*Expr{AxisRef("i"), AxisRef("k")}},
			{Producer: "B", Indices: []*Expr{AxisRef("k"), AxisRef("j")}},
		})
	c.FlopsPerElem = 2 * float64(k)
	return []*Operation{a, b, c}
}

// MatmulBias builds a matmul followed by an elementwise bias add, the classic
// fusion candidate.
func MatmulBias(n, m, k int64) []*Operation {
	ops := Matmul(n, m, k)
	bias := Placeholder("bias", m)
	out := Compute("D",
		[]Axis{{Name: "i", Extent: n, Kind: AxisSpatial}, {Name: "j", Extent: m, Kind: AxisSpatial}},
		nil,
		[]Access{
			{Producer: "C", Indices: []*Expr{AxisRef("i"), AxisRef("j")}},
			{Producer: "bias", Indices: []*Expr{AxisRef("j")}},
		})
	out.FlopsPerElem = 1
	return append(append(ops[:2:2], bias, ops[2]), out)
}

// Conv2D builds a NCHW direct convolution with a valid padding-free window.
func Conv2D(n, ci, h, w, co, kh, kw int64) []*Operation {
	oh, ow := h-kh+1, w-kw+1
	data := Placeholder("data", n, ci, h, w)
	kern := Placeholder("kernel", co, ci, kh, kw)
	conv := Compute("conv",
		[]Axis{
			{Name: "nn", Extent: n, Kind: AxisSpatial},
			{Name: "ff", Extent: co, Kind: AxisSpatial},
			{Name: "yy", Extent: oh, Kind: AxisSpatial},
			{Name: "xx", Extent: ow, Kind: AxisSpatial},
		},
		[]Axis{
			{Name: "rc", Extent: ci, Kind: AxisReduce},
			{Name: "ry", Extent: kh, Kind: AxisReduce},
			{Name: "rx", Extent: kw, Kind: AxisReduce},
		},
		[]Access{
			{Producer: "data", Indices: []*Expr{
				AxisRef("nn"), AxisRef("rc"), Add(AxisRef("yy"), AxisRef("ry")), Add(AxisRef("xx"), AxisRef("rx")),
			}},
			{Producer: "kernel", Indices: []*Expr{
				AxisRef("ff"), AxisRef("rc"), AxisRef("ry"), AxisRef("rx"),
			}},
		})
	conv.FlopsPerElem = 2 * float64(ci*kh*kw)
	return []*Operation{data, kern, conv}
}

// Conv2DBias builds Conv2D followed by an elementwise bias add on the channel
// axis.
func Conv2DBias(n, ci, h, w, co, kh, kw int64) []*Operation {
	ops := Conv2D(n, ci, h, w, co, kh, kw)
	conv := ops[len(ops)-1]
	bias := Placeholder("bias", co)
	axes := make([]Axis, len(conv.Axes))
	copy(axes, conv.Axes)
	out := Compute("out", axes, nil,
		[]Access{
			{Producer: "conv", Indices: []*Expr{AxisRef("nn"), AxisRef("ff"), AxisRef("yy"), AxisRef("xx")}},
			{Producer: "bias", Indices: []*Expr{AxisRef("ff")}},
		})
	out.FlopsPerElem = 1
	return append(append(ops[:2:2], bias, conv), out)
}

// ElemwiseChain builds A -> add -> relu over a 1-D shape, an all-inlinable
// chain with a single output.
func ElemwiseChain(n int64) []*Operation {
	a := Placeholder("A", n)
	add := Compute("add",
		[]Axis{{Name: "i", Extent: n, Kind: AxisSpatial}},
		nil,
		[]Access{{Producer: "A", Indices: []*Expr{AxisRef("i")}}})
	add.FlopsPerElem = 1
	relu := Compute("relu",
		[]Axis{{Name: "i", Extent: n, Kind: AxisSpatial}},
		nil,
		[]Access{{Producer: "add", Indices: []*Expr{AxisRef("i")}}})
	relu.FlopsPerElem = 1
	return []*Operation{a, add, relu}
}

// RowSum builds B[i] = sum_j A[i,j].
func RowSum(n, m int64) []*Operation {
	a := Placeholder("A", n, m)
	sum := Compute("B",
		[]Axis{{Name: "i", Extent: n, Kind: AxisSpatial}},
		[]Axis{{Name: "j", Extent: m, Kind: AxisReduce}},
		[]Access{{Producer: "A", Indices: []*Expr{AxisRef("i"), AxisRef("j")}}})
	sum.FlopsPerElem = float64(m)
	return []*Operation{a, sum}
}

// Softmax builds a numerically-naive softmax over the last axis; the exp call
// keeps the stage out of the strictly-inlinable set.
func Softmax(n, m int64) []*Operation {
	a := Placeholder("A", n, m)
	ex := Compute("exp",
		[]Axis{{Name: "i", Extent: n, Kind: AxisSpatial}, {Name: "j", Extent: m, Kind: AxisSpatial}},
		nil,
		[]Access{{Producer: "A", Indices: []*Expr{AxisRef("i"), AxisRef("j")}}})
	ex.Calls = []string{"exp"}
	ex.FlopsPerElem = 1
	total := Compute("total",
		[]Axis{{Name: "i", Extent: n, Kind: AxisSpatial}},
		[]Axis{{Name: "jr", Extent: m, Kind: AxisReduce}},
		[]Access{{Producer: "exp", Indices: []*Expr{AxisRef("i"), AxisRef("jr")}}})
	total.FlopsPerElem = float64(m)
	out := Compute("softmax",
		[]Axis{{Name: "i", Extent: n, Kind: AxisSpatial}, {Name: "j", Extent: m, Kind: AxisSpatial}},
		nil,
		[]Access{
			{Producer: "exp", Indices: []*Expr{AxisRef("i"), AxisRef("j")}},
			{Producer: "total", Indices: []*Expr{AxisRef("i")}},
		})
	out.FlopsPerElem = 1
	return []*Operation{a, ex, total, out}
}

// WorkloadNames lists the built-in workload constructors in display order.
func WorkloadNames() []string {
	return []string{"matmul", "matmul_bias", "conv2d", "conv2d_bias", "elemwise", "rowsum", "softmax"}
}

// BuildWorkload resolves a built-in workload by name. Missing args fall back
// to canonical benchmark shapes.
func BuildWorkload(name string, args []int64) ([]*Operation, error) {
	get := func(i int, def int64) int64 {
		if i < len(args) && args[i] > 0 {
			return args[i]
		}
		return def
	}
	switch name {
	case "matmul":
		return Matmul(get(0, 1024), get(1, 1024), get(2, 1024)), nil
	case "matmul_bias":
		return MatmulBias(get(0, 1024), get(1, 1024), get(2, 1024)), nil
	case "conv2d":
		return Conv2D(get(0, 1), get(1, 64), get(2, 56), get(3, 56), get(4, 64), get(5, 3), get(6, 3)), nil
	case "conv2d_bias":
		return Conv2DBias(get(0, 1), get(1, 64), get(2, 56), get(3, 56), get(4, 64), get(5, 3), get(6, 3)), nil
	case "elemwise":
		return ElemwiseChain(get(0, 1024)), nil
	case "rowsum":
		return RowSum(get(0, 1024), get(1, 1024)), nil
	case "softmax":
		return Softmax(get(0, 256), get(1, 256)), nil
	default:
		return nil, fmt.Errorf("unknown workload %q", name)
	}
}
