package texpr

import (
	"fmt"
	"strings"
)

// ExprKind discriminates index expression nodes.
type ExprKind uint8

const (
	// ExprAxis references a loop axis by name.
	ExprAxis ExprKind = iota + 1
	// ExprConst is an integer literal.
	ExprConst
	ExprAdd
	ExprSub
	ExprMul
	ExprDiv
	ExprMod
	// ExprCall is an intrinsic call (exp, tanh, ...) appearing in a body.
	ExprCall
)

// Expr is a node of an index or body expression tree.
type Expr struct {
	Kind  ExprKind
	Axis  string  // ExprAxis
	Value int64   // ExprConst
	Fn    string  // ExprCall
	Args  []*Expr // operands for binary ops and calls
}

// AxisRef returns an expression referencing the axis with the given name.
func AxisRef(name string) *Expr { return &Expr{Kind: ExprAxis, Axis: name} }

// Const returns an integer literal expression.
func Const(v int64) *Expr { return &Expr{Kind: ExprConst, Value: v} }

// Add returns a + b.
func Add(a, b *Expr) *Expr { return &Expr{Kind: ExprAdd, Args: []*Expr{a, b}} }

// Sub returns a - b.
func Sub(a, b *Expr) *Expr { return &Expr{Kind: ExprSub, Args: []*Expr{a, b}} }

// Mul returns a * b.
func Mul(a, b *Expr) *Expr { return &Expr{Kind: ExprMul, Args: []*Expr{a, b}} }

// Div returns a / b (floor division).
func Div(a, b *Expr) *Expr { return &Expr{Kind: ExprDiv, Args: []*Expr{a, b}} }

// Mod returns a % b.
func Mod(a, b *Expr) *Expr { return &Expr{Kind: ExprMod, Args: []*Expr{a, b}} }

// Call returns an intrinsic call expression.
func Call(fn string, args ...*Expr) *Expr { return &Expr{Kind: ExprCall, Fn: fn, Args: args} }

// CollectAxes adds every axis name referenced by the expression to set.
func (e *Expr) CollectAxes(set map[string]struct{}) {
	if e == nil {
		return
	}
	if e.Kind == ExprAxis {
		set[e.Axis] = struct{}{}
		return
	}
	for _, a := range e.Args {
		a.CollectAxes(set)
	}
}

// IsAxis reports whether the expression is exactly a reference to name.
func (e *Expr) IsAxis(name string) bool {
	return e != nil && e.Kind == ExprAxis && e.Axis == name
}

// Affine reports whether the expression is an affine combination of axes
// accepted by ok. Multiplication is affine only when one operand is a
// constant; division, modulo and calls are never affine.
func (e *Expr) Affine(ok func(axis string) bool) bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case ExprAxis:
		return ok(e.Axis)
	case ExprConst:
		return true
	case ExprAdd, ExprSub:
		return e.Args[0].Affine(ok) && e.Args[1].Affine(ok)
	case ExprMul:
		if e.Args[0].Kind == ExprConst {
			return e.Args[1].Affine(ok)
		}
		if e.Args[1].Kind == ExprConst {
			return e.Args[0].Affine(ok)
		}
		return false
	default:
		return false
	}
}

// String renders the expression in infix form.
func (e *Expr) String() string {
	if e == nil {
		return "?"
	}
	switch e.Kind {
	case ExprAxis:
		return e.Axis
	case ExprConst:
		return fmt.Sprintf("%d", e.Value)
	case ExprAdd:
		return "(" + e.Args[0].String() + " + " + e.Args[1].String() + ")"
	case ExprSub:
		return "(" + e.Args[0].String() + " - " + e.Args[1].String() + ")"
	case ExprMul:
		return "(" + e.Args[0].String() + "*" + e.Args[1].String() + ")"
	case ExprDiv:
		return "(" + e.Args[0].String() + "/" + e.Args[1].String() + ")"
	case ExprMod:
		return "(" + e.Args[0].String() + "%" + e.Args[1].String() + ")"
	case ExprCall:
		parts := make([]string, len(e.Args))
		for i, a := range e.Args {
			parts[i] = a.String()
		}
		return e.Fn + "(" + strings.Join(parts, ", ") + ")"
	default:
		return "?"
	}
}
