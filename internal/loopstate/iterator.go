package loopstate

import "strings"

// IterKind separates spatial from reduction iterators.
type IterKind uint8

const (
	// IterSpatial is a data-parallel loop.
	IterSpatial IterKind = iota + 1
	// IterReduce is a reduction loop.
	IterReduce
)

// String returns the string representation of IterKind.
func (k IterKind) String() string {
	switch k {
	case IterSpatial:
		return "spatial"
	case IterReduce:
		return "reduce"
	default:
		return "unknown"
	}
}

// Annotation marks how a loop will be realized during lowering.
type Annotation uint8

const (
	// AnnNone leaves the loop as a plain serial loop.
	AnnNone Annotation = iota
	AnnParallel
	AnnVectorize
	AnnUnroll
	AnnTensorize
)

// String returns the string representation of Annotation.
func (a Annotation) String() string {
	switch a {
	case AnnNone:
		return "none"
	case AnnParallel:
		return "parallel"
	case AnnVectorize:
		return "vectorize"
	case AnnUnroll:
		return "unroll"
	case AnnTensorize:
		return "tensorize"
	default:
		return "unknown"
	}
}

// ParseAnnotation converts a string to an Annotation.
func ParseAnnotation(s string) (Annotation, bool) {
	switch s {
	case "none":
		return AnnNone, true
	case "parallel":
		return AnnParallel, true
	case "vectorize":
		return AnnVectorize, true
	case "unroll":
		return AnnUnroll, true
	case "tensorize":
		return AnnTensorize, true
	default:
		return AnnNone, false
	}
}

// Iterator is one loop of a stage's loop nest. Extent 0 means the bound is
// not known yet (a split length still unfilled, or cleared by compute_at
// until the next InferBound).
type Iterator struct {
	Name   string
	Extent int64
	Kind   IterKind
	Ann    Annotation
}

// Known reports whether the iterator's extent is resolved.
func (it Iterator) Known() bool { return it.Extent > 0 }

// OriginalIterators extracts the original axis names an iterator descends
// from. Split levels append ".k" suffixes and fusion joins names with "@",
// so "i.0@j.0" yields {i, j}.
func OriginalIterators(name string, out map[string]struct{}) {
	for _, part := range strings.Split(name, "@") {
		if dot := strings.IndexByte(part, '.'); dot >= 0 {
			part = part[:dot]
		}
		if part != "" {
			out[part] = struct{}{}
		}
	}
}
