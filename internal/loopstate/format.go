package loopstate

import (
	"fmt"
	"strconv"
	"strings"
)

// The textual record form of a transform history: one step per line,
// tag first, stage id second, payload after. Tile lengths of 0 render
// as "?" so partially-filled splits survive the round trip.

func formatInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, v := range ids {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func formatLengths(lengths []int64) string {
	if len(lengths) == 0 {
		return "-"
	}
	parts := make([]string, len(lengths))
	for i, v := range lengths {
		if v <= 0 {
			parts[i] = "?"
		} else {
			parts[i] = strconv.FormatInt(v, 10)
		}
	}
	return strings.Join(parts, ",")
}

// FormatStep renders one step in record form.
func FormatStep(step Step) string {
	switch ps := step.(type) {
	case *SplitStep:
		flag := 0
		if ps.InnerToOuter {
			flag = 1
		}
		return fmt.Sprintf("SP %d %d %d %s %d", ps.ID, ps.IterID, ps.Extent, formatLengths(ps.Lengths), flag)
	case *FuseStep:
		return fmt.Sprintf("FU %d %s", ps.ID, formatInts(ps.IterIDs))
	case *ReorderStep:
		return fmt.Sprintf("RE %d %s", ps.ID, formatInts(ps.Order))
	case *ComputeAtStep:
		return fmt.Sprintf("CA %d %d %d", ps.ID, ps.TargetID, ps.TargetIter)
	case *ComputeRootStep:
		return fmt.Sprintf("CR %d", ps.ID)
	case *ComputeInlineStep:
		return fmt.Sprintf("CI %d", ps.ID)
	case *CacheWriteStep:
		return fmt.Sprintf("CHW %d %s", ps.ID, ps.Scope)
	case *CacheReadStep:
		return fmt.Sprintf("CHR %d %s %s", ps.ID, ps.Scope, formatInts(ps.Readers))
	case *RfactorStep:
		return fmt.Sprintf("RF %d %d %d", ps.ID, ps.IterID, ps.FactorAxis)
	case *AnnotationStep:
		return fmt.Sprintf("AN %d %d %s", ps.ID, ps.IterID, ps.Ann)
	case *PragmaStep:
		return fmt.Sprintf("PR %d %d %s", ps.ID, ps.IterID, ps.Pragma)
	default:
		panic(fmt.Errorf("loopstate: format: unknown step type %T", step))
	}
}

// FormatSteps renders a transform history, one step per line.
func FormatSteps(steps []Step) string {
	var b strings.Builder
	for _, step := range steps {
		b.WriteString(FormatStep(step))
		b.WriteByte('\n')
	}
	return b.String()
}

func parseInts(s string) ([]int, error) {
	if s == "" || s == "-" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad int %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

func parseLengths(s string) ([]int64, error) {
	if s == "-" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, len(parts))
	for i, p := range parts {
		if p == "?" {
			continue
		}
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad length %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

// ParseStep parses one record line back into a step.
func ParseStep(line string) (Step, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, fmt.Errorf("loopstate: parse: short step line %q", line)
	}
	atoi := func(i int) (int, error) {
		if i >= len(fields) {
			return 0, fmt.Errorf("loopstate: parse: %q: missing field %d", line, i)
		}
		return strconv.Atoi(fields[i])
	}
	stage, err := atoi(1)
	if err != nil {
		return nil, fmt.Errorf("loopstate: parse: %q: %w", line, err)
	}

	switch StepKind(fields[0]) {
	case StepSplit:
		if len(fields) != 6 {
			return nil, fmt.Errorf("loopstate: parse: %q: want 6 fields", line)
		}
		iter, err := atoi(2)
		if err != nil {
			return nil, err
		}
		extent, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return nil, err
		}
		lengths, err := parseLengths(fields[4])
		if err != nil {
			return nil, err
		}
		return &SplitStep{ID: stage, IterID: iter, Extent: extent, Lengths: lengths, InnerToOuter: fields[5] == "1"}, nil
	case StepFuse:
		if len(fields) != 3 {
			return nil, fmt.Errorf("loopstate: parse: %q: want 3 fields", line)
		}
		ids, err := parseInts(fields[2])
		if err != nil {
			return nil, err
		}
		return &FuseStep{ID: stage, IterIDs: ids}, nil
	case StepReorder:
		if len(fields) != 3 {
			return nil, fmt.Errorf("loopstate: parse: %q: want 3 fields", line)
		}
		order, err := parseInts(fields[2])
		if err != nil {
			return nil, err
		}
		return &ReorderStep{ID: stage, Order: order}, nil
	case StepComputeAt:
		target, err := atoi(2)
		if err != nil {
			return nil, err
		}
		iter, err := atoi(3)
		if err != nil {
			return nil, err
		}
		return &ComputeAtStep{ID: stage, TargetID: target, TargetIter: iter}, nil
	case StepComputeRoot:
		return &ComputeRootStep{ID: stage}, nil
	case StepComputeInline:
		return &ComputeInlineStep{ID: stage}, nil
	case StepCacheWrite:
		if len(fields) != 3 {
			return nil, fmt.Errorf("loopstate: parse: %q: want 3 fields", line)
		}
		return &CacheWriteStep{ID: stage, Scope: fields[2]}, nil
	case StepCacheRead:
		if len(fields) != 4 {
			return nil, fmt.Errorf("loopstate: parse: %q: want 4 fields", line)
		}
		readers, err := parseInts(fields[3])
		if err != nil {
			return nil, err
		}
		return &CacheReadStep{ID: stage, Scope: fields[2], Readers: readers}, nil
	case StepRfactor:
		iter, err := atoi(2)
		if err != nil {
			return nil, err
		}
		factor, err := atoi(3)
		if err != nil {
			return nil, err
		}
		return &RfactorStep{ID: stage, IterID: iter, FactorAxis: factor}, nil
	case StepAnnotation:
		if len(fields) != 4 {
			return nil, fmt.Errorf("loopstate: parse: %q: want 4 fields", line)
		}
		iter, err := atoi(2)
		if err != nil {
			return nil, err
		}
		ann, ok := ParseAnnotation(fields[3])
		if !ok {
			return nil, fmt.Errorf("loopstate: parse: %q: bad annotation %q", line, fields[3])
		}
		return &AnnotationStep{ID: stage, IterID: iter, Ann: ann}, nil
	case StepPragma:
		if len(fields) != 4 {
			return nil, fmt.Errorf("loopstate: parse: %q: want 4 fields", line)
		}
		iter, err := atoi(2)
		if err != nil {
			return nil, err
		}
		return &PragmaStep{ID: stage, IterID: iter, Pragma: fields[3]}, nil
	default:
		return nil, fmt.Errorf("loopstate: parse: unknown step kind %q", fields[0])
	}
}

// ParseSteps parses a multi-line transform history record.
func ParseSteps(text string) ([]Step, error) {
	var steps []Step
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		step, err := ParseStep(line)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}
