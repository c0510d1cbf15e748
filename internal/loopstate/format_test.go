package loopstate

import (
	"strings"
	"testing"
)

func TestStepRecordRoundTrip(t *testing.T) {
	steps := []Step{
		&SplitStep{ID: 2, IterID: 0, Extent: 1024, Lengths: []int64{32, 8}, InnerToOuter: true},
		&SplitStep{ID: 2, IterID: 4, Extent: 512, Lengths: []int64{0}, InnerToOuter: true},
		&FuseStep{ID: 1, IterIDs: []int{0, 1, 2}},
		&ReorderStep{ID: 2, Order: []int{2, 0, 1}},
		&ComputeAtStep{ID: 1, TargetID: 3, TargetIter: 2},
		&ComputeRootStep{ID: 1},
		&ComputeInlineStep{ID: 1},
		&CacheWriteStep{ID: 2, Scope: "local"},
		&CacheReadStep{ID: 0, Scope: "shared", Readers: []int{2}},
		&RfactorStep{ID: 1, IterID: 2, FactorAxis: 1},
		&AnnotationStep{ID: 2, IterID: 0, Ann: AnnParallel},
		&AnnotationStep{ID: 2, IterID: 5, Ann: AnnVectorize},
		&PragmaStep{ID: 2, IterID: 0, Pragma: "auto_unroll_max_step$64"},
	}

	text := FormatSteps(steps)
	parsed, err := ParseSteps(text)
	if err != nil {
		t.Fatalf("ParseSteps error: %v", err)
	}
	if len(parsed) != len(steps) {
		t.Fatalf("parsed %d steps, want %d", len(parsed), len(steps))
	}
	if got := FormatSteps(parsed); got != text {
		t.Fatalf("round trip mismatch:\n%s\nvs\n%s", got, text)
	}
}

func TestParseStepErrors(t *testing.T) {
	bad := []string{
		"XX 1",
		"SP 2 0 1024",
		"AN 2 0 sideways",
		"CA 1 2",
	}
	for _, line := range bad {
		if _, err := ParseStep(line); err == nil {
			t.Fatalf("ParseStep(%q) should fail", line)
		}
	}
}

func TestUnknownLengthRendersAsPlaceholder(t *testing.T) {
	step := &SplitStep{ID: 0, IterID: 0, Extent: 64, Lengths: []int64{0, 8}, InnerToOuter: true}
	line := FormatStep(step)
	if !strings.Contains(line, "?,8") {
		t.Fatalf("record %q should render unfilled lengths as ?", line)
	}
	parsed, err := ParseStep(line)
	if err != nil {
		t.Fatalf("ParseStep error: %v", err)
	}
	split := parsed.(*SplitStep)
	if split.Lengths[0] != 0 || split.Lengths[1] != 8 {
		t.Fatalf("parsed lengths = %v, want [0 8]", split.Lengths)
	}
}
