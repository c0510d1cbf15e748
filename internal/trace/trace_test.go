package trace

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLevelGating(t *testing.T) {
	cases := []struct {
		level Level
		scope Scope
		want  bool
	}{
		{LevelOff, ScopeSearch, false},
		{LevelSearch, ScopeSearch, true},
		{LevelSearch, ScopePhase, false},
		{LevelPhase, ScopePhase, true},
		{LevelPhase, ScopeCandidate, false},
		{LevelCandidate, ScopeCandidate, true},
	}
	for _, tc := range cases {
		if got := tc.level.ShouldEmit(tc.scope); got != tc.want {
			t.Fatalf("ShouldEmit(%v, %v) = %v, want %v", tc.level, tc.scope, got, tc.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"off", "search", "phase", "candidate"} {
		level, err := ParseLevel(s)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", s, err)
		}
		if level.String() != s {
			t.Fatalf("round trip %q -> %v", s, level)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("invalid level should fail")
	}
}

func TestStreamTracerText(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStreamTracer(&buf, LevelPhase, FormatText)
	tr.Emit(&Event{Time: time.Now(), Kind: KindPoint, Scope: ScopePhase, Name: "sample", Detail: "#s: 3"})
	tr.Emit(&Event{Time: time.Now(), Kind: KindPoint, Scope: ScopeCandidate, Name: "dropped"})

	out := buf.String()
	if !strings.Contains(out, "sample") || !strings.Contains(out, "#s: 3") {
		t.Fatalf("stream output misses the phase event: %q", out)
	}
	if strings.Contains(out, "dropped") {
		t.Fatalf("candidate event should be filtered at phase level: %q", out)
	}
}

func TestStreamTracerNDJSON(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStreamTracer(&buf, LevelCandidate, FormatNDJSON)
	tr.Emit(&Event{Time: time.Now(), Kind: KindPoint, Scope: ScopeSearch, Name: "round", Detail: "0"})

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}
	if decoded["name"] != "round" || decoded["scope"] != "search" {
		t.Fatalf("decoded event = %v", decoded)
	}
}

func TestRingTracerSnapshot(t *testing.T) {
	tr := NewRingTracer(4, LevelCandidate)
	for i := 0; i < 6; i++ {
		tr.Emit(&Event{Time: time.Now(), Kind: KindPoint, Scope: ScopeSearch, Name: "ev", Detail: string(rune('a' + i))})
	}
	events := tr.Snapshot()
	if len(events) != 4 {
		t.Fatalf("snapshot length = %d, want 4", len(events))
	}
	want := []string{"c", "d", "e", "f"}
	for i, ev := range events {
		if ev.Detail != want[i] {
			t.Fatalf("snapshot[%d] = %q, want %q", i, ev.Detail, want[i])
		}
	}
}

func TestSpanHelper(t *testing.T) {
	tr := NewRingTracer(8, LevelCandidate)
	done := Span(tr, ScopePhase, "measure")
	done("#s: 5")

	events := tr.Snapshot()
	if len(events) != 2 {
		t.Fatalf("span should emit begin and end, got %d events", len(events))
	}
	if events[0].Kind != KindSpanBegin || events[1].Kind != KindSpanEnd {
		t.Fatalf("span kinds = %v, %v", events[0].Kind, events[1].Kind)
	}
}

func TestNopTracer(t *testing.T) {
	if Nop.Enabled() {
		t.Fatalf("nop tracer must be disabled")
	}
	Nop.Emit(&Event{})
	if err := Nop.Flush(); err != nil {
		t.Fatalf("nop flush: %v", err)
	}
}

func TestNewSelectsMode(t *testing.T) {
	tr, err := New(Config{Level: LevelOff})
	if err != nil {
		t.Fatalf("New(off): %v", err)
	}
	if tr != Nop {
		t.Fatalf("off level should return the nop tracer")
	}

	var buf bytes.Buffer
	tr, err = New(Config{Level: LevelPhase, Mode: ModeBoth, Output: &buf})
	if err != nil {
		t.Fatalf("New(both): %v", err)
	}
	if _, ok := tr.(*MultiTracer); !ok {
		t.Fatalf("both mode should build a MultiTracer, got %T", tr)
	}
}
