package trace

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Format selects the output encoding of a stream tracer.
type Format uint8

const (
	// FormatAuto detects the format from the output path extension.
	FormatAuto Format = iota
	// FormatText is a compact human-readable line format.
	FormatText
	// FormatNDJSON is one JSON object per line.
	FormatNDJSON
)

// String returns the string representation of Format.
func (f Format) String() string {
	switch f {
	case FormatAuto:
		return "auto"
	case FormatText:
		return "text"
	case FormatNDJSON:
		return "ndjson"
	default:
		return "unknown"
	}
}

type jsonEvent struct {
	Seq    uint64            `json:"seq"`
	TimeNS int64             `json:"time_ns"`
	Kind   string            `json:"kind"`
	Scope  string            `json:"scope"`
	Name   string            `json:"name"`
	Detail string            `json:"detail,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// FormatEvent encodes one event, newline-terminated.
func FormatEvent(ev *Event, format Format) []byte {
	switch format {
	case FormatNDJSON:
		data, err := json.Marshal(jsonEvent{
			Seq:    ev.Seq,
			TimeNS: ev.Time.UnixNano(),
			Kind:   ev.Kind.String(),
			Scope:  ev.Scope.String(),
			Name:   ev.Name,
			Detail: ev.Detail,
			Extra:  ev.Extra,
		})
		if err != nil {
			return []byte(fmt.Sprintf("{\"error\":%q}\n", err.Error()))
		}
		return append(data, '\n')
	default:
		var b strings.Builder
		fmt.Fprintf(&b, "[%06d] %-9s %-5s %s", ev.Seq, ev.Scope, ev.Kind, ev.Name)
		if ev.Detail != "" {
			b.WriteString("  ")
			b.WriteString(ev.Detail)
		}
		for k, v := range ev.Extra {
			fmt.Fprintf(&b, " %s=%s", k, v)
		}
		b.WriteByte('\n')
		return []byte(b.String())
	}
}
