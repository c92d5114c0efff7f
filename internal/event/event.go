// Package event defines the record type for intercepted target actions
// and its wire and durable encodings.
package event

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies an intercepted action.
type Kind string

const (
	KindHTTP Kind = "http"
	KindDNS  Kind = "dns"
	KindSock Kind = "sock"
	KindProc Kind = "proc"
)

// TagOutput marks passthrough target output lines in the merged stream.
// The per-kind tags come from Kind.Tag. All tags are the same width so
// the console columns line up; UI layers key on the exact strings.
const TagOutput = "[OUT ]"

// Tag returns the fixed marker for this kind. Kinds the payload emits
// that this version does not know get a generic marker instead of an
// error, so a newer payload never breaks an older supervisor.
func (k Kind) Tag() string {
	switch k {
	case KindHTTP:
		return "[HTTP]"
	case KindDNS:
		return "[DNS ]"
	case KindSock:
		return "[SOCK]"
	case KindProc:
		return "[PROC]"
	}
	return "[EVNT]"
}

// Event is one intercepted action. The sink assigns Sequence and MonoNS
// at receipt; after that the record is immutable.
type Event struct {
	Sequence uint64         `json:"sequence"`
	Kind     Kind           `json:"kind"`
	Time     time.Time      `json:"time"`
	MonoNS   int64          `json:"mono_ns"`
	Summary  string         `json:"summary"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Line renders the event for the merged output stream.
func (e Event) Line() Line {
	return Line{Tag: e.Kind.Tag(), Text: e.Summary}
}

// Line is one rendered line of the merged output stream: either a
// passthrough line from the target or a rendered event.
type Line struct {
	Tag  string
	Text string
}

func (l Line) String() string {
	return l.Tag + " " + l.Text
}

// WireRecord is the JSON shape the interception payload writes on the
// event channel, one object per line.
type WireRecord struct {
	Event string         `json:"event"`
	Time  string         `json:"time"`
	Data  map[string]any `json:"data"`
}

// FromWire converts a payload record into an Event. Sequence and MonoNS
// are left for the sink to assign. receipt is used when the payload
// timestamp is missing or unparseable.
func FromWire(w WireRecord, receipt time.Time) Event {
	kind := kindOf(w.Event)
	t := receipt.UTC()
	if w.Time != "" {
		if p, err := time.Parse(time.RFC3339Nano, w.Time); err == nil {
			t = p.UTC()
		}
	}
	return Event{
		Kind:    kind,
		Time:    t,
		Summary: summarize(kind, w.Event, w.Data),
		Detail:  w.Data,
	}
}

// kindOf maps the payload's event names to kinds. Unknown names pass
// through so they still render under the generic tag.
func kindOf(name string) Kind {
	switch name {
	case "http":
		return KindHTTP
	case "dns":
		return KindDNS
	case "socket":
		return KindSock
	case "process":
		return KindProc
	}
	return Kind(name)
}

func summarize(kind Kind, name string, data map[string]any) string {
	switch kind {
	case KindHTTP:
		return strings.ToUpper(field(data, "method")) + " " + field(data, "url")
	case KindDNS:
		return field(data, "host")
	case KindSock:
		host, port := splitAddress(data["address"])
		return host + ":" + port
	case KindProc:
		return argvLine(data["cmd"])
	}
	return fmt.Sprintf("%s: %v", name, data)
}

func field(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return "?"
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// splitAddress handles the two address shapes the payload produces: a
// [host, port] pair from tuple addresses, or a bare string.
func splitAddress(addr any) (host, port string) {
	switch a := addr.(type) {
	case []any:
		if len(a) >= 2 {
			return fmt.Sprint(a[0]), fmt.Sprint(a[1])
		}
		if len(a) == 1 {
			return fmt.Sprint(a[0]), "?"
		}
	case string:
		return a, "?"
	case nil:
	default:
		return fmt.Sprint(a), "?"
	}
	return "?", "?"
}

func argvLine(cmd any) string {
	switch c := cmd.(type) {
	case []any:
		parts := make([]string, len(c))
		for i, p := range c {
			parts[i] = fmt.Sprint(p)
		}
		return strings.Join(parts, " ")
	case string:
		return c
	case nil:
		return "?"
	}
	return fmt.Sprint(cmd)
}
