package event

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFromWireSummaries(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantKind Kind
		wantTag  string
		wantSum  string
	}{
		{
			name:     "http request",
			input:    `{"event":"http","data":{"method":"get","url":"http://example.org/"}}`,
			wantKind: KindHTTP,
			wantTag:  "[HTTP]",
			wantSum:  "GET http://example.org/",
		},
		{
			name:     "http missing method",
			input:    `{"event":"http","data":{"url":"http://example.org/"}}`,
			wantKind: KindHTTP,
			wantTag:  "[HTTP]",
			wantSum:  "? http://example.org/",
		},
		{
			name:     "dns lookup",
			input:    `{"event":"dns","data":{"host":"example.org"}}`,
			wantKind: KindDNS,
			wantTag:  "[DNS ]",
			wantSum:  "example.org",
		},
		{
			name:     "socket tuple address",
			input:    `{"event":"socket","data":{"address":["93.184.216.34",443]}}`,
			wantKind: KindSock,
			wantTag:  "[SOCK]",
			wantSum:  "93.184.216.34:443",
		},
		{
			name:     "socket string address",
			input:    `{"event":"socket","data":{"address":"example.org"}}`,
			wantKind: KindSock,
			wantTag:  "[SOCK]",
			wantSum:  "example.org:?",
		},
		{
			name:     "process argv",
			input:    `{"event":"process","data":{"cmd":["curl","-s","http://example.org"]}}`,
			wantKind: KindProc,
			wantTag:  "[PROC]",
			wantSum:  "curl -s http://example.org",
		},
		{
			name:     "unknown kind falls through",
			input:    `{"event":"fsaccess","data":{"path":"/etc/passwd"}}`,
			wantKind: Kind("fsaccess"),
			wantTag:  "[EVNT]",
			wantSum:  "fsaccess: map[path:/etc/passwd]",
		},
	}

	receipt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w WireRecord
			if err := json.Unmarshal([]byte(tt.input), &w); err != nil {
				t.Fatalf("unmarshal wire record: %v", err)
			}
			ev := FromWire(w, receipt)
			if ev.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", ev.Kind, tt.wantKind)
			}
			if got := ev.Kind.Tag(); got != tt.wantTag {
				t.Errorf("tag = %q, want %q", got, tt.wantTag)
			}
			if ev.Summary != tt.wantSum {
				t.Errorf("summary = %q, want %q", ev.Summary, tt.wantSum)
			}
		})
	}
}

func TestFromWireTimestamps(t *testing.T) {
	receipt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	w := WireRecord{Event: "dns", Time: "2025-06-01T11:59:58.5Z", Data: map[string]any{"host": "example.org"}}
	ev := FromWire(w, receipt)
	if !ev.Time.Equal(time.Date(2025, 6, 1, 11, 59, 58, 500000000, time.UTC)) {
		t.Errorf("time = %v, want payload timestamp", ev.Time)
	}

	// Unparseable timestamp falls back to the receipt time.
	w.Time = "not-a-time"
	ev = FromWire(w, receipt)
	if !ev.Time.Equal(receipt) {
		t.Errorf("time = %v, want receipt fallback %v", ev.Time, receipt)
	}
}

func TestLineString(t *testing.T) {
	ln := Line{Tag: TagOutput, Text: "hello"}
	if ln.String() != "[OUT ] hello" {
		t.Errorf("line = %q", ln.String())
	}

	ev := Event{Kind: KindHTTP, Summary: "GET http://example.org/"}
	if got := ev.Line().String(); got != "[HTTP] GET http://example.org/" {
		t.Errorf("event line = %q", got)
	}
}

func TestTagsAreFiveColumns(t *testing.T) {
	tags := []string{KindHTTP.Tag(), KindDNS.Tag(), KindSock.Tag(), KindProc.Tag(), Kind("x").Tag(), TagOutput}
	for _, tag := range tags {
		if len(tag) != 6 {
			t.Errorf("tag %q has width %d, want 6", tag, len(tag))
		}
	}
}
