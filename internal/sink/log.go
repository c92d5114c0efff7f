package sink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/escape-velocity-ventures/sandtrace/internal/event"
)

// ReadLog parses a durable event log back into events. Each record is
// one JSON line; a truncated final line (abrupt termination mid-write)
// is ignored, so the file is readable up to the last complete record.
func ReadLog(path string) ([]event.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sink: read log %s: %w", path, err)
	}

	var events []event.Event
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			// No trailing newline: incomplete record, stop here.
			break
		}
		line := bytes.TrimSpace(data[:i])
		data = data[i+1:]
		if len(line) == 0 {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return events, fmt.Errorf("sink: corrupt record after sequence %d: %w", lastSeq(events), err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func lastSeq(events []event.Event) uint64 {
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].Sequence
}
