package sink

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/escape-velocity-ventures/sandtrace/internal/event"
)

func newTestSink(t *testing.T, emit func(event.Event)) (*Sink, string, string) {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "ev.sock")
	logPath := filepath.Join(dir, "events.jsonl")
	s, err := Listen(sock, logPath, emit)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, sock, logPath
}

func dial(t *testing.T, sock string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

func TestSequencedDurableLog(t *testing.T) {
	var mu sync.Mutex
	var rendered []event.Event
	s, sock, logPath := newTestSink(t, func(ev event.Event) {
		mu.Lock()
		rendered = append(rendered, ev)
		mu.Unlock()
	})

	conn := dial(t, sock)
	records := []string{
		`{"event":"dns","time":"2025-06-01T12:00:00Z","data":{"host":"example.org"}}`,
		`{"event":"http","data":{"method":"GET","url":"http://example.org/"}}`,
		`{"event":"socket","data":{"address":["93.184.216.34",80]}}`,
	}
	for _, r := range records {
		if _, err := fmt.Fprintln(conn, r); err != nil {
			t.Fatal(err)
		}
	}
	conn.Close()

	waitFor(t, func() bool { return s.Events() == uint64(len(records)) })
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := ReadLog(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(records) {
		t.Fatalf("log has %d records, want %d", len(got), len(records))
	}
	for i, ev := range got {
		if ev.Sequence != uint64(i+1) {
			t.Errorf("record %d: sequence = %d, want %d", i, ev.Sequence, i+1)
		}
	}
	if got[0].Kind != event.KindDNS || got[0].Summary != "example.org" {
		t.Errorf("record 0 = %+v", got[0])
	}
	if got[1].Kind != event.KindHTTP || got[1].Summary != "GET http://example.org/" {
		t.Errorf("record 1 = %+v", got[1])
	}

	mu.Lock()
	defer mu.Unlock()
	if len(rendered) != len(records) {
		t.Fatalf("rendered %d events, want %d", len(rendered), len(records))
	}
	for i, ev := range rendered {
		if ev.Sequence != uint64(i+1) {
			t.Errorf("rendered %d: sequence = %d", i, ev.Sequence)
		}
	}
}

func TestConcurrentConnectionsNoGaps(t *testing.T) {
	s, sock, logPath := newTestSink(t, nil)

	const conns = 8
	const perConn = 25
	var wg sync.WaitGroup
	for c := 0; c < conns; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			conn := dial(t, sock)
			defer conn.Close()
			for i := 0; i < perConn; i++ {
				fmt.Fprintf(conn, `{"event":"dns","data":{"host":"h%d-%d.example"}}`+"\n", c, i)
			}
		}(c)
	}
	wg.Wait()

	waitFor(t, func() bool { return s.Events() == conns*perConn })
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := ReadLog(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != conns*perConn {
		t.Fatalf("log has %d records, want %d", len(got), conns*perConn)
	}
	for i, ev := range got {
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("gap at record %d: sequence = %d", i, ev.Sequence)
		}
	}
}

func TestCloseDrainsDeliveredEvents(t *testing.T) {
	s, sock, logPath := newTestSink(t, nil)

	// Close immediately after the writes, without waiting for receipt:
	// everything already delivered to the socket must still land.
	conn := dial(t, sock)
	const n = 2000
	for i := 0; i < n; i++ {
		if _, err := fmt.Fprintf(conn, `{"event":"dns","data":{"host":"h%d.example"}}`+"\n", i); err != nil {
			t.Fatal(err)
		}
	}
	conn.Close()

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if got := s.Events(); got != n {
		t.Errorf("events = %d, want %d", got, n)
	}

	got, err := ReadLog(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != n {
		t.Fatalf("after Close: %d durable events, want %d", len(got), n)
	}
	for i, ev := range got {
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("gap at record %d: sequence = %d", i, ev.Sequence)
		}
	}
}

func TestRenderedOrderMatchesSequence(t *testing.T) {
	var mu sync.Mutex
	var seqs []uint64
	s, sock, _ := newTestSink(t, func(ev event.Event) {
		mu.Lock()
		seqs = append(seqs, ev.Sequence)
		mu.Unlock()
	})

	const conns = 4
	const perConn = 50
	var wg sync.WaitGroup
	for c := 0; c < conns; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			conn := dial(t, sock)
			defer conn.Close()
			for i := 0; i < perConn; i++ {
				fmt.Fprintf(conn, `{"event":"dns","data":{"host":"h%d-%d.example"}}`+"\n", c, i)
			}
		}(c)
	}
	wg.Wait()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seqs) != conns*perConn {
		t.Fatalf("rendered %d events, want %d", len(seqs), conns*perConn)
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("render order diverges at %d: sequence = %d", i, seq)
		}
	}
}

func TestMalformedLinesDropped(t *testing.T) {
	s, sock, logPath := newTestSink(t, nil)

	conn := dial(t, sock)
	fmt.Fprintln(conn, `{"event":"dns","data":{"host":"ok.example"}}`)
	fmt.Fprintln(conn, `{not json`)
	fmt.Fprintln(conn, `{"event":"dns","data":{"host":"also-ok.example"}}`)
	conn.Close()

	waitFor(t, func() bool { return s.Events() == 2 && s.DecodeFailures() == 1 })
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := ReadLog(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Fatalf("log = %+v, want 2 sequenced records", got)
	}
}

func TestReadLogTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	content := `{"sequence":1,"kind":"dns","summary":"example.org"}` + "\n" +
		`{"sequence":2,"kind":"http","summ` // abrupt termination mid-record
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := ReadLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Sequence != 1 {
		t.Fatalf("got %+v, want the single complete record", got)
	}
}

func TestCloseIdempotentAndConcurrent(t *testing.T) {
	s, _, _ := newTestSink(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Close(); err != nil {
				t.Errorf("close: %v", err)
			}
		}()
	}
	wg.Wait()
	if err := s.Close(); err != nil {
		t.Errorf("repeated close: %v", err)
	}
}

// waitFor polls until cond holds or the deadline passes. Sink delivery
// is asynchronous to the writer, so tests must wait for receipt.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
