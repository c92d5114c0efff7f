// Package sink receives intercept events from the instrumented target
// over a unix socket, persists them as append-only JSON lines, and
// renders each one for the merged output stream.
package sink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/escape-velocity-ventures/sandtrace/internal/event"
)

// maxLine bounds a single wire record. Anything larger is a payload
// bug, not a legitimate event.
const maxLine = 1 << 20

// drainTimeout bounds how long Close waits for open connections to
// reach EOF before severing them. By teardown time the child is gone,
// so only a descendant that outlived the run can still hold one open.
const drainTimeout = 5 * time.Second

// Sink is the receiving end of the event channel. One Sink serves one
// run; its socket and log file live in the run's ephemeral directory.
// The instrumented child and any instrumented descendants may each hold
// their own connection.
type Sink struct {
	log   *slog.Logger
	ln    net.Listener
	emit  func(event.Event)
	start time.Time

	mu       sync.Mutex // guards seq, file, conns, draining
	seq      uint64
	file     *os.File
	conns    map[net.Conn]struct{}
	draining bool

	events      atomic.Uint64
	writeFails  atomic.Uint64
	decodeFails atomic.Uint64

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Listen opens the unix socket and the append-only log file and starts
// accepting payload connections. emit is called once per accepted
// event, after its durable write; it may be nil.
func Listen(socketPath, logPath string, emit func(event.Event)) (*Sink, error) {
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("sink: listen %s: %w", socketPath, err)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("sink: open log %s: %w", logPath, err)
	}

	s := &Sink{
		log:   slog.Default().With("component", "sink"),
		ln:    ln,
		emit:  emit,
		start: time.Now(),
		file:  f,
		conns: make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// Events returns how many events have been accepted so far.
func (s *Sink) Events() uint64 { return s.events.Load() }

// WriteFailures returns how many durable writes have failed. Failed
// writes never abort the run; they only degrade durability.
func (s *Sink) WriteFailures() uint64 { return s.writeFails.Load() }

// DecodeFailures returns how many undecodable wire lines were dropped.
func (s *Sink) DecodeFailures() uint64 { return s.decodeFails.Load() }

func (s *Sink) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return // listener closed
		}
		s.mu.Lock()
		if s.draining {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Sink) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var w event.WireRecord
		if err := json.Unmarshal(line, &w); err != nil {
			s.decodeFails.Add(1)
			s.log.Warn("dropping undecodable event line", "error", err)
			continue
		}
		s.record(w)
	}
}

// record assigns the sequence number, persists the event, then hands it
// to the renderer. All three happen under the lock: the durable write
// precedes emit so every rendered event is already on disk (or counted
// as a write failure), and rendered lines leave in sequence order even
// when several connections deliver concurrently.
func (s *Sink) record(w event.WireRecord) {
	now := time.Now()
	ev := event.FromWire(w, now)
	ev.MonoNS = now.Sub(s.start).Nanoseconds()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	ev.Sequence = s.seq
	if err := s.append(ev); err != nil {
		s.writeFails.Add(1)
		s.log.Error("event log write failed", "sequence", ev.Sequence, "error", err)
	}
	s.events.Add(1)
	if s.emit != nil {
		s.emit(ev)
	}
}

func (s *Sink) append(ev event.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = s.file.Write(line)
	return err
}

// Close stops accepting, reads the open connections to EOF so every
// event already delivered to the socket lands in the log, then closes
// the file. Connections still open after the drain timeout are severed.
// Idempotent and safe to call concurrently; every caller returns after
// the drain has completed, so the ephemeral directory may be removed as
// soon as Close returns.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.draining = true
		s.mu.Unlock()
		s.ln.Close()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(drainTimeout):
			s.mu.Lock()
			for c := range s.conns {
				c.Close()
			}
			s.mu.Unlock()
			<-done
		}

		err := s.file.Sync()
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.closeErr = err
	})
	return s.closeErr
}
