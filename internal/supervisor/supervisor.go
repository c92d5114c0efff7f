// Package supervisor owns the lifecycle of one observed target process:
// spawn (instrumented or raw), output multiplexing, event capture, and
// unconditional cleanup of per-run state.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/escape-velocity-ventures/sandtrace/internal/bootstrap"
	"github.com/escape-velocity-ventures/sandtrace/internal/event"
	"github.com/escape-velocity-ventures/sandtrace/internal/sink"
)

const (
	sockName = "events.sock"
	logName  = "events.jsonl"

	// maxOutputLine bounds a single passthrough line from the target.
	maxOutputLine = 1 << 20
)

// Config controls supervisor behavior for every run it starts.
type Config struct {
	// GracePeriod is the SIGTERM-to-SIGKILL window on Stop, and the
	// bound on post-exit output draining.
	GracePeriod time.Duration
	// OutputBuffer is the merged stream channel capacity.
	OutputBuffer int
	// FailOnNonZeroExit marks self-terminated runs with a non-zero
	// exit code as failed instead of stopped.
	FailOnNonZeroExit bool
	// UsePTY runs the target on a pseudo-terminal, which keeps
	// tty-sensitive targets line-buffered. Stdout and stderr share
	// the pty stream.
	UsePTY bool
}

// Supervisor drives at most one run at a time. Start, Stop, and Status
// are safe for concurrent use.
type Supervisor struct {
	log    *slog.Logger
	cfg    Config
	handle func(event.Line)
	record RecorderFunc

	mu  sync.Mutex
	run *run
}

// New returns a supervisor that forwards every merged output line to
// handle and, when record is non-nil, persists a summary of each
// finished run.
func New(cfg Config, handle func(event.Line), record RecorderFunc) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 3 * time.Second
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = 256
	}
	if handle == nil {
		handle = func(event.Line) {}
	}
	return &Supervisor{
		log:    slog.Default().With("component", "supervisor"),
		cfg:    cfg,
		handle: handle,
		record: record,
	}
}

// Start launches target under observation. It returns ErrAlreadyRunning
// while a run is active, a bootstrap.ErrInstrumentation error when
// instrumented mode cannot be arranged (the child is never spawned in
// that case), and an ErrSpawn error when the target cannot be started.
// Failed starts leave no ephemeral state behind.
func (s *Supervisor) Start(target []string, mode Mode) error {
	if len(target) == 0 {
		return fmt.Errorf("%w: empty command", ErrSpawn)
	}

	r := &run{
		id:       uuid.NewString(),
		mode:     mode,
		target:   append([]string(nil), target...),
		state:    StateStarting,
		exitCode: -1,
		spawned:  make(chan struct{}),
		exited:   make(chan struct{}),
		outDone:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.run != nil && !s.run.state.Terminal() {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.run = r
	s.mu.Unlock()

	err := s.launch(r, mode)
	close(r.spawned)
	return err
}

func (s *Supervisor) launch(r *run, mode Mode) error {
	s.mu.Lock()
	r.started = time.Now()
	s.mu.Unlock()

	dir, err := os.MkdirTemp("", "sandtrace-*")
	if err != nil {
		return s.failStart(r, fmt.Errorf("%w: ephemeral dir: %v", ErrSpawn, err))
	}
	s.mu.Lock()
	r.dir = dir
	s.mu.Unlock()

	r.out = make(chan event.Line, s.cfg.OutputBuffer)

	var env []string
	if mode == ModeInstrumented {
		sockPath := filepath.Join(dir, sockName)
		snk, err := sink.Listen(sockPath, filepath.Join(dir, logName), func(ev event.Event) {
			r.out <- ev.Line()
		})
		if err != nil {
			return s.failStart(r, fmt.Errorf("%w: event channel: %v", bootstrap.ErrInstrumentation, err))
		}
		r.snk = snk
		desc, err := bootstrap.Prepare(dir, sockPath)
		if err != nil {
			return s.failStart(r, err)
		}
		env = desc.Env(os.Environ())
	}

	cmd := exec.Command(r.target[0], r.target[1:]...)
	cmd.Env = env // nil inherits the parent environment (raw mode)
	cmd.WaitDelay = s.cfg.GracePeriod

	s.mu.Lock()
	r.cmd = cmd
	s.mu.Unlock()

	if s.cfg.UsePTY {
		tty, err := pty.Start(cmd)
		if err != nil {
			return s.failStart(r, fmt.Errorf("%w: %v", ErrSpawn, err))
		}
		r.tty = tty
		r.readers.Add(1)
		go s.readStream(r, tty)
	} else {
		// Writers rather than StdoutPipe: exec's own copy goroutines
		// drain the kernel pipes, so Wait (bounded by WaitDelay) hands
		// over the tail output before the streams are torn down.
		outR, outW := io.Pipe()
		errR, errW := io.Pipe()
		cmd.Stdout = outW
		cmd.Stderr = errW
		if err := cmd.Start(); err != nil {
			return s.failStart(r, fmt.Errorf("%w: %v", ErrSpawn, err))
		}
		r.pipes = []*io.PipeWriter{outW, errW}
		r.readers.Add(2)
		go s.readStream(r, outR)
		go s.readStream(r, errR)
	}

	s.mu.Lock()
	r.state = StateRunning
	s.mu.Unlock()
	s.log.Info("target started", "run", r.id, "mode", r.mode, "pid", cmd.Process.Pid)

	go s.consume(r)
	go s.waitChild(r)
	return nil
}

// failStart moves a run that never reached running into failed and
// removes whatever per-run state had been acquired so far.
func (s *Supervisor) failStart(r *run, err error) error {
	if r.snk != nil {
		r.snk.Close()
	}
	if r.dir != "" {
		os.RemoveAll(r.dir)
	}
	s.mu.Lock()
	r.state = StateFailed
	r.err = err
	r.ended = time.Now()
	summary := s.summaryLocked(r)
	s.mu.Unlock()

	s.recordRun(summary)
	close(r.done)
	return err
}

// consume is the single consumer of the merged stream: it preserves
// per-source ordering because every producer is one goroutine writing
// to one channel, and it is the only caller of the line handler.
func (s *Supervisor) consume(r *run) {
	defer close(r.outDone)
	for ln := range r.out {
		s.handle(ln)
	}
}

// readStream decodes one raw output stream into passthrough lines.
func (s *Supervisor) readStream(r *run, rd io.Reader) {
	defer r.readers.Done()
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
	for sc.Scan() {
		r.out <- event.Line{Tag: event.TagOutput, Text: sc.Text()}
	}
}

// waitChild reaps the target and triggers the teardown sequence. Child
// self-termination takes exactly the same path as an explicit Stop.
func (s *Supervisor) waitChild(r *run) {
	werr := r.cmd.Wait()
	// Wait has already collected everything the child wrote (WaitDelay
	// bounds that when a descendant keeps the pipes open); closing the
	// writers delivers EOF to the line readers.
	for _, w := range r.pipes {
		w.Close()
	}

	exit := 0
	if werr != nil {
		exit = -1
		var ee *exec.ExitError
		if errors.As(werr, &ee) {
			exit = ee.ExitCode()
		}
	}

	s.mu.Lock()
	r.exitCode = exit
	if werr != nil && !r.stopRequested && r.err == nil {
		r.err = werr
	}
	s.mu.Unlock()

	close(r.exited)
	s.finish(r)
}

// finish drains and releases everything a run owns, exactly once, and
// moves it to its terminal state. Every path that ends a run funnels
// through here: Stop, child self-exit, forced kill.
func (s *Supervisor) finish(r *run) {
	r.cleanup.Do(func() {
		s.mu.Lock()
		if !r.state.Terminal() {
			r.state = StateStopping
		}
		s.mu.Unlock()

		<-r.exited

		if r.tty != nil {
			// A pty master only errors out once the slave side is
			// fully closed; give the reader the grace period, then
			// close the master regardless, both to unwedge a reader
			// blocked by a grandchild holding the tty and to release
			// the descriptor.
			drained := make(chan struct{})
			go func() {
				r.readers.Wait()
				close(drained)
			}()
			select {
			case <-drained:
			case <-time.After(s.cfg.GracePeriod):
			}
			r.tty.Close()
		}
		r.readers.Wait()

		if r.snk != nil {
			if err := r.snk.Close(); err != nil {
				s.log.Error("event sink close", "run", r.id, "error", err)
			}
		}
		close(r.out)
		<-r.outDone

		s.mu.Lock()
		final := StateStopped
		if !r.stopRequested && s.cfg.FailOnNonZeroExit && r.exitCode != 0 {
			final = StateFailed
		}
		r.state = final
		r.ended = time.Now()
		summary := s.summaryLocked(r)
		s.mu.Unlock()

		s.recordRun(summary)
		if err := os.RemoveAll(r.dir); err != nil {
			s.log.Error("remove ephemeral dir", "run", r.id, "dir", r.dir, "error", err)
		}
		s.log.Info("run finished", "run", r.id, "state", final, "exit", summary.ExitCode, "events", summary.Events)
		close(r.done)
	})
}

// Stop terminates the active run: SIGTERM, then SIGKILL after the
// grace period. It returns once draining and cleanup have completed,
// regardless of how the child went away. Concurrent callers join the
// same teardown.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	r := s.run
	if r == nil || r.state == StateIdle || r.state.Terminal() {
		s.mu.Unlock()
		return ErrNotRunning
	}
	r.stopRequested = true
	s.mu.Unlock()

	<-r.spawned

	s.mu.Lock()
	if r.state.Terminal() {
		s.mu.Unlock()
		return ErrNotRunning
	}
	r.state = StateStopping
	proc := r.cmd.Process
	s.mu.Unlock()

	if proc != nil {
		// The process may already be gone; termination errors are
		// irrelevant because cleanup below is unconditional.
		_ = proc.Signal(syscall.SIGTERM)
	}
	select {
	case <-r.exited:
	case <-time.After(s.cfg.GracePeriod):
		if proc != nil {
			_ = proc.Kill()
		}
	}

	<-r.done
	return nil
}

// Status reports the current run's state and counters. It never blocks
// on stream progress and is safe to call concurrently with Start and
// Stop. After a run finishes its terminal state stays visible until
// the next Start.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.run
	if r == nil {
		return Status{State: StateIdle, ExitCode: -1}
	}
	st := Status{
		State:        r.state,
		RunID:        r.id,
		Mode:         r.mode,
		Target:       append([]string(nil), r.target...),
		EphemeralDir: r.dir,
		ExitCode:     r.exitCode,
		Err:          r.err,
	}
	if r.snk != nil {
		st.Events = r.snk.Events()
		st.SinkWriteFailures = r.snk.WriteFailures()
	}
	switch {
	case r.started.IsZero():
	case r.state.Terminal():
		st.Elapsed = r.ended.Sub(r.started)
	default:
		st.Elapsed = time.Since(r.started)
	}
	return st
}

// Wait blocks until the current run reaches a terminal state and
// returns the final status. With no run it returns immediately.
func (s *Supervisor) Wait() Status {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r != nil {
		<-r.done
	}
	return s.Status()
}

func (s *Supervisor) summaryLocked(r *run) RunSummary {
	sum := RunSummary{
		ID:        r.id,
		Target:    append([]string(nil), r.target...),
		Mode:      r.mode,
		State:     r.state,
		ExitCode:  r.exitCode,
		StartedAt: r.started,
		EndedAt:   r.ended,
	}
	if r.snk != nil {
		sum.Events = r.snk.Events()
	}
	return sum
}

func (s *Supervisor) recordRun(sum RunSummary) {
	if s.record == nil {
		return
	}
	if err := s.record(sum); err != nil {
		s.log.Error("record run summary", "run", sum.ID, "error", err)
	}
}
