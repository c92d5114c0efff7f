package supervisor

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/escape-velocity-ventures/sandtrace/internal/event"
	"github.com/escape-velocity-ventures/sandtrace/internal/sink"
)

// Mode selects how a target is launched.
type Mode string

const (
	// ModeInstrumented auto-loads the interception payload into the
	// target's interpreter and captures its events.
	ModeInstrumented Mode = "instrumented"
	// ModeRaw only captures the target's stdout/stderr.
	ModeRaw Mode = "raw"
)

// State is the lifecycle phase of a run.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Terminal reports whether the run has finished, successfully or not.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

var (
	// ErrAlreadyRunning is returned by Start while a run is active.
	ErrAlreadyRunning = errors.New("a run is already active")
	// ErrNotRunning is returned by Stop when no run is active.
	ErrNotRunning = errors.New("no run is active")
	// ErrSpawn wraps failures to start the target process.
	ErrSpawn = errors.New("target failed to spawn")
)

// run is the mutable state of one supervised execution. Fields are
// guarded by the supervisor's mutex except where noted.
type run struct {
	id     string
	mode   Mode
	target []string
	dir    string

	cmd   *exec.Cmd
	tty   *os.File         // pty master, nil for pipe capture
	pipes []*io.PipeWriter // stdout/stderr hand-off, closed after reap
	snk   *sink.Sink
	out   chan event.Line

	state         State
	err           error
	stopRequested bool
	started       time.Time
	ended         time.Time
	exitCode      int

	readers sync.WaitGroup
	cleanup sync.Once

	spawned chan struct{} // closed once the spawn attempt is decided
	exited  chan struct{} // closed once cmd.Wait has returned
	outDone chan struct{} // closed once the merge consumer has drained
	done    chan struct{} // closed once cleanup has completed
}

// Status is a non-blocking snapshot of the supervisor's current (or
// most recent) run.
type Status struct {
	State             State
	RunID             string
	Mode              Mode
	Target            []string
	EphemeralDir      string
	Events            uint64
	SinkWriteFailures uint64
	Elapsed           time.Duration
	ExitCode          int
	Err               error
}

// RunSummary is the terminal-state record handed to the recorder.
type RunSummary struct {
	ID        string
	Target    []string
	Mode      Mode
	State     State
	Events    uint64
	ExitCode  int
	StartedAt time.Time
	EndedAt   time.Time
}

// RecorderFunc persists a summary of a finished run, e.g. into the
// history ledger. Recording failures are logged, never fatal.
type RecorderFunc func(RunSummary) error
