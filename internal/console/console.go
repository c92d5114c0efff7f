// Package console implements the interactive session controller: a
// line-oriented command loop that drives exactly one supervisor.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/escape-velocity-ventures/sandtrace/internal/bootstrap"
	"github.com/escape-velocity-ventures/sandtrace/internal/history"
	"github.com/escape-velocity-ventures/sandtrace/internal/supervisor"
)

const prompt = "sandtrace > "

const banner = `sandtrace — runtime behavior tracer
Run untrusted targets only inside an expendable VM or container.
Type "help" for commands.`

const usage = `Commands:
  run [--python] <command> [args...]   start a target under observation
  stop                                 terminate the active target
  status                               show run state and counters
  history                              list recent runs
  help                                 show this help
  exit                                 stop any target and quit

Examples:
  run python sample.py --opt 1         auto-detected Python, hooks active
  run --python ./renamed_py_bin        force hooks for a renamed interpreter
  run "Anime API Hunter.py"            quoted path with spaces
  run ./malware_elf --config cfg.yaml  raw run, output capture only`

// Console reads commands from in and writes responses to out. The
// merged output stream of the supervised target is delivered through
// the supervisor's own line handler, not through out.
type Console struct {
	sup  *supervisor.Supervisor
	hist *history.Store // nil disables the history command
	in   io.Reader
	out  io.Writer
}

// New returns a console driving sup. hist may be nil.
func New(sup *supervisor.Supervisor, hist *history.Store, in io.Reader, out io.Writer) *Console {
	return &Console{sup: sup, hist: hist, in: in, out: out}
}

// Run executes the command loop until exit or EOF. Any active run is
// stopped before Run returns.
func (c *Console) Run() error {
	fmt.Fprintln(c.out, banner)

	sc := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, prompt)
		if !sc.Scan() {
			break
		}
		line := strings.TrimSpace(sc.Text())

		switch {
		case line == "":
		case strings.HasPrefix(line, "run "):
			c.handleRun(strings.TrimPrefix(line, "run "))
		case line == "run":
			fmt.Fprintf(c.out, "[!] usage: run [--python] <command> [args...]\n")
		case line == "stop":
			c.handleStop()
		case line == "status":
			c.handleStatus()
		case line == "history":
			c.handleHistory()
		case line == "help", line == "-h", line == "--help":
			fmt.Fprintln(c.out, usage)
		case line == "exit":
			if err := c.sup.Stop(); err == nil {
				fmt.Fprintln(c.out, "[*] Target stopped.")
			}
			fmt.Fprintln(c.out, "[*] Session closed.")
			return sc.Err()
		default:
			fmt.Fprintln(c.out, "Unknown command. Type help.")
		}
	}

	// EOF or read error: same cleanup as exit.
	_ = c.sup.Stop()
	return sc.Err()
}

func (c *Console) handleRun(rest string) {
	target, mode, err := parseRun(rest)
	if err != nil {
		fmt.Fprintf(c.out, "[!] %v\n", err)
		return
	}

	switch err := c.sup.Start(target, mode); {
	case err == nil:
		fmt.Fprintf(c.out, "[*] Target started (%s).\n", mode)
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		fmt.Fprintln(c.out, "[!] A target is already running.")
	case errors.Is(err, bootstrap.ErrInstrumentation):
		fmt.Fprintf(c.out, "[!] Cannot instrument target: %v\n", err)
	default:
		fmt.Fprintf(c.out, "[!] Failed to start: %v\n", err)
	}
}

func (c *Console) handleStop() {
	switch err := c.sup.Stop(); {
	case err == nil:
		fmt.Fprintln(c.out, "[*] Target stopped.")
	case errors.Is(err, supervisor.ErrNotRunning):
		fmt.Fprintln(c.out, "[!] No target is running.")
	default:
		fmt.Fprintf(c.out, "[!] Stop failed: %v\n", err)
	}
}

func (c *Console) handleStatus() {
	st := c.sup.Status()
	fmt.Fprintf(c.out, "[*] State:    %s\n", st.State)
	if st.RunID == "" {
		return
	}
	fmt.Fprintf(c.out, "    Target:   %s\n", strings.Join(st.Target, " "))
	fmt.Fprintf(c.out, "    Mode:     %s\n", st.Mode)
	fmt.Fprintf(c.out, "    Events:   %d\n", st.Events)
	fmt.Fprintf(c.out, "    Elapsed:  %s\n", st.Elapsed.Round(10*time.Millisecond))
	if st.State.Terminal() {
		fmt.Fprintf(c.out, "    Exit:     %d\n", st.ExitCode)
	}
	if st.SinkWriteFailures > 0 {
		fmt.Fprintf(c.out, "    Log write failures: %d\n", st.SinkWriteFailures)
	}
	if st.Err != nil {
		fmt.Fprintf(c.out, "    Error:    %v\n", st.Err)
	}
}

func (c *Console) handleHistory() {
	if c.hist == nil {
		fmt.Fprintln(c.out, "[!] Run history is disabled.")
		return
	}
	recs, err := c.hist.Recent(10)
	if err != nil {
		fmt.Fprintf(c.out, "[!] History unavailable: %v\n", err)
		return
	}
	if len(recs) == 0 {
		fmt.Fprintln(c.out, "[*] No recorded runs.")
		return
	}
	for _, rec := range recs {
		fmt.Fprintf(c.out, "%s  %-7s %-12s events=%-4d exit=%-3d %s\n",
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			rec.State, rec.Mode, rec.Events, rec.ExitCode, rec.Target)
	}
}

// parseRun tokenizes the argument of a run command and resolves the
// launch mode. Quoting follows shell rules so paths with spaces work.
func parseRun(rest string) ([]string, supervisor.Mode, error) {
	tokens, err := shlex.Split(rest)
	if err != nil {
		return nil, "", fmt.Errorf("parse command: %w", err)
	}

	force := false
	for len(tokens) > 0 {
		switch strings.ToLower(tokens[0]) {
		case "--python", "--py":
			force = true
			tokens = tokens[1:]
			continue
		}
		break
	}
	if len(tokens) == 0 {
		return nil, "", errors.New("no command provided")
	}

	mode := supervisor.ModeRaw
	if force || bootstrap.LooksLikePython(tokens) {
		mode = supervisor.ModeInstrumented
	}
	return tokens, mode, nil
}
