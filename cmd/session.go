package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/escape-velocity-ventures/sandtrace/internal/config"
	"github.com/escape-velocity-ventures/sandtrace/internal/event"
	"github.com/escape-velocity-ventures/sandtrace/internal/history"
	"github.com/escape-velocity-ventures/sandtrace/internal/stream"
	"github.com/escape-velocity-ventures/sandtrace/internal/supervisor"
)

// session bundles the sinks shared by the run and console commands:
// the terminal, the optional WebSocket broadcaster, and the optional
// run-history ledger.
type session struct {
	out   io.Writer
	hist  *history.Store
	bcast *stream.Broadcaster
}

func newSession(cfg *config.Config) (*session, error) {
	s := &session{out: os.Stdout}

	if cfg.HistoryPath != "" {
		h, err := history.Open(cfg.HistoryPath)
		if err != nil {
			return nil, err
		}
		s.hist = h
	}

	if cfg.Listen != "" {
		s.bcast = stream.NewBroadcaster()
		go func() {
			if err := s.bcast.ListenAndServe(cfg.Listen); err != nil {
				slog.Error("stream listener failed", "addr", cfg.Listen, "error", err)
			}
		}()
		slog.Info("serving merged output stream", "addr", cfg.Listen, "path", "/stream")
	}
	return s, nil
}

// supervisor builds a supervisor wired to this session's sinks.
func (s *session) supervisor(cfg *config.Config) *supervisor.Supervisor {
	return supervisor.New(supervisor.Config{
		GracePeriod:       cfg.GracePeriod,
		OutputBuffer:      cfg.OutputBuffer,
		FailOnNonZeroExit: cfg.FailOnNonZeroExit,
		UsePTY:            cfg.UsePTY,
	}, s.handle, s.record)
}

// handle receives every merged output line, in order, from the
// supervisor's single consumer goroutine.
func (s *session) handle(ln event.Line) {
	fmt.Fprintln(s.out, ln.String())
	if s.bcast != nil {
		s.bcast.Publish(ln.String())
	}
}

func (s *session) record(sum supervisor.RunSummary) error {
	if s.hist == nil {
		return nil
	}
	return s.hist.Record(history.RunRecord{
		ID:        sum.ID,
		Target:    history.TargetLine(sum.Target),
		Mode:      string(sum.Mode),
		State:     string(sum.State),
		Events:    sum.Events,
		ExitCode:  sum.ExitCode,
		StartedAt: sum.StartedAt,
		EndedAt:   sum.EndedAt,
	})
}

func (s *session) Close() {
	if s.bcast != nil {
		s.bcast.Close()
	}
	if s.hist != nil {
		if err := s.hist.Close(); err != nil {
			slog.Error("close history ledger", "error", err)
		}
	}
}
