// Package bootstrap arranges for the interception payload to execute
// inside a Python target before any of its own code runs, using the
// interpreter's sitecustomize auto-import. The directives are scoped to
// the spawned child's environment; nothing on the host is mutated.
package bootstrap

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed sitecustomize.py
var payload string

// ErrInstrumentation reports that auto-load of the interception payload
// cannot be arranged for the child. Callers must fail the run rather
// than silently downgrade to raw capture.
var ErrInstrumentation = errors.New("instrumentation unavailable")

const (
	payloadName = "sitecustomize.py"

	// socketEnv tells the payload where to deliver events. Must match
	// the name read in sitecustomize.py.
	socketEnv = "SANDTRACE_SOCKET"

	// maxSocketPath is the portable sun_path limit.
	maxSocketPath = 104
)

// Descriptor is the per-run injection configuration: where the payload
// lives and where the child must send events. It lives in the run's
// ephemeral directory and is discarded with it.
type Descriptor struct {
	Dir         string
	PayloadPath string
	SocketPath  string
}

// Prepare writes the interception payload into dir and returns the
// descriptor for it. socketPath is the unix socket the event sink
// listens on; it is validated here because a too-long path would make
// the payload's connect fail silently inside the target.
func Prepare(dir, socketPath string) (*Descriptor, error) {
	if len(socketPath) >= maxSocketPath {
		return nil, fmt.Errorf("%w: socket path %q exceeds %d bytes", ErrInstrumentation, socketPath, maxSocketPath)
	}
	p := filepath.Join(dir, payloadName)
	if err := os.WriteFile(p, []byte(payload), 0o600); err != nil {
		return nil, fmt.Errorf("%w: write payload: %v", ErrInstrumentation, err)
	}
	return &Descriptor{Dir: dir, PayloadPath: p, SocketPath: socketPath}, nil
}

// Env returns the child's environment: base plus the auto-load
// directives. The payload directory is prepended to any inherited
// PYTHONPATH so sitecustomize resolution finds it first without hiding
// the target's own modules. Only the returned slice is affected; the
// parent's environment is never touched.
func (d *Descriptor) Env(base []string) []string {
	pythonPath := d.Dir
	env := make([]string, 0, len(base)+3)
	for _, kv := range base {
		if v, ok := strings.CutPrefix(kv, "PYTHONPATH="); ok {
			if v != "" {
				pythonPath = d.Dir + string(os.PathListSeparator) + v
			}
			continue
		}
		if strings.HasPrefix(kv, socketEnv+"=") || strings.HasPrefix(kv, "PYTHONUNBUFFERED=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env,
		"PYTHONPATH="+pythonPath,
		"PYTHONUNBUFFERED=1",
		socketEnv+"="+d.SocketPath,
	)
}

// LooksLikePython reports whether argv names a Python target: a .py
// script or an interpreter binary. Callers can force instrumented mode
// for renamed interpreters this misses.
func LooksLikePython(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	head := strings.ToLower(argv[0])
	if strings.HasSuffix(head, ".py") {
		return true
	}
	return strings.HasPrefix(filepath.Base(head), "python")
}
