// Command sandtrace launches untrusted programs under observation and
// reports their runtime behavior: child processes, DNS lookups, socket
// connections, and HTTP requests, interleaved with their own output.
//
// Usage:
//
//	sandtrace run -- python sample.py --opt 1
//	sandtrace console
//	sandtrace history -n 10
//
// sandtrace observes; it does not isolate. Run hostile samples only
// inside an expendable VM or container.
package main

import "github.com/escape-velocity-ventures/sandtrace/cmd"

// version is stamped by the release build via -ldflags.
var version = "dev"

func main() {
	cmd.Execute(version)
}
