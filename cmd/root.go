package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/escape-velocity-ventures/sandtrace/internal/config"
	"github.com/escape-velocity-ventures/sandtrace/internal/logging"
)

var (
	// Persistent flags
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "sandtrace",
	Short: "Observe process, DNS, socket, and HTTP activity of untrusted programs",
	Long: `sandtrace launches a target command under observation and reports its
externally visible behavior — child processes, DNS lookups, socket
connections, HTTP requests — interleaved with the target's own output.

Python targets are instrumented automatically: an interception payload
is auto-loaded into the interpreter before the target's code runs, with
no changes to its source. Other binaries run raw with output capture.

sandtrace observes; it does not isolate. Run hostile samples only
inside an expendable VM or container.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: ~/.sandtrace/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (env: SANDTRACE_LOG_LEVEL)")
}

// Execute runs the root command.
func Execute(version string) {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("sandtrace %s\n", version))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration and wires logging.
// Flag values win over environment and file settings.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Context(), flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	logging.Setup(cfg.LogLevel)
	return cfg, nil
}
