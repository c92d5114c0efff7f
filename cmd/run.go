package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/escape-velocity-ventures/sandtrace/internal/bootstrap"
	"github.com/escape-velocity-ventures/sandtrace/internal/supervisor"
)

var (
	flagRunPython bool
	flagRunPTY    bool
	flagRunListen string
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command> [args...]",
	Short: "Run one target under observation",
	Long: `Run launches the target, prints its output interleaved with captured
behavior events, and exits with the target's exit code. Python targets
are instrumented automatically; pass --python to force instrumentation
for a renamed interpreter.

Ctrl-C stops the target (SIGTERM, then SIGKILL after the grace period)
instead of killing sandtrace outright.`,
	Example: `  sandtrace run -- python sample.py --opt 1
  sandtrace run --python -- ./renamed_py_bin
  sandtrace run --pty -- ./malware_elf --config cfg.yaml
  sandtrace run --listen :8787 -- python dropper.py`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&flagRunPython, "python", false, "Force instrumented mode for a target not detected as Python")
	runCmd.Flags().BoolVar(&flagRunPTY, "pty", false, "Run the target on a pseudo-terminal")
	runCmd.Flags().StringVar(&flagRunListen, "listen", "", "Serve the merged output stream over WebSocket on this address")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if flagRunPTY {
		cfg.UsePTY = true
	}
	if flagRunListen != "" {
		cfg.Listen = flagRunListen
	}

	sess, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	sup := sess.supervisor(cfg)

	mode := supervisor.ModeRaw
	if flagRunPython || bootstrap.LooksLikePython(args) {
		mode = supervisor.ModeInstrumented
	}
	if err := sup.Start(args, mode); err != nil {
		return err
	}

	// Ctrl-C means "stop the target". A second signal, while teardown
	// is in flight, falls through to the default handler.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		signal.Stop(sigs)
		_ = sup.Stop()
	}()

	st := sup.Wait()
	signal.Stop(sigs)

	// Propagate the target's exit code; other failures surface as
	// ordinary errors.
	if st.ExitCode > 0 {
		sess.Close()
		os.Exit(st.ExitCode)
	}
	if st.Err != nil {
		return st.Err
	}
	return nil
}
