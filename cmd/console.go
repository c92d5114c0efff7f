package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/escape-velocity-ventures/sandtrace/internal/console"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive session: run, stop, and inspect targets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		sess, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		sup := sess.supervisor(cfg)
		return console.New(sup, sess.hist, os.Stdin, os.Stdout).Run()
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}
