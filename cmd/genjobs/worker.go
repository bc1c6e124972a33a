package main

import (
	"os"

	"github.com/spf13/cobra"

	"genjobs/internal/config"
	"genjobs/internal/logging"
	"genjobs/internal/worker"
)

// newWorkerCommand runs one job from a spec file. It is started by the
// process launcher and inside the worker container, never by hand.
func newWorkerCommand() *cobra.Command {
	var specPath string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a single job in an isolated worker",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the event stream; logs go to stderr.
			logging.Setup(os.Stderr, config.GetEnv("LOG_LEVEL", "info"), "component", "worker")
			return worker.Main(cmd.Context(), specPath, os.Stdout, os.Stderr)
		},
	}
	cmd.Flags().StringVar(&specPath, "spec", "", "path to the worker spec file")
	if err := cmd.MarkFlagRequired("spec"); err != nil {
		panic(err)
	}
	return cmd
}
