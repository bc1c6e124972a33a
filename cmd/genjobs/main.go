// genjobs is a single-GPU image generation job server. The same binary runs
// the HTTP service and, as a hidden subcommand, the isolated worker.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// globalFlags holds persistent flags shared by every subcommand.
type globalFlags struct {
	ConfigPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "genjobs",
		Short: "Single-slot image generation job server",
		Long: `genjobs accepts image generation jobs over HTTP and runs them one at a
time in an isolated worker that owns the GPU.

Examples:
  genjobs serve
  genjobs serve --config /etc/genjobs/genjobs.yaml
  genjobs stats
  genjobs stats --reset`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to a YAML config file (optional; environment variables take precedence)")

	root.AddCommand(
		newServeCommand(flags),
		newWorkerCommand(),
		newStatsCommand(flags),
	)
	return root
}
