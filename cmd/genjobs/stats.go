package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"genjobs/internal/config"
	"genjobs/internal/estimator"
	"genjobs/internal/logging"
)

// newStatsCommand prints, or resets, the persisted step statistics.
func newStatsCommand(flags *globalFlags) *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the learned step durations",
		Long: `Show the average duration of every pipeline step as used for ETAs.
With --reset the built-in defaults are restored and written to the stats file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServiceConfig(flags.ConfigPath)
			if err != nil {
				return err
			}
			logging.Setup(os.Stderr, cfg.LogLevel)

			est := estimator.New(estimator.NewFileStore(cfg.StatsFile), estimator.WithSmoothing(cfg.StatsSmoothing))
			if reset {
				if err := est.Reset(); err != nil {
					return fmt.Errorf("reset step stats: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Step stats reset in %s\n", cfg.StatsFile)
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(est.Snapshot())
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "restore the built-in defaults")
	return cmd
}
