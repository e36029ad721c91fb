package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/deepnoodle-ai/hitlflow"
	"github.com/deepnoodle-ai/hitlflow/config"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "hitlflow",
		Short: "Durable invoice workflows with human review gates",
		Long: `hitlflow runs invoice processing workflows that pause in front of a
human review gate and resume exactly where they left off once a reviewer
decides, across process restarts.

Configuration is read from defaults, the optional --config file and
HITLFLOW_* environment variables (e.g. HITLFLOW_STORE__DSN).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Path to a YAML configuration file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(
		newServeCommand(opts),
		newDemoCommand(opts),
		newRunsCommand(opts),
		newInspectCommand(opts),
		newRecoverCommand(opts),
	)
	return cmd
}

// load reads the configuration and builds the process logger.
func (o *rootOptions) load(w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, nil, err
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, newLogger(cfg.Log, w), nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := hitlflow.ParseLevel(cfg.Level)
	if cfg.Format == "json" {
		return hitlflow.NewJSONLogger(w, level)
	}
	return hitlflow.NewTextLogger(w, level)
}
