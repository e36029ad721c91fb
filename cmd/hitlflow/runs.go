package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/deepnoodle-ai/hitlflow"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newRunsCommand(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List workflow runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load(os.Stderr)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			summaries, err := a.engine.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), summaries)
			}
			return printRuns(cmd.OutOrStdout(), summaries)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newInspectCommand(root *rootOptions) *cobra.Command {
	var journal bool
	cmd := &cobra.Command{
		Use:   "inspect <run-id>",
		Short: "Print the full state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load(os.Stderr)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if journal {
				entries, err := a.engine.Journal(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			run, err := a.engine.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), run)
		},
	}
	cmd.Flags().BoolVar(&journal, "journal", false, "Print the stage journal instead of the run state")
	return cmd
}

func newRecoverCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover <run-id>",
		Short: "Continue a run interrupted by a crash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load(os.Stderr)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			handle, err := a.engine.Recover(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			color.Green("Run %s is %s", handle.RunID, handle.Status)
			return nil
		},
	}
}

func printRuns(w io.Writer, summaries []*hitlflow.RunSummary) error {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No runs")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTATUS\tNEXT\tCHECKPOINT\tERRORS\tUPDATED")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.RunID, s.Status, s.NextStage, s.CheckpointID, s.ErrorCount,
			s.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
