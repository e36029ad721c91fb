package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/deepnoodle-ai/hitlflow"
	"github.com/deepnoodle-ai/hitlflow/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newDemoCommand(root *rootOptions) *cobra.Command {
	var persistent bool
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Replay the invoice review scenario in-process",
		Long: `demo starts a matching invoice that completes straight away, then an
invoice whose two-way match fails. The failing run pauses for review, is sent
back for clarification, pauses again behind a new checkpoint and completes
once the second review accepts it.

The demo uses an in-memory store unless --persist is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load(os.Stderr)
			if err != nil {
				return err
			}
			if !persistent {
				cfg.Store = config.StoreConfig{DSN: "memory://"}
				cfg.Queue = config.QueueConfig{Driver: "memory"}
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return runDemo(cmd.Context(), a.engine, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&persistent, "persist", false, "Use the configured store and queue")
	return cmd
}

func runDemo(ctx context.Context, engine *hitlflow.Engine, out io.Writer) error {
	step := func(format string, args ...any) {
		fmt.Fprintln(out, color.CyanString("==> "+format, args...))
	}
	report := func(handle *hitlflow.RunHandle) {
		status := string(handle.Status)
		switch handle.Status {
		case hitlflow.RunStatusCompleted:
			status = color.GreenString(status)
		case hitlflow.RunStatusPaused:
			status = color.YellowString(status)
		default:
			status = color.RedString(status)
		}
		fmt.Fprintf(out, "    run %s: %s", handle.RunID, status)
		if handle.CheckpointID != "" {
			fmt.Fprintf(out, " (checkpoint %s)", handle.CheckpointID)
		}
		if handle.NextStage != "" {
			fmt.Fprintf(out, " next=%s", handle.NextStage)
		}
		fmt.Fprintln(out)
	}

	step("Starting INV-1 for 100.00")
	handle, err := engine.Start(ctx, map[string]any{
		"invoice_id":  "INV-1",
		"vendor_name": "Acme Corp",
		"amount":      100.0,
		"currency":    "USD",
	})
	if err != nil {
		return err
	}
	report(handle)

	step("Starting INV-2 for 9999.00 (forced match failure)")
	handle, err = engine.Start(ctx, map[string]any{
		"invoice_id":  "INV-2",
		"vendor_name": "Globex",
		"amount":      9999.0,
		"currency":    "USD",
	})
	if err != nil {
		return err
	}
	report(handle)
	if handle.Status != hitlflow.RunStatusPaused {
		return fmt.Errorf("expected INV-2 to pause, got %s", handle.Status)
	}

	if err := printPending(ctx, engine, out); err != nil {
		return err
	}

	step("Reviewer asks for clarification")
	handle, err = engine.Resume(ctx, hitlflow.Decision{
		CheckpointID: handle.CheckpointID,
		Decision:     hitlflow.DecisionClarify,
		ReviewerID:   "demo-reviewer",
		Notes:        "Please confirm the PO amount",
	})
	if err != nil {
		return err
	}
	report(handle)
	if err := printPending(ctx, engine, out); err != nil {
		return err
	}

	step("Reviewer accepts the clarified invoice")
	handle, err = engine.Resume(ctx, hitlflow.Decision{
		CheckpointID: handle.CheckpointID,
		Decision:     hitlflow.DecisionAccept,
		ReviewerID:   "demo-reviewer",
	})
	if err != nil {
		return err
	}
	report(handle)
	if err := printPending(ctx, engine, out); err != nil {
		return err
	}

	run, err := engine.GetRun(ctx, handle.RunID)
	if err != nil {
		return err
	}
	if complete, ok := run.Outputs.Get(hitlflow.StageComplete); ok {
		fmt.Fprintf(out, "    final payload: %v\n", complete["final_payload"])
	}
	return nil
}

func printPending(ctx context.Context, engine *hitlflow.Engine, out io.Writer) error {
	items, err := engine.PendingReviews(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "    pending reviews: %d\n", len(items))
	for _, item := range items {
		fmt.Fprintf(out, "      %s %s %.2f %q\n", item.CheckpointID, item.InvoiceID, item.Amount, item.Reason)
	}
	return nil
}
