package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deepnoodle-ai/hitlflow"
	"github.com/deepnoodle-ai/hitlflow/config"
	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func testConfig(t *testing.T, dsn string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.DSN = dsn
	cfg.Store.CheckpointDir = t.TempDir()
	return cfg
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cases := map[string]string{
		"sqlite://" + filepath.Join(dir, "runs.db"): "*sqlite.Store",
		"file://" + filepath.Join(dir, "files"):     "*hitlflow.FileStore",
		"file://":                                   "*hitlflow.FileStore",
		"memory://":                                 "*hitlflow.MemoryStore",
	}
	for dsn, want := range cases {
		store, err := openStore(ctx, config.StoreConfig{DSN: dsn, CheckpointDir: dir})
		require.NoError(t, err, dsn)
		require.Equal(t, want, typeName(store), dsn)
		require.NoError(t, store.Close())
	}

	for _, dsn := range []string{"demo.db", "mysql://localhost/db", "sqlite://"} {
		_, err := openStore(ctx, config.StoreConfig{DSN: dsn})
		require.Error(t, err, dsn)
	}
}

func TestOpenQueue(t *testing.T) {
	queue, err := openQueue(context.Background(), config.QueueConfig{Driver: "memory"})
	require.NoError(t, err)
	require.IsType(t, &hitlflow.MemoryReviewQueue{}, queue)

	_, err = openQueue(context.Background(), config.QueueConfig{Driver: "kafka"})
	require.Error(t, err)
}

func TestLoadGraphFromFile(t *testing.T) {
	graph, err := loadGraph(config.WorkflowConfig{Name: "Payables"})
	require.NoError(t, err)
	require.Equal(t, "Payables", graph.Name())

	_, err = loadGraph(config.WorkflowConfig{GraphFile: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
	require.False(t, hitlflow.IsInvalidGraph(err))

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("name: Payables\n"), 0o644))
	_, err = loadGraph(config.WorkflowConfig{GraphFile: empty})
	require.True(t, hitlflow.IsInvalidGraph(err))
	require.ErrorContains(t, err, "workflow.graph_file "+empty)
}

func TestDemo(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t, "memory://"), hitlflow.NewTextLogger(&bytes.Buffer{}, 0))
	require.NoError(t, err)
	defer a.Close()

	var out bytes.Buffer
	require.NoError(t, runDemo(ctx, a.engine, &out))

	text := out.String()
	require.Contains(t, text, "COMPLETED")
	require.Contains(t, text, "PAUSED")
	require.Contains(t, text, "next=CLARIFY")
	require.Contains(t, text, "pending reviews: 0")

	summaries, err := a.engine.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	for _, s := range summaries {
		require.Equal(t, hitlflow.RunStatusCompleted, s.Status)
	}
}

func TestAppSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "sqlite://"+filepath.Join(t.TempDir(), "runs.db"))
	logger := hitlflow.NewTextLogger(&bytes.Buffer{}, 0)

	first, err := newApp(ctx, cfg, logger)
	require.NoError(t, err)
	handle, err := first.engine.Start(ctx, map[string]any{"invoice_id": "INV-2", "amount": 9999})
	require.NoError(t, err)
	require.Equal(t, hitlflow.RunStatusPaused, handle.Status)
	require.NoError(t, first.Close())

	second, err := newApp(ctx, cfg, logger)
	require.NoError(t, err)
	defer second.Close()

	restored, err := second.engine.RestoreReviewQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, restored)

	handle, err = second.engine.Resume(ctx, hitlflow.Decision{
		CheckpointID: handle.CheckpointID,
		Decision:     hitlflow.DecisionAccept,
		ReviewerID:   "reviewer",
	})
	require.NoError(t, err)
	require.Equal(t, hitlflow.RunStatusCompleted, handle.Status)

	entries, err := second.engine.Journal(ctx, handle.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}

func TestPrintRuns(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printRuns(&out, nil))
	require.Equal(t, "No runs\n", out.String())

	out.Reset()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, printRuns(&out, []*hitlflow.RunSummary{{
		RunID:        "run_1",
		Status:       hitlflow.RunStatusPaused,
		NextStage:    hitlflow.StageHITLDecision,
		CheckpointID: "ckpt_1",
		UpdatedAt:    now,
	}}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "RUN ID"))
	require.Contains(t, lines[1], "HITL_DECISION")
	require.Contains(t, lines[1], "2026-03-01T12:00:00Z")
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()
	names := []string{}
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	require.ElementsMatch(t, []string{"serve", "demo", "runs", "inspect", "recover"}, names)
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
