package hitlflow

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileStoreConsumeSurvivesStampFailure(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	run := NewRun("run_stamp", "InvoiceProcessing", map[string]any{"invoice_id": "INV-1"}, StageIntake, time.Now())
	require.NoError(t, store.Save(ctx, run))
	checkpointID, err := store.CreateCheckpoint(ctx, run.ID, run, "review")
	require.NoError(t, err)

	store.writeFile = func(path string, data []byte) error {
		return errors.New("disk full")
	}
	var buf bytes.Buffer
	runID, err := store.ConsumeCheckpoint(WithLogger(ctx, NewTextLogger(&buf, slog.LevelInfo)), checkpointID)
	require.NoError(t, err)
	require.Equal(t, run.ID, runID)
	require.Contains(t, buf.String(), "failed to stamp consumed checkpoint")
	require.Contains(t, buf.String(), "disk full")

	_, err = store.GetCheckpoint(ctx, checkpointID)
	require.ErrorIs(t, err, ErrUnknownCheckpoint)
	_, err = store.ConsumeCheckpoint(ctx, checkpointID)
	require.ErrorIs(t, err, ErrUnknownCheckpoint)
}
