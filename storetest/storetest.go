// Package storetest holds the behaviour every hitlflow.Store must share.
// Backends call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/hitlflow"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) hitlflow.Store

// SampleRun returns a run with some outputs and history.
func SampleRun(id string, createdAt time.Time) *hitlflow.Run {
	run := hitlflow.NewRun(id, "InvoiceProcessing", map[string]any{
		"invoice_id": "INV-" + id,
		"amount":     9999.0,
	}, hitlflow.StageIntake, createdAt)
	_ = run.Outputs.Set(hitlflow.StageIntake, hitlflow.Output{
		"validated": true,
		"raw_id":    "raw_" + id,
	})
	_ = run.Outputs.Set(hitlflow.StageMatchTwoWay, hitlflow.Output{
		"match_result":   "FAILED",
		"match_evidence": map[string]any{"reason": "Forced failure for demo"},
	})
	run.Pending = []hitlflow.Stage{hitlflow.StageHITLDecision}
	run.AuditLog = append(run.AuditLog, hitlflow.AuditEvent{
		At:    createdAt,
		Event: hitlflow.EventStarted,
		Stage: hitlflow.StageIntake,
	})
	return run
}

// Run exercises a store through its whole contract.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("save and load", func(t *testing.T) {
		store := newStore(t)
		run := SampleRun("run_a", base)
		require.NoError(t, store.Save(ctx, run))

		loaded, err := store.Load(ctx, "run_a")
		require.NoError(t, err)
		require.Equal(t, run.ID, loaded.ID)
		require.Equal(t, run.Status, loaded.Status)
		require.Equal(t, run.Pending, loaded.Pending)
		require.True(t, run.CreatedAt.Equal(loaded.CreatedAt))

		match, ok := loaded.Outputs.Get(hitlflow.StageMatchTwoWay)
		require.True(t, ok)
		require.Equal(t, "FAILED", match["match_result"])
		_, ok = loaded.Outputs.Get(hitlflow.StageComplete)
		require.False(t, ok)
	})

	t.Run("load unknown run", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Load(ctx, "run_missing")
		require.ErrorIs(t, err, hitlflow.ErrRunNotFound)
	})

	t.Run("load is idempotent", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Save(ctx, SampleRun("run_b", base)))

		first, err := store.Load(ctx, "run_b")
		require.NoError(t, err)
		second, err := store.Load(ctx, "run_b")
		require.NoError(t, err)

		firstJSON, err := json.Marshal(first)
		require.NoError(t, err)
		secondJSON, err := json.Marshal(second)
		require.NoError(t, err)
		require.Equal(t, string(firstJSON), string(secondJSON))
	})

	t.Run("save overwrites", func(t *testing.T) {
		store := newStore(t)
		run := SampleRun("run_c", base)
		require.NoError(t, store.Save(ctx, run))

		run.Status = hitlflow.RunStatusCompleted
		run.Pending = []hitlflow.Stage{}
		require.NoError(t, store.Save(ctx, run))

		loaded, err := store.Load(ctx, "run_c")
		require.NoError(t, err)
		require.Equal(t, hitlflow.RunStatusCompleted, loaded.Status)
		require.Empty(t, loaded.Pending)
	})

	t.Run("loaded runs are independent copies", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Save(ctx, SampleRun("run_d", base)))

		loaded, err := store.Load(ctx, "run_d")
		require.NoError(t, err)
		loaded.Status = hitlflow.RunStatusFailed

		again, err := store.Load(ctx, "run_d")
		require.NoError(t, err)
		require.Equal(t, hitlflow.RunStatusRunning, again.Status)
	})

	t.Run("checkpoint lifecycle", func(t *testing.T) {
		store := newStore(t)
		run := SampleRun("run_e", base)
		require.NoError(t, store.Save(ctx, run))

		id, err := store.CreateCheckpoint(ctx, run.ID, run.Clone(), "Forced failure for demo")
		require.NoError(t, err)
		require.NotEmpty(t, id)

		record, err := store.GetCheckpoint(ctx, id)
		require.NoError(t, err)
		require.Equal(t, id, record.ID)
		require.Equal(t, run.ID, record.RunID)
		require.Equal(t, hitlflow.StageHITLDecision, record.Stage)
		require.Equal(t, "Forced failure for demo", record.PausedReason)
		require.False(t, record.Consumed())
		require.NotNil(t, record.Snapshot)
		require.Equal(t, run.ID, record.Snapshot.ID)

		pending, err := store.PendingCheckpoints(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, id, pending[0].ID)

		runID, err := store.ConsumeCheckpoint(ctx, id)
		require.NoError(t, err)
		require.Equal(t, run.ID, runID)

		_, err = store.ConsumeCheckpoint(ctx, id)
		require.ErrorIs(t, err, hitlflow.ErrUnknownCheckpoint)
		_, err = store.GetCheckpoint(ctx, id)
		require.ErrorIs(t, err, hitlflow.ErrUnknownCheckpoint)

		pending, err = store.PendingCheckpoints(ctx)
		require.NoError(t, err)
		require.Empty(t, pending)

		// The run outlives its checkpoint.
		_, err = store.Load(ctx, run.ID)
		require.NoError(t, err)
	})

	t.Run("checkpoint ids are unique", func(t *testing.T) {
		store := newStore(t)
		run := SampleRun("run_f", base)
		require.NoError(t, store.Save(ctx, run))

		first, err := store.CreateCheckpoint(ctx, run.ID, run.Clone(), "first")
		require.NoError(t, err)
		second, err := store.CreateCheckpoint(ctx, run.ID, run.Clone(), "second")
		require.NoError(t, err)
		require.NotEqual(t, first, second)

		pending, err := store.PendingCheckpoints(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
	})

	t.Run("unknown checkpoint", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetCheckpoint(ctx, "ckpt_missing")
		require.ErrorIs(t, err, hitlflow.ErrUnknownCheckpoint)
		_, err = store.ConsumeCheckpoint(ctx, "ckpt_missing")
		require.ErrorIs(t, err, hitlflow.ErrUnknownCheckpoint)
	})

	t.Run("consume is at most once under contention", func(t *testing.T) {
		store := newStore(t)
		run := SampleRun("run_g", base)
		require.NoError(t, store.Save(ctx, run))
		id, err := store.CreateCheckpoint(ctx, run.ID, run.Clone(), "race")
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mutex sync.Mutex
		successes := 0
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.ConsumeCheckpoint(ctx, id); err == nil {
					mutex.Lock()
					successes++
					mutex.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, successes)
	})

	t.Run("list runs newest first", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Save(ctx, SampleRun("run_old", base)))
		require.NoError(t, store.Save(ctx, SampleRun("run_new", base.Add(time.Hour))))

		summaries, err := store.ListRuns(ctx)
		require.NoError(t, err)
		require.Len(t, summaries, 2)
		require.Equal(t, "run_new", summaries[0].RunID)
		require.Equal(t, "run_old", summaries[1].RunID)
		require.Equal(t, hitlflow.StageHITLDecision, summaries[0].NextStage)
	})
}
