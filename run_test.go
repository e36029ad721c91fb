package hitlflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRun(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	input := map[string]any{"invoice_id": "INV-1", "lines": []any{"a"}}
	run := NewRun("run_1", "wf", input, StageIntake, now)

	require.Equal(t, RunStatusRunning, run.Status)
	require.Equal(t, []Stage{StageIntake}, run.Pending)
	require.Empty(t, run.Errors)
	require.Empty(t, run.AuditLog)
	require.Empty(t, run.Outputs.Completed())

	// The input is copied
	input["invoice_id"] = "changed"
	require.Equal(t, "INV-1", run.Input["invoice_id"])

	empty := NewRun("run_2", "wf", nil, StageIntake, now)
	require.NotNil(t, empty.Input)
}

func TestRunJSONShape(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	run := NewRun("run_1", "wf", map[string]any{"amount": 100.0}, StageIntake, now)
	require.NoError(t, run.Outputs.Set(StageIntake, Output{"validated": true}))

	data, err := json.Marshal(run)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, "run_1", raw["run_id"])
	require.Equal(t, "RUNNING", raw["status"])
	require.Equal(t, []any{"INTAKE"}, raw["pending_stages"])
	require.Equal(t, map[string]any{"INTAKE": map[string]any{"validated": true}}, raw["stage_outputs"])
	require.NotContains(t, raw, "checkpoint_id")
	require.NotContains(t, raw, "inbox")
}

func TestRunClone(t *testing.T) {
	run := NewRun("run_1", "wf", map[string]any{"amount": 100.0}, StageIntake, time.Now())
	require.NoError(t, run.Outputs.Set(StageIntake, Output{"nested": map[string]any{"k": "v"}}))

	clone := run.Clone()
	clone.Pending[0] = StageComplete
	out, _ := clone.Outputs.Get(StageIntake)
	out["nested"].(map[string]any)["k"] = "changed"

	require.Equal(t, StageIntake, run.Pending[0])
	original, _ := run.Outputs.Get(StageIntake)
	require.Equal(t, "v", original["nested"].(map[string]any)["k"])
}

func TestStageOutputs(t *testing.T) {
	var outputs StageOutputs
	_, ok := outputs.Get(StageApprove)
	require.False(t, ok)

	require.NoError(t, outputs.Set(StageApprove, Output{"approval_status": "APPROVED"}))
	require.NoError(t, outputs.Set(StageIntake, Output{"validated": true}))
	require.Equal(t, []Stage{StageIntake, StageApprove}, outputs.Completed())

	// Re-entry overwrites
	require.NoError(t, outputs.Set(StageApprove, Output{"approval_status": "ESCALATED"}))
	out, ok := outputs.Get(StageApprove)
	require.True(t, ok)
	require.Equal(t, "ESCALATED", out.String("approval_status"))

	require.Error(t, outputs.Set(StageEnd, Output{"x": 1}))
	require.Error(t, outputs.Set("SHIP", Output{"x": 1}))
	require.Error(t, outputs.Set(StageNotify, Output{}))
}

func TestStageParsing(t *testing.T) {
	stage, err := ParseStage("MATCH_TWO_WAY")
	require.NoError(t, err)
	require.Equal(t, StageMatchTwoWay, stage)

	stage, err = ParseStage("END")
	require.NoError(t, err)
	require.Equal(t, StageEnd, stage)

	_, err = ParseStage("match_two_way")
	require.Error(t, err)
}

func TestOutputAccessors(t *testing.T) {
	out := Output{"name": "acme", "amount": 12, "ratio": 0.5, "flag": true}
	require.Equal(t, "acme", out.String("name"))
	require.Equal(t, "", out.String("amount"))

	v, ok := out.Float("amount")
	require.True(t, ok)
	require.Equal(t, 12.0, v)
	v, ok = out.Float("ratio")
	require.True(t, ok)
	require.Equal(t, 0.5, v)
	_, ok = out.Float("flag")
	require.False(t, ok)
}

func TestDecisionOutput(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	d := &Decision{CheckpointID: "ckpt_1", Decision: DecisionAccept, ReviewerID: "bob", SubmittedAt: at}
	require.Equal(t, Output{
		"human_decision": "ACCEPT",
		"reviewer_id":    "bob",
		"processed_at":   "2026-05-01T09:30:00Z",
	}, d.output())

	d.Notes = "fine"
	require.Equal(t, "fine", d.output()["notes"])
}

func TestRunStatusTerminal(t *testing.T) {
	require.False(t, RunStatusRunning.Terminal())
	require.False(t, RunStatusPaused.Terminal())
	require.True(t, RunStatusCompleted.Terminal())
	require.True(t, RunStatusFailed.Terminal())
	require.True(t, RunStatusManualHandling.Terminal())
}
