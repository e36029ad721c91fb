package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deepnoodle-ai/hitlflow"
	"github.com/deepnoodle-ai/hitlflow/metrics"
	"github.com/deepnoodle-ai/hitlflow/stages"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const publicURL = "http://review.test"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	collector := metrics.NewCollector()
	engine, err := hitlflow.NewEngine(hitlflow.EngineOptions{
		Graph:         hitlflow.InvoiceGraph("InvoiceProcessing"),
		Stages:        stages.Executors(stages.Options{Settings: stages.DefaultSettings()}),
		Store:         hitlflow.NewMemoryStore(),
		Journal:       hitlflow.NewFileStageJournal(t.TempDir()),
		Callbacks:     collector,
		ValidateInput: stages.ValidateInput,
	})
	require.NoError(t, err)
	s, err := New(Options{Engine: engine, PublicURL: publicURL + "/", Metrics: collector.Handler()})
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStartCompletes(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/workflow/start", map[string]any{
		"invoice_id": "INV-1",
		"amount":     100,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[startResponse](t, rec)
	require.Equal(t, hitlflow.RunStatusCompleted, resp.Status)
	require.NotEmpty(t, resp.RunID)
	require.Empty(t, resp.CheckpointID)
	require.Empty(t, resp.ReviewURL)
	require.NotNil(t, resp.FinalState)

	complete, ok := resp.FinalState.Outputs.Get(hitlflow.StageComplete)
	require.True(t, ok)
	require.Equal(t, "COMPLETED", complete["final_payload"].(map[string]any)["status"])
}

func TestStartRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/workflow/start", map[string]any{"amount": 100})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, ErrBadRequestCode, decode[errorResponse](t, rec).Code)

	rec = do(t, s, http.MethodPost, "/workflow/start", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/workflow/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"runs":[]}`, rec.Body.String())
}

func TestReviewFlow(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/workflow/start", map[string]any{
		"invoice_id": "INV-2",
		"amount":     9999,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	started := decode[startResponse](t, rec)
	require.Equal(t, hitlflow.RunStatusPaused, started.Status)
	require.NotEmpty(t, started.CheckpointID)
	require.Equal(t, hitlflow.StageHITLDecision, started.NextStage)
	require.Equal(t, publicURL+"/review/"+started.CheckpointID, started.ReviewURL)
	require.Nil(t, started.FinalState)

	type pendingBody struct {
		Items []pendingItem `json:"items"`
	}
	pending := decode[pendingBody](t, do(t, s, http.MethodGet, "/human-review/pending", nil))
	require.Len(t, pending.Items, 1)
	item := pending.Items[0]
	require.Equal(t, started.CheckpointID, item.CheckpointID)
	require.Equal(t, started.RunID, item.RunID)
	require.Equal(t, "INV-2", item.InvoiceID)
	require.Equal(t, 9999.0, item.Amount)
	require.Equal(t, "Forced failure for demo", item.Reason)
	require.Equal(t, started.ReviewURL, item.ReviewURL)

	// CLARIFY pauses again behind a fresh checkpoint
	rec = do(t, s, http.MethodPost, "/human-review/decision", map[string]any{
		"checkpoint_id": started.CheckpointID,
		"decision":      "CLARIFY",
		"reviewer_id":   "reviewer-1",
		"notes":         "please confirm the PO",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	clarified := decode[decisionResponse](t, rec)
	require.Equal(t, decisionStatusPaused, clarified.Status)
	require.Equal(t, hitlflow.RunStatusPaused, clarified.RunStatus)
	require.Equal(t, hitlflow.StageClarify, clarified.NextStage)
	require.NotEmpty(t, clarified.CheckpointID)
	require.NotEqual(t, started.CheckpointID, clarified.CheckpointID)

	pending = decode[pendingBody](t, do(t, s, http.MethodGet, "/human-review/pending", nil))
	require.Len(t, pending.Items, 1)
	require.Equal(t, clarified.CheckpointID, pending.Items[0].CheckpointID)

	// The consumed checkpoint is gone
	rec = do(t, s, http.MethodPost, "/human-review/decision", map[string]any{
		"checkpoint_id": started.CheckpointID,
		"decision":      "ACCEPT",
		"reviewer_id":   "reviewer-1",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, ErrNotFoundCode, decode[errorResponse](t, rec).Code)

	rec = do(t, s, http.MethodPost, "/human-review/decision", map[string]any{
		"checkpoint_id": clarified.CheckpointID,
		"decision":      "ACCEPT",
		"reviewer_id":   "reviewer-2",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	accepted := decode[decisionResponse](t, rec)
	require.Equal(t, decisionStatusResumed, accepted.Status)
	require.Equal(t, hitlflow.RunStatusCompleted, accepted.RunStatus)
	require.Equal(t, hitlflow.StageReconcile, accepted.NextStage)
	require.Empty(t, accepted.CheckpointID)

	pending = decode[pendingBody](t, do(t, s, http.MethodGet, "/human-review/pending", nil))
	require.Empty(t, pending.Items)

	run := decode[hitlflow.Run](t, do(t, s, http.MethodGet, "/workflow/runs/"+started.RunID, nil))
	require.Equal(t, hitlflow.RunStatusCompleted, run.Status)
	require.Equal(t, 2, run.ReviewCycles)
}

func TestDecisionValidation(t *testing.T) {
	s := newTestServer(t)
	cases := []map[string]any{
		{"decision": "ACCEPT", "reviewer_id": "r"},
		{"checkpoint_id": "ckpt_1", "decision": "MAYBE", "reviewer_id": "r"},
		{"checkpoint_id": "ckpt_1", "decision": "ACCEPT"},
	}
	for _, body := range cases {
		rec := do(t, s, http.MethodPost, "/human-review/decision", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := do(t, s, http.MethodPost, "/human-review/decision", map[string]any{
		"checkpoint_id": "ckpt_unknown",
		"decision":      "ACCEPT",
		"reviewer_id":   "r",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunInspection(t *testing.T) {
	s := newTestServer(t)
	started := decode[startResponse](t, do(t, s, http.MethodPost, "/workflow/start", map[string]any{
		"invoice_id": "INV-3",
		"amount":     50,
	}))

	type runsBody struct {
		Runs []hitlflow.RunSummary `json:"runs"`
	}
	runs := decode[runsBody](t, do(t, s, http.MethodGet, "/workflow/runs", nil))
	require.Len(t, runs.Runs, 1)
	require.Equal(t, started.RunID, runs.Runs[0].RunID)
	require.Equal(t, hitlflow.RunStatusCompleted, runs.Runs[0].Status)

	type journalBody struct {
		RunID   string                    `json:"run_id"`
		Entries []*hitlflow.StageLogEntry `json:"entries"`
	}
	journal := decode[journalBody](t, do(t, s, http.MethodGet, "/workflow/runs/"+started.RunID+"/journal", nil))
	require.Equal(t, started.RunID, journal.RunID)
	require.Len(t, journal.Entries, 10)
	require.Equal(t, hitlflow.StageIntake, journal.Entries[0].Stage)
	require.Equal(t, hitlflow.StageComplete, journal.Entries[9].Stage)

	journal = decode[journalBody](t, do(t, s, http.MethodGet, "/workflow/runs/"+started.RunID+"/journal?stage=MATCH_TWO_WAY", nil))
	require.Len(t, journal.Entries, 1)
	require.Equal(t, hitlflow.StageMatchTwoWay, journal.Entries[0].Stage)

	rec := do(t, s, http.MethodGet, "/workflow/runs/"+started.RunID+"/journal?stage=NOPE", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/workflow/runs/run_missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s, http.MethodGet, "/workflow/runs/run_missing/journal", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/workflow/runs/"+started.RunID+"/recover", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, hitlflow.RunStatusCompleted, decode[startResponse](t, rec).Status)
	rec = do(t, s, http.MethodPost, "/workflow/runs/run_missing/recover", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/workflow/start", map[string]any{"invoice_id": "INV-4", "amount": 100})

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `hitlflow_runs_finished_total{status="COMPLETED",workflow="InvoiceProcessing"} 1`)
}

func TestNewRequiresEngine(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
