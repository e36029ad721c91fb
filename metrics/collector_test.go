package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/deepnoodle-ai/hitlflow"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// invoiceStages returns executors that fail the match when the input says
// so and echo injected decisions.
func invoiceStages() []hitlflow.StageExecutor {
	var executors []hitlflow.StageExecutor
	for _, stage := range hitlflow.AllStages {
		executors = append(executors, hitlflow.NewStageFunction(stage,
			func(ctx context.Context, state hitlflow.StateReader) (hitlflow.Output, error) {
				switch stage {
				case hitlflow.StageMatchTwoWay:
					if result, ok := state.Input()["match"].(string); ok {
						return hitlflow.Output{"match_result": result}, nil
					}
					return hitlflow.Output{"match_result": "MATCHED"}, nil
				case hitlflow.StageHITLDecision:
					injected, _ := state.Output(stage)
					return hitlflow.Output{"human_decision": injected.String("human_decision")}, nil
				case hitlflow.StagePosting:
					if state.Input()["erp_down"] == true {
						return nil, errors.New("erp unavailable")
					}
				}
				return hitlflow.Output{"ok": true}, nil
			}))
	}
	return executors
}

func newEngine(t *testing.T, collector *Collector) *hitlflow.Engine {
	t.Helper()
	engine, err := hitlflow.NewEngine(hitlflow.EngineOptions{
		Graph:     hitlflow.InvoiceGraph("invoice"),
		Stages:    invoiceStages(),
		Store:     hitlflow.NewMemoryStore(),
		Callbacks: collector,
	})
	require.NoError(t, err)
	return engine
}

func TestCollectorCountsRuns(t *testing.T) {
	ctx := context.Background()
	collector := NewCollector()
	engine := newEngine(t, collector)

	_, err := engine.Start(ctx, map[string]any{"invoice_id": "INV-1"})
	require.NoError(t, err)

	handle, err := engine.Start(ctx, map[string]any{"invoice_id": "INV-2", "match": "FAILED"})
	require.NoError(t, err)
	_, err = engine.Resume(ctx, hitlflow.Decision{
		CheckpointID: handle.CheckpointID,
		Decision:     hitlflow.DecisionAccept,
		ReviewerID:   "reviewer",
	})
	require.NoError(t, err)

	_, err = engine.Start(ctx, map[string]any{"invoice_id": "INV-3", "erp_down": true})
	require.Error(t, err)

	require.Equal(t, 3.0, testutil.ToFloat64(collector.runsStarted.WithLabelValues("invoice")))
	require.Equal(t, 1.0, testutil.ToFloat64(collector.runsPaused.WithLabelValues("invoice", "HITL_DECISION")))
	require.Equal(t, 1.0, testutil.ToFloat64(collector.runsResumed.WithLabelValues("invoice", "ACCEPT")))
	require.Equal(t, 2.0, testutil.ToFloat64(collector.runsFinished.WithLabelValues("invoice", "COMPLETED")))
	require.Equal(t, 1.0, testutil.ToFloat64(collector.runsFinished.WithLabelValues("invoice", "FAILED")))
	require.Equal(t, 1.0, testutil.ToFloat64(collector.stageFailures.WithLabelValues("invoice", "POSTING")))
	require.Equal(t, 0.0, testutil.ToFloat64(collector.activeStages))
}

func TestCollectorHandler(t *testing.T) {
	collector := NewCollector()
	engine := newEngine(t, collector)
	_, err := engine.Start(context.Background(), map[string]any{"invoice_id": "INV-1"})
	require.NoError(t, err)

	server := httptest.NewServer(collector.Handler())
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Contains(t, string(body), `hitlflow_runs_started_total{workflow="invoice"} 1`)
	require.Contains(t, string(body), `hitlflow_stage_duration_seconds_count{outcome="success",stage="INTAKE",workflow="invoice"} 1`)
	require.Contains(t, string(body), "go_goroutines")
}
