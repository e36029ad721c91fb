package hitlflow

import (
	"context"
	"os"
	"strings"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const invoiceGraphYAML = `
name: InvoiceProcessing
start: INTAKE
stages:
  - name: INTAKE
    next: [UNDERSTAND]
  - name: UNDERSTAND
    next: [PREPARE]
  - name: PREPARE
    next: [RETRIEVE]
  - name: RETRIEVE
    next: [MATCH_TWO_WAY]
  - name: MATCH_TWO_WAY
    router: after_match
  - name: CHECKPOINT_HITL
    next: [HITL_DECISION]
  - name: HITL_DECISION
    router: after_decision
    gated: true
    reason_from: CHECKPOINT_HITL
    end_status: REQUIRES_MANUAL_HANDLING
  - name: RECONCILE
    next: [APPROVE]
  - name: APPROVE
    next: [POSTING]
  - name: POSTING
    next: [NOTIFY]
  - name: NOTIFY
    next: [COMPLETE]
  - name: COMPLETE
    next: [END]
  - name: CLARIFY
    next: [CHECKPOINT_HITL]
`

func TestInvoiceGraph(t *testing.T) {
	g := InvoiceGraph("InvoiceProcessing")
	require.Equal(t, "InvoiceProcessing", g.Name())
	require.Equal(t, StageIntake, g.Start())
	require.ElementsMatch(t, AllStages, g.Stages())
	decision, ok := g.Node(StageHITLDecision)
	require.True(t, ok)
	require.True(t, decision.Gated)
	checkpoint, ok := g.Node(StageCheckpointHITL)
	require.True(t, ok)
	require.False(t, checkpoint.Gated)
	_, ok = g.Node(StageEnd)
	require.False(t, ok)

	var outputs StageOutputs
	next, err := g.Successors(context.Background(), StageIntake, &outputs)
	require.NoError(t, err)
	require.Equal(t, []Stage{StageUnderstand}, next)

	next, err = g.Successors(context.Background(), StageComplete, &outputs)
	require.NoError(t, err)
	require.Equal(t, []Stage{StageEnd}, next)

	next, err = g.Successors(context.Background(), StageClarify, &outputs)
	require.NoError(t, err)
	require.Equal(t, []Stage{StageCheckpointHITL}, next)

	require.NoError(t, outputs.Set(StageMatchTwoWay, Output{"match_result": "FAILED"}))
	next, err = g.Successors(context.Background(), StageMatchTwoWay, &outputs)
	require.NoError(t, err)
	require.Equal(t, []Stage{StageCheckpointHITL}, next)

	_, err = g.Successors(context.Background(), StageEnd, &outputs)
	require.Error(t, err)
}

func TestSuccessorsDoNotAliasGraph(t *testing.T) {
	g := InvoiceGraph("wf")
	next, err := g.Successors(context.Background(), StageIntake, &StageOutputs{})
	require.NoError(t, err)
	next[0] = StageComplete

	again, err := g.Successors(context.Background(), StageIntake, &StageOutputs{})
	require.NoError(t, err)
	require.Equal(t, []Stage{StageUnderstand}, again)
}

func TestLoadGraphString(t *testing.T) {
	g, err := LoadGraphString(invoiceGraphYAML, DefaultRouters())
	require.NoError(t, err)
	require.Equal(t, "InvoiceProcessing", g.Name())
	require.Equal(t, InvoiceGraph("x").Stages(), g.Stages())

	node, ok := g.Node(StageHITLDecision)
	require.True(t, ok)
	require.True(t, node.Gated)
	require.Equal(t, StageCheckpointHITL, node.ReasonFrom)
	require.Equal(t, RunStatusManualHandling, node.EndStatus)
	require.NotNil(t, node.Router)

	var outputs StageOutputs
	require.NoError(t, outputs.Set(StageHITLDecision, Output{"human_decision": "ACCEPT"}))
	next, err := g.Successors(context.Background(), StageHITLDecision, &outputs)
	require.NoError(t, err)
	require.Equal(t, []Stage{StageReconcile}, next)
}

func TestLoadGraphFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invoice.yaml")
	require.NoError(t, os.WriteFile(path, []byte(invoiceGraphYAML), 0644))

	g, err := LoadGraphFile(path, DefaultRouters())
	require.NoError(t, err)
	require.Equal(t, StageIntake, g.Start())

	_, err = LoadGraphFile(filepath.Join(t.TempDir(), "missing.yaml"), DefaultRouters())
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to read graph file")
}

func TestLoadGraphUnknownRouter(t *testing.T) {
	_, err := LoadGraphString(invoiceGraphYAML, map[string]RouterFunc{})
	require.Error(t, err)
	require.True(t, IsInvalidGraph(err))
	require.Contains(t, err.Error(), `unknown router "after_match"`)
}

func TestInvalidGraphs(t *testing.T) {
	next := func(stages ...Stage) []Stage { return stages }

	tests := []struct {
		name string
		opts GraphOptions
		want string
	}{
		{
			name: "no name",
			opts: GraphOptions{Nodes: []*Node{{Stage: StageIntake, Next: next(StageEnd)}}},
			want: "name required",
		},
		{
			name: "no stages",
			opts: GraphOptions{Name: "wf"},
			want: "stages required",
		},
		{
			name: "unknown stage",
			opts: GraphOptions{Name: "wf", Nodes: []*Node{{Stage: "SHIP", Next: next(StageEnd)}}},
			want: `unknown stage "SHIP"`,
		},
		{
			name: "end declared",
			opts: GraphOptions{Name: "wf", Nodes: []*Node{{Stage: StageEnd}}},
			want: "END cannot be declared",
		},
		{
			name: "duplicate stage",
			opts: GraphOptions{Name: "wf", Nodes: []*Node{
				{Stage: StageIntake, Next: next(StageEnd)},
				{Stage: StageIntake, Next: next(StageEnd)},
			}},
			want: "duplicate stage",
		},
		{
			name: "missing start",
			opts: GraphOptions{Name: "wf", Start: StageApprove, Nodes: []*Node{
				{Stage: StageIntake, Next: next(StageEnd)},
			}},
			want: `start stage "APPROVE" not found`,
		},
		{
			name: "dangling edge",
			opts: GraphOptions{Name: "wf", Nodes: []*Node{
				{Stage: StageIntake, Next: next(StageApprove)},
			}},
			want: `edge to stage "APPROVE" not found`,
		},
		{
			name: "no outgoing edge",
			opts: GraphOptions{Name: "wf", Nodes: []*Node{{Stage: StageIntake}}},
			want: "has no outgoing edge",
		},
		{
			name: "router and edges",
			opts: GraphOptions{Name: "wf", Nodes: []*Node{
				{Stage: StageIntake, Next: next(StageEnd), Router: RouteAfterMatch},
			}},
			want: "mixes fixed edges, conditional edges and a router",
		},
		{
			name: "conditional and fixed edges",
			opts: GraphOptions{Name: "wf", Nodes: []*Node{
				{Stage: StageIntake, Next: next(StageEnd), Edges: []*Edge{{Stage: StageEnd}}},
			}},
			want: "mixes fixed edges",
		},
		{
			name: "condition syntax",
			opts: GraphOptions{Name: "wf", Nodes: []*Node{
				{Stage: StageIntake, Edges: []*Edge{{Stage: StageEnd, Condition: "outputs.INTAKE.ok =="}}},
			}},
			want: `stage "INTAKE" edge to "END"`,
		},
		{
			name: "condition uses unsafe global",
			opts: GraphOptions{Name: "wf", Nodes: []*Node{
				{Stage: StageIntake, Edges: []*Edge{{Stage: StageEnd, Condition: `os.getenv("HOME") != ""`}}},
			}},
			want: `stage "INTAKE" edge to "END"`,
		},
		{
			name: "dangling conditional edge",
			opts: GraphOptions{Name: "wf", Nodes: []*Node{
				{Stage: StageIntake, Edges: []*Edge{{Stage: StageApprove, Condition: "true"}}},
			}},
			want: `edge to stage "APPROVE" not found`,
		},
		{
			name: "unknown reason source",
			opts: GraphOptions{Name: "wf", Nodes: []*Node{
				{Stage: StageIntake, Next: next(StageEnd), Gated: true, ReasonFrom: StageClarify},
			}},
			want: "takes its reason from unknown stage",
		},
		{
			name: "non terminal end status",
			opts: GraphOptions{Name: "wf", Nodes: []*Node{
				{Stage: StageIntake, Next: next(StageEnd), EndStatus: RunStatusPaused},
			}},
			want: "non-terminal end status",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph(tt.opts)
			require.Error(t, err)
			require.ErrorIs(t, err, ErrInvalidGraph)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRouterReturningUnknownStage(t *testing.T) {
	g, err := NewGraph(GraphOptions{
		Name: "wf",
		Nodes: []*Node{
			{Stage: StageIntake, Router: func(*StageOutputs) (Stage, error) { return StageApprove, nil }},
		},
	})
	require.NoError(t, err)
	require.Equal(t, StageIntake, g.Start())

	_, err = g.Successors(context.Background(), StageIntake, &StageOutputs{})
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown stage "APPROVE"`)
}

// conditionalGraphYAML routes the match and the decision with edge
// conditions instead of the named routers.
var conditionalGraphYAML = strings.NewReplacer(
	"    router: after_match\n", `    edges:
      - stage: CHECKPOINT_HITL
        condition: outputs.MATCH_TWO_WAY.match_result == "FAILED"
      - stage: RECONCILE
`,
	"    router: after_decision\n", `    edges:
      - stage: RECONCILE
        condition: outputs.HITL_DECISION.human_decision == "ACCEPT"
      - stage: CLARIFY
        condition: outputs.HITL_DECISION.human_decision in ["REJECT", "CLARIFY"]
      - stage: END
`,
).Replace(invoiceGraphYAML)

func TestConditionalEdges(t *testing.T) {
	ctx := context.Background()
	g, err := LoadGraphString(conditionalGraphYAML, nil)
	require.NoError(t, err)

	node, ok := g.Node(StageMatchTwoWay)
	require.True(t, ok)
	require.Nil(t, node.Router)
	require.Len(t, node.Edges, 2)

	route := func(stage Stage, out Output) []Stage {
		var outputs StageOutputs
		require.NoError(t, outputs.Set(stage, out))
		next, err := g.Successors(ctx, stage, &outputs)
		require.NoError(t, err)
		return next
	}
	require.Equal(t, []Stage{StageCheckpointHITL}, route(StageMatchTwoWay, Output{"match_result": "FAILED"}))
	require.Equal(t, []Stage{StageReconcile}, route(StageMatchTwoWay, Output{"match_result": "MATCHED"}))
	require.Equal(t, []Stage{StageReconcile}, route(StageHITLDecision, Output{"human_decision": "ACCEPT"}))
	require.Equal(t, []Stage{StageClarify}, route(StageHITLDecision, Output{"human_decision": "REJECT"}))
	require.Equal(t, []Stage{StageEnd}, route(StageHITLDecision, Output{"human_decision": "ESCALATE"}))
}

func TestConditionsSeeNumbersAndNestedOutputs(t *testing.T) {
	g, err := NewGraph(GraphOptions{
		Name: "wf",
		Nodes: []*Node{
			{Stage: StageApprove, Edges: []*Edge{
				{Stage: StagePosting, Condition: `outputs.APPROVE.amount <= 10000.0 && outputs.APPROVE.approver.role == "SYSTEM"`},
				{Stage: StageEnd, Condition: `len(outputs) > 0`},
			}},
			{Stage: StagePosting, Next: []Stage{StageEnd}},
		},
	})
	require.NoError(t, err)

	var outputs StageOutputs
	require.NoError(t, outputs.Set(StageApprove, Output{"amount": 100, "approver": map[string]any{"role": "SYSTEM"}}))
	next, err := g.Successors(context.Background(), StageApprove, &outputs)
	require.NoError(t, err)
	require.Equal(t, []Stage{StagePosting}, next)

	require.NoError(t, outputs.Set(StageApprove, Output{"amount": 25000, "approver": map[string]any{"role": "CFO"}}))
	next, err = g.Successors(context.Background(), StageApprove, &outputs)
	require.NoError(t, err)
	require.Equal(t, []Stage{StageEnd}, next)
}

func TestNoConditionMatches(t *testing.T) {
	g, err := NewGraph(GraphOptions{
		Name: "wf",
		Nodes: []*Node{
			{Stage: StageIntake, Edges: []*Edge{{Stage: StageEnd, Condition: `outputs.INTAKE.validated == true`}}},
		},
	})
	require.NoError(t, err)

	var outputs StageOutputs
	require.NoError(t, outputs.Set(StageIntake, Output{"validated": false}))
	_, err = g.Successors(context.Background(), StageIntake, &outputs)
	require.Error(t, err)
	require.Contains(t, err.Error(), `no edge condition of stage "INTAKE" matched`)
}
