package hitlflow

import (
	"context"
	"fmt"
)

// Stage names a node in the workflow graph.
type Stage string

const (
	StageIntake         Stage = "INTAKE"
	StageUnderstand     Stage = "UNDERSTAND"
	StagePrepare        Stage = "PREPARE"
	StageRetrieve       Stage = "RETRIEVE"
	StageMatchTwoWay    Stage = "MATCH_TWO_WAY"
	StageCheckpointHITL Stage = "CHECKPOINT_HITL"
	StageHITLDecision   Stage = "HITL_DECISION"
	StageReconcile      Stage = "RECONCILE"
	StageApprove        Stage = "APPROVE"
	StagePosting        Stage = "POSTING"
	StageNotify         Stage = "NOTIFY"
	StageComplete       Stage = "COMPLETE"
	StageClarify        Stage = "CLARIFY"

	// StageEnd is the terminal pseudo-stage. It has no executor.
	StageEnd Stage = "END"
)

// AllStages lists every executable stage in pipeline order.
var AllStages = []Stage{
	StageIntake,
	StageUnderstand,
	StagePrepare,
	StageRetrieve,
	StageMatchTwoWay,
	StageCheckpointHITL,
	StageHITLDecision,
	StageReconcile,
	StageApprove,
	StagePosting,
	StageNotify,
	StageComplete,
	StageClarify,
}

// Valid reports whether s is a known stage or END.
func (s Stage) Valid() bool {
	if s == StageEnd {
		return true
	}
	for _, known := range AllStages {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStage converts a string into a Stage.
func ParseStage(s string) (Stage, error) {
	stage := Stage(s)
	if !stage.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return stage, nil
}

// Output is the structured record a stage produces.
type Output map[string]any

// String returns the string value stored under key, or "".
func (o Output) String(key string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return ""
}

// Float returns the numeric value stored under key.
func (o Output) Float(key string) (float64, bool) {
	return toFloat(o[key])
}

// StateReader gives a stage read-only access to the accumulated run state.
// Every value returned is a copy; mutating it has no effect on the run.
type StateReader interface {
	RunID() string
	Input() map[string]any
	Output(stage Stage) (Output, bool)
	ReviewCycles() int
}

// StageExecutor runs the business logic bound to one stage. It must not
// touch engine state directly: its only effect on the run is the returned
// output, which the engine stores under the executor's stage.
type StageExecutor interface {
	Stage() Stage
	Execute(ctx context.Context, state StateReader) (Output, error)
}

// ExecuteStageFunc is the signature of a function-backed stage executor.
type ExecuteStageFunc func(ctx context.Context, state StateReader) (Output, error)

// StageFunction wraps a function for use as a StageExecutor.
type StageFunction struct {
	stage Stage
	fn    ExecuteStageFunc
}

// NewStageFunction returns a StageExecutor for the given function.
func NewStageFunction(stage Stage, fn ExecuteStageFunc) StageExecutor {
	return &StageFunction{stage: stage, fn: fn}
}

func (f *StageFunction) Stage() Stage {
	return f.stage
}

func (f *StageFunction) Execute(ctx context.Context, state StateReader) (Output, error) {
	return f.fn(ctx, state)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}
