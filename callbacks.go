package hitlflow

import (
	"context"
	"time"
)

// EngineCallbacks receives engine lifecycle events. Callbacks run inline on
// the step loop and must not block.
type EngineCallbacks interface {
	// Stage-level callbacks
	BeforeStage(ctx context.Context, event *StageEvent)
	AfterStage(ctx context.Context, event *StageEvent)

	// Run-level callbacks
	OnRunStarted(ctx context.Context, event *RunEvent)
	OnRunPaused(ctx context.Context, event *RunEvent)
	OnRunResumed(ctx context.Context, event *RunEvent)
	OnRunFinished(ctx context.Context, event *RunEvent)
}

// StageEvent provides context for stage execution events
type StageEvent struct {
	RunID        string
	WorkflowName string
	Stage        Stage
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Output       Output
	Error        error
}

// RunEvent provides context for run-level events
type RunEvent struct {
	RunID        string
	WorkflowName string
	Status       RunStatus
	Stage        Stage
	CheckpointID string
	Decision     DecisionValue
	Error        error
}

// BaseEngineCallbacks provides a default implementation that does nothing.
// Embed it in your own callbacks to override only the events you need.
type BaseEngineCallbacks struct{}

func (b *BaseEngineCallbacks) BeforeStage(ctx context.Context, event *StageEvent) {}

func (b *BaseEngineCallbacks) AfterStage(ctx context.Context, event *StageEvent) {}

func (b *BaseEngineCallbacks) OnRunStarted(ctx context.Context, event *RunEvent) {}

func (b *BaseEngineCallbacks) OnRunPaused(ctx context.Context, event *RunEvent) {}

func (b *BaseEngineCallbacks) OnRunResumed(ctx context.Context, event *RunEvent) {}

func (b *BaseEngineCallbacks) OnRunFinished(ctx context.Context, event *RunEvent) {}
