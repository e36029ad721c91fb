package hitlflow

import (
	"context"
	"time"
)

// StageLogEntry records a single stage execution
type StageLogEntry struct {
	RunID     string    `json:"run_id"`
	Stage     Stage     `json:"stage"`
	Output    Output    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartTime time.Time `json:"start_time"`
	Duration  float64   `json:"duration"`
}

// StageJournal is an append-only record of stage executions. It complements
// the run's own audit log with full outputs and timings.
type StageJournal interface {
	// LogStage records a finished stage execution
	LogStage(ctx context.Context, entry *StageLogEntry) error

	// History returns the journal of a run in execution order
	History(ctx context.Context, runID string) ([]*StageLogEntry, error)
}

// NullStageJournal is a no-op implementation of StageJournal.
type NullStageJournal struct{}

func NewNullStageJournal() *NullStageJournal {
	return &NullStageJournal{}
}

func (j *NullStageJournal) LogStage(ctx context.Context, entry *StageLogEntry) error {
	return nil
}

func (j *NullStageJournal) History(ctx context.Context, runID string) ([]*StageLogEntry, error) {
	return nil, nil
}
