package hitlflow

import (
	"context"
)

// Store is the durable keyed persistence for runs and their checkpoints. Each
// run ID is one partition. Implementations must be safe for concurrent use;
// all locking is internal to the store.
type Store interface {
	// Save creates or overwrites the state of a run.
	Save(ctx context.Context, run *Run) error

	// Load returns the last saved state of a run, or ErrRunNotFound.
	Load(ctx context.Context, runID string) (*Run, error)

	// CreateCheckpoint persists a pause snapshot and returns its new ID.
	CreateCheckpoint(ctx context.Context, runID string, snapshot *Run, reason string) (string, error)

	// GetCheckpoint returns an unconsumed checkpoint, or ErrUnknownCheckpoint.
	GetCheckpoint(ctx context.Context, checkpointID string) (*CheckpointRecord, error)

	// ConsumeCheckpoint marks a checkpoint as used and returns its run ID.
	// It succeeds at most once per checkpoint; later calls and unknown IDs
	// return ErrUnknownCheckpoint.
	ConsumeCheckpoint(ctx context.Context, checkpointID string) (string, error)

	// PendingCheckpoints returns every unconsumed checkpoint.
	PendingCheckpoints(ctx context.Context) ([]*CheckpointRecord, error)

	// ListRuns returns summaries of all runs, newest first.
	ListRuns(ctx context.Context) ([]*RunSummary, error)

	// Close releases resources held by the store.
	Close() error
}
