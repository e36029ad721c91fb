package hitlflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps runs and checkpoints in process memory. Values are held
// as encoded JSON so callers never share state with the store. It does not
// survive a restart and is meant for tests and the demo.
type MemoryStore struct {
	mutex       sync.RWMutex
	runs        map[string][]byte
	checkpoints map[string][]byte
	consumed    map[string]bool
	now         func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        map[string][]byte{},
		checkpoints: map[string][]byte{},
		consumed:    map[string]bool{},
		now:         time.Now,
	}
}

func (s *MemoryStore) Save(ctx context.Context, run *Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.runs[run.ID] = data
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, runID string) (*Run, error) {
	s.mutex.RLock()
	data, ok := s.runs[runID]
	s.mutex.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

func (s *MemoryStore) CreateCheckpoint(ctx context.Context, runID string, snapshot *Run, reason string) (string, error) {
	record := &CheckpointRecord{
		ID:           NewCheckpointID(),
		RunID:        runID,
		Snapshot:     snapshot,
		PausedReason: reason,
		CreatedAt:    s.now(),
	}
	if len(snapshot.Pending) > 0 {
		record.Stage = snapshot.Pending[0]
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkpoints[record.ID] = data
	return record.ID, nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, checkpointID string) (*CheckpointRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.getCheckpoint(checkpointID)
}

func (s *MemoryStore) getCheckpoint(checkpointID string) (*CheckpointRecord, error) {
	data, ok := s.checkpoints[checkpointID]
	if !ok || s.consumed[checkpointID] {
		return nil, ErrUnknownCheckpoint
	}
	var record CheckpointRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &record, nil
}

func (s *MemoryStore) ConsumeCheckpoint(ctx context.Context, checkpointID string) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	record, err := s.getCheckpoint(checkpointID)
	if err != nil {
		return "", err
	}
	record.ConsumedAt = s.now()
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	s.checkpoints[checkpointID] = data
	s.consumed[checkpointID] = true
	return record.RunID, nil
}

func (s *MemoryStore) PendingCheckpoints(ctx context.Context) ([]*CheckpointRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var records []*CheckpointRecord
	for id := range s.checkpoints {
		if s.consumed[id] {
			continue
		}
		record, err := s.getCheckpoint(id)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	s.mutex.RLock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mutex.RUnlock()

	summaries := make([]*RunSummary, 0, len(ids))
	for _, id := range ids {
		run, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, run.Summary())
	}
	sortSummaries(summaries)
	return summaries, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// sortSummaries orders summaries newest first, breaking ties by run ID.
func sortSummaries(summaries []*RunSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].RunID > summaries[j].RunID
		}
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
}
