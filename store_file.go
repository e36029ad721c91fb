package hitlflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore is a file-based Store. Layout under the data directory:
//
//	runs/<run_id>/run.json                      latest run state
//	runs/<run_id>/checkpoint-<checkpoint_id>.json  pause snapshots
//	pending/<checkpoint_id>                     unconsumed checkpoint -> run id
//	consumed/<checkpoint_id>                    consumed checkpoint -> run id
//
// Writes go through a temp file and rename so a crash never leaves a torn
// run.json behind. Consuming a checkpoint is a rename from pending/ to
// consumed/, which succeeds for exactly one caller.
type FileStore struct {
	dataDir   string
	mutex     sync.Mutex
	now       func() time.Time
	writeFile func(path string, data []byte) error
}

// NewFileStore creates a new file-based store rooted at dataDir
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".hitlflow", "runs")
	}
	for _, dir := range []string{"runs", "pending", "consumed"} {
		if err := os.MkdirAll(filepath.Join(dataDir, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
		}
	}
	return &FileStore{dataDir: dataDir, now: time.Now, writeFile: writeFileAtomic}, nil
}

// Dir returns the root data directory
func (s *FileStore) Dir() string {
	return s.dataDir
}

func (s *FileStore) runDir(runID string) string {
	return filepath.Join(s.dataDir, "runs", runID)
}

func (s *FileStore) checkpointPath(runID, checkpointID string) string {
	return filepath.Join(s.runDir(runID), fmt.Sprintf("checkpoint-%s.json", checkpointID))
}

func (s *FileStore) Save(ctx context.Context, run *Run) error {
	if !safeName(run.ID) {
		return fmt.Errorf("invalid run id %q", run.ID)
	}
	if err := os.MkdirAll(s.runDir(run.ID), 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	if err := s.writeFile(filepath.Join(s.runDir(run.ID), "run.json"), data); err != nil {
		return fmt.Errorf("failed to write run file: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, runID string) (*Run, error) {
	if !safeName(runID) {
		return nil, ErrRunNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.runDir(runID), "run.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

func (s *FileStore) CreateCheckpoint(ctx context.Context, runID string, snapshot *Run, reason string) (string, error) {
	if !safeName(runID) {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
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
	if err := os.MkdirAll(s.runDir(runID), 0755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}
	if err := s.writeRecord(record); err != nil {
		return "", err
	}
	// The pending marker is written last: a checkpoint is only visible once
	// its snapshot is on disk.
	marker := filepath.Join(s.dataDir, "pending", record.ID)
	if err := s.writeFile(marker, []byte(runID)); err != nil {
		return "", fmt.Errorf("failed to write pending marker: %w", err)
	}
	return record.ID, nil
}

func (s *FileStore) writeRecord(record *CheckpointRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := s.writeFile(s.checkpointPath(record.RunID, record.ID), data); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

func (s *FileStore) GetCheckpoint(ctx context.Context, checkpointID string) (*CheckpointRecord, error) {
	if !safeName(checkpointID) {
		return nil, ErrUnknownCheckpoint
	}
	runID, err := os.ReadFile(filepath.Join(s.dataDir, "pending", checkpointID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrUnknownCheckpoint
		}
		return nil, fmt.Errorf("failed to read pending marker: %w", err)
	}
	return s.readRecord(string(runID), checkpointID)
}

func (s *FileStore) readRecord(runID, checkpointID string) (*CheckpointRecord, error) {
	data, err := os.ReadFile(s.checkpointPath(runID, checkpointID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrUnknownCheckpoint
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var record CheckpointRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &record, nil
}

func (s *FileStore) ConsumeCheckpoint(ctx context.Context, checkpointID string) (string, error) {
	if !safeName(checkpointID) {
		return "", ErrUnknownCheckpoint
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	pending := filepath.Join(s.dataDir, "pending", checkpointID)
	runID, err := os.ReadFile(pending)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrUnknownCheckpoint
		}
		return "", fmt.Errorf("failed to read pending marker: %w", err)
	}
	if err := os.Rename(pending, filepath.Join(s.dataDir, "consumed", checkpointID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrUnknownCheckpoint
		}
		return "", fmt.Errorf("failed to consume checkpoint: %w", err)
	}

	// The rename above is the commit point; the timestamp is informational.
	if record, err := s.readRecord(string(runID), checkpointID); err == nil {
		record.ConsumedAt = s.now()
		if err := s.writeRecord(record); err != nil {
			LoggerFromContext(ctx).Warn("failed to stamp consumed checkpoint",
				"checkpoint_id", checkpointID, "error", err)
		}
	}
	return string(runID), nil
}

func (s *FileStore) PendingCheckpoints(ctx context.Context) ([]*CheckpointRecord, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "pending"))
	if err != nil {
		return nil, fmt.Errorf("failed to read pending directory: %w", err)
	}
	var records []*CheckpointRecord
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		record, err := s.GetCheckpoint(ctx, entry.Name())
		if err != nil {
			if errors.Is(err, ErrUnknownCheckpoint) {
				continue // consumed concurrently
			}
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// ListRuns returns a list of all runs with their latest state
func (s *FileStore) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return []*RunSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}
	summaries := []*RunSummary{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, err := s.Load(ctx, entry.Name())
		if err != nil {
			// Skip runs we can't read
			continue
		}
		summaries = append(summaries, run.Summary())
	}
	sortSummaries(summaries)
	return summaries, nil
}

func (s *FileStore) Close() error {
	return nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// safeName rejects identifiers that could escape the data directory.
func safeName(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}
