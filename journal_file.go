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
)

// FileStageJournal is an implementation of StageJournal that logs to a file.
// A file is created per run. The file is formatted as newline-delimited JSON.
type FileStageJournal struct {
	directory string
	mutex     sync.Mutex
}

func NewFileStageJournal(directory string) *FileStageJournal {
	return &FileStageJournal{directory: directory}
}

func (j *FileStageJournal) runJournalPath(runID string) string {
	return filepath.Join(j.directory, fmt.Sprintf("%s.jsonl", runID))
}

func (j *FileStageJournal) History(ctx context.Context, runID string) ([]*StageLogEntry, error) {
	if !safeName(runID) {
		return nil, ErrRunNotFound
	}
	data, err := os.ReadFile(j.runJournalPath(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*StageLogEntry{}, nil
		}
		return nil, err
	}
	entries := []*StageLogEntry{}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry StageLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (j *FileStageJournal) LogStage(ctx context.Context, entry *StageLogEntry) error {
	if !safeName(entry.RunID) {
		return fmt.Errorf("invalid run id %q", entry.RunID)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	j.mutex.Lock()
	defer j.mutex.Unlock()

	filePath := j.runJournalPath(entry.RunID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
