package worldflow

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStepLogger is an implementation of StepLogger that logs to a file.
// A file is created per run. The file is formatted as newline-delimited JSON.
type FileStepLogger struct {
	directory string
	mutex     sync.Mutex
}

func NewFileStepLogger(directory string) *FileStepLogger {
	return &FileStepLogger{directory: directory}
}

func (l *FileStepLogger) runLogPath(runID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", runID))
}

func (l *FileStepLogger) GetStepHistory(ctx context.Context, runID string) ([]*StepLogEntry, error) {
	f, err := os.Open(l.runLogPath(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []*StepLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry StepLogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, scanner.Err()
}

func (l *FileStepLogger) LogStep(ctx context.Context, entry *StepLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()

	filePath := l.runLogPath(entry.RunID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
