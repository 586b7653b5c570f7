package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"txreplay/internal/model"
)

// JsonlStorage appends result bundles to a JSONL file, one run per line.
type JsonlStorage struct {
	path string
	mu   sync.Mutex
}

func NewJsonlStorage(path string) *JsonlStorage {
	return &JsonlStorage{path: path}
}

// Put appends result as a single JSON line.
func (s *JsonlStorage) Put(_ context.Context, result model.ResultBundle) (string, error) {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create output dir: %w", err)
		}
	}

	line, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if _, err := writer.Write(line); err != nil {
		return "", fmt.Errorf("write result: %w", err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		return "", fmt.Errorf("write newline: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return "", fmt.Errorf("flush output: %w", err)
	}

	return s.path, nil
}
