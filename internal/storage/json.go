package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"txreplay/internal/model"
)

// JSONFile writes one indented document per transaction.
type JSONFile struct {
	dir string
}

func NewJSONFile(dir string) *JSONFile {
	return &JSONFile{dir: dir}
}

func (j *JSONFile) Put(_ context.Context, result model.ResultBundle) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return writeAtomic(j.dir, reportName(result, ".json"), data)
}

func reportName(result model.ResultBundle, ext string) string {
	name := result.TxHash
	if name == "" {
		name = "replay"
	}
	return name + ext
}

func writeAtomic(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, name)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("rename %s: %w", tmpPath, err)
	}
	return path, nil
}
