package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"txreplay/internal/apperr"
)

const op = "snapshot"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// StateDumper exports the fork's state as an opaque blob.
type StateDumper interface {
	DumpState(ctx context.Context) ([]byte, error)
}

// StateLoader imports a blob produced by StateDumper.
type StateLoader interface {
	LoadState(ctx context.Context, blob []byte) error
}

// File is the on-disk envelope of a saved state.
type File struct {
	Name      string        `json:"name"`
	TxHash    string        `json:"tx_hash,omitempty"`
	ForkBlock uint64        `json:"fork_block"`
	SavedAt   string        `json:"saved_at"`
	State     hexutil.Bytes `json:"state"`
}

// Store persists fork state snapshots under a directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

func NewStore(dir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		dir = "./states"
	}
	return &Store{dir: dir, logger: logger}
}

// Path returns the file a snapshot name maps to.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, strings.TrimSuffix(name, ".json")+".json")
}

// Save dumps the fork state and writes it atomically. The fork must still
// be running for the duration of the call.
func (s *Store) Save(ctx context.Context, dumper StateDumper, name, txHash string, forkBlock uint64) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}

	blob, err := dumper.DumpState(ctx)
	if err != nil {
		return "", apperr.Wrap(apperr.KindNetwork, op, fmt.Errorf("dump state: %w", err))
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", apperr.Wrap(apperr.KindSystem, op, fmt.Errorf("create state dir: %w", err))
	}

	data, err := json.Marshal(File{
		Name:      name,
		TxHash:    txHash,
		ForkBlock: forkBlock,
		SavedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		State:     blob,
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindSystem, op, fmt.Errorf("marshal state: %w", err))
	}

	path := s.Path(name)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", apperr.Wrap(apperr.KindSystem, op, fmt.Errorf("write state tmp: %w", err))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", apperr.Wrap(apperr.KindSystem, op, fmt.Errorf("rename state: %w", err))
	}

	s.logger.Info("fork state saved", zap.String("path", path), zap.Int("bytes", len(blob)))
	return path, nil
}

// Read loads a saved snapshot from disk.
func (s *Store) Read(name string) (File, error) {
	if err := validName(name); err != nil {
		return File{}, err
	}
	path := s.Path(name)

	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, apperr.New(apperr.KindValidation, op, "state %q not found in %s", name, s.dir)
		}
		return File{}, apperr.Wrap(apperr.KindSystem, op, fmt.Errorf("stat state: %w", err))
	}
	if stat.IsDir() {
		return File{}, apperr.New(apperr.KindValidation, op, "state path %s is a directory", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, apperr.Wrap(apperr.KindSystem, op, fmt.Errorf("read state: %w", err))
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, apperr.Wrap(apperr.KindSystem, op, fmt.Errorf("parse state: %w", err))
	}
	return f, nil
}

// Load reads a saved snapshot and merges it into the running fork.
func (s *Store) Load(ctx context.Context, loader StateLoader, name string) (File, error) {
	f, err := s.Read(name)
	if err != nil {
		return File{}, err
	}
	if err := loader.LoadState(ctx, f.State); err != nil {
		return File{}, apperr.Wrap(apperr.KindNetwork, op, fmt.Errorf("load state: %w", err))
	}
	s.logger.Info("fork state loaded", zap.String("name", f.Name), zap.Uint64("fork_block", f.ForkBlock))
	return f, nil
}

func validName(name string) error {
	if !namePattern.MatchString(name) || name == "." || name == ".." {
		return apperr.New(apperr.KindValidation, op, "invalid state name %q", name)
	}
	return nil
}
