package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Status values recorded in a checkpoint.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Checkpoint records the progress of one sliced upload run.
type Checkpoint struct {
	RunID            string    `json:"run_id"`
	FileID           int64     `json:"file_id,omitempty"`
	FileName         string    `json:"file_name"`
	Status           string    `json:"status"`
	BatchesTotal     int       `json:"batches_total"`
	BatchesCompleted int       `json:"batches_completed"`
	SlicesUploaded   int       `json:"slices_uploaded"`
	RetryRounds      int       `json:"retry_rounds"`
	Unresolved       []string  `json:"unresolved,omitempty"`
	ManifestKey      string    `json:"manifest_key,omitempty"`
	Error            string    `json:"error,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint of a run.
	Load(ctx context.Context, runID string) (*Checkpoint, error)

	// Latest reads the most recently updated checkpoint.
	Latest(ctx context.Context) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for checkpoint files
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// Noop returns a manager that discards checkpoints.
func Noop() Manager {
	return &noopManager{}
}

// fileManager persists checkpoints to local files.
type fileManager struct {
	dir string
}

func (m *fileManager) checkpointPath(runID string) string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s.json", runID))
}

// Load reads the checkpoint for runID.
func (m *fileManager) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	return m.loadFromPath(m.checkpointPath(runID))
}

// Latest returns the checkpoint with the newest UpdatedAt.
func (m *fileManager) Latest(ctx context.Context) (*Checkpoint, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}

	var all []*Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || !strings.HasPrefix(name, "checkpoint_") {
			continue
		}
		cp, err := m.loadFromPath(filepath.Join(m.dir, name))
		if err != nil {
			return nil, err
		}
		all = append(all, cp)
	}
	if len(all) == 0 {
		return nil, ErrNoCheckpoint
	}

	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	return all[0], nil
}

func (m *fileManager) loadFromPath(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file %s: %w", path, err)
	}

	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.RunID == "" {
		return fmt.Errorf("checkpoint has no run id")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	path := m.checkpointPath(cp.RunID)

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// noopManager is used when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Latest(ctx context.Context) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
