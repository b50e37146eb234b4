package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint records the last run a product completed without failures.
type Checkpoint struct {
	Product     string    `json:"product"`
	Date        string    `json:"date"`  // YYYYMMDD
	Cycle       int       `json:"cycle"` // 0-23
	Rollbacks   int       `json:"rollbacks"`
	Succeeded   int       `json:"succeeded"`
	Skipped     int       `json:"skipped"`
	NoMatch     int       `json:"no_match"`
	Failed      int       `json:"failed"`
	CompletedAt time.Time `json:"completed_at"`
}

// RunKey returns the run as "YYYYMMDD/CC".
func (c *Checkpoint) RunKey() string {
	return fmt.Sprintf("%s/%02d", c.Date, c.Cycle)
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint for a product.
	Load(ctx context.Context, product string) (*Checkpoint, error)

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

	// Ensure checkpoint directory exists
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists checkpoints to local files, one per product.
type fileManager struct {
	dir string
}

func (m *fileManager) checkpointPath(product string) string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s.json", product))
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context, product string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.checkpointPath(product))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}

	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.Product == "" {
		return fmt.Errorf("checkpoint has no product")
	}
	path := m.checkpointPath(cp.Product)

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

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, product string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
