package lineage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNoChainHead indicates no previous event exists for a chain.
var ErrNoChainHead = errors.New("no chain head found")

const headsFile = "chain-heads.json"

// ChainTracker persists the last event hash of every chain.
type ChainTracker struct {
	mu    sync.RWMutex
	heads map[string]string
	path  string
}

// NewChainTracker loads chain heads from dir, creating it if needed.
func NewChainTracker(dir string) (*ChainTracker, error) {
	if dir == "" {
		dir = "./lineage"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lineage dir: %w", err)
	}

	ct := &ChainTracker{
		heads: make(map[string]string),
		path:  filepath.Join(dir, headsFile),
	}
	data, err := os.ReadFile(ct.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("load chain heads: %w", err)
	default:
		if err := json.Unmarshal(data, &ct.heads); err != nil {
			return nil, fmt.Errorf("parse chain heads: %w", err)
		}
	}
	return ct, nil
}

// Head returns the last event hash for a chain.
func (ct *ChainTracker) Head(key string) (string, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	h, ok := ct.heads[key]
	if !ok || h == "" {
		return "", ErrNoChainHead
	}
	return h, nil
}

// SetHead records hash as the chain's head and persists all heads.
func (ct *ChainTracker) SetHead(key, hash string) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.heads[key] = hash

	data, err := json.MarshalIndent(ct.heads, "", "  ")
	if err != nil {
		return err
	}
	tmp := ct.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, ct.path)
}
