package indexer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Cursor marks the newest signature a backfill pass has submitted. The next
// pass stops paging once it reaches it.
type Cursor struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	UpdatedAt string `json:"updated_at"`
}

// CursorStore persists the backfill cursor to disk. A store with an empty
// path is disabled: Load finds nothing and Save is a no-op.
type CursorStore struct {
	path string
}

func NewCursorStore(path string) *CursorStore {
	return &CursorStore{path: path}
}

func (c *CursorStore) Load() (Cursor, bool, error) {
	if c == nil || c.path == "" {
		return Cursor{}, false, nil
	}

	stat, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Cursor{}, false, nil
		}
		return Cursor{}, false, fmt.Errorf("stat cursor: %w", err)
	}
	if stat.IsDir() {
		return Cursor{}, false, fmt.Errorf("cursor path %s is a directory", c.path)
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return Cursor{}, false, fmt.Errorf("read cursor: %w", err)
	}

	var cur Cursor
	if err := json.Unmarshal(data, &cur); err != nil {
		return Cursor{}, false, fmt.Errorf("parse cursor: %w", err)
	}
	if cur.Signature == "" {
		return Cursor{}, false, nil
	}
	return cur, true, nil
}

// Save atomically replaces the cursor file.
func (c *CursorStore) Save(signature string, slot uint64) error {
	if c == nil || c.path == "" {
		return nil
	}

	dir := filepath.Dir(c.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cursor dir: %w", err)
		}
	}

	data, err := json.Marshal(Cursor{
		Signature: signature,
		Slot:      slot,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write cursor tmp: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("rename cursor: %w", err)
	}
	return nil
}
