package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Checkpoint is the durable progress marker of one crawl. It is
// advanced only after the sink durably accepted a page, so a resumed
// crawl never re-emits completed pages.
type Checkpoint struct {
	// Prefix is the namespace being enumerated.
	Prefix string `json:"prefix"`

	// NextPage is the zero-based index of the next page to fetch.
	NextPage int `json:"next_page"`

	// Count is the cumulative number of identifiers delivered to the
	// sink.
	Count int64 `json:"count"`

	// RunID correlates checkpoint state with log lines across resumes.
	RunID string `json:"run_id"`

	// StartedAt is when the crawl first started.
	StartedAt time.Time `json:"started_at"`

	// UpdatedAt is when the checkpoint was last advanced.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsEmpty returns true if no crawl has been started.
func (c Checkpoint) IsEmpty() bool {
	return c.Prefix == ""
}

// Advance records one completed page of n identifiers.
func (c *Checkpoint) Advance(n int) {
	c.NextPage++
	c.Count += int64(n)
	c.UpdatedAt = time.Now()
}

// Store handles checkpoint persistence for crash recovery. Load returns
// an empty checkpoint and nil error when none exists; Save must be
// atomic; Clear removes the checkpoint on crawl completion.
type Store interface {
	Load(ctx context.Context, prefix string) (Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
	Clear(ctx context.Context, prefix string) error
}

// FileStore implements Store using one JSON file per prefix.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore rooted at the given directory.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the checkpoint file path for a prefix.
func (s *FileStore) Path(prefix string) string {
	name := "checkpoint-" + strings.ReplaceAll(prefix, "/", "_") + ".json"
	return filepath.Join(s.dir, name)
}

// Load retrieves the last saved checkpoint from disk.
func (s *FileStore) Load(ctx context.Context, prefix string) (Checkpoint, error) {
	data, err := os.ReadFile(s.Path(prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, nil
		}
		return Checkpoint{}, err
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// Save persists the checkpoint atomically: write to a temp file, then
// rename, so a crash mid-write cannot corrupt the previous checkpoint.
func (s *FileStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}

	path := s.Path(cp.Prefix)
	tmp := path + ".tmp"

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Clear removes the checkpoint. Missing files are not an error.
func (s *FileStore) Clear(ctx context.Context, prefix string) error {
	err := os.Remove(s.Path(prefix))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
