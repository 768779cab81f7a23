// Package checkpoint persists crawl resume points so an interrupted run can
// pick up after the last fully written page instead of starting over.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Snapshot captures the persisted progress of one crawl worker.
type Snapshot struct {
	RunID     string    `json:"run_id"`
	Worker    int       `json:"worker"`
	LastPage  int       `json:"last_page"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps per-worker snapshots in a single JSON file. Saves replace the
// file atomically so a crash mid-write never leaves a torn checkpoint.
type Store struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewStore creates a store writing to path. The file is created on first save.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Save records that worker finished writing page for the given run.
func (s *Store) Save(runID string, worker, page int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps, err := s.load()
	if err != nil {
		return err
	}
	snaps[worker] = Snapshot{
		RunID:     runID,
		Worker:    worker,
		LastPage:  page,
		UpdatedAt: s.now().UTC(),
	}
	return s.write(snaps)
}

// Load returns the snapshot for worker, if one was recorded.
func (s *Store) Load(worker int) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps, err := s.load()
	if err != nil {
		return Snapshot{}, false, err
	}
	snap, ok := snaps[worker]
	return snap, ok, nil
}

// Clear removes the checkpoint file after a run completes cleanly.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

func (s *Store) load() (map[int]Snapshot, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[int]Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var list []Snapshot
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	snaps := make(map[int]Snapshot, len(list))
	for _, snap := range list {
		snaps[snap.Worker] = snap
	}
	return snaps, nil
}

func (s *Store) write(snaps map[int]Snapshot) error {
	list := make([]Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		list = append(list, snap)
	}

	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}
