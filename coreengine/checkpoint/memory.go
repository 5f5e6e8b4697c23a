package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
)

// MemoryStore keeps snapshots in process memory. Snapshots are deep-copied
// on the way in and out, so callers never share state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]kernel.Run
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]kernel.Run)}
}

// Name returns the backend name.
func (s *MemoryStore) Name() string { return BackendMemory }

// Save overwrites the snapshot for runID.
func (s *MemoryStore) Save(ctx context.Context, runID string, run kernel.Run) error {
	if runID == "" {
		return ErrEmptyRunID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := run.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = snapshot
	return nil
}

// Load returns the latest snapshot for runID.
func (s *MemoryStore) Load(ctx context.Context, runID string) (kernel.Run, error) {
	if runID == "" {
		return kernel.Run{}, ErrEmptyRunID
	}
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return kernel.Run{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return run.Clone(), nil
}

// List returns up to limit summaries, most recently updated first.
// A non-positive limit returns every snapshot.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]Summary, error) {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, summarize(run))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored runs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
