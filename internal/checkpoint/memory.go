package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	byRun  map[string]*Checkpoint
	closed bool
	tel    *instruments
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		byRun: make(map[string]*Checkpoint),
		tel:   newInstruments("memory", logger),
	}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	c := *cp
	c.State = cp.State.Clone()
	s.byRun[cp.RunID] = &c
	s.tel.saved(ctx)
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	cp, ok := s.byRun[runID]
	if !ok {
		s.tel.loaded(ctx, "not_found")
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	s.tel.loaded(ctx, "ok")
	c := *cp
	c.State = cp.State.Clone()
	return &c, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.byRun, runID)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, projectID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := []*Checkpoint{}
	for _, cp := range s.byRun {
		if cp.ProjectID == projectID {
			c := *cp
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
