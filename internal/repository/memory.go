package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// MemoryRepository keeps artifacts and documents in process memory.
type MemoryRepository struct {
	mu        sync.RWMutex
	artifacts map[string]Artifact
	documents map[string]map[string]pipeline.DocumentRef // project -> id -> ref
	order     map[string]int                             // document registration order
	seq       int
}

// NewMemory returns an empty MemoryRepository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		artifacts: make(map[string]Artifact),
		documents: make(map[string]map[string]pipeline.DocumentRef),
		order:     make(map[string]int),
	}
}

// Save implements Repository.
func (m *MemoryRepository) Save(ctx context.Context, kind ArtifactKind, runID, projectID string, records []any) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, ids, err := prepare(kind, runID, projectID, records, time.Now())
	if err != nil {
		return nil, fmt.Errorf("encoding %s records: %w", kind, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range rows {
		m.artifacts[a.ID] = a
	}
	return ids, nil
}

// DeleteBy implements Repository.
func (m *MemoryRepository) DeleteBy(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	doomed := make(map[string]bool)
	for id, a := range m.artifacts {
		if a.DocumentID == documentID {
			doomed[id] = true
		}
	}
	for grew := true; grew; {
		grew = false
		for id, a := range m.artifacts {
			if !doomed[id] && a.ParentID != "" && doomed[a.ParentID] {
				doomed[id] = true
				grew = true
			}
		}
	}
	for id := range doomed {
		delete(m.artifacts, id)
	}
	return nil
}

// List implements Repository.
func (m *MemoryRepository) List(_ context.Context, projectID string, kind ArtifactKind) ([]Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Artifact{}
	for _, a := range m.artifacts {
		if a.ProjectID == projectID && (kind == "" || a.Kind == kind) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PutDocument implements Documents.
func (m *MemoryRepository) PutDocument(_ context.Context, projectID string, ref pipeline.DocumentRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs, ok := m.documents[projectID]
	if !ok {
		docs = make(map[string]pipeline.DocumentRef)
		m.documents[projectID] = docs
	}
	if _, exists := docs[ref.ID]; !exists {
		m.seq++
		m.order[ref.ID] = m.seq
	}
	docs[ref.ID] = ref
	return nil
}

// GetDocument implements Documents.
func (m *MemoryRepository) GetDocument(_ context.Context, projectID, documentID string) (pipeline.DocumentRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.documents[projectID][documentID]
	if !ok {
		return ref, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	return ref, nil
}

// ListDocuments implements Documents.
func (m *MemoryRepository) ListDocuments(_ context.Context, projectID string) ([]pipeline.DocumentRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]pipeline.DocumentRef, 0, len(m.documents[projectID]))
	for _, ref := range m.documents[projectID] {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] < m.order[out[j].ID] })
	return out, nil
}

// DeleteDocument implements Documents.
func (m *MemoryRepository) DeleteDocument(_ context.Context, projectID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[projectID][documentID]; !ok {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	delete(m.documents[projectID], documentID)
	delete(m.order, documentID)
	return nil
}
