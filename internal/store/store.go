// Package store defines the durable change store and an in-memory
// implementation.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/inkwell-cms/collab/pkg/model"
)

// ErrDuplicateVersion is returned when a batch contains a (document,
// version) pair that is already persisted or repeated within the batch.
var ErrDuplicateVersion = errors.New("duplicate document version")

// Store persists accepted change records.
type Store interface {
	// Save persists records atomically: either all are stored or none.
	Save(ctx context.Context, records []model.ChangeRecord) error
	// FindMaxVersion returns the highest persisted version of the
	// document, and false when nothing has been persisted.
	FindMaxVersion(ctx context.Context, documentID string) (int64, bool, error)
	// List returns the document's records in version order.
	List(ctx context.Context, documentID string) ([]model.ChangeRecord, error)
	Close() error
}

// Memory is a Store backed by process memory.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]model.ChangeRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]model.ChangeRecord)}
}

// Save implements Store.
func (m *Memory) Save(ctx context.Context, records []model.ChangeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]map[int64]bool)
	for _, r := range records {
		if seen[r.DocumentID] == nil {
			seen[r.DocumentID] = make(map[int64]bool)
			for _, existing := range m.docs[r.DocumentID] {
				seen[r.DocumentID][existing.Version] = true
			}
		}
		if seen[r.DocumentID][r.Version] {
			return ErrDuplicateVersion
		}
		seen[r.DocumentID][r.Version] = true
	}

	for _, r := range records {
		m.docs[r.DocumentID] = append(m.docs[r.DocumentID], r)
	}
	for doc := range seen {
		recs := m.docs[doc]
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].Version < recs[j].Version })
	}
	return nil
}

// FindMaxVersion implements Store.
func (m *Memory) FindMaxVersion(ctx context.Context, documentID string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.docs[documentID]
	if len(recs) == 0 {
		return 0, false, nil
	}
	return recs[len(recs)-1].Version, true, nil
}

// List implements Store.
func (m *Memory) List(ctx context.Context, documentID string) ([]model.ChangeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ChangeRecord, len(m.docs[documentID]))
	copy(out, m.docs[documentID])
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
