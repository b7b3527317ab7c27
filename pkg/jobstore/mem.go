package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/menta2k/debris-scan/pkg/types"
)

// MemStore keeps job records in process memory. It is the default
// store when no MongoDB URI is configured; records do not survive a
// restart.
type MemStore struct {
	mu   sync.RWMutex
	jobs map[string]*types.JobRecord
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]*types.JobRecord)}
}

// Create stores a new record. The stored copy starts at version 1.
func (s *MemStore) Create(ctx context.Context, rec *types.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[rec.ID]; ok {
		return ErrExists
	}
	stored := rec.Clone()
	stored.Version = 1
	if stored.Updated.IsZero() {
		stored.Updated = stored.Created
	}
	s.jobs[rec.ID] = stored
	return nil
}

// Get returns a copy of the record.
func (s *MemStore) Get(ctx context.Context, id string) (*types.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Update applies mutate under the store lock, which makes the
// compare-and-set trivially race free for this backend.
func (s *MemStore) Update(ctx context.Context, id string, mutate func(*types.JobRecord) error) (*types.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := rec.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkTransition(rec, next); err != nil {
		return nil, err
	}
	next.Version = rec.Version + 1
	next.Updated = time.Now().UTC()
	s.jobs[id] = next
	return next.Clone(), nil
}

// List returns copies of all records, newest first.
func (s *MemStore) List(ctx context.Context) ([]*types.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.JobRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.After(out[j].Created)
	})
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemStore) Close(ctx context.Context) error {
	return nil
}
