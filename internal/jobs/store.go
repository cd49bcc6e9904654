package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrUnknownJob is returned when no record exists for a job id.
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobExists is returned by Create for a duplicate job id.
	ErrJobExists = errors.New("job already exists")
	// ErrStaleStatus is returned by CompareAndSwap when the stored status no
	// longer matches the expected one.
	ErrStaleStatus = errors.New("job status changed concurrently")
)

// Store persists job records. CompareAndSwap replaces the record only while
// its stored status equals prev, which keeps concurrent writers from
// regressing a job.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, jobID string) (Record, error)
	CompareAndSwap(ctx context.Context, prev Status, rec Record) error
	List(ctx context.Context, filter Filter) ([]Record, error)
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.JobID]; ok {
		return ErrJobExists
	}
	s.records[rec.JobID] = rec.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jobID]
	if !ok {
		return Record{}, ErrUnknownJob
	}
	return rec.clone(), nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, prev Status, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[rec.JobID]
	if !ok {
		return ErrUnknownJob
	}
	if current.Status != prev {
		return ErrStaleStatus
	}
	s.records[rec.JobID] = rec.clone()
	return nil
}

// List returns matching records, newest first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if filter.matches(rec) {
			out = append(out, rec.clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].JobID > out[j].JobID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
