package upload

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SessionStore persists upload sessions. Implementations must be safe for
// concurrent use; different session ids never contend.
type SessionStore interface {
	// Create stores s. An existing session with the same id is replaced
	// only when its last activity is before staleBefore; otherwise Create
	// fails with ErrDuplicateSession.
	Create(ctx context.Context, s Session, staleBefore time.Time) error
	Get(ctx context.Context, id string) (Session, error)
	// MarkReceived records index as received and returns the updated session.
	MarkReceived(ctx context.Context, id string, index int, at time.Time) (Session, error)
	// SetFinalized flips the finalized flag. Setting it on a session that is
	// already finalized fails with ErrAlreadyFinalized.
	SetFinalized(ctx context.Context, id string, finalized bool, at time.Time) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Session, error)
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Create(_ context.Context, s Session, staleBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[s.ID]; ok && !existing.UpdatedAt.Before(staleBefore) {
		return ErrDuplicateSession
	}
	m.sessions[s.ID] = s.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrUnknownSession
	}
	return s.clone(), nil
}

func (m *MemoryStore) MarkReceived(_ context.Context, id string, index int, at time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrUnknownSession
	}
	s.Received = withReceived(s.Received, index)
	s.UpdatedAt = at
	m.sessions[id] = s
	return s.clone(), nil
}

func (m *MemoryStore) SetFinalized(_ context.Context, id string, finalized bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if finalized && s.Finalized {
		return ErrAlreadyFinalized
	}
	s.Finalized = finalized
	s.UpdatedAt = at
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Session, error) {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
